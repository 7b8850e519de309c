/*
Package net provides the transport layer that carries section traffic
between nodes: consensus votes, key-generation envelopes, anti-entropy
section info, and join requests.

Transport is the interface consumed by the node. InmemTransport routes RPCs
between in-process transports for tests. NetworkTransport rides on a
StreamLayer (plain TCP here) and frames each RPC with a one-byte type tag
followed by the JSON-encoded request; responses are an error string followed
by the response object.
*/
package net
