/*
Package store persists committed section state so a restarting node does not
re-derive consensus from scratch. Snapshots are stored per height with a
latest-height pointer, and the key chain is stored whole; both are written
with the canonical codec. A loaded state may be behind the network's current
height; the node catches up from peers.

InmemStore backs tests and ephemeral nodes; BadgerStore wraps it with a
durable badger database.
*/
package store
