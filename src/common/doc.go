// Package common contains utilities shared across sectord packages: hex
// encoding helpers, structured store errors, and a test logger.
package common
