// Package keys wraps ECDSA key generation, parsing, signing, and storage on
// the secp256k1 curve. Node identity keys, DKG polynomial scalars, and
// threshold section signatures all share this group.
package keys
