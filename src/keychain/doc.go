// Package keychain maintains the append-only chain of section signing keys.
// Each link is attested by a threshold signature from the previous link's
// key, so any party holding the chain can verify the section's authority
// across key rotations without knowing every historical elder set.
package keychain
