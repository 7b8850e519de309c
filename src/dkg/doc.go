/*
Package dkg implements distributed key generation and threshold signatures
for section keys.

Key generation follows the Feldman verifiable-secret-sharing construction
over secp256k1: every participant deals a random polynomial of degree t-1,
broadcasts a public commitment to its coefficients, and sends each other
participant an encrypted evaluation of the polynomial at that participant's
index. Shares are verified against the dealer's commitment before being
accepted; a dealer whose share fails verification is excluded. The session is
an explicit state machine (Committing -> Verifying -> Complete | Aborted) so
that suspension points and retry boundaries are enumerable and testable
independently of any concurrency primitive.

The resulting group key signs with a t-of-n threshold Schnorr scheme: signers
exchange nonce commitments, then combine partial signatures weighted by
Lagrange coefficients. The aggregate verifies against the single group public
key, which is what the key chain stores.
*/
package dkg
