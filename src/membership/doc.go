/*
Package membership is the section's voting state machine and the single
writer of the authoritative section state. Joins, evictions, splits and
merges are expressed as deltas; a delta commits at a height once a quorum of
elders has signed the byte-identical serialized form. Commits are strictly
ordered by height, install immutable snapshots, and trigger a threshold key
rotation whenever the elder set changes.

Readers consume snapshots through View and never block the writer.
*/
package membership
