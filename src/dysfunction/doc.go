/*
Package dysfunction converts raw operational signals into actionable
suspicion. Each peer carries one exponentially decayed counter per issue
kind; weights and decay make a sustained pattern of misbehavior stand out
while transient problems self-heal without manual reset.

The tracker never mutates membership. When a peer's weighted score crosses
the eviction threshold it emits an EvictionCandidate for the consensus layer
to act on; consensus is the sole authority over membership changes.
*/
package dysfunction
