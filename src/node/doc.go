/*
Package node implements the sectord daemon around the membership consensus
engine.

A node moves through a simple state machine:

	Joining -> CatchingUp -> Running -> (Leaving | Suspended | Shutdown)

Founders skip the join step: they run the genesis key generation among
themselves and start from a genesis state covering the whole address space.
Every other node asks an elder for admission, waits for the AddMember delta
to commit, then catches up on the committed state and key chain before
entering the Running state.

While Running, the node:

  - processes votes from other elders and endorses deltas it agrees with,
    at most one per height so it never equivocates;
  - rotates the section key through the KeyGenManager whenever a commit
    changes the elder set or the section prefix;
  - tracks peer dysfunction and proposes the eviction of peers whose
    weighted issue score crosses the configured threshold;
  - re-broadcasts its votes for heights that stall short of quorum;
  - persists every committed state and the key chain when a store is
    configured.

A consensus invariant violation moves the node to Suspended, where it stops
processing but preserves its state for inspection. SIGINT triggers a
graceful leave: elders propose their own departure and wait for the commit
before shutting down.
*/
package node
