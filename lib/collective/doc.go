// Package collective defines the collective communication substrate the
// connection manager bootstraps with: rank discovery, barrier, all-gather and
// group splitting.
//
// Implementations:
//
//   - local: all ranks live in one process (tests, single node runs)
//   - tcp: ranks connect to a coordinator process that executes the collectives
//
// Both share the rendezvous engine in internal/rendezvous, so the split
// semantics (ordering by key, Undefined color, world rank mapping) are identical.
package collective
