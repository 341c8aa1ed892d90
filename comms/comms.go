// Package comms defines the process-group abstraction the dispatch engine communicates
// through: point-to-point sends/receives batched as non-blocking operations, plus the
// broadcast / all-gather / all-reduce collectives that generic redistribution needs.
//
// The Group interface is the boundary to the underlying communication layer. The
// package also provides World, an in-process implementation connecting the ranks of
// one OS process with channels -- used by tests and examples, and useful to validate
// sharded computations without any network transport.
package comms

import (
	"github.com/gomlx/dtensor/tensor"
)

// P2PKind distinguishes the two directions of a point-to-point operation.
type P2PKind int

const (
	// P2PSend sends Tensor to Peer.
	P2PSend P2PKind = iota

	// P2PRecv receives from Peer into Tensor, which must be preallocated with the
	// expected shape and dtype.
	P2PRecv
)

// P2POp is one point-to-point operation of a batch.
type P2POp struct {
	Kind   P2PKind
	Peer   int
	Tensor *tensor.Tensor
}

// Work is the handle of one outstanding communication operation.
type Work interface {
	// Wait blocks until the operation completes and returns its error, if any.
	Wait() error
}

// Group is one rank's handle to a communicator over a fixed set of ranks.
//
// All collective calls must be entered by every rank of the group, in the same order
// (SPMD execution). None of the calls have timeouts: a mismatched collective blocks
// indefinitely, and detecting that is the responsibility of the implementation behind
// the interface.
type Group interface {
	// Rank returns this handle's rank in [0, WorldSize).
	Rank() int

	// WorldSize returns the number of ranks in the group.
	WorldSize() int

	// BatchP2P starts all the given point-to-point operations without blocking and
	// returns one Work per operation. Receives fill the P2POp's preallocated tensor.
	BatchP2P(ops []P2POp) ([]Work, error)

	// Broadcast returns root's tensor on every rank. Non-root ranks may pass nil.
	Broadcast(root int, t *tensor.Tensor) (*tensor.Tensor, error)

	// AllGather returns every rank's tensor, indexed by rank.
	AllGather(t *tensor.Tensor) ([]*tensor.Tensor, error)

	// AllReduceSum returns the element-wise sum of every rank's tensor.
	AllReduceSum(t *tensor.Tensor) (*tensor.Tensor, error)
}

// WaitAll waits on all the given work handles and returns the first error found.
func WaitAll(works []Work) error {
	var firstErr error
	for _, w := range works {
		if err := w.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
