package comms

import (
	"github.com/gomlx/dtensor/tensor"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// World is an in-process communicator: every rank is a goroutine of the same OS
// process and messages travel over channels. Pairwise ordering is FIFO, which is what
// makes matched SPMD collectives over the point-to-point mailboxes deterministic.
type World struct {
	size int

	// mailboxes[src][dst] carries tensors sent from rank src to rank dst.
	mailboxes [][]chan *tensor.Tensor
}

// localGroup is one rank's handle to a World.
type localGroup struct {
	world *World
	rank  int
}

// NewWorld creates an in-process communicator with the given number of ranks and
// returns one Group handle per rank. Each handle must be used by a single goroutine.
func NewWorld(size int) ([]Group, error) {
	if size < 1 {
		return nil, errors.Errorf("World size must be >= 1, got %d", size)
	}
	w := &World{size: size, mailboxes: make([][]chan *tensor.Tensor, size)}
	for src := range w.mailboxes {
		w.mailboxes[src] = make([]chan *tensor.Tensor, size)
		for dst := range w.mailboxes[src] {
			// Capacity 1 lets a matched send/recv pair complete without a rendezvous;
			// sends run in their own goroutine so deeper bursts never deadlock.
			w.mailboxes[src][dst] = make(chan *tensor.Tensor, 1)
		}
	}
	groups := make([]Group, size)
	for rank := range groups {
		groups[rank] = &localGroup{world: w, rank: rank}
	}
	return groups, nil
}

func (g *localGroup) Rank() int {
	return g.rank
}

func (g *localGroup) WorldSize() int {
	return g.world.size
}

func (g *localGroup) checkPeer(peer int) error {
	if peer < 0 || peer >= g.world.size {
		return errors.Errorf("peer rank %d out of range for world of size %d", peer, g.world.size)
	}
	return nil
}

// localWork implements Work for in-process operations.
type localWork struct {
	done chan struct{}
	err  error
}

func (w *localWork) Wait() error {
	<-w.done
	return w.err
}

func (g *localGroup) BatchP2P(ops []P2POp) ([]Work, error) {
	works := make([]Work, len(ops))
	// Operations toward the same peer must complete in issue order, otherwise two
	// receives from one peer could swap payloads. Each operation chains on the
	// previous one of the same kind toward the same peer.
	prevSend := make(map[int]*localWork)
	prevRecv := make(map[int]*localWork)
	for i, op := range ops {
		if err := g.checkPeer(op.Peer); err != nil {
			return nil, err
		}
		if op.Tensor == nil {
			return nil, errors.Errorf("p2p operation #%d has no tensor", i)
		}
		work := &localWork{done: make(chan struct{})}
		works[i] = work
		switch op.Kind {
		case P2PSend:
			payload := op.Tensor.Clone()
			mailbox := g.world.mailboxes[g.rank][op.Peer]
			prev := prevSend[op.Peer]
			prevSend[op.Peer] = work
			klog.V(3).Infof("rank %d: isend %s to rank %d", g.rank, payload.Shape(), op.Peer)
			go func() {
				if prev != nil {
					<-prev.done
				}
				mailbox <- payload
				close(work.done)
			}()
		case P2PRecv:
			mailbox := g.world.mailboxes[op.Peer][g.rank]
			dst := op.Tensor
			peer := op.Peer
			prev := prevRecv[op.Peer]
			prevRecv[op.Peer] = work
			klog.V(3).Infof("rank %d: irecv %s from rank %d", g.rank, dst.Shape(), peer)
			go func() {
				if prev != nil {
					<-prev.done
				}
				received := <-mailbox
				if !received.Shape().Equal(dst.Shape()) {
					work.err = errors.Errorf("rank %d received %s from rank %d, expected %s",
						g.rank, received.Shape(), peer, dst.Shape())
				} else {
					copy(dst.Float32(), received.Float32())
					copy(dst.Float64(), received.Float64())
				}
				close(work.done)
			}()
		default:
			return nil, errors.Errorf("p2p operation #%d has invalid kind %d", i, op.Kind)
		}
	}
	return works, nil
}

func (g *localGroup) Broadcast(root int, t *tensor.Tensor) (*tensor.Tensor, error) {
	if err := g.checkPeer(root); err != nil {
		return nil, err
	}
	if g.world.size == 1 {
		return t.Clone(), nil
	}
	if g.rank == root {
		if t == nil {
			return nil, errors.Errorf("Broadcast root rank %d must provide a tensor", root)
		}
		for dst := 0; dst < g.world.size; dst++ {
			if dst == root {
				continue
			}
			payload := t.Clone()
			mailbox := g.world.mailboxes[root][dst]
			go func() {
				mailbox <- payload
			}()
		}
		return t.Clone(), nil
	}
	return <-g.world.mailboxes[root][g.rank], nil
}

func (g *localGroup) AllGather(t *tensor.Tensor) ([]*tensor.Tensor, error) {
	if t == nil {
		return nil, errors.New("AllGather requires a tensor")
	}
	results := make([]*tensor.Tensor, g.world.size)
	results[g.rank] = t.Clone()
	for dst := 0; dst < g.world.size; dst++ {
		if dst == g.rank {
			continue
		}
		payload := t.Clone()
		mailbox := g.world.mailboxes[g.rank][dst]
		go func() {
			mailbox <- payload
		}()
	}
	for src := 0; src < g.world.size; src++ {
		if src == g.rank {
			continue
		}
		results[src] = <-g.world.mailboxes[src][g.rank]
	}
	return results, nil
}

func (g *localGroup) AllReduceSum(t *tensor.Tensor) (*tensor.Tensor, error) {
	gathered, err := g.AllGather(t)
	if err != nil {
		return nil, err
	}
	// Summing in rank order keeps the result bit-identical on every rank.
	sum := gathered[0].Clone()
	for _, other := range gathered[1:] {
		if err := sum.AddInPlace(other); err != nil {
			return nil, errors.WithMessagef(err, "AllReduceSum on rank %d", g.rank)
		}
	}
	return sum, nil
}
