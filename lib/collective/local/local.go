package local

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ValentinKolb/kvmesh/lib/collective"
	"github.com/ValentinKolb/kvmesh/lib/collective/internal/rendezvous"
)

// communicator is one member of an in-process group
type communicator struct {
	group  *rendezvous.Group
	rank   int
	closed atomic.Bool
}

// NewWorld creates size communicators sharing one in-process world group.
// Element i is the communicator of world rank i.
func NewWorld(size int) []collective.ICommunicator {
	g := rendezvous.NewWorld(0, size)
	comms := make([]collective.ICommunicator, size)
	for i := range comms {
		comms[i] = &communicator{group: g, rank: i}
	}
	return comms
}

// --------------------------------------------------------------------------
// Interface Methods (docu see collective.ICommunicator)
// --------------------------------------------------------------------------

func (c *communicator) Rank() int {
	return c.rank
}

func (c *communicator) Size() int {
	return c.group.Size()
}

func (c *communicator) WorldRank(rank int) int {
	return c.group.WorldRank(rank)
}

func (c *communicator) Barrier(ctx context.Context) error {
	if c.closed.Load() {
		return collective.ErrClosed
	}
	return c.group.Barrier(ctx, c.rank)
}

func (c *communicator) AllGather(ctx context.Context, data []byte) ([][]byte, error) {
	if c.closed.Load() {
		return nil, collective.ErrClosed
	}
	return c.group.AllGather(ctx, c.rank, data)
}

func (c *communicator) Split(ctx context.Context, color, key int) (collective.ICommunicator, error) {
	if c.closed.Load() {
		return nil, collective.ErrClosed
	}
	m, err := c.group.Split(ctx, c.rank, color, key)
	if err != nil {
		return nil, fmt.Errorf("split of rank %d failed: %w", c.rank, err)
	}
	if m.Group == nil {
		return nil, nil
	}
	collective.Logger.Debugf("world rank %d joined group %x as rank %d of %d",
		c.group.WorldRank(c.rank), m.Group.ID(), m.Rank, m.Group.Size())
	return &communicator{group: m.Group, rank: m.Rank}, nil
}

func (c *communicator) Close() error {
	c.closed.Store(true)
	return nil
}
