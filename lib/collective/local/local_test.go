package local

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/kvmesh/lib/collective"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestBarrier(t *testing.T) {
	comms := NewWorld(3)
	var entered atomic.Int32

	var eg errgroup.Group
	for _, c := range comms {
		eg.Go(func() error {
			entered.Add(1)
			if err := c.Barrier(context.Background()); err != nil {
				return err
			}
			// nobody leaves before everyone entered
			assert.Equal(t, int32(3), entered.Load())
			return nil
		})
	}
	require.NoError(t, eg.Wait())
}

func TestBarrierTimeout(t *testing.T) {
	comms := NewWorld(2)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, comms[0].Barrier(ctx), context.DeadlineExceeded)
}

func TestAllGather(t *testing.T) {
	comms := NewWorld(3)
	out := make([][][]byte, 3)

	var eg errgroup.Group
	for i, c := range comms {
		eg.Go(func() error {
			var err error
			out[i], err = c.AllGather(context.Background(), []byte{byte(i)})
			return err
		})
	}
	require.NoError(t, eg.Wait())
	for i := range comms {
		assert.Equal(t, [][]byte{{0}, {1}, {2}}, out[i])
	}
}

func TestSplitExcludesRankZero(t *testing.T) {
	comms := NewWorld(4)
	subs := make([]collective.ICommunicator, 4)

	var eg errgroup.Group
	for i, c := range comms {
		eg.Go(func() error {
			color := 300
			if i == 0 {
				color = collective.Undefined
			}
			var err error
			subs[i], err = c.Split(context.Background(), color, i)
			return err
		})
	}
	require.NoError(t, eg.Wait())

	assert.Nil(t, subs[0])
	for i := 1; i < 4; i++ {
		require.NotNil(t, subs[i])
		assert.Equal(t, 3, subs[i].Size())
		assert.Equal(t, i-1, subs[i].Rank())
		for r := 0; r < 3; r++ {
			assert.Equal(t, r+1, subs[i].WorldRank(r))
		}
	}

	// the sub group runs its own collectives
	eg = errgroup.Group{}
	for i := 1; i < 4; i++ {
		eg.Go(func() error { return subs[i].Barrier(context.Background()) })
	}
	require.NoError(t, eg.Wait())
}

func TestClosed(t *testing.T) {
	comms := NewWorld(1)
	require.NoError(t, comms[0].Close())
	assert.ErrorIs(t, comms[0].Barrier(context.Background()), collective.ErrClosed)
	_, err := comms[0].AllGather(context.Background(), nil)
	assert.ErrorIs(t, err, collective.ErrClosed)
}
