package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/kvmesh/lib/collective"
	"github.com/ValentinKolb/kvmesh/rpc/common"
	"github.com/ValentinKolb/kvmesh/rpc/transport/base"
	"github.com/puzpuzpuz/xsync/v3"
)

// client is the connection of one rank to the coordinator. Requests are
// correlated with their responses by sequence number, so collectives of
// different groups may be in flight at the same time.
type client struct {
	conn    net.Conn
	writeMu sync.Mutex
	seq     atomic.Uint64
	pending *xsync.MapOf[uint64, chan *response]

	closeOnce sync.Once
	closeCh   chan struct{}
	err       error // set before closeCh is closed
}

// Dial connects world rank rank to the coordinator at config.Endpoint and
// returns its world communicator. Closing the world communicator closes the connection.
func Dial(ctx context.Context, config common.CoordinatorConfig, rank int) (collective.ICommunicator, error) {
	if config.TimeoutSecond > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(config.TimeoutSecond)*time.Second)
		defer cancel()
	}

	conn, err := dialRetry(ctx, config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to coordinator %s: %w", config.Endpoint, err)
	}

	c := &client{
		conn:    conn,
		pending: xsync.NewMapOf[uint64, chan *response](),
		closeCh: make(chan struct{}),
	}
	go c.readLoop()

	resp, err := c.call(ctx, worldGroup, &request{Op: opJoin, Rank: rank})
	if err != nil {
		c.close(err)
		return nil, fmt.Errorf("rank %d failed to join: %w", rank, err)
	}
	if config.Size > 0 && len(resp.WorldRanks) != config.Size {
		c.close(collective.ErrClosed)
		return nil, fmt.Errorf("coordinator runs a world of %d ranks, expected %d", len(resp.WorldRanks), config.Size)
	}

	collective.Logger.Infof("rank %d connected to coordinator %s", rank, config.Endpoint)
	return &communicator{client: c, group: worldGroup, rank: rank, worldRanks: resp.WorldRanks, world: true}, nil
}

// dialRetry dials endpoint until it succeeds or ctx is done.
// The coordinator may be started after the ranks.
func dialRetry(ctx context.Context, endpoint string) (net.Conn, error) {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", endpoint)
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (c *client) call(ctx context.Context, group uint64, req *request) (*response, error) {
	payload, err := encode(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", req.Op, err)
	}

	seq := c.seq.Add(1)
	ch := make(chan *response, 1)
	c.pending.Store(seq, ch)
	defer c.pending.Delete(seq)

	c.writeMu.Lock()
	err = base.WriteFrame(c.conn, group, seq, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.close(err)
		return nil, fmt.Errorf("failed to send %s request: %w", req.Op, err)
	}

	select {
	case resp := <-ch:
		if resp.Err != "" {
			return nil, errors.New(resp.Err)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closeCh:
		return nil, c.err
	}
}

func (c *client) readLoop() {
	for {
		_, seq, data, err := base.ReadFrame(c.conn, nil)
		if err != nil {
			c.close(fmt.Errorf("coordinator connection lost: %w", err))
			return
		}

		var resp response
		if err := decode(data, &resp); err != nil {
			c.close(fmt.Errorf("invalid coordinator response: %w", err))
			return
		}
		if ch, ok := c.pending.LoadAndDelete(seq); ok {
			ch <- &resp
		}
	}
}

func (c *client) close(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.closeCh)
		c.conn.Close()
	})
}

// --------------------------------------------------------------------------
// Communicator
// --------------------------------------------------------------------------

// communicator implements collective.ICommunicator for one group on the coordinator
type communicator struct {
	client     *client
	group      uint64
	rank       int
	worldRanks []int
	world      bool
}

// --------------------------------------------------------------------------
// Interface Methods (docu see collective.ICommunicator)
// --------------------------------------------------------------------------

func (c *communicator) Rank() int {
	return c.rank
}

func (c *communicator) Size() int {
	return len(c.worldRanks)
}

func (c *communicator) WorldRank(rank int) int {
	if rank < 0 || rank >= len(c.worldRanks) {
		return -1
	}
	return c.worldRanks[rank]
}

func (c *communicator) Barrier(ctx context.Context) error {
	_, err := c.client.call(ctx, c.group, &request{Op: opBarrier, Rank: c.rank})
	return err
}

func (c *communicator) AllGather(ctx context.Context, data []byte) ([][]byte, error) {
	resp, err := c.client.call(ctx, c.group, &request{Op: opAllGather, Rank: c.rank, Data: data})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != c.Size() {
		return nil, fmt.Errorf("all-gather returned %d entries for a group of %d", len(resp.Data), c.Size())
	}
	return resp.Data, nil
}

func (c *communicator) Split(ctx context.Context, color, key int) (collective.ICommunicator, error) {
	resp, err := c.client.call(ctx, c.group, &request{Op: opSplit, Rank: c.rank, Color: color, Key: key})
	if err != nil {
		return nil, err
	}
	if resp.Excluded {
		return nil, nil
	}
	collective.Logger.Debugf("world rank %d joined group %x as rank %d of %d",
		c.WorldRank(c.rank), resp.Group, resp.Rank, len(resp.WorldRanks))
	return &communicator{client: c.client, group: resp.Group, rank: resp.Rank, worldRanks: resp.WorldRanks}, nil
}

func (c *communicator) Close() error {
	if c.world {
		c.client.close(collective.ErrClosed)
	}
	return nil
}
