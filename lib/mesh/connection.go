package mesh

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/kvmesh/lib/tag"
	"github.com/ValentinKolb/kvmesh/rpc/common"
	"github.com/ValentinKolb/kvmesh/rpc/transport"
	gometrics "github.com/rcrowley/go-metrics"
)

// gidSize is the size of the GID exchanged over the raw stream
const gidSize = 8

// DataContext is the logical request a message belongs to
type DataContext struct {
	RequestID uint64
	Flags     tag.Flag
}

// ConnectionState is the handshake progress of a connection
type ConnectionState int32

const (
	StateCreated ConnectionState = iota
	StateAddressResolved
	StateTagsAssigned
	StateReady
)

func (s ConnectionState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAddressResolved:
		return "address-resolved"
	case StateTagsAssigned:
		return "tags-assigned"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ConnectionStats are the transfer counters of one connection
type ConnectionStats struct {
	MessagesSent     int64
	MessagesReceived int64
	BytesSent        int64
	BytesReceived    int64
	// SendRate1 and RecvRate1 are one-minute moving averages in bytes per second
	SendRate1 float64
	RecvRate1 float64
}

// Connection is one tag-addressed channel to a peer rank. It is owned by the
// manager and must not be used after the manager was closed.
type Connection struct {
	manager  *Manager
	endpoint transport.IEndpoint
	localGID uint64
	log      *common.RankLogger

	state atomic.Int32

	// set before the connection becomes ready, read-only afterwards
	id        tag.ConnectionID
	addrs     transport.EndpointAddrs
	sendTag   tag.Tag
	recvTag   tag.Tag
	remoteGID uint64

	sentBytes, recvBytes gometrics.Meter
	sentMsgs, recvMsgs   gometrics.Counter
	closeOnce            sync.Once
}

func newConnection(m *Manager, ep transport.IEndpoint) *Connection {
	return &Connection{
		manager:   m,
		endpoint:  ep,
		localGID:  m.localGID,
		log:       common.WithRank(Logger, m.localGID),
		sentBytes: gometrics.NewMeter(),
		recvBytes: gometrics.NewMeter(),
		sentMsgs:  gometrics.NewCounter(),
		recvMsgs:  gometrics.NewCounter(),
	}
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

// ID returns the connection id derived from the socket addresses (zero before the tags are assigned)
func (c *Connection) ID() tag.ConnectionID {
	return c.id
}

// LocalGID returns the world rank of the owning manager
func (c *Connection) LocalGID() uint64 {
	return c.localGID
}

// RemoteGID returns the GID of the peer, valid once the connection is ready
func (c *Connection) RemoteGID() uint64 {
	return c.remoteGID
}

// State returns the handshake progress of the connection
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// SendTag returns the base tag of outgoing messages, request and flags are filled in per message
func (c *Connection) SendTag() tag.Tag {
	return c.sendTag
}

// RecvTag returns the base tag of incoming messages, the send tag of the peer
func (c *Connection) RecvTag() tag.Tag {
	return c.recvTag
}

// Addrs returns the socket addresses the connection was derived from
func (c *Connection) Addrs() transport.EndpointAddrs {
	return c.addrs
}

// Stats returns a snapshot of the transfer counters
func (c *Connection) Stats() ConnectionStats {
	return ConnectionStats{
		MessagesSent:     c.sentMsgs.Count(),
		MessagesReceived: c.recvMsgs.Count(),
		BytesSent:        c.sentBytes.Count(),
		BytesReceived:    c.recvBytes.Count(),
		SendRate1:        c.sentBytes.Rate1(),
		RecvRate1:        c.recvBytes.Rate1(),
	}
}

// String identifies the connection in logs and errors
func (c *Connection) String() string {
	return fmt.Sprintf("connection %s (gid %d -> %d, %s)", c.id, c.localGID, c.remoteGID, c.State())
}

// --------------------------------------------------------------------------
// Data transfer
// --------------------------------------------------------------------------

// Send transmits data tagged with dc and blocks until the transport completed it
func (c *Connection) Send(ctx context.Context, dc DataContext, data []byte) error {
	if err := c.usable(); err != nil {
		return err
	}

	t := c.sendTag.WithRequest(dc.RequestID).WithFlags(dc.Flags)
	if err := c.endpoint.TagSend(ctx, t, data); err != nil {
		return fmt.Errorf("send to rank %d on %s failed: %w", c.remoteGID, c.id, err)
	}

	c.sentMsgs.Inc(1)
	c.sentBytes.Mark(int64(len(data)))
	messagesSent.Inc()
	bytesSent.Add(len(data))
	return nil
}

// Recv blocks until the message of the peer tagged with dc arrived in data.
// A message larger than data fails with transport.ErrMessageTruncated.
func (c *Connection) Recv(ctx context.Context, dc DataContext, data []byte) error {
	if err := c.usable(); err != nil {
		return err
	}

	t := c.recvTag.WithRequest(dc.RequestID).WithFlags(dc.Flags)
	n, err := c.endpoint.TagRecv(ctx, t, data)
	if err != nil {
		return fmt.Errorf("receive from rank %d on %s failed: %w", c.remoteGID, c.id, err)
	}

	c.observeRecv(n)
	return nil
}

func (c *Connection) usable() error {
	if c.manager.closed.Load() {
		return ErrManagerClosed
	}
	if s := c.State(); s != StateReady {
		return fmt.Errorf("%w: %s is %s", ErrConnectionNotReady, c.id, s)
	}
	return nil
}

func (c *Connection) observeRecv(n int) {
	c.recvMsgs.Inc(1)
	c.recvBytes.Mark(int64(n))
	messagesReceived.Inc()
	bytesReceived.Add(n)
}

// --------------------------------------------------------------------------
// Handshake
// --------------------------------------------------------------------------

// initializeEndpointTag resolves the socket addresses of the endpoint and derives
// the connection id and the tag pair. The endpoint connects asynchronously, so
// transport.ErrNotConnected is retried up to maxTries times.
func (c *Connection) initializeEndpointTag(ctx context.Context, maxTries int, backoff time.Duration) error {
	var addrs transport.EndpointAddrs
	var err error
	for try := 1; ; try++ {
		addrs, err = c.endpoint.Query()
		if err == nil {
			break
		}
		if !errors.Is(err, transport.ErrNotConnected) {
			return fmt.Errorf("endpoint query failed: %w", err)
		}
		if try >= maxTries {
			return fmt.Errorf("endpoint not connected after %d tries: %w", maxTries, err)
		}

		c.log.Debugf("endpoint not connected yet (try %d/%d)", try, maxTries)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	id, err := tag.ConnectionIDFromAddrs(addrs.Local, addrs.Remote)
	if err != nil {
		return err
	}
	c.addrs = addrs
	c.id = id
	c.state.Store(int32(StateAddressResolved))

	local, remote := uint16(addrs.Local.Port), uint16(addrs.Remote.Port)
	c.sendTag = tag.Send(local, remote, 0, 0)
	c.recvTag = tag.Recv(local, remote, 0, 0)
	c.state.Store(int32(StateTagsAssigned))
	return nil
}

// sendGID transmits the local GID over the raw stream
func (c *Connection) sendGID(ctx context.Context) error {
	var buf [gidSize]byte
	binary.LittleEndian.PutUint64(buf[:], c.localGID)
	return c.endpoint.StreamSend(ctx, buf[:])
}

// recvGID receives the GID of the peer from the raw stream
func (c *Connection) recvGID(ctx context.Context) (uint64, error) {
	var buf [gidSize]byte
	if err := c.endpoint.StreamRecv(ctx, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// markReady records the peer GID and enables Send and Recv
func (c *Connection) markReady(remoteGID uint64) {
	c.remoteGID = remoteGID
	c.state.Store(int32(StateReady))
	connectionsOpened.Inc()
}

// close releases the endpoint and the meters of the connection
func (c *Connection) close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.endpoint.Close()
		c.sentBytes.Stop()
		c.recvBytes.Stop()
		if c.State() == StateReady {
			connectionsClosed.Inc()
		}
	})
	return err
}
