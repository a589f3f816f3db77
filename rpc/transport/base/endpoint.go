package base

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/ValentinKolb/kvmesh/lib/tag"
	"github.com/ValentinKolb/kvmesh/rpc/transport"
	"github.com/hashicorp/yamux"
)

type endpointState int

const (
	stateConnecting endpointState = iota
	stateConnected
	stateFailed
	stateClosed
)

// endpoint implements transport.IEndpoint on top of one multiplexed connection.
// The first stream opened by the dialing side is the raw stream, the second
// one carries tagged frames.
type endpoint struct {
	id     uint64
	worker *worker

	mu      sync.Mutex // protects the fields below
	state   endpointState
	failure error
	conn    net.Conn
	session *yamux.Session
	raw     *yamux.Stream
	tagged  *yamux.Stream

	ready         chan struct{} // closed when the endpoint leaves stateConnecting
	closeCh       chan struct{}
	closeOnce     sync.Once
	cancelConnect context.CancelFunc
	connectCtx    context.Context

	rawWriteMu sync.Mutex
	rawReadMu  sync.Mutex
	tagWriteMu sync.Mutex
	seq        uint64 // protected by tagWriteMu

	recvErr error // end of the tagged stream, protected by worker.matcher.mu
}

func newEndpoint(id uint64, w *worker) *endpoint {
	ctx, cancel := context.WithCancel(context.Background())
	return &endpoint{
		id:            id,
		worker:        w,
		ready:         make(chan struct{}),
		closeCh:       make(chan struct{}),
		connectCtx:    ctx,
		cancelConnect: cancel,
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IEndpoint)
// --------------------------------------------------------------------------

func (ep *endpoint) StreamSend(ctx context.Context, data []byte) error {
	raw, _, err := ep.streams(ctx)
	if err != nil {
		return err
	}

	ep.rawWriteMu.Lock()
	defer ep.rawWriteMu.Unlock()

	err = withContext(ctx, raw.SetWriteDeadline, func() error {
		_, err := raw.Write(data)
		return err
	})
	if err != nil {
		ep.fail(fmt.Errorf("stream send failed: %w", err))
	}
	return err
}

func (ep *endpoint) StreamRecv(ctx context.Context, data []byte) error {
	raw, _, err := ep.streams(ctx)
	if err != nil {
		return err
	}

	ep.rawReadMu.Lock()
	defer ep.rawReadMu.Unlock()

	err = withContext(ctx, raw.SetReadDeadline, func() error {
		_, err := io.ReadFull(raw, data)
		return err
	})
	if err != nil {
		ep.fail(fmt.Errorf("stream receive failed: %w", err))
	}
	return err
}

func (ep *endpoint) TagSend(ctx context.Context, t tag.Tag, data []byte) error {
	_, tagged, err := ep.streams(ctx)
	if err != nil {
		return err
	}

	ep.tagWriteMu.Lock()
	defer ep.tagWriteMu.Unlock()

	ep.seq++
	err = withContext(ctx, tagged.SetWriteDeadline, func() error {
		return WriteFrame(tagged, uint64(t), ep.seq, data)
	})
	if err != nil {
		// a partially written frame corrupts the stream
		ep.fail(fmt.Errorf("tagged send failed: %w", err))
	}
	return err
}

// TagRecv completes with messages that arrived before the endpoint failed.
// Only a local Close discards them.
func (ep *endpoint) TagRecv(ctx context.Context, t tag.Tag, data []byte) (int, error) {
	select {
	case <-ep.ready:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	r := newRecvRequest(t, tag.MaskAll, data, ep)
	ep.worker.matcher.post(r)
	err := ep.worker.matcher.wait(ctx, r)
	return r.n, err
}

func (ep *endpoint) Query() (transport.EndpointAddrs, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	switch ep.state {
	case stateConnecting:
		return transport.EndpointAddrs{}, transport.ErrNotConnected
	case stateFailed:
		return transport.EndpointAddrs{}, ep.failure
	case stateClosed:
		return transport.EndpointAddrs{}, transport.ErrClosed
	}

	local, okLocal := ep.conn.LocalAddr().(*net.TCPAddr)
	remote, okRemote := ep.conn.RemoteAddr().(*net.TCPAddr)
	if !okLocal || !okRemote {
		return transport.EndpointAddrs{}, fmt.Errorf("endpoint %d is not backed by a TCP connection", ep.id)
	}
	return transport.EndpointAddrs{Local: local, Remote: remote}, nil
}

func (ep *endpoint) Close() error {
	var err error
	ep.closeOnce.Do(func() {
		ep.mu.Lock()
		prev := ep.state
		ep.state = stateClosed
		if prev == stateConnecting {
			close(ep.ready)
		}
		conn, session := ep.conn, ep.session
		ep.mu.Unlock()

		ep.cancelConnect()
		close(ep.closeCh)

		if session != nil {
			err = session.Close()
		} else if conn != nil {
			err = conn.Close()
		}

		ep.worker.endpoints.Delete(ep.id)
		ep.worker.matcher.failOwner(ep, transport.ErrClosed)
	})
	return err
}

// --------------------------------------------------------------------------
// Connection establishment
// --------------------------------------------------------------------------

// connectClient dials address and opens the raw and tagged streams
func (ep *endpoint) connectClient(address string) {
	ctx := ep.connectCtx
	if timeout := ep.worker.config.DialTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, err := ep.worker.connector.Connect(ctx, address)
	if err != nil {
		ep.fail(fmt.Errorf("failed to connect to %s: %w", address, err))
		return
	}
	if !ep.attach(conn) {
		return
	}
	if err := ep.worker.connector.UpgradeConnection(conn, ep.worker.config); err != nil {
		ep.fail(fmt.Errorf("failed to upgrade connection to %s: %w", address, err))
		return
	}

	session, err := yamux.Client(conn, ep.worker.muxConfig)
	if err != nil {
		ep.fail(fmt.Errorf("failed to create session to %s: %w", address, err))
		return
	}
	raw, err := session.OpenStream()
	if err != nil {
		session.Close()
		ep.fail(fmt.Errorf("failed to open raw stream to %s: %w", address, err))
		return
	}
	tagged, err := session.OpenStream()
	if err != nil {
		session.Close()
		ep.fail(fmt.Errorf("failed to open tagged stream to %s: %w", address, err))
		return
	}

	ep.established(session, raw, tagged)
}

// connectServer accepts the raw and tagged streams of an inbound connection
func (ep *endpoint) connectServer(conn net.Conn) {
	if !ep.attach(conn) {
		return
	}

	// bound the handshake, a peer that never opens its streams would block AcceptStream forever
	var timer *time.Timer
	if timeout := ep.worker.config.DialTimeout(); timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			ep.abortConnect(fmt.Errorf("handshake with %s timed out after %s", conn.RemoteAddr(), timeout))
		})
		defer timer.Stop()
	}

	session, err := yamux.Server(conn, ep.worker.muxConfig)
	if err != nil {
		ep.fail(fmt.Errorf("failed to create session for %s: %w", conn.RemoteAddr(), err))
		return
	}
	raw, err := session.AcceptStream()
	if err != nil {
		session.Close()
		ep.fail(fmt.Errorf("failed to accept raw stream from %s: %w", conn.RemoteAddr(), err))
		return
	}
	tagged, err := session.AcceptStream()
	if err != nil {
		session.Close()
		ep.fail(fmt.Errorf("failed to accept tagged stream from %s: %w", conn.RemoteAddr(), err))
		return
	}

	if timer != nil {
		// a timer that already fired has failed the endpoint, established then drops the session
		timer.Stop()
	}
	ep.established(session, raw, tagged)
}

// attach records the underlying connection so that Close can release it.
// It returns false if the endpoint was closed in the meantime.
func (ep *endpoint) attach(conn net.Conn) bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.state != stateConnecting {
		conn.Close()
		return false
	}
	ep.conn = conn
	return true
}

// established moves the endpoint to stateConnected and starts the reader
func (ep *endpoint) established(session *yamux.Session, raw, tagged *yamux.Stream) {
	ep.mu.Lock()
	if ep.state != stateConnecting {
		ep.mu.Unlock()
		session.Close()
		return
	}
	ep.session = session
	ep.raw = raw
	ep.tagged = tagged
	ep.state = stateConnected
	close(ep.ready)
	ep.mu.Unlock()

	Logger.Debugf("endpoint %d connected (%s -> %s)", ep.id, ep.conn.LocalAddr(), ep.conn.RemoteAddr())
	go ep.readLoop(tagged)
}

// fail moves the endpoint to stateFailed and releases its connection
func (ep *endpoint) fail(err error) {
	ep.failIn(err, stateConnecting, stateConnected)
}

// abortConnect fails the endpoint only while it is still connecting
func (ep *endpoint) abortConnect(err error) {
	ep.failIn(err, stateConnecting)
}

func (ep *endpoint) failIn(err error, states ...endpointState) {
	ep.mu.Lock()
	prev := ep.state
	if !slices.Contains(states, prev) {
		ep.mu.Unlock()
		return
	}
	if prev == stateConnecting {
		close(ep.ready)
	}
	ep.state = stateFailed
	ep.failure = err
	conn, session := ep.conn, ep.session
	ep.mu.Unlock()

	if session != nil {
		session.Close()
	} else if conn != nil {
		conn.Close()
	}
	Logger.Debugf("endpoint %d failed: %v", ep.id, err)

	// a connected endpoint reports the end of its stream through the read loop,
	// behind the messages it already received
	if prev == stateConnecting {
		ep.worker.matcher.finishOwner(ep, err)
	}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// readLoop reads tagged frames and hands them to the worker's progress loop.
// The end of the stream is handed over last, so frames read before it stay receivable.
func (ep *endpoint) readLoop(tagged *yamux.Stream) {
	for {
		key, _, data, err := ReadFrame(tagged, nil)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("peer closed endpoint: %w", transport.ErrClosed)
			}
			ep.fail(err)
			if first := ep.err(); first != nil {
				err = first
			}
			ep.push(inbound{from: ep, err: err})
			return
		}

		if !ep.push(inbound{tag: tag.Tag(key), data: data, from: ep}) {
			return
		}
	}
}

// push hands msg to the progress loop. It returns false once the endpoint or worker is closed.
func (ep *endpoint) push(msg inbound) bool {
	select {
	case ep.worker.incoming <- msg:
		return true
	case <-ep.closeCh:
		return false
	case <-ep.worker.closeCh:
		return false
	}
}

// streams waits until the endpoint is connected and returns its streams
func (ep *endpoint) streams(ctx context.Context) (*yamux.Stream, *yamux.Stream, error) {
	select {
	case <-ep.ready:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()

	switch ep.state {
	case stateConnected:
		return ep.raw, ep.tagged, nil
	case stateFailed:
		return nil, nil, ep.failure
	default:
		return nil, nil, transport.ErrClosed
	}
}

// err returns the failure of the endpoint, if any
func (ep *endpoint) err() error {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	switch ep.state {
	case stateFailed:
		return ep.failure
	case stateClosed:
		return transport.ErrClosed
	default:
		return nil
	}
}

// withContext runs op with the stream deadline bound to ctx
func withContext(ctx context.Context, setDeadline func(time.Time) error, op func() error) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = setDeadline(deadline)
	}

	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = setDeadline(time.Now())
		close(fired)
	})

	err := op()
	if !stop() {
		<-fired
		if err != nil {
			err = ctx.Err()
		}
	}
	_ = setDeadline(time.Time{})
	return err
}
