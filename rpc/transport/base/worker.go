package base

import (
	"context"
	"fmt"
	"io"
	"net"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/kvmesh/lib/tag"
	"github.com/ValentinKolb/kvmesh/rpc/common"
	"github.com/ValentinKolb/kvmesh/rpc/transport"
	"github.com/hashicorp/yamux"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
)

var Logger = logger.GetLogger("transport")

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IConnector defines the interface for transport-specific connection operations
type IConnector interface {
	// Connect establishes a single connection to endpoint
	Connect(ctx context.Context, endpoint string) (net.Conn, error)

	// Listen creates a listener on endpoint
	Listen(endpoint string) (net.Listener, error)

	// GetName returns the name of the transport type (e.g. "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an established connection
	UpgradeConnection(conn net.Conn, config common.TransportConfig) error
}

// -----------------------------------------------------------
// Context
// -----------------------------------------------------------

// transportContext creates workers sharing one connector and configuration
type transportContext struct {
	connector  IConnector
	config     common.TransportConfig
	nextWorker atomic.Uint64
}

// NewContext creates a new base transport context with the specified connector
func NewContext(connector IConnector, config common.TransportConfig) transport.IContext {
	return &transportContext{
		connector: connector,
		config:    config,
	}
}

func (c *transportContext) GetName() string {
	return c.connector.GetName()
}

func (c *transportContext) CreateWorker() (transport.IWorker, error) {
	muxConfig := yamux.DefaultConfig()
	muxConfig.LogOutput = io.Discard
	if c.config.StreamWindowSize > 0 {
		muxConfig.MaxStreamWindowSize = c.config.StreamWindowSize
	}
	if c.config.TCPKeepAliveSec <= 0 {
		// keep-alive is delegated to the socket options
		muxConfig.EnableKeepAlive = false
	}
	if err := yamux.VerifyConfig(muxConfig); err != nil {
		return nil, fmt.Errorf("invalid multiplexer configuration: %w", err)
	}

	queueLen := c.config.MaxPendingMessages
	if queueLen <= 0 {
		queueLen = 1
	}

	w := &worker{
		id:        c.nextWorker.Add(1),
		connector: c.connector,
		config:    c.config,
		muxConfig: muxConfig,
		incoming:  make(chan inbound, queueLen),
		endpoints: xsync.NewMapOf[uint64, *endpoint](),
		listeners: xsync.NewMapOf[*listener, struct{}](),
		closeCh:   make(chan struct{}),
	}
	Logger.Debugf("created %s worker %d", c.connector.GetName(), w.id)
	return w, nil
}

// -----------------------------------------------------------
// Worker
// -----------------------------------------------------------

// worker implements transport.IWorker independent of the transport medium
type worker struct {
	id        uint64
	connector IConnector
	config    common.TransportConfig
	muxConfig *yamux.Config

	matcher  matcher
	incoming chan inbound

	endpoints    *xsync.MapOf[uint64, *endpoint]
	listeners    *xsync.MapOf[*listener, struct{}]
	nextEndpoint atomic.Uint64

	progressMu   sync.Mutex
	progressStop chan struct{}
	progressDone chan struct{}

	closed  atomic.Bool
	closeCh chan struct{}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IWorker)
// --------------------------------------------------------------------------

func (w *worker) StartProgress(onStart func() error) error {
	w.progressMu.Lock()
	defer w.progressMu.Unlock()

	if w.closed.Load() {
		return transport.ErrClosed
	}
	if w.progressStop != nil {
		return transport.ErrProgressRunning
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	started := make(chan error, 1)
	go w.progress(onStart, stop, done, started)

	if err := <-started; err != nil {
		return fmt.Errorf("progress start callback of worker %d failed: %w", w.id, err)
	}
	w.progressStop = stop
	w.progressDone = done
	return nil
}

func (w *worker) StopProgress() error {
	w.progressMu.Lock()
	defer w.progressMu.Unlock()

	if w.progressStop == nil {
		return nil
	}
	close(w.progressStop)
	<-w.progressDone
	w.progressStop = nil
	w.progressDone = nil
	return nil
}

func (w *worker) CreateListener(port uint16, cb transport.ListenerCallback) (transport.IListener, error) {
	if w.closed.Load() {
		return nil, transport.ErrClosed
	}
	if cb == nil {
		return nil, fmt.Errorf("listener callback must not be nil")
	}

	nl, err := w.connector.Listen(":" + strconv.Itoa(int(port)))
	if err != nil {
		return nil, fmt.Errorf("failed to create listener on port %d: %w", port, err)
	}

	l := newListener(w, nl, cb)
	w.listeners.Store(l, struct{}{})
	go l.acceptLoop()

	Logger.Infof("worker %d listening on port %d (%s)", w.id, l.port, w.connector.GetName())
	return l, nil
}

func (w *worker) Dial(host string, port uint16) (transport.IEndpoint, error) {
	if w.closed.Load() {
		return nil, transport.ErrClosed
	}

	address := net.JoinHostPort(host, strconv.Itoa(int(port)))
	ep := w.newEndpoint()
	go ep.connectClient(address)
	return ep, nil
}

func (w *worker) TagRecv(ctx context.Context, want, mask tag.Tag, data []byte) (transport.Received, error) {
	r := newRecvRequest(want, mask, data, nil)
	w.matcher.post(r)
	err := w.matcher.wait(ctx, r)
	if r.from == nil {
		// failed or canceled before a message arrived
		return transport.Received{}, err
	}
	return transport.Received{N: r.n, Sender: r.sender, From: r.from}, err
}

func (w *worker) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}

	err := w.StopProgress()
	close(w.closeCh)

	w.listeners.Range(func(l *listener, _ struct{}) bool {
		err = multierr.Append(err, l.Close())
		return true
	})
	w.endpoints.Range(func(_ uint64, ep *endpoint) bool {
		err = multierr.Append(err, ep.Close())
		return true
	})
	w.matcher.close(transport.ErrClosed)

	Logger.Debugf("closed worker %d", w.id)
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// progress drives the completion of tagged receives. It runs on a locked OS
// thread so that onStart can bind thread local device state.
func (w *worker) progress(onStart func() error, stop, done chan struct{}, started chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(done)

	if onStart != nil {
		if err := onStart(); err != nil {
			started <- err
			return
		}
	}
	started <- nil

	for {
		select {
		case msg := <-w.incoming:
			w.matcher.deliver(msg)
		case <-stop:
			return
		}
	}
}

// newEndpoint creates and registers an endpoint in connecting state
func (w *worker) newEndpoint() *endpoint {
	ep := newEndpoint(w.nextEndpoint.Add(1), w)
	w.endpoints.Store(ep.id, ep)
	return ep
}
