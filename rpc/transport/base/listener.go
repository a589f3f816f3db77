package base

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/kvmesh/rpc/transport"
)

const acceptBackoff = 50 * time.Millisecond

// connRequest is an accepted connection waiting for CreateEndpoint
type connRequest struct {
	conn     net.Conn
	listener *listener
	used     atomic.Bool
}

func (r *connRequest) RemoteAddr() net.Addr {
	return r.conn.RemoteAddr()
}

// listener implements transport.IListener
type listener struct {
	worker *worker
	nl     net.Listener
	cb     transport.ListenerCallback
	port   uint16

	closeOnce sync.Once
	closed    atomic.Bool
}

func newListener(w *worker, nl net.Listener, cb transport.ListenerCallback) *listener {
	l := &listener{worker: w, nl: nl, cb: cb}
	if addr, ok := nl.Addr().(*net.TCPAddr); ok {
		l.port = uint16(addr.Port)
	}
	return l
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IListener)
// --------------------------------------------------------------------------

func (l *listener) Port() uint16 {
	return l.port
}

func (l *listener) CreateEndpoint(req transport.IConnRequest) (transport.IEndpoint, error) {
	r, ok := req.(*connRequest)
	if !ok || r.listener != l {
		return nil, fmt.Errorf("connection request was not issued by this listener")
	}
	if !r.used.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("connection request from %s was already accepted", r.conn.RemoteAddr())
	}
	if l.worker.closed.Load() {
		r.conn.Close()
		return nil, transport.ErrClosed
	}

	ep := l.worker.newEndpoint()
	go ep.connectServer(r.conn)
	return ep, nil
}

func (l *listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		err = l.nl.Close()
		l.worker.listeners.Delete(l)
	})
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// acceptLoop accepts connections until the listener is closed
func (l *listener) acceptLoop() {
	for {
		conn, err := l.nl.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || l.closed.Load() {
				return
			}
			Logger.Warningf("listener on port %d failed to accept connection: %v", l.port, err)
			time.Sleep(acceptBackoff)
			continue
		}

		if err := l.worker.connector.UpgradeConnection(conn, l.worker.config); err != nil {
			Logger.Warningf("failed to upgrade connection from %s: %v", conn.RemoteAddr(), err)
			conn.Close()
			continue
		}

		Logger.Debugf("listener on port %d received connection request from %s", l.port, conn.RemoteAddr())
		l.cb(&connRequest{conn: conn, listener: l})
	}
}
