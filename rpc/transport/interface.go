package transport

import (
	"context"
	"errors"
	"net"

	"github.com/ValentinKolb/kvmesh/lib/tag"
)

var (
	// ErrNotConnected is returned while an endpoint is still being established
	ErrNotConnected = errors.New("endpoint not connected")
	// ErrClosed is returned by operations on a closed worker, listener or endpoint
	ErrClosed = errors.New("transport closed")
	// ErrMessageTruncated is returned if a tagged message is larger than the receive buffer
	ErrMessageTruncated = errors.New("message truncated")
	// ErrProgressRunning is returned if the progress loop of a worker is started twice
	ErrProgressRunning = errors.New("progress already running")
)

// --------------------------------------------------------------------------
// Endpoint
// --------------------------------------------------------------------------

// EndpointAddrs holds the socket addresses of a connected endpoint
type EndpointAddrs struct {
	Local  *net.TCPAddr
	Remote *net.TCPAddr
}

// IEndpoint is one peer-to-peer channel of a worker.
// Endpoints are connected asynchronously: operations block until the
// endpoint is connected, Query returns ErrNotConnected until then.
type IEndpoint interface {
	// StreamSend writes data to the untagged ordered stream of the endpoint
	StreamSend(ctx context.Context, data []byte) error
	// StreamRecv reads exactly len(data) bytes from the untagged stream
	StreamRecv(ctx context.Context, data []byte) error
	// TagSend sends one tagged message and blocks until the transport completed it
	TagSend(ctx context.Context, t tag.Tag, data []byte) error
	// TagRecv blocks until a message with exactly tag t arrived and returns its size.
	// Messages that arrived before the endpoint failed stay receivable, later receives fail.
	TagRecv(ctx context.Context, t tag.Tag, data []byte) (int, error)
	// Query returns the socket addresses of the endpoint
	Query() (EndpointAddrs, error)
	// Close releases the endpoint
	Close() error
}

// --------------------------------------------------------------------------
// Listener
// --------------------------------------------------------------------------

// IConnRequest is an inbound connection request delivered to a ListenerCallback
type IConnRequest interface {
	// RemoteAddr returns the address of the requesting peer
	RemoteAddr() net.Addr
}

// ListenerCallback is called by the listener for every inbound request.
// It is invoked on a transport goroutine and must not block.
type ListenerCallback func(req IConnRequest)

// IListener accepts inbound connection requests for a worker
type IListener interface {
	// Port returns the port the listener is bound to
	Port() uint16
	// CreateEndpoint accepts a request into an endpoint. The endpoint is
	// returned before the connection is fully established.
	CreateEndpoint(req IConnRequest) (IEndpoint, error)
	// Close stops accepting requests
	Close() error
}

// --------------------------------------------------------------------------
// Worker and Context
// --------------------------------------------------------------------------

// Received describes a message completed by a worker level receive
type Received struct {
	// N is the number of bytes copied into the receive buffer
	N int
	// Sender is the tag the sender used
	Sender tag.Tag
	// From is the endpoint the message arrived on
	From IEndpoint
}

// IWorker is a progress domain: it owns a tag matcher and the endpoints created from it.
// No receive completes unless the progress loop of the worker is running.
type IWorker interface {
	// StartProgress starts the progress loop. onStart (may be nil) runs on the
	// progress goroutine before the first completion; its error aborts the start.
	StartProgress(onStart func() error) error
	// StopProgress stops the progress loop
	StopProgress() error
	// CreateListener creates a listener bound to port
	CreateListener(port uint16, cb ListenerCallback) (IListener, error)
	// Dial creates an endpoint to host:port. The endpoint connects asynchronously.
	Dial(host string, port uint16) (IEndpoint, error)
	// TagRecv receives the first message of any endpoint whose tag matches want under mask.
	// A truncated message is reported together with ErrMessageTruncated.
	TagRecv(ctx context.Context, want, mask tag.Tag, data []byte) (Received, error)
	// Close stops progress and releases all endpoints of the worker
	Close() error
}

// IContext creates workers of one transport type
type IContext interface {
	// CreateWorker creates a new worker
	CreateWorker() (IWorker, error)
	// GetName returns the name of the transport type (e.g. "tcp")
	GetName() string
}
