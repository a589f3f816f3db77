package mesh

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/ValentinKolb/kvmesh/lib/tag"
	"github.com/ValentinKolb/kvmesh/rpc/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEndpoint answers Query with a scripted sequence of errors
type fakeEndpoint struct {
	queryErrs []error
	queries   int
	addrs     transport.EndpointAddrs
	stream    []byte
}

func (e *fakeEndpoint) StreamSend(_ context.Context, data []byte) error {
	e.stream = append(e.stream, data...)
	return nil
}

func (e *fakeEndpoint) StreamRecv(_ context.Context, data []byte) error {
	copy(data, e.stream)
	return nil
}

func (e *fakeEndpoint) TagSend(context.Context, tag.Tag, []byte) error { return nil }

func (e *fakeEndpoint) TagRecv(context.Context, tag.Tag, []byte) (int, error) { return 0, nil }

func (e *fakeEndpoint) Query() (transport.EndpointAddrs, error) {
	e.queries++
	if len(e.queryErrs) > 0 {
		err := e.queryErrs[0]
		e.queryErrs = e.queryErrs[1:]
		return transport.EndpointAddrs{}, err
	}
	return e.addrs, nil
}

func (e *fakeEndpoint) Close() error { return nil }

func fakeAddrs() transport.EndpointAddrs {
	return transport.EndpointAddrs{
		Local:  &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 50000},
		Remote: &net.TCPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 12346},
	}
}

func TestInitializeEndpointTagRetries(t *testing.T) {
	ep := &fakeEndpoint{
		queryErrs: []error{transport.ErrNotConnected, transport.ErrNotConnected},
		addrs:     fakeAddrs(),
	}
	c := newConnection(&Manager{localGID: 3}, ep)
	assert.Equal(t, StateCreated, c.State())

	require.NoError(t, c.initializeEndpointTag(context.Background(), 10, 0))
	assert.Equal(t, 3, ep.queries)
	assert.Equal(t, StateTagsAssigned, c.State())

	assert.Equal(t, tag.Send(50000, 12346, 0, 0), c.SendTag())
	assert.Equal(t, tag.Recv(50000, 12346, 0, 0), c.RecvTag())
	assert.Equal(t, tag.NewConnectionID(tag.IPv4ToUint32(net.IPv4(10, 0, 0, 2)), 12346, 50000), c.ID())
}

func TestInitializeEndpointTagExhausted(t *testing.T) {
	ep := &fakeEndpoint{queryErrs: []error{
		transport.ErrNotConnected, transport.ErrNotConnected, transport.ErrNotConnected,
	}}
	c := newConnection(&Manager{}, ep)

	err := c.initializeEndpointTag(context.Background(), 3, 0)
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	assert.Equal(t, 3, ep.queries)
	assert.Equal(t, StateCreated, c.State())
}

func TestInitializeEndpointTagFatal(t *testing.T) {
	boom := errors.New("connection reset")
	ep := &fakeEndpoint{queryErrs: []error{boom}}
	c := newConnection(&Manager{}, ep)

	err := c.initializeEndpointTag(context.Background(), 10, 0)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, ep.queries, "only the not connected state is retried")
}

func TestGIDRoundTrip(t *testing.T) {
	ep := &fakeEndpoint{}
	c := newConnection(&Manager{localGID: 0x0102030405060708}, ep)

	require.NoError(t, c.sendGID(context.Background()))
	assert.Equal(t, []byte{8, 7, 6, 5, 4, 3, 2, 1}, ep.stream)

	gid, err := c.recvGID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102030405060708), gid)
}

func TestNotReady(t *testing.T) {
	c := newConnection(&Manager{}, &fakeEndpoint{addrs: fakeAddrs()})
	ctx := context.Background()

	assert.ErrorIs(t, c.Send(ctx, DataContext{}, nil), ErrConnectionNotReady)
	assert.ErrorIs(t, c.Recv(ctx, DataContext{}, nil), ErrConnectionNotReady)

	require.NoError(t, c.initializeEndpointTag(ctx, 1, 0))
	assert.ErrorIs(t, c.Send(ctx, DataContext{}, nil), ErrConnectionNotReady)

	c.markReady(1)
	assert.NoError(t, c.Send(ctx, DataContext{}, []byte{1}))
	assert.Equal(t, "ready", c.State().String())
}

func TestAddressEncoding(t *testing.T) {
	buf, err := encodeAddress("192.168.100.200")
	require.NoError(t, err)
	assert.Len(t, buf, AddressSize)
	assert.Equal(t, byte(0), buf[AddressSize-1])
	assert.Equal(t, "192.168.100.200", decodeAddress(buf))

	_, err = encodeAddress("fe80::1:2:3:4:5:6")
	assert.Error(t, err)

	assert.Equal(t, "abc", decodeAddress([]byte("abc")))
}

func TestListenPort(t *testing.T) {
	port, err := listenPort(12345, 3)
	require.NoError(t, err)
	assert.Equal(t, uint16(12348), port)

	_, err = listenPort(65530, 10)
	assert.Error(t, err)
	_, err = listenPort(12345, -1)
	assert.Error(t, err)
}

func TestSetupErrorUnwrap(t *testing.T) {
	cause := errors.New("refused")
	err := setupError(StageDial, 4, cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "rank 4")
	assert.Contains(t, err.Error(), "dial")

	// an existing setup error keeps its stage
	assert.Same(t, err, setupError(StageWait, 4, err))
}
