package tcp

import (
	"context"
	"testing"
	"time"

	"github.com/ValentinKolb/kvmesh/lib/tag"
	"github.com/ValentinKolb/kvmesh/rpc/common"
	"github.com/ValentinKolb/kvmesh/rpc/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pair holds two connected endpoints of two different workers
type pair struct {
	server, client     transport.IWorker
	serverEp, clientEp transport.IEndpoint
	listener           transport.IListener
}

func newPair(t *testing.T) *pair {
	t.Helper()

	ctx := NewTCPContext(common.DefaultTransportConfig())
	assert.Equal(t, "tcp", ctx.GetName())

	server, err := ctx.CreateWorker()
	require.NoError(t, err)
	client, err := ctx.CreateWorker()
	require.NoError(t, err)
	require.NoError(t, server.StartProgress(nil))
	require.NoError(t, client.StartProgress(nil))

	requests := make(chan transport.IConnRequest, 1)
	l, err := server.CreateListener(0, func(req transport.IConnRequest) { requests <- req })
	require.NoError(t, err)
	require.NotZero(t, l.Port())

	clientEp, err := client.Dial("127.0.0.1", l.Port())
	require.NoError(t, err)

	var req transport.IConnRequest
	select {
	case req = <-requests:
	case <-time.After(5 * time.Second):
		t.Fatal("no connection request received")
	}
	serverEp, err := l.CreateEndpoint(req)
	require.NoError(t, err)

	_, err = l.CreateEndpoint(req)
	assert.Error(t, err, "a request must only be accepted once")

	p := &pair{server: server, client: client, serverEp: serverEp, clientEp: clientEp, listener: l}
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return p
}

func waitConnected(t *testing.T, ep transport.IEndpoint) transport.EndpointAddrs {
	t.Helper()
	var addrs transport.EndpointAddrs
	require.Eventually(t, func() bool {
		var err error
		addrs, err = ep.Query()
		return err == nil
	}, 5*time.Second, 5*time.Millisecond)
	return addrs
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestQueryAddresses(t *testing.T) {
	p := newPair(t)

	clientAddrs := waitConnected(t, p.clientEp)
	serverAddrs := waitConnected(t, p.serverEp)

	assert.Equal(t, int(p.listener.Port()), clientAddrs.Remote.Port)
	assert.Equal(t, int(p.listener.Port()), serverAddrs.Local.Port)
	assert.Equal(t, clientAddrs.Local.Port, serverAddrs.Remote.Port)
}

func TestStreamSendRecv(t *testing.T) {
	p := newPair(t)
	ctx := testContext(t)

	require.NoError(t, p.clientEp.StreamSend(ctx, []byte{1, 2, 3, 4, 5, 6, 7, 8}))

	buf := make([]byte, 8)
	require.NoError(t, p.serverEp.StreamRecv(ctx, buf))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, buf)
}

func TestTagSendRecv(t *testing.T) {
	p := newPair(t)
	ctx := testContext(t)

	first := tag.Send(1, 2, 0, tag.FlagCacheData)
	second := tag.Send(1, 2, 1, tag.FlagCacheData)

	// sent in reverse order, received by tag
	require.NoError(t, p.clientEp.TagSend(ctx, second, []byte("second")))
	require.NoError(t, p.clientEp.TagSend(ctx, first, []byte("first")))

	buf := make([]byte, 16)
	n, err := p.serverEp.TagRecv(ctx, first, buf)
	require.NoError(t, err)
	assert.Equal(t, "first", string(buf[:n]))

	n, err = p.serverEp.TagRecv(ctx, second, buf)
	require.NoError(t, err)
	assert.Equal(t, "second", string(buf[:n]))
}

func TestTagRecvTruncated(t *testing.T) {
	p := newPair(t)
	ctx := testContext(t)

	tg := tag.Send(5, 6, 0, tag.FlagCacheData)
	require.NoError(t, p.clientEp.TagSend(ctx, tg, []byte("too long")))

	buf := make([]byte, 3)
	n, err := p.serverEp.TagRecv(ctx, tg, buf)
	assert.ErrorIs(t, err, transport.ErrMessageTruncated)
	assert.Equal(t, 3, n)
	assert.Equal(t, "too", string(buf))
}

func TestWorkerTagRecvMask(t *testing.T) {
	p := newPair(t)
	ctx := testContext(t)

	sent := tag.Send(40000, 12345, 0, tag.FlagControl)
	require.NoError(t, p.clientEp.TagSend(ctx, sent, []byte{42}))

	buf := make([]byte, 1)
	rcv, err := p.server.TagRecv(ctx, tag.Pack(0, 0, 0, tag.FlagControl), tag.MaskFlags, buf)
	require.NoError(t, err)
	assert.Equal(t, 1, rcv.N)
	assert.Equal(t, sent, rcv.Sender)
	assert.Same(t, p.serverEp, rcv.From)
	assert.Equal(t, byte(42), buf[0])
}

func TestTagRecvContextCanceled(t *testing.T) {
	p := newPair(t)
	waitConnected(t, p.serverEp)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.serverEp.TagRecv(ctx, tag.Send(1, 1, 0, 0), make([]byte, 1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPeerCloseFailsReceive(t *testing.T) {
	p := newPair(t)
	waitConnected(t, p.serverEp)
	waitConnected(t, p.clientEp)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.serverEp.TagRecv(context.Background(), tag.Send(1, 1, 0, 0), make([]byte, 1))
		errCh <- err
	}()

	require.NoError(t, p.clientEp.Close())

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("receive did not fail after the peer closed")
	}

	_, err := p.clientEp.Query()
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestMessagesSurvivePeerClose(t *testing.T) {
	p := newPair(t)
	ctx := testContext(t)

	first := tag.Send(1, 2, 1, tag.FlagCacheData)
	second := tag.Send(1, 2, 2, tag.FlagCacheData)
	require.NoError(t, p.clientEp.TagSend(ctx, first, []byte("one")))
	require.NoError(t, p.clientEp.TagSend(ctx, second, []byte("two")))
	require.NoError(t, p.clientEp.Close())

	// the server side has seen the end of the stream before anything is received
	require.Eventually(t, func() bool {
		_, err := p.serverEp.Query()
		return err != nil
	}, 5*time.Second, 5*time.Millisecond)

	buf := make([]byte, 8)
	n, err := p.serverEp.TagRecv(ctx, second, buf)
	require.NoError(t, err)
	assert.Equal(t, "two", string(buf[:n]))

	rcv, err := p.server.TagRecv(ctx, tag.Pack(0, 0, 0, tag.FlagCacheData), tag.MaskFlags, buf)
	require.NoError(t, err)
	assert.Equal(t, "one", string(buf[:rcv.N]))

	_, err = p.serverEp.TagRecv(ctx, first, buf)
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestLocalCloseDropsQueued(t *testing.T) {
	p := newPair(t)
	ctx := testContext(t)
	waitConnected(t, p.serverEp)

	sent := tag.Send(1, 2, 1, tag.FlagCacheData)
	require.NoError(t, p.clientEp.TagSend(ctx, sent, []byte("gone")))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, p.serverEp.Close())

	_, err := p.serverEp.TagRecv(ctx, sent, make([]byte, 8))
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestDialUnreachable(t *testing.T) {
	config := common.DefaultTransportConfig()
	config.DialTimeoutSecond = 1
	w, err := NewTCPContext(config).CreateWorker()
	require.NoError(t, err)
	defer w.Close()

	// reserve a port and close it again so that nothing listens there
	l, err := w.CreateListener(0, func(transport.IConnRequest) {})
	require.NoError(t, err)
	port := l.Port()
	require.NoError(t, l.Close())

	ep, err := w.Dial("127.0.0.1", port)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := ep.Query()
		return err != nil && err != transport.ErrNotConnected
	}, 5*time.Second, 5*time.Millisecond)

	assert.Error(t, ep.StreamSend(testContext(t), []byte{1}))
}

func TestProgressLifecycle(t *testing.T) {
	w, err := NewTCPContext(common.DefaultTransportConfig()).CreateWorker()
	require.NoError(t, err)

	started := make(chan struct{})
	require.NoError(t, w.StartProgress(func() error {
		close(started)
		return nil
	}))
	<-started
	assert.ErrorIs(t, w.StartProgress(nil), transport.ErrProgressRunning)

	require.NoError(t, w.StopProgress())
	require.NoError(t, w.Close())

	_, err = w.Dial("127.0.0.1", 1)
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.ErrorIs(t, w.StartProgress(nil), transport.ErrClosed)
}
