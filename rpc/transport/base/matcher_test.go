package base

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ValentinKolb/kvmesh/lib/tag"
	"github.com/ValentinKolb/kvmesh/rpc/transport"
)

func waitDone(t *testing.T, r *recvRequest) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(time.Second):
		t.Fatalf("receive for tag %s did not complete", r.want)
	}
}

// TestMatcherPostedFirst delivers a message to an already posted receive
func TestMatcherPostedFirst(t *testing.T) {
	var m matcher
	want := tag.Send(1, 2, 0, tag.FlagControl)

	r := newRecvRequest(want, tag.MaskAll, make([]byte, 8), nil)
	m.post(r)
	m.deliver(inbound{tag: want, data: []byte("abc")})

	waitDone(t, r)
	if r.err != nil || r.n != 3 || string(r.buf[:r.n]) != "abc" {
		t.Fatalf("unexpected completion: n=%d err=%v", r.n, r.err)
	}
	if r.sender != want {
		t.Errorf("Expected sender %s, got %s", want, r.sender)
	}
}

// TestMatcherUnexpectedFirst queues a message until a matching receive is posted
func TestMatcherUnexpectedFirst(t *testing.T) {
	var m matcher
	want := tag.Send(1, 2, 0, tag.FlagControl)
	other := tag.Send(1, 2, 1, tag.FlagControl)

	m.deliver(inbound{tag: other, data: []byte("other")})
	m.deliver(inbound{tag: want, data: []byte("want")})

	r := newRecvRequest(want, tag.MaskAll, make([]byte, 8), nil)
	m.post(r)
	waitDone(t, r)
	if string(r.buf[:r.n]) != "want" {
		t.Fatalf("Expected 'want', got %q", r.buf[:r.n])
	}
	if len(m.unexpected) != 1 {
		t.Errorf("Expected one queued message, got %d", len(m.unexpected))
	}
}

// TestMatcherFIFO verifies messages with equal tags complete in arrival order
func TestMatcherFIFO(t *testing.T) {
	var m matcher
	want := tag.Send(3, 4, 0, tag.FlagCacheData)

	for i := byte(0); i < 5; i++ {
		m.deliver(inbound{tag: want, data: []byte{i}})
	}
	for i := byte(0); i < 5; i++ {
		r := newRecvRequest(want, tag.MaskAll, make([]byte, 1), nil)
		m.post(r)
		waitDone(t, r)
		if r.buf[0] != i {
			t.Fatalf("Expected message %d, got %d", i, r.buf[0])
		}
	}
}

// TestMatcherMask matches any sender ports under the flag mask
func TestMatcherMask(t *testing.T) {
	var m matcher
	sent := tag.Send(50001, 12345, 0, tag.FlagControl)

	r := newRecvRequest(tag.Pack(0, 0, 0, tag.FlagControl), tag.MaskFlags, make([]byte, 4), nil)
	m.post(r)
	m.deliver(inbound{tag: tag.Send(50001, 12345, 0, tag.FlagCacheData), data: []byte("x")})
	m.deliver(inbound{tag: sent, data: []byte("ctl")})

	waitDone(t, r)
	if r.sender != sent {
		t.Errorf("Expected sender %s, got %s", sent, r.sender)
	}
}

// TestMatcherTruncation reports a message larger than the receive buffer
func TestMatcherTruncation(t *testing.T) {
	var m matcher
	want := tag.Send(1, 1, 0, 0)

	r := newRecvRequest(want, tag.MaskAll, make([]byte, 2), nil)
	m.post(r)
	m.deliver(inbound{tag: want, data: []byte("abcdef")})

	waitDone(t, r)
	if !errors.Is(r.err, transport.ErrMessageTruncated) {
		t.Fatalf("Expected ErrMessageTruncated, got %v", r.err)
	}
	if r.n != 2 {
		t.Errorf("Expected 2 copied bytes, got %d", r.n)
	}
}

// TestMatcherCancel removes a receive whose context expired
func TestMatcherCancel(t *testing.T) {
	var m matcher
	want := tag.Send(1, 1, 0, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	r := newRecvRequest(want, tag.MaskAll, nil, nil)
	m.post(r)
	if err := m.wait(ctx, r); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
	if len(m.posted) != 0 {
		t.Fatalf("Expected no posted receives, got %d", len(m.posted))
	}

	// the message must now be queued instead of completing the canceled receive
	m.deliver(inbound{tag: want, data: []byte("late")})
	if len(m.unexpected) != 1 {
		t.Errorf("Expected late message to be queued")
	}
}

// TestMatcherFailOwner fails only the receives of one endpoint
func TestMatcherFailOwner(t *testing.T) {
	var m matcher
	a, b := &endpoint{id: 1}, &endpoint{id: 2}
	boom := errors.New("boom")

	ra := newRecvRequest(tag.Send(1, 1, 0, 0), tag.MaskAll, nil, a)
	rb := newRecvRequest(tag.Send(2, 2, 0, 0), tag.MaskAll, nil, b)
	m.post(ra)
	m.post(rb)
	m.deliver(inbound{tag: tag.Send(9, 9, 0, 0), from: a})

	m.failOwner(a, boom)
	waitDone(t, ra)
	if !errors.Is(ra.err, boom) {
		t.Errorf("Expected boom, got %v", ra.err)
	}
	if len(m.posted) != 1 || m.posted[0] != rb {
		t.Errorf("Expected receive of endpoint b to stay posted")
	}
	if len(m.unexpected) != 0 {
		t.Errorf("Expected queued messages of endpoint a to be dropped")
	}
}

// TestMatcherFinishOwnerKeepsQueued keeps messages that arrived before the end of the stream
func TestMatcherFinishOwnerKeepsQueued(t *testing.T) {
	var m matcher
	a := &endpoint{id: 1}
	want := tag.Send(1, 1, 7, tag.FlagCacheData)
	eof := errors.New("eof")

	waiting := newRecvRequest(tag.Send(1, 1, 8, tag.FlagCacheData), tag.MaskAll, nil, a)
	m.post(waiting)

	m.deliver(inbound{tag: want, data: []byte("last"), from: a})
	m.deliver(inbound{from: a, err: eof})

	waitDone(t, waiting)
	if !errors.Is(waiting.err, eof) {
		t.Errorf("Expected waiting receive to fail with eof, got %v", waiting.err)
	}

	r := newRecvRequest(want, tag.MaskAll, make([]byte, 8), a)
	m.post(r)
	waitDone(t, r)
	if r.err != nil || string(r.buf[:r.n]) != "last" {
		t.Fatalf("Expected queued message 'last', got %q (err=%v)", r.buf[:r.n], r.err)
	}

	// the queue of the finished endpoint is empty now
	late := newRecvRequest(want, tag.MaskAll, make([]byte, 8), a)
	m.post(late)
	waitDone(t, late)
	if !errors.Is(late.err, eof) {
		t.Errorf("Expected late receive to fail with eof, got %v", late.err)
	}
}

// TestMatcherOwnerIsolation never completes an endpoint receive with another endpoint's message
func TestMatcherOwnerIsolation(t *testing.T) {
	var m matcher
	a, b := &endpoint{id: 1}, &endpoint{id: 2}
	same := tag.Send(40000, 12345, 0, tag.FlagCacheData)

	ra := newRecvRequest(same, tag.MaskAll, make([]byte, 8), a)
	m.post(ra)
	m.deliver(inbound{tag: same, data: []byte("from-b"), from: b})

	select {
	case <-ra.done:
		t.Fatalf("receive of endpoint a completed with %q", ra.buf[:ra.n])
	default:
	}

	m.deliver(inbound{tag: same, data: []byte("from-a"), from: a})
	waitDone(t, ra)
	if string(ra.buf[:ra.n]) != "from-a" || ra.from != a {
		t.Fatalf("Expected message of endpoint a, got %q", ra.buf[:ra.n])
	}

	// worker level receives take any endpoint and report it
	wild := newRecvRequest(same, tag.MaskAll, make([]byte, 8), nil)
	m.post(wild)
	waitDone(t, wild)
	if wild.from != b {
		t.Errorf("Expected message of endpoint b, got endpoint %v", wild.from)
	}
}

// TestMatcherClose fails posted and future receives
func TestMatcherClose(t *testing.T) {
	var m matcher
	r := newRecvRequest(tag.Send(1, 1, 0, 0), tag.MaskAll, nil, nil)
	m.post(r)
	m.close(transport.ErrClosed)
	waitDone(t, r)
	if !errors.Is(r.err, transport.ErrClosed) {
		t.Fatalf("Expected ErrClosed, got %v", r.err)
	}

	late := newRecvRequest(tag.Send(1, 1, 0, 0), tag.MaskAll, nil, nil)
	m.post(late)
	waitDone(t, late)
	if !errors.Is(late.err, transport.ErrClosed) {
		t.Fatalf("Expected ErrClosed for late receive, got %v", late.err)
	}
}
