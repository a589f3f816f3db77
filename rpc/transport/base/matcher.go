package base

import (
	"context"
	"sync"

	"github.com/ValentinKolb/kvmesh/lib/tag"
	"github.com/ValentinKolb/kvmesh/rpc/transport"
)

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// inbound is one tagged message received by an endpoint. A non-nil err
// marks the end of the endpoint's stream instead of a message.
type inbound struct {
	tag  tag.Tag
	data []byte
	from *endpoint
	err  error
}

// recvRequest is a posted tagged receive
type recvRequest struct {
	want  tag.Tag
	mask  tag.Tag
	buf   []byte
	owner *endpoint // nil for worker level receives

	n      int
	sender tag.Tag
	from   *endpoint
	err    error
	done   chan struct{}
}

func newRecvRequest(want, mask tag.Tag, buf []byte, owner *endpoint) *recvRequest {
	return &recvRequest{
		want:  want,
		mask:  mask,
		buf:   buf,
		owner: owner,
		done:  make(chan struct{}),
	}
}

// complete copies msg into the request buffer and releases the waiter
func (r *recvRequest) complete(msg inbound) {
	r.n = copy(r.buf, msg.data)
	r.sender = msg.tag
	r.from = msg.from
	if len(msg.data) > len(r.buf) {
		r.err = transport.ErrMessageTruncated
	}
	close(r.done)
}

func (r *recvRequest) fail(err error) {
	r.err = err
	close(r.done)
}

// accepts reports whether msg satisfies the request
func (r *recvRequest) accepts(msg inbound) bool {
	if r.owner != nil && msg.from != r.owner {
		return false
	}
	return tag.Matches(msg.tag, r.want, r.mask)
}

// -----------------------------------------------------------
// Matcher
// -----------------------------------------------------------

// matcher pairs inbound messages with posted receives.
// Both queues are FIFO, so messages with the same tag are delivered in order.
type matcher struct {
	mu         sync.Mutex
	posted     []*recvRequest
	unexpected []inbound
	err        error // set once the matcher is closed
}

// post registers a receive, completing it at once if a matching message is queued
func (m *matcher) post(r *recvRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		r.fail(m.err)
		return
	}

	for i, msg := range m.unexpected {
		if r.accepts(msg) {
			m.unexpected = append(m.unexpected[:i], m.unexpected[i+1:]...)
			r.complete(msg)
			return
		}
	}

	// nothing more arrives from a finished endpoint
	if r.owner != nil && r.owner.recvErr != nil {
		r.fail(r.owner.recvErr)
		return
	}
	m.posted = append(m.posted, r)
}

// deliver hands a message to the first matching posted receive or queues it.
// An end of stream fails the receives waiting on that endpoint.
func (m *matcher) deliver(msg inbound) {
	if msg.err != nil {
		m.finishOwner(msg.from, msg.err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return
	}

	for i, r := range m.posted {
		if r.accepts(msg) {
			m.posted = append(m.posted[:i], m.posted[i+1:]...)
			r.complete(msg)
			return
		}
	}
	m.unexpected = append(m.unexpected, msg)
}

// cancel removes a posted receive. It returns false if the receive already completed.
func (m *matcher) cancel(r *recvRequest) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, p := range m.posted {
		if p == r {
			m.posted = append(m.posted[:i], m.posted[i+1:]...)
			return true
		}
	}
	return false
}

// finishOwner fails the receives posted on behalf of owner and rejects new
// ones once its queued messages are consumed. Queued messages stay receivable.
func (m *matcher) finishOwner(owner *endpoint, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.finishOwnerLocked(owner, err)
}

func (m *matcher) finishOwnerLocked(owner *endpoint, err error) {
	if owner.recvErr == nil {
		owner.recvErr = err
	}

	posted := m.posted[:0]
	for _, r := range m.posted {
		if r.owner == owner {
			r.fail(owner.recvErr)
			continue
		}
		posted = append(posted, r)
	}
	m.posted = posted
}

// failOwner finishes owner and drops its queued messages
func (m *matcher) failOwner(owner *endpoint, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	owner.recvErr = err
	m.finishOwnerLocked(owner, err)

	unexpected := m.unexpected[:0]
	for _, msg := range m.unexpected {
		if msg.from != owner {
			unexpected = append(unexpected, msg)
		}
	}
	m.unexpected = unexpected
}

// close fails all posted receives and rejects further ones
func (m *matcher) close(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return
	}
	m.err = err
	for _, r := range m.posted {
		r.fail(err)
	}
	m.posted = nil
	m.unexpected = nil
}

// wait blocks until r completed or ctx is done
func (m *matcher) wait(ctx context.Context, r *recvRequest) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		if m.cancel(r) {
			return ctx.Err()
		}
		// completed concurrently with the cancellation
		<-r.done
		return r.err
	}
}
