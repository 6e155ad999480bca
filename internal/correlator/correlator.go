// Package correlator matches asynchronous requests to their responses by
// correlation id and fails requests that outlive their timeout.
package correlator

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/dremian/simlink/internal/protocol"
	"github.com/dremian/simlink/internal/util"
)

var (
	// ErrRequestTimedOut completes a handle whose response did not arrive in time.
	ErrRequestTimedOut = stderrors.New("request timed out")
	// ErrClosed completes every handle still pending when the correlator closes.
	ErrClosed = stderrors.New("correlator closed")
)

// RemoteError is an error envelope received in answer to a request.
type RemoteError struct {
	Message string
	Code    string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote error (%s): %s", e.Code, e.Message)
	}
	return "remote error: " + e.Message
}

// SendFunc transmits one envelope.
type SendFunc func(ctx context.Context, env protocol.Envelope) error

// Correlator tracks in-flight requests. It is safe for concurrent use.
type Correlator struct {
	send  SendFunc
	clock clock.WithDelayedExecution
	newID func() string

	mu      sync.Mutex
	pending map[string]*Handle
	seq     uint64
	closed  error
}

// New creates a correlator transmitting through send. A nil clk uses the
// real clock.
func New(send SendFunc, clk clock.WithDelayedExecution) *Correlator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Correlator{
		send:    send,
		clock:   clk,
		newID:   uuid.NewString,
		pending: make(map[string]*Handle),
	}
}

// Issue registers env as a pending request, transmits it and returns the
// handle that completes with the response or with ErrRequestTimedOut after
// timeout. A fresh correlation id is assigned when env carries none.
//
// Requests of a type with a dedicated response type (see
// protocol.ResponseFor) complete on that response; any other request
// completes on the first envelope echoing its id.
func (c *Correlator) Issue(ctx context.Context, env protocol.Envelope, timeout time.Duration) (*Handle, error) {
	if env.CorrelationID == "" {
		env.CorrelationID = c.newID()
	}

	c.mu.Lock()
	if c.closed != nil {
		c.mu.Unlock()
		return nil, c.closed
	}
	if _, dup := c.pending[env.CorrelationID]; dup {
		c.mu.Unlock()
		return nil, errors.Errorf("correlation id %q already in flight", env.CorrelationID)
	}
	c.seq++
	h := &Handle{
		id:      env.CorrelationID,
		request: env.Type,
		expect:  protocol.ResponseFor(env.Type),
		created: c.clock.Now(),
		seq:     c.seq,
		done:    make(chan struct{}),
	}
	c.pending[h.id] = h
	// Registered before sending so a fast response cannot be missed.
	h.timer = c.clock.AfterFunc(timeout, func() { c.expire(h) })
	c.mu.Unlock()

	if err := c.send(ctx, env); err != nil {
		c.finish(h, protocol.Envelope{}, err)
		return nil, errors.Wrapf(err, "send %s", env.Type)
	}

	util.GetLogger().Debug("Request issued", "type", env.Type, "correlation_id", h.id, "timeout", timeout)
	return h, nil
}

// Resolve completes the pending request env answers. It reports false when
// nothing was waiting for env; such responses are stale or duplicate and
// are discarded.
//
// A response without a correlation id resolves the oldest pending request
// expecting that response type. Older simulators do not echo ids.
func (c *Correlator) Resolve(env protocol.Envelope) bool {
	c.mu.Lock()
	var h *Handle
	if env.CorrelationID != "" {
		h = c.pending[env.CorrelationID]
		if h != nil && !h.accepts(env.Type) {
			h = nil
		}
	} else if env.Type.IsResponse() {
		for _, p := range c.pending {
			if p.expect == env.Type && (h == nil || p.seq < h.seq) {
				h = p
			}
		}
	}
	c.mu.Unlock()

	if h == nil {
		util.GetLogger().Debug("Discarding unmatched response", "type", env.Type, "correlation_id", env.CorrelationID)
		return false
	}

	if env.Type == protocol.TypeError {
		if p, ok := env.Payload.(protocol.Error); ok {
			return c.finish(h, env, &RemoteError{Message: p.Message, Code: p.Code})
		}
		return c.finish(h, env, &RemoteError{Message: "unknown error"})
	}
	return c.finish(h, env, nil)
}

// Close fails every pending request and rejects further ones. The handles
// complete with an error matching both ErrClosed and cause (when non-nil).
func (c *Correlator) Close(cause error) {
	err := ErrClosed
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrClosed, cause)
	}

	c.mu.Lock()
	if c.closed != nil {
		c.mu.Unlock()
		return
	}
	c.closed = err
	handles := make([]*Handle, 0, len(c.pending))
	for _, h := range c.pending {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	for _, h := range handles {
		c.finish(h, protocol.Envelope{}, err)
	}
}

// Pending returns the number of in-flight requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) expire(h *Handle) {
	if c.finish(h, protocol.Envelope{}, ErrRequestTimedOut) {
		util.GetLogger().Warn("Request timed out", "type", h.request, "correlation_id", h.id,
			"elapsed", c.clock.Since(h.created))
	}
}

func (c *Correlator) finish(h *Handle, resp protocol.Envelope, err error) bool {
	c.mu.Lock()
	if c.pending[h.id] == h {
		delete(c.pending, h.id)
	}
	c.mu.Unlock()

	if !h.complete(resp, err) {
		return false
	}
	if h.timer != nil {
		h.timer.Stop()
	}
	return true
}

// Handle is the caller's view of one pending request.
type Handle struct {
	id      string
	request protocol.Type
	expect  protocol.Type
	created time.Time
	seq     uint64
	timer   clock.Timer

	completed atomic.Bool
	done      chan struct{}
	resp      protocol.Envelope
	err       error
}

// ID returns the request's correlation id.
func (h *Handle) ID() string { return h.id }

// Done is closed once the handle completes.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the outcome. Only meaningful after Done is closed.
func (h *Handle) Result() (protocol.Envelope, error) {
	return h.resp, h.err
}

// Wait blocks until the handle completes or ctx ends. A cancelled ctx does
// not complete the handle; the request keeps its own timeout.
func (h *Handle) Wait(ctx context.Context) (protocol.Envelope, error) {
	select {
	case <-h.done:
		return h.resp, h.err
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

func (h *Handle) accepts(t protocol.Type) bool {
	if t == protocol.TypeError || h.expect == "" {
		return true
	}
	return t == h.expect
}

// complete fulfils the handle exactly once; later calls report false.
func (h *Handle) complete(resp protocol.Envelope, err error) bool {
	if !h.completed.CompareAndSwap(false, true) {
		return false
	}
	h.resp, h.err = resp, err
	close(h.done)
	return true
}
