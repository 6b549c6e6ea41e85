// Package correlator pairs one-shot requests sent over the connection with
// the responses that come back on the same inbound feed.
package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrTimeout is returned when no matching response arrives in time.
	ErrTimeout = errors.New("request timed out")
	// ErrSuperseded is returned to a caller whose request was replaced by a
	// newer call with the same key.
	ErrSuperseded = errors.New("request superseded")
	// ErrDisconnected is returned to every in-flight caller when the
	// connection drops.
	ErrDisconnected = errors.New("connection lost")
)

// RemoteError carries the error field of a matched response.
type RemoteError struct {
	Type    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Response is an inbound message that may answer a pending request.
type Response struct {
	Type      string
	RequestID string
	Error     string
	Payload   json.RawMessage
}

// SendFunc writes one outbound message.
type SendFunc func(ctx context.Context, msg any) error

type waiter struct {
	respType string
	match    func(Response) bool
	ch       chan result
}

type result struct {
	resp Response
	err  error
}

// Hub routes inbound responses to waiting requests. One Hub serves one
// connection.
type Hub struct {
	send SendFunc

	mu      sync.Mutex
	waiters map[string]*waiter
}

func NewHub(send SendFunc) *Hub {
	return &Hub{send: send, waiters: make(map[string]*waiter)}
}

// Deliver hands resp to the first pending waiter of the same type that
// matches it. It reports whether a waiter took the response.
func (h *Hub) Deliver(resp Response) bool {
	h.mu.Lock()
	var (
		id string
		w  *waiter
	)
	if cand, ok := h.waiters[resp.RequestID]; ok && cand.respType == resp.Type && cand.match(resp) {
		id, w = resp.RequestID, cand
	} else {
		for cid, cand := range h.waiters {
			if cand.respType == resp.Type && cand.match(resp) {
				id, w = cid, cand
				break
			}
		}
	}
	if w != nil {
		delete(h.waiters, id)
	}
	h.mu.Unlock()

	if w == nil {
		return false
	}
	w.ch <- result{resp: resp}
	return true
}

// FailAll rejects every pending waiter with err.
func (h *Hub) FailAll(err error) int {
	h.mu.Lock()
	pending := h.waiters
	h.waiters = make(map[string]*waiter)
	h.mu.Unlock()

	for _, w := range pending {
		w.ch <- result{err: err}
	}
	return len(pending)
}

// Pending returns the number of requests awaiting a response.
func (h *Hub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.waiters)
}

func (h *Hub) register(id string, w *waiter) {
	h.mu.Lock()
	h.waiters[id] = w
	h.mu.Unlock()
}

// cancel removes a waiter and delivers err to it if it was still pending.
func (h *Hub) cancel(id string, err error) {
	h.mu.Lock()
	w, ok := h.waiters[id]
	if ok {
		delete(h.waiters, id)
	}
	h.mu.Unlock()
	if ok {
		w.ch <- result{err: err}
	}
}

// Config describes one kind of exchange.
type Config[P, R any] struct {
	Name         string
	ResponseType string
	Timeout      time.Duration
	// Dedupe makes a second call with the same key share the in-flight
	// result. Without it the newer call supersedes the older one.
	Dedupe bool

	// Key groups calls for dedupe or supersede. A nil Key puts every call
	// in one group.
	Key func(P) string
	// Build returns the outbound message for p tagged with requestID.
	Build func(p P, requestID string) any
	// Match reports whether resp answers the call for p. The default
	// matches on request id.
	Match func(p P, requestID string, resp Response) bool
	// Decode parses the response payload. The default is json.Unmarshal.
	Decode func(payload json.RawMessage) (R, error)
}

// Request executes exchanges of one kind.
type Request[P, R any] struct {
	hub *Hub
	cfg Config[P, R]

	flight singleflight.Group

	mu      sync.Mutex
	current map[string]string // key -> requestID, supersede mode only
}

func NewRequest[P, R any](hub *Hub, cfg Config[P, R]) *Request[P, R] {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Request[P, R]{hub: hub, cfg: cfg, current: make(map[string]string)}
}

// Execute sends the request built from p and waits for its response.
func (r *Request[P, R]) Execute(ctx context.Context, p P) (R, error) {
	key := ""
	if r.cfg.Key != nil {
		key = r.cfg.Key(p)
	}
	if !r.cfg.Dedupe {
		return r.do(ctx, key, p)
	}

	ch := r.flight.DoChan(key, func() (interface{}, error) {
		// Shared by every caller, so not bound to any one caller's ctx.
		return r.do(context.WithoutCancel(ctx), key, p)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			var zero R
			return zero, res.Err
		}
		return res.Val.(R), nil
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

func (r *Request[P, R]) do(ctx context.Context, key string, p P) (R, error) {
	var zero R
	requestID := uuid.NewString()

	match := func(resp Response) bool { return resp.RequestID == requestID }
	if r.cfg.Match != nil {
		match = func(resp Response) bool { return r.cfg.Match(p, requestID, resp) }
	}
	w := &waiter{respType: r.cfg.ResponseType, match: match, ch: make(chan result, 1)}
	r.hub.register(requestID, w)

	if !r.cfg.Dedupe {
		r.mu.Lock()
		prev, had := r.current[key]
		r.current[key] = requestID
		r.mu.Unlock()
		if had {
			r.hub.cancel(prev, ErrSuperseded)
		}
		defer r.clearCurrent(key, requestID)
	}

	if err := r.hub.send(ctx, r.cfg.Build(p, requestID)); err != nil {
		r.hub.cancel(requestID, err)
		<-w.ch
		return zero, fmt.Errorf("send %s: %w", r.cfg.Name, err)
	}

	timer := time.NewTimer(r.cfg.Timeout)
	defer timer.Stop()

	var res result
	select {
	case res = <-w.ch:
	case <-timer.C:
		r.hub.cancel(requestID, ErrTimeout)
		res = <-w.ch
	case <-ctx.Done():
		r.hub.cancel(requestID, ctx.Err())
		res = <-w.ch
	}

	if res.err != nil {
		if errors.Is(res.err, ErrTimeout) {
			slog.Warn("Correlator: request timed out", "request", r.cfg.Name, "requestID", requestID, "timeout", r.cfg.Timeout)
		}
		return zero, res.err
	}
	if res.resp.Error != "" {
		return zero, &RemoteError{Type: res.resp.Type, Message: res.resp.Error}
	}

	decode := r.cfg.Decode
	if decode == nil {
		decode = func(payload json.RawMessage) (R, error) {
			var out R
			if len(payload) == 0 {
				return out, nil
			}
			err := json.Unmarshal(payload, &out)
			return out, err
		}
	}
	out, err := decode(res.resp.Payload)
	if err != nil {
		return zero, fmt.Errorf("decode %s: %w", r.cfg.ResponseType, err)
	}
	return out, nil
}

func (r *Request[P, R]) clearCurrent(key, requestID string) {
	r.mu.Lock()
	if r.current[key] == requestID {
		delete(r.current, key)
	}
	r.mu.Unlock()
}
