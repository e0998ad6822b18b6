// Package channel carries robot messages between the board and the engine.
// Transports deliver inbound messages to subscribers from a single reader
// goroutine, so handlers observe them in arrival order.
package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/park285/chess-robot-sync/pkg/syncdto"
)

var ErrChannelUnavailable = errors.New("robot channel unavailable")

type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateFailed       ConnState = "failed"
)

type Handler func(msg syncdto.Message)

type StateHandler func(state ConnState)

type Channel interface {
	Send(ctx context.Context, msg syncdto.Message) error
	Subscribe(h Handler) (unsubscribe func())
	OnStateChange(h StateHandler) (unsubscribe func())
	State() ConnState
	Close(ctx context.Context) error
}

type entry[T any] struct {
	id int
	fn T
}

// registry는 구독 콜백을 보관. snapshot은 복사본을 돌려 락 없이 콜백을 실행하게 함.
type registry[T any] struct {
	mu     sync.RWMutex
	nextID int
	items  []entry[T]
}

func (r *registry[T]) add(fn T) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.items = append(r.items, entry[T]{id: id, fn: fn})
	return func() { r.remove(id) }
}

func (r *registry[T]) remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.items {
		if e.id == id {
			r.items = append(r.items[:i], r.items[i+1:]...)
			return
		}
	}
}

func (r *registry[T]) snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, len(r.items))
	for i, e := range r.items {
		out[i] = e.fn
	}
	return out
}

// stateBox tracks the connection state and notifies listeners on change.
type stateBox struct {
	mu        sync.RWMutex
	state     ConnState
	listeners registry[StateHandler]
}

func (s *stateBox) get() ConnState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == "" {
		return StateDisconnected
	}
	return s.state
}

func (s *stateBox) set(state ConnState) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()
	if !changed {
		return
	}
	for _, fn := range s.listeners.snapshot() {
		if fn != nil {
			fn(state)
		}
	}
}

func deliver(subs *registry[Handler], msg syncdto.Message) {
	for _, fn := range subs.snapshot() {
		if fn != nil {
			fn(msg)
		}
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
}

func boundedContext(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
