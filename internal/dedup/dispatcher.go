package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/park285/chess-robot-sync/pkg/syncdto"
	"go.uber.org/zap"
)

var ErrNoHandler = errors.New("no handler registered for message kind")

// Handler processes one message. A non-nil error leaves the fingerprint
// unrecorded so a redelivery of the same message is handled again.
type Handler func(ctx context.Context, msg syncdto.Message) error

// Dispatcher remembers only the last fingerprint per kind. A message equal to
// its kind's last successfully handled message is dropped.
type Dispatcher struct {
	mu       sync.Mutex
	last     map[syncdto.Kind]Fingerprint
	handlers map[syncdto.Kind]Handler
	fallback Handler
	logger   *zap.Logger

	dropped int
}

func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		last:     make(map[syncdto.Kind]Fingerprint),
		handlers: make(map[syncdto.Kind]Handler),
		logger:   logger,
	}
}

// Handle registers h for kind, replacing any previous handler.
func (d *Dispatcher) Handle(kind syncdto.Kind, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = h
}

// HandleUnknown registers the handler for kinds without a dedicated handler.
func (d *Dispatcher) HandleUnknown(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallback = h
}

// IsDuplicate reports whether msg matches the last handled message of its kind.
func (d *Dispatcher) IsDuplicate(msg syncdto.Message) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.last[msg.Type]
	return ok && last == Of(msg)
}

// Dispatch drops duplicates and otherwise runs the kind's handler. The handler
// runs without the dispatcher lock held; callers serialize Dispatch per stream.
func (d *Dispatcher) Dispatch(ctx context.Context, msg syncdto.Message) (bool, error) {
	fp := Of(msg)

	d.mu.Lock()
	if last, ok := d.last[msg.Type]; ok && last == fp {
		d.dropped++
		d.mu.Unlock()
		d.logger.Debug("dedup_drop", zap.String("kind", string(msg.Type)), zap.String("key", fp.Key))
		return false, nil
	}
	h, ok := d.handlers[msg.Type]
	if !ok {
		h = d.fallback
	}
	d.mu.Unlock()

	if h == nil {
		return false, fmt.Errorf("%w: %s", ErrNoHandler, msg.Type)
	}
	if err := h(ctx, msg); err != nil {
		return true, err
	}

	d.mu.Lock()
	d.last[msg.Type] = fp
	d.mu.Unlock()
	return true, nil
}

// Reset forgets every recorded fingerprint.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = make(map[syncdto.Kind]Fingerprint)
}

// Dropped returns how many messages were discarded as duplicates.
func (d *Dispatcher) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}
