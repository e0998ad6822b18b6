// Package batcher queues move records for one game and persists them in
// batches, flushing on size, inactivity or explicit request.
package batcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/park285/chess-robot-sync/pkg/syncdto"
	"go.uber.org/zap"
)

var (
	ErrPersistenceFlushFailure = errors.New("persistence flush failed")
	ErrClosed                  = errors.New("batcher closed")
)

const (
	DefaultBatchSize         = 5
	DefaultQuietPeriod       = 2 * time.Second
	DefaultFailureAlertAfter = 3
	defaultFlushTimeout      = 10 * time.Second
)

// Trigger는 플러시를 시작한 원인.
type Trigger int

const (
	SizeThreshold Trigger = iota + 1
	InactivityTimeout
	ExplicitFlush
)

func (t Trigger) String() string {
	switch t {
	case SizeThreshold:
		return "size_threshold"
	case InactivityTimeout:
		return "inactivity_timeout"
	case ExplicitFlush:
		return "explicit"
	default:
		return "none"
	}
}

// Entry is one move record waiting to be persisted.
type Entry struct {
	SessionID string
	Move      syncdto.MoveRecord
}

// Sink receives whole batches. persist.API satisfies it.
type Sink interface {
	SaveMoves(ctx context.Context, gameID string, moves []syncdto.MoveRecord) error
}

type Options struct {
	BatchSize   int
	QuietPeriod time.Duration
	// FlushTimeout bounds background flushes; explicit flushes use the caller's context.
	FlushTimeout      time.Duration
	FailureAlertAfter int
	OnAlert           func(err error, failures int)
	Clock             Clock
	Logger            *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.QuietPeriod <= 0 {
		o.QuietPeriod = DefaultQuietPeriod
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = defaultFlushTimeout
	}
	if o.FailureAlertAfter <= 0 {
		o.FailureAlertAfter = DefaultFailureAlertAfter
	}
	if o.Clock == nil {
		o.Clock = RealClock()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

type Stats struct {
	Enqueued            int
	Flushed             int
	Batches             int
	Failures            int
	ConsecutiveFailures int
	Coalesced           int
	LastTrigger         Trigger
	LastError           string
}

// Batcher is safe for concurrent use. At most one flush is in flight; triggers
// that arrive meanwhile are coalesced into one follow-up flush.
type Batcher struct {
	sink Sink
	opts Options
	log  *zap.Logger

	mu        sync.Mutex
	queue     []Entry
	flying    []Entry
	inFlight  bool
	done      chan struct{}
	coalesced bool
	timer     Timer
	timerGen  uint64
	detached  bool
	stats     Stats
}

func New(sink Sink, opts Options) *Batcher {
	opts = opts.withDefaults()
	return &Batcher{sink: sink, opts: opts, log: opts.Logger}
}

// Enqueue appends e, restarts the inactivity timer and starts a flush once the
// queue reaches the batch size.
func (b *Batcher) Enqueue(e Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.detached {
		return ErrClosed
	}
	b.queue = append(b.queue, e)
	b.stats.Enqueued++
	b.armTimerLocked()
	if len(b.queue) >= b.opts.BatchSize {
		b.startLocked(SizeThreshold)
	}
	return nil
}

func (b *Batcher) armTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timerGen++
	gen := b.timerGen
	b.timer = b.opts.Clock.AfterFunc(b.opts.QuietPeriod, func() { b.onQuiet(gen) })
}

func (b *Batcher) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.timerGen++
}

func (b *Batcher) onQuiet(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.timerGen || b.detached {
		return
	}
	b.timer = nil
	if len(b.queue) > 0 {
		b.startLocked(InactivityTimeout)
	}
}

// startLocked launches a background flush or marks one as wanted when a flush
// is already running.
func (b *Batcher) startLocked(trigger Trigger) {
	if b.detached {
		return
	}
	if b.inFlight {
		if !b.coalesced {
			b.coalesced = true
			b.stats.Coalesced++
		}
		return
	}
	batch := b.takeLocked()
	if len(batch) == 0 {
		return
	}
	b.inFlight = true
	b.done = make(chan struct{})
	done := b.done
	go b.runBackground(batch, trigger, done)
}

// takeLocked는 가장 오래된 게임의 대기 항목을 전송 중으로 옮김.
func (b *Batcher) takeLocked() []Entry {
	if len(b.queue) == 0 {
		return nil
	}
	gameID := b.queue[0].Move.GameID
	n := 1
	for n < len(b.queue) && b.queue[n].Move.GameID == gameID {
		n++
	}
	batch := append([]Entry(nil), b.queue[:n]...)
	b.queue = append(b.queue[:0:0], b.queue[n:]...)
	b.flying = batch
	return batch
}

func (b *Batcher) runBackground(batch []Entry, trigger Trigger, done chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.FlushTimeout)
	err := b.save(ctx, batch, trigger)
	cancel()

	b.mu.Lock()
	alert := b.finishLocked(batch, trigger, err)
	close(done)
	if !b.detached {
		switch {
		case err == nil && (b.coalesced || len(b.queue) >= b.opts.BatchSize):
			b.coalesced = false
			b.startLocked(trigger)
		case len(b.queue) > 0 && b.timer == nil:
			b.armTimerLocked()
		}
	}
	b.mu.Unlock()
	alert()
}

func (b *Batcher) save(ctx context.Context, batch []Entry, trigger Trigger) error {
	recs := make([]syncdto.MoveRecord, len(batch))
	for i, e := range batch {
		recs[i] = e.Move
	}
	start := time.Now()
	err := b.sink.SaveMoves(ctx, recs[0].GameID, recs)
	if err != nil {
		b.log.Warn("batch_flush_error",
			zap.String("trigger", trigger.String()),
			zap.String("game_id", recs[0].GameID),
			zap.Int("size", len(recs)),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %w", ErrPersistenceFlushFailure, err)
	}
	b.log.Debug("batch_flush",
		zap.String("trigger", trigger.String()),
		zap.String("game_id", recs[0].GameID),
		zap.Int("size", len(recs)),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

// finishLocked applies a flush result. A failed batch goes back to the front of
// the queue in its original order. The returned func raises the alert and must
// be called without the lock.
func (b *Batcher) finishLocked(batch []Entry, trigger Trigger, err error) func() {
	b.inFlight = false
	b.flying = nil
	if b.detached {
		return func() {}
	}
	b.stats.LastTrigger = trigger
	if err == nil {
		b.stats.Flushed += len(batch)
		b.stats.Batches++
		b.stats.ConsecutiveFailures = 0
		b.stats.LastError = ""
		return func() {}
	}
	b.queue = append(batch, b.queue...)
	b.coalesced = false
	b.stats.Failures++
	b.stats.ConsecutiveFailures++
	b.stats.LastError = err.Error()
	failures := b.stats.ConsecutiveFailures
	if failures == b.opts.FailureAlertAfter && b.opts.OnAlert != nil {
		onAlert := b.opts.OnAlert
		return func() { onAlert(err, failures) }
	}
	return func() {}
}

// Flush waits for any running flush and then persists everything queued,
// returning the first failure.
func (b *Batcher) Flush(ctx context.Context) error {
	for {
		b.mu.Lock()
		if b.detached {
			b.mu.Unlock()
			return ErrClosed
		}
		if b.inFlight {
			done := b.done
			b.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		batch := b.takeLocked()
		if len(batch) == 0 {
			b.stopTimerLocked()
			b.mu.Unlock()
			return nil
		}
		b.inFlight = true
		b.done = make(chan struct{})
		done := b.done
		b.mu.Unlock()

		err := b.save(ctx, batch, ExplicitFlush)

		b.mu.Lock()
		alert := b.finishLocked(batch, ExplicitFlush, err)
		close(done)
		if err != nil && !b.detached {
			b.armTimerLocked()
		}
		b.mu.Unlock()
		alert()
		if err != nil {
			return err
		}
	}
}

// Close flushes synchronously and then detaches.
func (b *Batcher) Close(ctx context.Context) error {
	err := b.Flush(ctx)
	b.Detach()
	return err
}

// Detach stops the timer and rejects further entries. A flush still running
// completes but its result is ignored.
func (b *Batcher) Detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.detached {
		return
	}
	b.detached = true
	b.stopTimerLocked()
}

// Amend rewrites the queued record with seq through fn. Entries already in
// flight or persisted are left alone and Amend reports false.
func (b *Batcher) Amend(seq int, fn func(*syncdto.MoveRecord)) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.queue {
		if b.queue[i].Move.Seq == seq {
			fn(&b.queue[i].Move)
			return true
		}
	}
	return false
}

// Pending은 아직 저장되지 않은 항목을 반환. 전송 중인 항목이 먼저 온다.
func (b *Batcher) Pending() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, 0, len(b.flying)+len(b.queue))
	out = append(out, b.flying...)
	return append(out, b.queue...)
}

func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}
