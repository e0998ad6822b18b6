package batcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/park285/chess-robot-sync/pkg/syncdto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*manualTimer
}

type manualTimer struct {
	c       *manualClock
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{c: c, at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs due timers on the calling goroutine.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []func()
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.at <= c.now {
			t.fired = true
			due = append(due, t.f)
		}
	}
	c.mu.Unlock()
	for _, f := range due {
		f()
	}
}

func (t *manualTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type recordingSink struct {
	mu      sync.Mutex
	calls   [][]syncdto.MoveRecord
	failN   int
	gate    chan struct{}
	active  int32
	maxSeen int32
}

func (s *recordingSink) SaveMoves(ctx context.Context, gameID string, moves []syncdto.MoveRecord) error {
	n := atomic.AddInt32(&s.active, 1)
	defer atomic.AddInt32(&s.active, -1)
	for {
		m := atomic.LoadInt32(&s.maxSeen)
		if n <= m || atomic.CompareAndSwapInt32(&s.maxSeen, m, n) {
			break
		}
	}

	s.mu.Lock()
	s.calls = append(s.calls, append([]syncdto.MoveRecord(nil), moves...))
	fail := s.failN > 0
	if fail {
		s.failN--
	}
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if fail {
		return errors.New("api unavailable")
	}
	return nil
}

func (s *recordingSink) Calls() [][]syncdto.MoveRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]syncdto.MoveRecord(nil), s.calls...)
}

func entry(seq int) Entry {
	return Entry{SessionID: "g1", Move: syncdto.MoveRecord{GameID: "g1", Seq: seq, Notation: fmt.Sprintf("m%d", seq)}}
}

func seqs(recs []syncdto.MoveRecord) []int {
	out := make([]int, len(recs))
	for i, r := range recs {
		out[i] = r.Seq
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestBatcher_InactivityFlushesBelowBatchSize(t *testing.T) {
	clk := &manualClock{}
	sink := &recordingSink{}
	b := New(sink, Options{BatchSize: 5, QuietPeriod: 2 * time.Second, Clock: clk})

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Enqueue(entry(i)))
	}
	clk.Advance(1999 * time.Millisecond)
	assert.Empty(t, sink.Calls())

	clk.Advance(time.Millisecond)
	waitFor(t, func() bool { return b.Stats().Flushed == 3 })

	calls := sink.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []int{0, 1, 2}, seqs(calls[0]))
	assert.Empty(t, b.Pending())
	assert.Equal(t, InactivityTimeout, b.Stats().LastTrigger)

	clk.Advance(10 * time.Second)
	assert.Len(t, sink.Calls(), 1)
}

func TestBatcher_EnqueueRestartsQuietPeriod(t *testing.T) {
	clk := &manualClock{}
	sink := &recordingSink{}
	b := New(sink, Options{BatchSize: 5, QuietPeriod: 2 * time.Second, Clock: clk})

	require.NoError(t, b.Enqueue(entry(0)))
	clk.Advance(1500 * time.Millisecond)
	require.NoError(t, b.Enqueue(entry(1)))
	clk.Advance(1500 * time.Millisecond)
	assert.Empty(t, sink.Calls())

	clk.Advance(500 * time.Millisecond)
	waitFor(t, func() bool { return b.Stats().Flushed == 2 })
	assert.Equal(t, []int{0, 1}, seqs(sink.Calls()[0]))
}

func TestBatcher_FailedFlushRetriesSameEntriesOnce(t *testing.T) {
	clk := &manualClock{}
	sink := &recordingSink{failN: 1}
	b := New(sink, Options{BatchSize: 5, QuietPeriod: 2 * time.Second, Clock: clk})

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Enqueue(entry(i)))
	}
	clk.Advance(2 * time.Second)
	waitFor(t, func() bool { return b.Stats().ConsecutiveFailures == 1 })

	pending := b.Pending()
	require.Len(t, pending, 3)
	for i, e := range pending {
		assert.Equal(t, i, e.Move.Seq)
	}

	clk.Advance(2 * time.Second)
	waitFor(t, func() bool { return b.Stats().Flushed == 3 })

	calls := sink.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, calls[0], calls[1])
	assert.Equal(t, []int{0, 1, 2}, seqs(calls[1]))
	assert.Equal(t, 0, b.Stats().ConsecutiveFailures)

	clk.Advance(10 * time.Second)
	assert.Len(t, sink.Calls(), 2)
}

func TestBatcher_SizeThresholdFlushes(t *testing.T) {
	sink := &recordingSink{}
	b := New(sink, Options{BatchSize: 5, QuietPeriod: time.Hour, Clock: &manualClock{}})

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Enqueue(entry(i)))
	}
	waitFor(t, func() bool { return b.Stats().Flushed == 5 })
	assert.Equal(t, SizeThreshold, b.Stats().LastTrigger)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, seqs(sink.Calls()[0]))
}

func TestBatcher_TriggersDuringFlushAreCoalesced(t *testing.T) {
	gate := make(chan struct{})
	sink := &recordingSink{gate: gate}
	b := New(sink, Options{BatchSize: 2, QuietPeriod: time.Hour, Clock: &manualClock{}})

	require.NoError(t, b.Enqueue(entry(0)))
	require.NoError(t, b.Enqueue(entry(1)))
	waitFor(t, func() bool { return len(sink.Calls()) == 1 })

	for i := 2; i < 6; i++ {
		require.NoError(t, b.Enqueue(entry(i)))
	}
	assert.Equal(t, 1, b.Stats().Coalesced)
	assert.Len(t, b.Pending(), 6)

	close(gate)
	waitFor(t, func() bool { return b.Stats().Flushed == 6 })

	calls := sink.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, []int{0, 1}, seqs(calls[0]))
	assert.Equal(t, []int{2, 3, 4, 5}, seqs(calls[1]))
	assert.EqualValues(t, 1, atomic.LoadInt32(&sink.maxSeen))
}

func TestBatcher_ExplicitFlushAndAlert(t *testing.T) {
	sink := &recordingSink{failN: 2}
	var alerts []int
	b := New(sink, Options{
		BatchSize:         5,
		QuietPeriod:       time.Hour,
		Clock:             &manualClock{},
		FailureAlertAfter: 2,
		OnAlert:           func(_ error, n int) { alerts = append(alerts, n) },
	})
	require.NoError(t, b.Enqueue(entry(0)))
	require.NoError(t, b.Enqueue(entry(1)))

	ctx := context.Background()
	require.ErrorIs(t, b.Flush(ctx), ErrPersistenceFlushFailure)
	assert.Empty(t, alerts)
	require.ErrorIs(t, b.Flush(ctx), ErrPersistenceFlushFailure)
	assert.Equal(t, []int{2}, alerts)
	assert.Len(t, b.Pending(), 2)

	require.NoError(t, b.Flush(ctx))
	assert.Empty(t, b.Pending())
	assert.Equal(t, ExplicitFlush, b.Stats().LastTrigger)
	assert.Len(t, sink.Calls(), 3)
	require.NoError(t, b.Flush(ctx))
	assert.Len(t, sink.Calls(), 3)
}

func TestBatcher_FlushWaitsForInFlight(t *testing.T) {
	gate := make(chan struct{})
	sink := &recordingSink{gate: gate}
	b := New(sink, Options{BatchSize: 2, QuietPeriod: time.Hour, Clock: &manualClock{}})

	require.NoError(t, b.Enqueue(entry(0)))
	require.NoError(t, b.Enqueue(entry(1)))
	waitFor(t, func() bool { return len(sink.Calls()) == 1 })
	require.NoError(t, b.Enqueue(entry(2)))

	errc := make(chan error, 1)
	go func() { errc <- b.Flush(context.Background()) }()
	close(gate)

	require.NoError(t, <-errc)
	assert.Empty(t, b.Pending())
	assert.Equal(t, 3, b.Stats().Flushed)
	assert.EqualValues(t, 1, atomic.LoadInt32(&sink.maxSeen))
}

func TestBatcher_CloseFlushesThenRejects(t *testing.T) {
	sink := &recordingSink{}
	b := New(sink, Options{Clock: &manualClock{}})
	require.NoError(t, b.Enqueue(entry(0)))

	require.NoError(t, b.Close(context.Background()))
	require.Len(t, sink.Calls(), 1)
	require.ErrorIs(t, b.Enqueue(entry(1)), ErrClosed)
	require.ErrorIs(t, b.Flush(context.Background()), ErrClosed)
}

func TestBatcher_DetachIgnoresInFlightResult(t *testing.T) {
	gate := make(chan struct{})
	sink := &recordingSink{gate: gate}
	b := New(sink, Options{BatchSize: 1, Clock: &manualClock{}})

	require.NoError(t, b.Enqueue(entry(0)))
	waitFor(t, func() bool { return len(sink.Calls()) == 1 })
	b.Detach()
	close(gate)

	waitFor(t, func() bool { return len(b.Pending()) == 0 })
	assert.Equal(t, 0, b.Stats().Flushed)
}

func TestBatcher_SplitsBatchesByGame(t *testing.T) {
	sink := &recordingSink{}
	b := New(sink, Options{Clock: &manualClock{}})
	require.NoError(t, b.Enqueue(entry(0)))
	other := entry(0)
	other.Move.GameID = "g2"
	require.NoError(t, b.Enqueue(other))

	require.NoError(t, b.Flush(context.Background()))
	calls := sink.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "g1", calls[0][0].GameID)
	assert.Equal(t, "g2", calls[1][0].GameID)
}

func TestBatcher_AmendQueuedOnly(t *testing.T) {
	clk := &manualClock{}
	sink := &recordingSink{}
	b := New(sink, Options{BatchSize: 5, QuietPeriod: 2 * time.Second, Clock: clk})

	require.NoError(t, b.Enqueue(entry(0)))
	require.NoError(t, b.Enqueue(entry(1)))
	assert.True(t, b.Amend(1, func(r *syncdto.MoveRecord) { r.Notation = "fixed" }))
	assert.False(t, b.Amend(7, func(r *syncdto.MoveRecord) { r.Notation = "never" }))

	require.NoError(t, b.Flush(context.Background()))
	calls := sink.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "m0", calls[0][0].Notation)
	assert.Equal(t, "fixed", calls[0][1].Notation)

	assert.False(t, b.Amend(1, func(r *syncdto.MoveRecord) { r.Notation = "late" }))
}
