package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/park285/chess-robot-sync/pkg/syncdto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func EventsChannel(boardID string) string   { return "robot:" + strings.TrimSpace(boardID) + ":events" }
func CommandsChannel(boardID string) string { return "robot:" + strings.TrimSpace(boardID) + ":commands" }

// RedisBus exchanges robot messages over redis pub/sub: inbound on the board's
// events channel, outbound on its commands channel.
type RedisBus struct {
	rdb     *redis.Client
	boardID string
	log     *zap.Logger

	state stateBox
	subs  registry[Handler]

	mu     sync.Mutex
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRedisBus(rdb *redis.Client, boardID string, logger *zap.Logger) *RedisBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &RedisBus{rdb: rdb, boardID: boardID, log: logger}
	b.state.set(StateDisconnected)
	return b
}

// Connect subscribes to the events channel and starts the reader. go-redis
// resubscribes on its own after connection loss.
func (b *RedisBus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		return nil
	}
	b.state.set(StateConnecting)
	ps := b.rdb.Subscribe(ctx, EventsChannel(b.boardID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		b.state.set(StateFailed)
		return fmt.Errorf("subscribe %s: %w", EventsChannel(b.boardID), err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	b.pubsub = ps
	b.cancel = cancel
	b.done = make(chan struct{})
	b.state.set(StateConnected)
	go b.listen(runCtx, ps, b.done)
	return nil
}

func (b *RedisBus) listen(ctx context.Context, ps *redis.PubSub, done chan struct{}) {
	defer close(done)
	ch := ps.Channel(redis.WithChannelHealthCheckInterval(30 * time.Second))
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				b.state.set(StateDisconnected)
				return
			}
			var msg syncdto.Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				b.log.Warn("redisbus_decode_error", zap.String("channel", m.Channel), zap.Error(err))
				continue
			}
			deliver(&b.subs, msg)
		}
	}
}

func (b *RedisBus) Send(ctx context.Context, msg syncdto.Message) error {
	if b.State() != StateConnected {
		return ErrChannelUnavailable
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	pctx, cancel := boundedContext(ctx, 5*time.Second)
	defer cancel()
	if err := b.rdb.Publish(pctx, CommandsChannel(b.boardID), raw).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrChannelUnavailable, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(h Handler) func() { return b.subs.add(h) }

func (b *RedisBus) OnStateChange(h StateHandler) func() { return b.state.listeners.add(h) }

func (b *RedisBus) State() ConnState { return b.state.get() }

func (b *RedisBus) Close(ctx context.Context) error {
	b.mu.Lock()
	ps, cancel, done := b.pubsub, b.cancel, b.done
	b.pubsub, b.cancel, b.done = nil, nil, nil
	b.mu.Unlock()
	if ps == nil {
		return nil
	}
	cancel()
	err := ps.Close()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.state.set(StateDisconnected)
	return err
}
