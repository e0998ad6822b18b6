// Package notify turns engine events into user-facing messages sent back over
// the robot channel.
package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/park285/chess-robot-sync/internal/channel"
	"github.com/park285/chess-robot-sync/internal/msgcat"
	"github.com/park285/chess-robot-sync/pkg/syncdto"
	"go.uber.org/zap"
)

// Notification keys. Each is also a msgcat template key.
const (
	SessionStarted    = "session.started"
	SessionPaused     = "session.paused"
	SessionResumed    = "session.resumed"
	SessionResumedGap = "session.resumed_with_gap"
	ResyncRequired    = "sync.resync_required"
	IllegalMove       = "sync.illegal_move"
	CheckMismatch     = "sync.check_mismatch"
	FlushFailed       = "persist.flush_failed"
	GameOverCheckmate = "game.over.checkmate"
	GameOverStalemate = "game.over.stalemate"
	GameOverDraw      = "game.over.draw"
	GameOverResign    = "game.over.resignation"
	GameOverReported  = "game.over.reported"
)

type Notifier interface {
	Notify(ctx context.Context, key string, data map[string]any) error
}

// Sender is the outbound half of a channel.
type Sender interface {
	Send(ctx context.Context, msg syncdto.Message) error
}

// ChannelNotifier renders key through the catalog and sends it as a notify
// message. An unavailable channel is logged and not reported as an error.
type ChannelNotifier struct {
	out    Sender
	cat    *msgcat.Catalog
	gameID func() string
	log    *zap.Logger
}

func NewChannelNotifier(out Sender, cat *msgcat.Catalog, logger *zap.Logger) *ChannelNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChannelNotifier{out: out, cat: cat, log: logger}
}

// WithGameID stamps outgoing notifications with the id returned by fn.
func (n *ChannelNotifier) WithGameID(fn func() string) *ChannelNotifier {
	n.gameID = fn
	return n
}

func (n *ChannelNotifier) Notify(ctx context.Context, key string, data map[string]any) error {
	text := n.cat.Text(key, n.localize(data), key)
	msg := syncdto.Message{Type: syncdto.KindNotify, Reason: key, Text: text}
	if n.gameID != nil {
		msg.GameID = n.gameID()
	}
	err := n.out.Send(ctx, msg)
	if errors.Is(err, channel.ErrChannelUnavailable) {
		n.log.Warn("notify_dropped", zap.String("key", key), zap.Error(err))
		return nil
	}
	return err
}

// localize replaces side names with catalog labels.
func (n *ChannelNotifier) localize(data map[string]any) map[string]any {
	if len(data) == 0 {
		return data
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if s, ok := v.(string); ok && (k == "Side" || k == "Winner" || k == "Loser") {
			v = n.cat.Text("side."+s, nil, s)
		}
		out[k] = v
	}
	return out
}

// Recorder keeps notifications in memory; handy for tests and dry runs.
type Recorder struct {
	mu    sync.Mutex
	items []Record
}

type Record struct {
	Key  string
	Data map[string]any
}

func (r *Recorder) Notify(_ context.Context, key string, data map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, Record{Key: key, Data: data})
	return nil
}

func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.items...)
}

// Keys lists recorded keys in order.
func (r *Recorder) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.items))
	for i, it := range r.items {
		out[i] = it.Key
	}
	return out
}
