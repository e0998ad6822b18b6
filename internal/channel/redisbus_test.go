package channel

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/park285/chess-robot-sync/pkg/syncdto"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) (*RedisBus, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisBus(rdb, "b1", nil), mr, rdb
}

func TestRedisBus_InboundInOrder(t *testing.T) {
	bus, mr, _ := newTestBus(t)
	recv := make(chan syncdto.Message, 8)
	bus.Subscribe(func(m syncdto.Message) { recv <- m })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, bus.Connect(ctx))
	defer bus.Close(context.Background())

	mr.Publish(EventsChannel("b1"), "not json")
	fens := []string{"a", "b", "c", "d"}
	for _, fen := range fens {
		raw, err := json.Marshal(syncdto.Message{Type: syncdto.KindBoardStatus, FEN: fen})
		require.NoError(t, err)
		mr.Publish(EventsChannel("b1"), string(raw))
	}
	for _, want := range fens {
		select {
		case m := <-recv:
			assert.Equal(t, want, m.FEN)
		case <-ctx.Done():
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestRedisBus_SendPublishesCommand(t *testing.T) {
	bus, _, rdb := newTestBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.ErrorIs(t, bus.Send(ctx, syncdto.Message{Type: syncdto.KindNotify}), ErrChannelUnavailable)
	require.NoError(t, bus.Connect(ctx))

	ps := rdb.Subscribe(ctx, CommandsChannel("b1"))
	defer ps.Close()
	_, err := ps.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.Send(ctx, syncdto.Message{Type: syncdto.KindNotify, Text: "resync"}))
	m, err := ps.ReceiveMessage(ctx)
	require.NoError(t, err)
	var got syncdto.Message
	require.NoError(t, json.Unmarshal([]byte(m.Payload), &got))
	assert.Equal(t, "resync", got.Text)

	require.NoError(t, bus.Close(ctx))
	assert.Equal(t, StateDisconnected, bus.State())
}
