package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/park285/chess-robot-sync/pkg/syncdto"
	"github.com/redis/go-redis/v9"
)

const defaultRedisTTL = 7 * 24 * time.Hour

// Redis keeps each game as a JSON value and its records in a list, both with a
// TTL. Writes that read the game run inside WATCH so concurrent writers retry.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

// NewRedis dials redisURL (redis:// or rediss://) and pings it.
func NewRedis(ctx context.Context, redisURL string) (*Redis, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("%w: REDIS_URL required", ErrInvalidArgs)
	}
	opts, err := ParseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisWithClient(rdb), nil
}

func NewRedisWithClient(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb, ttl: defaultRedisTTL, now: time.Now}
}

func (r *Redis) Close() error {
	if r == nil || r.rdb == nil {
		return nil
	}
	return r.rdb.Close()
}

// ParseRedisURL converts redis://[:password@]host:port/db into client options.
func ParseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}

func gameKey(id string) string  { return "robot:game:" + strings.TrimSpace(id) }
func movesKey(id string) string { return "robot:game:" + strings.TrimSpace(id) + ":moves" }

func (r *Redis) CreateGame(ctx context.Context, req syncdto.CreateGameRequest) (string, error) {
	id := uuid.NewString()
	g := newGameRecord(id, req, r.now())
	raw, err := json.Marshal(g)
	if err != nil {
		return "", err
	}
	ok, err := r.rdb.SetNX(ctx, gameKey(id), raw, r.ttl).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("game id collision: %s", id)
	}
	return id, nil
}

func (r *Redis) SaveMove(ctx context.Context, rec syncdto.MoveRecord) error {
	return r.SaveMoves(ctx, rec.GameID, []syncdto.MoveRecord{rec})
}

func (r *Redis) SaveMoves(ctx context.Context, gameID string, recs []syncdto.MoveRecord) error {
	if !validGameID(gameID) {
		return ErrInvalidArgs
	}
	if len(recs) == 0 {
		return nil
	}
	return r.update(ctx, gameID, func(tx *redis.Tx, pipe redis.Pipeliner, g *GameRecord) error {
		accepted := g.acceptMoves(recs, r.now())
		if len(accepted) == 0 {
			return nil
		}
		vals := make([]any, 0, len(accepted))
		for _, rec := range accepted {
			raw, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			vals = append(vals, raw)
		}
		pipe.RPush(ctx, movesKey(gameID), vals...)
		pipe.Expire(ctx, movesKey(gameID), r.ttl)
		return nil
	})
}

func (r *Redis) UpdateResult(ctx context.Context, res syncdto.ResultRecord) error {
	return r.update(ctx, res.GameID, func(_ *redis.Tx, _ redis.Pipeliner, g *GameRecord) error {
		g.applyResult(res, r.now())
		return nil
	})
}

func (r *Redis) Pause(ctx context.Context, gameID, fen string) error {
	return r.update(ctx, gameID, func(_ *redis.Tx, _ redis.Pipeliner, g *GameRecord) error {
		if g.Status == StatusEnded {
			return ErrGameEnded
		}
		g.Status = StatusPaused
		if fen != "" {
			g.FEN = fen
		}
		g.UpdatedAt = r.now()
		return nil
	})
}

func (r *Redis) Resume(ctx context.Context, gameID string) (string, error) {
	var fen string
	err := r.update(ctx, gameID, func(_ *redis.Tx, _ redis.Pipeliner, g *GameRecord) error {
		if g.Status == StatusEnded {
			return ErrGameEnded
		}
		g.Status = StatusActive
		g.UpdatedAt = r.now()
		fen = g.FEN
		return nil
	})
	return fen, err
}

// update loads the game under WATCH, lets fn mutate it and queue extra commands,
// then writes the game back in the same transaction.
func (r *Redis) update(ctx context.Context, gameID string, fn func(tx *redis.Tx, pipe redis.Pipeliner, g *GameRecord) error) error {
	key := gameKey(gameID)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", ErrGameNotFound, gameID)
		}
		if err != nil {
			return err
		}
		var g GameRecord
		if err := json.Unmarshal(raw, &g); err != nil {
			return fmt.Errorf("decode game %s: %w", gameID, err)
		}
		pipe := tx.TxPipeline()
		if err := fn(tx, pipe, &g); err != nil {
			return err
		}
		out, err := json.Marshal(&g)
		if err != nil {
			return err
		}
		pipe.Set(ctx, key, out, r.ttl)
		_, err = pipe.Exec(ctx)
		return err
	}
	for attempt := 0; attempt < 5; attempt++ {
		err := r.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update game %s: too much contention", gameID)
}

// Game loads the stored game.
func (r *Redis) Game(ctx context.Context, gameID string) (*GameRecord, error) {
	raw, err := r.rdb.Get(ctx, gameKey(gameID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrGameNotFound, gameID)
	}
	if err != nil {
		return nil, err
	}
	var g GameRecord
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// Moves returns the stored records in seq order.
func (r *Redis) Moves(ctx context.Context, gameID string) ([]syncdto.MoveRecord, error) {
	raws, err := r.rdb.LRange(ctx, movesKey(gameID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]syncdto.MoveRecord, 0, len(raws))
	for _, raw := range raws {
		var rec syncdto.MoveRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
