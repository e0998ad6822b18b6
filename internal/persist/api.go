// Package persist stores games and their move history. API is the boundary the
// session talks to; the backends are an HTTP client for the remote service,
// Postgres, Redis and an in-process map.
package persist

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/park285/chess-robot-sync/pkg/syncdto"
)

var (
	ErrGameNotFound = errors.New("game not found")
	ErrInvalidArgs  = errors.New("invalid arguments")
	ErrGameEnded    = errors.New("game already ended")
)

type API interface {
	CreateGame(ctx context.Context, req syncdto.CreateGameRequest) (string, error)
	SaveMove(ctx context.Context, rec syncdto.MoveRecord) error
	SaveMoves(ctx context.Context, gameID string, recs []syncdto.MoveRecord) error
	UpdateResult(ctx context.Context, res syncdto.ResultRecord) error
	Pause(ctx context.Context, gameID, fen string) error
	Resume(ctx context.Context, gameID string) (string, error)
}

// Game statuses.
const (
	StatusActive = "active"
	StatusPaused = "paused"
	StatusEnded  = "ended"
)

// GameRecord is the stored form of a game in the memory and redis backends.
type GameRecord struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id,omitempty"`
	UserSide   string    `json:"user_side"`
	BoardID    string    `json:"board_id,omitempty"`
	StartFEN   string    `json:"start_fen"`
	FEN        string    `json:"fen"`
	Status     string    `json:"status"`
	Result     string    `json:"result,omitempty"`
	Method     string    `json:"method,omitempty"`
	PGN        string    `json:"pgn,omitempty"`
	TotalMoves int       `json:"total_moves"`
	NextSeq    int       `json:"next_seq"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func newGameRecord(id string, req syncdto.CreateGameRequest, now time.Time) *GameRecord {
	return &GameRecord{
		ID:        id,
		UserID:    strings.TrimSpace(req.UserID),
		UserSide:  strings.TrimSpace(req.UserSide),
		BoardID:   strings.TrimSpace(req.BoardID),
		StartFEN:  req.StartFEN,
		FEN:       req.StartFEN,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// acceptMoves filters out records already stored (Seq below NextSeq) and
// advances g. Retried batches therefore never duplicate rows.
func (g *GameRecord) acceptMoves(recs []syncdto.MoveRecord, now time.Time) []syncdto.MoveRecord {
	var out []syncdto.MoveRecord
	for _, r := range recs {
		if r.Seq < g.NextSeq {
			continue
		}
		r.GameID = g.ID
		out = append(out, r)
		g.NextSeq = r.Seq + 1
		if !r.Gap {
			g.TotalMoves++
		}
		if r.ResultingFEN != "" {
			g.FEN = r.ResultingFEN
		}
	}
	if len(out) > 0 {
		g.UpdatedAt = now
	}
	return out
}

func (g *GameRecord) applyResult(res syncdto.ResultRecord, now time.Time) {
	g.Status = StatusEnded
	g.Result = res.Result
	g.Method = res.Method
	g.PGN = res.PGN
	if res.TotalMoves > 0 {
		g.TotalMoves = res.TotalMoves
	}
	if res.FinalFEN != "" {
		g.FEN = res.FinalFEN
	}
	g.UpdatedAt = now
}

func validGameID(id string) bool { return strings.TrimSpace(id) != "" }
