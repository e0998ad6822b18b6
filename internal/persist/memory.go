package persist

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/park285/chess-robot-sync/pkg/syncdto"
)

// Memory is an in-process backend used for development and tests.
type Memory struct {
	mu    sync.RWMutex
	games map[string]*GameRecord
	moves map[string][]syncdto.MoveRecord
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		games: make(map[string]*GameRecord),
		moves: make(map[string][]syncdto.MoveRecord),
		now:   time.Now,
	}
}

func (m *Memory) CreateGame(ctx context.Context, req syncdto.CreateGameRequest) (string, error) {
	id := uuid.NewString()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.games[id] = newGameRecord(id, req, m.now())
	return id, nil
}

func (m *Memory) SaveMove(ctx context.Context, rec syncdto.MoveRecord) error {
	return m.SaveMoves(ctx, rec.GameID, []syncdto.MoveRecord{rec})
}

func (m *Memory) SaveMoves(ctx context.Context, gameID string, recs []syncdto.MoveRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[gameID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrGameNotFound, gameID)
	}
	m.moves[gameID] = append(m.moves[gameID], g.acceptMoves(recs, m.now())...)
	return nil
}

func (m *Memory) UpdateResult(ctx context.Context, res syncdto.ResultRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[res.GameID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrGameNotFound, res.GameID)
	}
	g.applyResult(res, m.now())
	return nil
}

func (m *Memory) Pause(ctx context.Context, gameID, fen string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[gameID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrGameNotFound, gameID)
	}
	if g.Status == StatusEnded {
		return ErrGameEnded
	}
	g.Status = StatusPaused
	if fen != "" {
		g.FEN = fen
	}
	g.UpdatedAt = m.now()
	return nil
}

func (m *Memory) Resume(ctx context.Context, gameID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[gameID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrGameNotFound, gameID)
	}
	if g.Status == StatusEnded {
		return "", ErrGameEnded
	}
	g.Status = StatusActive
	g.UpdatedAt = m.now()
	return g.FEN, nil
}

// Game returns a copy of the stored game.
func (m *Memory) Game(gameID string) (GameRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.games[gameID]
	if !ok {
		return GameRecord{}, false
	}
	return *g, true
}

// Moves returns a copy of the stored records in seq order.
func (m *Memory) Moves(gameID string) []syncdto.MoveRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]syncdto.MoveRecord(nil), m.moves[gameID]...)
}

// SetGameState overwrites the stored FEN, for tests simulating another writer.
func (m *Memory) SetGameState(gameID, fen string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.games[gameID]; ok {
		g.FEN = fen
	}
}
