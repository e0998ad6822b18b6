package session

import (
	"errors"

	"github.com/park285/chess-robot-sync/internal/batcher"
	"github.com/park285/chess-robot-sync/internal/rules"
)

var (
	ErrIllegalOperationForState = errors.New("operation not allowed in current session state")
	ErrClosed                   = errors.New("session closed")
)

// State is the lifecycle state of a session.
type State string

const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StateInProgress State = "in_progress"
	StatePaused     State = "paused"
	StateEnded      State = "ended"
)

// StepKind describes what handling one message did.
type StepKind string

const (
	StepIgnored   StepKind = "ignored"
	StepDuplicate StepKind = "duplicate"
	StepNoChange  StepKind = "no_change"
	StepApplied   StepKind = "applied"
	StepResynced  StepKind = "resynced"
	StepEnded     StepKind = "ended"
)

type Step struct {
	Kind StepKind
	Move *rules.Move
}

// Outcome is the final result of a game. Result is seen from the user's side.
type Outcome struct {
	Result string
	Method string
	Winner rules.Side
	PGN    string
}

type Config struct {
	UserSide rules.Side
	UserID   string
	BoardID  string
	StartFEN string
	// Batch configures the persistence batcher; Logger is filled in by the session.
	Batch batcher.Options
}

// Events are observer hooks. They run while the session lock is held and must
// not call back into the session. OnNotify also fires from the batcher's
// flush goroutine for persistence alerts.
type Events struct {
	OnState  func(from, to State)
	OnMove   func(mv rules.Move)
	OnEnded  func(o Outcome)
	OnNotify func(key string, data map[string]any)
}

// Info is a read-only snapshot of a session.
type Info struct {
	ID      string
	GameID  string
	State   State
	Started rules.Position
	Current rules.Position
	History []rules.HistoryEntry
	Outcome *Outcome
	Pending int
}
