// Package session runs one robot-board game: it owns the authoritative rules
// state, reconciles robot messages against it and persists history in batches.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/park285/chess-robot-sync/internal/batcher"
	"github.com/park285/chess-robot-sync/internal/dedup"
	"github.com/park285/chess-robot-sync/internal/notify"
	"github.com/park285/chess-robot-sync/internal/persist"
	"github.com/park285/chess-robot-sync/internal/reconcile"
	"github.com/park285/chess-robot-sync/internal/rules"
	"github.com/park285/chess-robot-sync/pkg/syncdto"
	"go.uber.org/zap"
)

// Session is safe for concurrent use; all operations are serialized so only
// one snapshot is reconciled at a time.
type Session struct {
	id       string
	cfg      Config
	api      persist.API
	notifier notify.Notifier
	resolver *reconcile.Resolver
	events   Events
	log      *zap.Logger

	// gameRef mirrors gameID for lock-free readers such as notifiers.
	gameRef atomic.Value

	mu      sync.Mutex
	state   State
	closed  bool
	gameID  string
	holder  *rules.Holder
	batch   *batcher.Batcher
	disp    *dedup.Dispatcher
	seq     int
	outcome *Outcome
	step    Step

	// guessedTurn is set while the latest gap came from a bare placement and
	// its side to move is still unconfirmed; gapSeq is that gap's record.
	guessedTurn bool
	gapSeq      int
}

type Option func(*Session)

func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

func WithNotifier(n notify.Notifier) Option {
	return func(s *Session) {
		if n != nil {
			s.notifier = n
		}
	}
}

func WithEvents(e Events) Option {
	return func(s *Session) { s.events = e }
}

func New(api persist.API, cfg Config, opts ...Option) *Session {
	if cfg.UserSide == "" {
		cfg.UserSide = rules.White
	}
	s := &Session{
		id:       uuid.NewString(),
		cfg:      cfg,
		api:      api,
		notifier: &notify.Recorder{},
		log:      zap.NewNop(),
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(zap.String("session_id", s.id))
	s.resolver = reconcile.NewResolver(s.log)
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// GameID는 세션 락을 잡지 않으므로 훅 안에서 호출해도 된다.
func (s *Session) GameID() string {
	id, _ := s.gameRef.Load().(string)
	return id
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{ID: s.id, GameID: s.gameID, State: s.state}
	if s.holder != nil {
		info.Started = s.holder.Started()
		info.Current = s.holder.Position()
		info.History = s.holder.History()
	}
	if s.outcome != nil {
		o := *s.outcome
		info.Outcome = &o
	}
	if s.batch != nil {
		info.Pending = len(s.batch.Pending())
	}
	return info
}

// PendingPersistence lists records not yet confirmed by the persistence API.
func (s *Session) PendingPersistence() []batcher.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch == nil {
		return nil
	}
	return s.batch.Pending()
}

// PGN renders the history so far with the final result when ended.
func (s *Session) PGN() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holder == nil {
		return ""
	}
	return s.pgnLocked()
}

func (s *Session) pgnLocked() string {
	result := "*"
	if s.outcome != nil {
		result = pgnResult(*s.outcome)
	}
	white, black := "user", "robot"
	if s.cfg.UserSide == rules.Black {
		white, black = black, white
	}
	return s.holder.PGN(result, map[string]string{"White": white, "Black": black, "Site": s.cfg.BoardID}, time.Now())
}

func (s *Session) setState(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.log.Info("session_state", zap.String("from", string(from)), zap.String("to", string(to)))
	if s.events.OnState != nil {
		s.events.OnState(from, to)
	}
}

func (s *Session) require(op string, allowed ...State) error {
	if s.closed {
		return fmt.Errorf("%s: %w: %w", op, ErrIllegalOperationForState, ErrClosed)
	}
	for _, st := range allowed {
		if s.state == st {
			return nil
		}
	}
	return fmt.Errorf("%s in state %s: %w", op, s.state, ErrIllegalOperationForState)
}

// Start creates the game record and moves Idle -> Starting -> InProgress.
// On failure the session returns to Idle.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require("start", StateIdle); err != nil {
		return err
	}
	holder, err := rules.NewHolder(s.cfg.StartFEN)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	s.setState(StateStarting)

	gameID, err := s.api.CreateGame(ctx, syncdto.CreateGameRequest{
		UserID:   s.cfg.UserID,
		UserSide: string(s.cfg.UserSide),
		StartFEN: holder.Started().FEN,
		BoardID:  s.cfg.BoardID,
	})
	if err != nil {
		s.log.Warn("session_start_error", zap.Error(err))
		s.setState(StateIdle)
		return fmt.Errorf("create game: %w", err)
	}

	s.gameID = gameID
	s.gameRef.Store(gameID)
	s.holder = holder
	s.seq = 0
	s.outcome = nil
	s.guessedTurn = false
	s.log = s.log.With(zap.String("game_id", gameID))
	s.batch = batcher.New(s.api, s.batchOptions())
	s.disp = s.newDispatcher()
	s.setState(StateInProgress)
	s.log.Info("session_start", zap.String("user_side", string(s.cfg.UserSide)), zap.String("fen", holder.Started().FEN))
	s.notify(ctx, notify.SessionStarted, map[string]any{"Side": string(s.cfg.UserSide)})
	return nil
}

func (s *Session) batchOptions() batcher.Options {
	opts := s.cfg.Batch
	opts.Logger = s.log
	userAlert := opts.OnAlert
	opts.OnAlert = func(err error, failures int) {
		s.log.Error("batch_flush_alert", zap.Int("failures", failures), zap.Error(err))
		s.notify(context.Background(), notify.FlushFailed, map[string]any{"Failures": failures})
		if userAlert != nil {
			userAlert(err, failures)
		}
	}
	return opts
}

// Pause flushes pending records and marks the game paused. A failed flush
// keeps the session in progress.
func (s *Session) Pause(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require("pause", StateInProgress); err != nil {
		return err
	}
	if err := s.batch.Flush(ctx); err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	if err := s.api.Pause(ctx, s.gameID, s.holder.Position().FEN); err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	s.setState(StatePaused)
	s.notify(ctx, notify.SessionPaused, nil)
	return nil
}

// Resume reloads the last persisted position. If it differs from the local
// position the holder is hard-reset to it and a gap is recorded.
func (s *Session) Resume(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require("resume", StatePaused); err != nil {
		return err
	}
	fen, err := s.api.Resume(ctx, s.gameID)
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	key := notify.SessionResumed
	if stored := strings.TrimSpace(fen); stored != "" && !samePosition(stored, s.holder.Position()) {
		if err := s.loadGap(stored); err != nil {
			return fmt.Errorf("resume: %w", err)
		}
		key = notify.SessionResumedGap
	}
	s.disp.Reset()
	s.setState(StateInProgress)
	s.notify(ctx, key, nil)
	if term := s.holder.TerminalStatus(); term.Over() {
		return s.endTerminalLocked(ctx, term)
	}
	return nil
}

func samePosition(reported string, cur rules.Position) bool {
	placement, full, err := rules.SplitReported(reported)
	if err != nil {
		return false
	}
	if full {
		return strings.Join(strings.Fields(reported), " ") == cur.FEN
	}
	return placement == cur.Placement()
}

// Resign은 side를 패자로 대국을 종료.
func (s *Session) Resign(ctx context.Context, side rules.Side) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require("resign", StateInProgress); err != nil {
		return err
	}
	if side == "" {
		side = s.cfg.UserSide
	}
	winner := side.Opponent()
	return s.end(ctx, Outcome{Result: s.resultFor(winner), Method: "resignation", Winner: winner},
		notify.GameOverResign, map[string]any{"Winner": string(winner), "Loser": string(side)})
}

// HandleSnapshot은 FEN 보고 하나를 대조.
func (s *Session) HandleSnapshot(ctx context.Context, fen string) (Step, error) {
	return s.HandleMessage(ctx, syncdto.Message{Type: syncdto.KindBoardStatus, FEN: fen})
}

// HandleMessage deduplicates and routes one robot message. Outside
// InProgress it fails with ErrIllegalOperationForState and changes nothing.
func (s *Session) HandleMessage(ctx context.Context, msg syncdto.Message) (Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require("handle "+string(msg.Type), StateInProgress); err != nil {
		return Step{Kind: StepIgnored}, err
	}
	s.step = Step{Kind: StepIgnored}
	dispatched, err := s.disp.Dispatch(ctx, msg)
	if !dispatched && err == nil {
		return Step{Kind: StepDuplicate}, nil
	}
	return s.step, err
}

// Close flushes synchronously and detaches the batcher. Results of a flush
// still running afterwards are ignored.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.batch == nil {
		return nil
	}
	err := s.batch.Flush(ctx)
	s.batch.Detach()
	if err != nil {
		s.log.Warn("session_close_flush_error", zap.Int("pending", len(s.batch.Pending())), zap.Error(err))
		return fmt.Errorf("close: %w", err)
	}
	s.log.Info("session_close")
	return nil
}

func (s *Session) notify(ctx context.Context, key string, data map[string]any) {
	if err := s.notifier.Notify(ctx, key, data); err != nil {
		s.log.Warn("notify_error", zap.String("key", key), zap.Error(err))
	}
	if s.events.OnNotify != nil {
		s.events.OnNotify(key, data)
	}
}

func (s *Session) resultFor(winner rules.Side) string {
	switch winner {
	case "":
		return syncdto.ResultDraw
	case s.cfg.UserSide:
		return syncdto.ResultWin
	default:
		return syncdto.ResultLose
	}
}

func pgnResult(o Outcome) string {
	switch o.Winner {
	case rules.White:
		return "1-0"
	case rules.Black:
		return "0-1"
	}
	if o.Result == syncdto.ResultDraw {
		return "1/2-1/2"
	}
	return "*"
}

// end moves to Ended exactly once. The final flush and result write are both
// attempted; their errors are combined.
func (s *Session) end(ctx context.Context, o Outcome, key string, data map[string]any) error {
	if s.state == StateEnded {
		return nil
	}
	s.outcome = &o
	s.setState(StateEnded)
	s.step = Step{Kind: StepEnded, Move: s.step.Move}

	var errs *multierror.Error
	if err := s.batch.Flush(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}
	o.PGN = s.pgnLocked()
	s.outcome.PGN = o.PGN
	moves := len(s.holder.Moves())
	err := s.api.UpdateResult(ctx, syncdto.ResultRecord{
		GameID:     s.gameID,
		Result:     o.Result,
		Status:     persist.StatusEnded,
		Method:     o.Method,
		TotalMoves: moves,
		FinalFEN:   s.holder.Position().FEN,
		PGN:        o.PGN,
	})
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("update result: %w", err))
	}
	s.log.Info("session_end",
		zap.String("result", o.Result),
		zap.String("method", o.Method),
		zap.Int("moves", moves),
		zap.Bool("persisted", errs.ErrorOrNil() == nil),
	)
	s.notify(ctx, key, data)
	if s.events.OnEnded != nil {
		s.events.OnEnded(o)
	}
	return errs.ErrorOrNil()
}
