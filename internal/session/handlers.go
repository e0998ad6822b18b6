package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/park285/chess-robot-sync/internal/batcher"
	"github.com/park285/chess-robot-sync/internal/channel"
	"github.com/park285/chess-robot-sync/internal/dedup"
	"github.com/park285/chess-robot-sync/internal/notify"
	"github.com/park285/chess-robot-sync/internal/reconcile"
	"github.com/park285/chess-robot-sync/internal/rules"
	"github.com/park285/chess-robot-sync/pkg/syncdto"
	"go.uber.org/zap"
)

// Attach feeds every inbound message of ch into the session. The returned
// func unsubscribes.
func (s *Session) Attach(ch channel.Channel) func() {
	return ch.Subscribe(func(msg syncdto.Message) {
		step, err := s.HandleMessage(context.Background(), msg)
		switch {
		case err == nil:
			s.log.Debug("session_step", zap.String("kind", string(msg.Type)), zap.String("step", string(step.Kind)))
		case errors.Is(err, ErrIllegalOperationForState):
			s.log.Debug("session_message_skipped", zap.String("kind", string(msg.Type)), zap.Error(err))
		default:
			s.log.Warn("session_message_error", zap.String("kind", string(msg.Type)), zap.String("step", string(step.Kind)), zap.Error(err))
		}
	})
}

// 핸들러는 세션 락을 잡은 HandleMessage 안에서 실행됨.
func (s *Session) newDispatcher() *dedup.Dispatcher {
	d := dedup.NewDispatcher(s.log)
	d.Handle(syncdto.KindBoardStatus, s.onBoardStatus)
	d.Handle(syncdto.KindMoveDetected, s.onMove)
	d.Handle(syncdto.KindMoveExecuted, s.onMove)
	d.Handle(syncdto.KindCheckDetected, s.onCheck)
	d.Handle(syncdto.KindIllegalMove, s.onIllegalMove)
	d.Handle(syncdto.KindGameOver, s.onGameOver)
	d.HandleUnknown(func(_ context.Context, msg syncdto.Message) error {
		s.log.Debug("session_ignore", zap.String("kind", string(msg.Type)))
		return nil
	})
	return d
}

func (s *Session) onBoardStatus(ctx context.Context, msg syncdto.Message) error {
	if !msg.HasSnapshot() {
		return fmt.Errorf("%w: board_status without fen", reconcile.ErrInvalidFEN)
	}
	return s.reconcileLocked(ctx, msg.FEN)
}

func (s *Session) reconcileLocked(ctx context.Context, fen string) error {
	res, err := s.resolver.Resolve(s.holder, fen)
	if errors.Is(err, reconcile.ErrInvalidFEN) {
		s.log.Warn("reconcile_invalid_fen", zap.String("fen", fen), zap.Error(err))
		return err
	}
	switch res.Kind {
	case reconcile.NoChange:
		s.step = Step{Kind: StepNoChange}
		return nil
	case reconcile.Resolved:
		mv, applyErr := s.holder.Apply(res.Candidate)
		if applyErr != nil {
			return applyErr
		}
		return s.afterMoveLocked(ctx, mv)
	default:
		if s.guessedTurn {
			if handled, retryErr := s.retryGapTurnLocked(ctx, fen); handled {
				return retryErr
			}
		}
		return s.resyncLocked(ctx, fen, res.Placement, err)
	}
}

// retryGapTurnLocked runs on the first unresolvable snapshot after a
// placement-only resync. When the snapshot resolves with the other side to
// move, the gap position is corrected in place and the move applied.
func (s *Session) retryGapTurnLocked(ctx context.Context, fen string) (bool, error) {
	s.guessedTurn = false
	flipped, err := rules.FlipTurn(s.holder.Position())
	if err != nil {
		return false, nil
	}
	trial, err := rules.NewHolder(flipped)
	if err != nil {
		return false, nil
	}
	res, _ := s.resolver.Resolve(trial, fen)
	if res.Kind != reconcile.Resolved {
		return false, nil
	}
	if err := s.holder.RetargetGap(flipped); err != nil {
		return false, nil
	}
	pos := s.holder.Position()
	amended := s.batch.Amend(s.gapSeq, func(rec *syncdto.MoveRecord) {
		rec.MoveNumber = pos.FullMove()
		rec.Side = string(pos.Turn())
		rec.ResultingFEN = pos.FEN
	})
	s.log.Warn("session_resync_turn_corrected",
		zap.String("fen", pos.FEN),
		zap.Int("gap_seq", s.gapSeq),
		zap.Bool("record_amended", amended),
	)
	mv, err := s.holder.Apply(res.Candidate)
	if err != nil {
		return true, err
	}
	return true, s.afterMoveLocked(ctx, mv)
}

// resyncLocked hard-resets the holder to the reported snapshot. The
// unresolvable cause is always returned so callers see the resync. A snapshot
// that is already decided ends the game.
func (s *Session) resyncLocked(ctx context.Context, reported, placement string, cause error) error {
	if err := s.loadGap(reported); err != nil {
		s.log.Error("session_resync_error", zap.String("fen", reported), zap.Error(err))
		s.notify(ctx, notify.ResyncRequired, map[string]any{"Placement": placement})
		return fmt.Errorf("%w: %w", cause, err)
	}
	s.step = Step{Kind: StepResynced}
	s.notify(ctx, notify.ResyncRequired, map[string]any{"Placement": placement})
	if term := s.holder.TerminalStatus(); term.Over() {
		if err := s.endTerminalLocked(ctx, term); err != nil {
			return fmt.Errorf("%w: %w", cause, err)
		}
	}
	return cause
}

// loadGap completes reported against the current position, loads it and
// queues a gap record. A bare placement gets its side to move from
// Holder.GapTurn and stays open to one correction.
func (s *Session) loadGap(reported string) error {
	cur := s.holder.Position()
	placement, full, err := rules.SplitReported(reported)
	if err != nil {
		return err
	}
	next := cur.Turn().Opponent()
	if !full {
		next = s.holder.GapTurn(placement)
	}
	fen, err := rules.CompleteFEN(reported, cur, next)
	if err != nil {
		return err
	}
	if err := s.holder.LoadPosition(fen); err != nil {
		return err
	}
	pos := s.holder.Position()
	s.log.Warn("session_resync", zap.String("from", cur.FEN), zap.String("to", pos.FEN), zap.Bool("turn_guessed", !full))
	s.guessedTurn = !full
	s.gapSeq = s.seq
	s.enqueueLocked(syncdto.MoveRecord{
		MoveNumber:   pos.FullMove(),
		Side:         string(pos.Turn()),
		ResultingFEN: pos.FEN,
		Gap:          true,
	})
	return nil
}

func (s *Session) afterMoveLocked(ctx context.Context, mv rules.Move) error {
	s.guessedTurn = false
	s.enqueueLocked(recordFor(mv))
	s.step = Step{Kind: StepApplied, Move: &mv}
	s.log.Info("move_resolved",
		zap.String("san", mv.SAN),
		zap.String("uci", mv.UCI),
		zap.String("fen", mv.Resulting.FEN),
	)
	if s.events.OnMove != nil {
		s.events.OnMove(mv)
	}
	term := s.holder.TerminalStatus()
	if !term.Over() {
		return nil
	}
	return s.endTerminalLocked(ctx, term)
}

func (s *Session) endTerminalLocked(ctx context.Context, t rules.Terminal) error {
	o := Outcome{Result: s.resultFor(t.Winner), Method: t.Reason, Winner: t.Winner}
	switch t.Kind {
	case rules.TerminalCheckmate:
		return s.end(ctx, o, notify.GameOverCheckmate, map[string]any{"Winner": string(t.Winner)})
	case rules.TerminalStalemate:
		return s.end(ctx, o, notify.GameOverStalemate, nil)
	default:
		return s.end(ctx, o, notify.GameOverDraw, map[string]any{"Reason": t.Reason})
	}
}

// enqueueLocked stamps rec with the game id and the next history sequence.
// Seq advances even if the batcher refuses the entry so it keeps matching
// the history index.
func (s *Session) enqueueLocked(rec syncdto.MoveRecord) {
	rec.GameID = s.gameID
	rec.Seq = s.seq
	s.seq++
	if err := s.batch.Enqueue(batcher.Entry{SessionID: s.id, Move: rec}); err != nil {
		s.log.Warn("batch_enqueue_error", zap.Int("seq", rec.Seq), zap.Error(err))
	}
}

func recordFor(mv rules.Move) syncdto.MoveRecord {
	rec := syncdto.MoveRecord{
		MoveNumber:     mv.MoveNumber,
		Side:           string(mv.Side),
		From:           mv.From,
		To:             mv.To,
		Piece:          mv.Piece.String(),
		Promotion:      mv.Promotion,
		Notation:       mv.SAN,
		ResultsInCheck: mv.Check,
		ResultingFEN:   mv.Resulting.FEN,
	}
	if mv.Captured != nil {
		rec.Captured = mv.Captured.String()
	}
	return rec
}

// onMove prefers the snapshot; without one it applies the reported notation.
func (s *Session) onMove(ctx context.Context, msg syncdto.Message) error {
	if msg.HasSnapshot() {
		return s.reconcileLocked(ctx, msg.FEN)
	}
	var (
		mv  rules.Move
		err error
	)
	switch {
	case strings.TrimSpace(msg.SAN) != "":
		mv, err = s.holder.ApplySAN(msg.SAN)
	case msg.From != "" && msg.To != "":
		mv, err = s.holder.ApplyUCI(msg.From + msg.To + strings.ToLower(strings.TrimSpace(msg.Promotion)))
	default:
		return fmt.Errorf("%w: %s carries no move", rules.ErrIllegalMove, msg.Type)
	}
	if err != nil {
		s.log.Warn("session_move_rejected",
			zap.String("kind", string(msg.Type)),
			zap.String("san", msg.SAN),
			zap.String("from", msg.From),
			zap.String("to", msg.To),
			zap.Error(err),
		)
		return err
	}
	return s.afterMoveLocked(ctx, mv)
}

// onCheck는 로봇의 체크 주장을 로컬 규칙과 대조만 한다.
func (s *Session) onCheck(ctx context.Context, msg syncdto.Message) error {
	s.step = Step{Kind: StepNoChange}
	claimed, ok := rules.ParseSide(msg.Side)
	if !ok {
		claimed = s.holder.Turn()
	}
	local := s.holder.InCheck() && claimed == s.holder.Turn()
	if local {
		return nil
	}
	s.log.Warn("check_mismatch",
		zap.String("claimed_side", string(claimed)),
		zap.String("fen", s.holder.Position().FEN),
		zap.Bool("local_in_check", s.holder.InCheck()),
	)
	s.notify(ctx, notify.CheckMismatch, map[string]any{"Side": string(claimed)})
	return nil
}

func (s *Session) onIllegalMove(ctx context.Context, msg syncdto.Message) error {
	s.log.Info("robot_illegal_move",
		zap.String("from", msg.From),
		zap.String("to", msg.To),
		zap.String("reason", msg.Reason),
	)
	s.notify(ctx, notify.IllegalMove, map[string]any{"From": msg.From, "To": msg.To, "Reason": msg.Reason})
	return nil
}

// onGameOver catches up on the carried snapshot first. If the local rules
// still see a live game the robot's verdict is taken as final.
func (s *Session) onGameOver(ctx context.Context, msg syncdto.Message) error {
	if msg.HasSnapshot() {
		err := s.reconcileLocked(ctx, msg.FEN)
		if s.state == StateEnded {
			return err
		}
		if err != nil && !errors.Is(err, reconcile.ErrUnresolvableTransition) {
			s.log.Warn("game_over_snapshot_error", zap.Error(err))
		}
	}
	term := s.holder.TerminalStatus()
	if term.Over() {
		return s.endTerminalLocked(ctx, term)
	}
	winner, _ := rules.ParseSide(msg.Winner)
	reason := strings.TrimSpace(msg.Reason)
	if reason == "" {
		reason = "reported"
	}
	s.log.Warn("game_over_mismatch",
		zap.String("reason", reason),
		zap.String("winner", string(winner)),
		zap.String("fen", s.holder.Position().FEN),
	)
	o := Outcome{Result: s.resultFor(winner), Method: reason, Winner: winner}
	return s.end(ctx, o, notify.GameOverReported, map[string]any{"Reason": reason, "Winner": string(winner)})
}
