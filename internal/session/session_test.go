package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/park285/chess-robot-sync/internal/batcher"
	"github.com/park285/chess-robot-sync/internal/notify"
	"github.com/park285/chess-robot-sync/internal/persist"
	"github.com/park285/chess-robot-sync/internal/reconcile"
	"github.com/park285/chess-robot-sync/internal/rules"
	"github.com/park285/chess-robot-sync/pkg/syncdto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	afterE4  = "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR"
	afterE5  = "rnbqkbnr/pppp1ppp/8/4p3/4P3/8/PPPP1PPP/RNBQKBNR"
	afterF3  = "rnbqkbnr/pppppppp/8/8/8/5P2/PPPPP1PP/RNBQKBNR"
	afterF3e = "rnbqkbnr/pppp1ppp/8/4p3/8/5P2/PPPPP1PP/RNBQKBNR"
	afterG4  = "rnbqkbnr/pppp1ppp/8/4p3/6P1/5P2/PPPPP2P/RNBQKBNR"
	afterQh4 = "rnb1kbnr/pppp1ppp/8/4p3/6Pq/5P2/PPPPP2P/RNBQKBNR"

	afterNf3 = "rnbqkbnr/pppp1ppp/8/4p3/4P3/5N2/PPPP1PPP/RNBQKB1R"
	afterNc6 = "r1bqkbnr/pppp1ppp/2n5/4p3/4P3/5N2/PPPP1PPP/RNBQKB1R"
	afterBb5 = "r1bqkbnr/pppp1ppp/2n5/1B2p3/4P3/5N2/PPPP1PPP/RNBQK2R"
)

// idleClock never fires, so only explicit flushes reach the API.
type idleClock struct{}

type idleTimer struct{}

func (idleTimer) Stop() bool { return true }

func (idleClock) AfterFunc(time.Duration, func()) batcher.Timer { return idleTimer{} }

type flakyAPI struct {
	*persist.Memory

	mu         sync.Mutex
	failCreate bool
	failSave   bool
}

var errBackend = errors.New("backend down")

func (f *flakyAPI) CreateGame(ctx context.Context, req syncdto.CreateGameRequest) (string, error) {
	f.mu.Lock()
	fail := f.failCreate
	f.mu.Unlock()
	if fail {
		return "", errBackend
	}
	return f.Memory.CreateGame(ctx, req)
}

func (f *flakyAPI) SaveMoves(ctx context.Context, gameID string, recs []syncdto.MoveRecord) error {
	f.mu.Lock()
	fail := f.failSave
	f.mu.Unlock()
	if fail {
		return errBackend
	}
	return f.Memory.SaveMoves(ctx, gameID, recs)
}

func (f *flakyAPI) setFailSave(v bool) {
	f.mu.Lock()
	f.failSave = v
	f.mu.Unlock()
}

type fixture struct {
	api   *flakyAPI
	rec   *notify.Recorder
	sess  *Session
	ended []Outcome
	moves []rules.Move
	trans []string
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{api: &flakyAPI{Memory: persist.NewMemory()}, rec: &notify.Recorder{}}
	cfg.Batch.BatchSize = 100
	cfg.Batch.Clock = idleClock{}
	f.sess = New(f.api, cfg,
		WithNotifier(f.rec),
		WithEvents(Events{
			OnState: func(from, to State) { f.trans = append(f.trans, string(from)+">"+string(to)) },
			OnMove:  func(mv rules.Move) { f.moves = append(f.moves, mv) },
			OnEnded: func(o Outcome) { f.ended = append(f.ended, o) },
		}),
	)
	return f
}

func started(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := newFixture(t, cfg)
	require.NoError(t, f.sess.Start(context.Background()))
	return f
}

func (f *fixture) snapshot(t *testing.T, fen string) Step {
	t.Helper()
	step, err := f.sess.HandleSnapshot(context.Background(), fen)
	require.NoError(t, err, "snapshot %s", fen)
	return step
}

func TestStart_CreatesGame(t *testing.T) {
	f := started(t, Config{UserSide: rules.White, UserID: "u1", BoardID: "b1"})

	assert.Equal(t, StateInProgress, f.sess.State())
	assert.Equal(t, []string{"idle>starting", "starting>in_progress"}, f.trans)
	assert.Equal(t, []string{notify.SessionStarted}, f.rec.Keys())

	g, ok := f.api.Game(f.sess.GameID())
	require.True(t, ok)
	assert.Equal(t, "white", g.UserSide)
	assert.Equal(t, "b1", g.BoardID)
	assert.Equal(t, rules.StartFEN, g.StartFEN)
}

func TestStart_FailureReturnsToIdle(t *testing.T) {
	f := newFixture(t, Config{})
	f.api.failCreate = true

	err := f.sess.Start(context.Background())
	require.ErrorIs(t, err, errBackend)
	assert.Equal(t, StateIdle, f.sess.State())
	assert.Empty(t, f.sess.GameID())
	assert.Equal(t, []string{"idle>starting", "starting>idle"}, f.trans)
}

func TestOperations_RejectedOutsideState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	require.ErrorIs(t, f.sess.Pause(ctx), ErrIllegalOperationForState)
	_, err := f.sess.HandleSnapshot(ctx, afterE4)
	require.ErrorIs(t, err, ErrIllegalOperationForState)
	assert.Contains(t, err.Error(), "idle")

	require.NoError(t, f.sess.Start(ctx))
	require.ErrorIs(t, f.sess.Start(ctx), ErrIllegalOperationForState)
	require.ErrorIs(t, f.sess.Resume(ctx), ErrIllegalOperationForState)

	require.NoError(t, f.sess.Pause(ctx))
	_, err = f.sess.HandleSnapshot(ctx, afterE4)
	require.ErrorIs(t, err, ErrIllegalOperationForState)
	assert.Equal(t, StatePaused, f.sess.State())
	assert.Empty(t, f.sess.Info().History)
}

func TestSnapshots_PauseFlushesAndResumes(t *testing.T) {
	ctx := context.Background()
	f := started(t, Config{})

	step := f.snapshot(t, afterE4)
	assert.Equal(t, StepApplied, step.Kind)
	require.NotNil(t, step.Move)
	assert.Equal(t, "e4", step.Move.SAN)
	f.snapshot(t, afterE5)
	assert.Len(t, f.sess.PendingPersistence(), 2)
	assert.Empty(t, f.api.Moves(f.sess.GameID()))

	require.NoError(t, f.sess.Pause(ctx))
	assert.Equal(t, StatePaused, f.sess.State())
	assert.Empty(t, f.sess.PendingPersistence())

	stored := f.api.Moves(f.sess.GameID())
	require.Len(t, stored, 2)
	assert.Equal(t, 0, stored[0].Seq)
	assert.Equal(t, "e4", stored[0].Notation)
	assert.Equal(t, "wp", stored[0].Piece)
	assert.Equal(t, 1, stored[1].Seq)
	assert.Equal(t, "black", stored[1].Side)

	g, _ := f.api.Game(f.sess.GameID())
	assert.Equal(t, persist.StatusPaused, g.Status)
	assert.Equal(t, f.sess.Info().Current.FEN, g.FEN)

	require.NoError(t, f.sess.Resume(ctx))
	assert.Equal(t, StateInProgress, f.sess.State())
	assert.Equal(t, notify.SessionResumed, f.rec.Keys()[len(f.rec.Keys())-1])
	assert.Len(t, f.sess.Info().History, 2)
	assert.Len(t, f.moves, 2)
}

func TestResume_StoredPositionDiffersAddsGap(t *testing.T) {
	ctx := context.Background()
	f := started(t, Config{})
	f.snapshot(t, afterE4)
	f.snapshot(t, afterE5)
	require.NoError(t, f.sess.Pause(ctx))

	other := "rnbqkbnr/pppp1ppp/8/4p3/3PP3/5N2/PPP2PPP/RNBQKB1R b KQkq - 0 3"
	f.api.SetGameState(f.sess.GameID(), other)

	require.NoError(t, f.sess.Resume(ctx))
	info := f.sess.Info()
	assert.Equal(t, strings.Fields(other)[0], info.Current.Placement())
	require.Len(t, info.History, 3)
	assert.True(t, info.History[2].Gap)
	assert.Equal(t, notify.SessionResumedGap, f.rec.Keys()[len(f.rec.Keys())-1])

	pending := f.sess.PendingPersistence()
	require.Len(t, pending, 1)
	assert.True(t, pending[0].Move.Gap)
	assert.Equal(t, 2, pending[0].Move.Seq)

	step := f.snapshot(t, "rnbqkbnr/pppp1ppp/8/8/3pP3/5N2/PPP2PPP/RNBQKB1R")
	require.NotNil(t, step.Move)
	assert.Equal(t, "exd4", step.Move.SAN)
}

func TestFoolsMate_EndsGameOnce(t *testing.T) {
	ctx := context.Background()
	f := started(t, Config{UserSide: rules.White})
	for _, fen := range []string{afterF3, afterF3e, afterG4} {
		f.snapshot(t, fen)
	}

	step := f.snapshot(t, afterQh4)
	assert.Equal(t, StepEnded, step.Kind)
	require.NotNil(t, step.Move)
	assert.Equal(t, "Qh4#", step.Move.SAN)
	assert.Equal(t, StateEnded, f.sess.State())

	require.Len(t, f.ended, 1)
	o := f.ended[0]
	assert.Equal(t, syncdto.ResultLose, o.Result)
	assert.Equal(t, rules.ReasonCheckmate, o.Method)
	assert.Equal(t, rules.Black, o.Winner)
	assert.Contains(t, o.PGN, "2. g4 Qh4# 0-1")

	g, _ := f.api.Game(f.sess.GameID())
	assert.Equal(t, persist.StatusEnded, g.Status)
	assert.Equal(t, syncdto.ResultLose, g.Result)
	assert.Equal(t, 4, g.TotalMoves)
	assert.Len(t, f.api.Moves(f.sess.GameID()), 4)
	assert.Contains(t, f.rec.Keys(), notify.GameOverCheckmate)

	_, err := f.sess.HandleSnapshot(ctx, afterQh4)
	require.ErrorIs(t, err, ErrIllegalOperationForState)
	require.ErrorIs(t, f.sess.Resign(ctx, rules.White), ErrIllegalOperationForState)
	assert.Len(t, f.ended, 1)
}

func TestUnresolvableSnapshot_ResyncsWithGap(t *testing.T) {
	f := started(t, Config{})

	step, err := f.sess.HandleSnapshot(context.Background(), afterE5)
	require.ErrorIs(t, err, reconcile.ErrUnresolvableTransition)
	assert.Equal(t, StepResynced, step.Kind)

	info := f.sess.Info()
	assert.Equal(t, afterE5, info.Current.Placement())
	require.Len(t, info.History, 1)
	assert.True(t, info.History[0].Gap)
	assert.Contains(t, f.rec.Keys(), notify.ResyncRequired)

	pending := f.sess.PendingPersistence()
	require.Len(t, pending, 1)
	assert.True(t, pending[0].Move.Gap)
	assert.Equal(t, 0, pending[0].Move.Seq)

	// Redelivery after the resync is simply no change.
	assert.Equal(t, StepNoChange, f.snapshot(t, afterE5).Kind)
}

func TestPlacementJump_TwoPliesThenMovesResolve(t *testing.T) {
	f := started(t, Config{})

	step, err := f.sess.HandleSnapshot(context.Background(), afterE5)
	require.ErrorIs(t, err, reconcile.ErrUnresolvableTransition)
	assert.Equal(t, StepResynced, step.Kind)
	assert.Equal(t, afterE5+" w KQkq - 0 2", f.sess.Info().Current.FEN)

	var sans []string
	for _, fen := range []string{afterNf3, afterNc6, afterBb5} {
		step := f.snapshot(t, fen)
		require.Equal(t, StepApplied, step.Kind, fen)
		sans = append(sans, step.Move.SAN)
	}
	assert.Equal(t, []string{"Nf3", "Nc6", "Bb5"}, sans)

	info := f.sess.Info()
	require.Len(t, info.History, 4)
	assert.True(t, info.History[0].Gap)
	assert.Contains(t, f.sess.PGN(), "2. Nf3 Nc6 3. Bb5 *")
}

func TestPlacementJump_WrongTurnCorrectedOnce(t *testing.T) {
	f := started(t, Config{})

	// Four plies look odd, so black is guessed to move.
	_, err := f.sess.HandleSnapshot(context.Background(), afterNc6)
	require.ErrorIs(t, err, reconcile.ErrUnresolvableTransition)
	assert.Equal(t, rules.Black, f.sess.Info().Current.Turn())

	step := f.snapshot(t, afterBb5)
	assert.Equal(t, StepApplied, step.Kind)
	require.NotNil(t, step.Move)
	assert.Equal(t, "Bb5", step.Move.SAN)
	assert.Equal(t, rules.White, step.Move.Side)

	info := f.sess.Info()
	require.Len(t, info.History, 2)
	assert.True(t, info.History[0].Gap)
	assert.Contains(t, info.History[0].ToFEN, afterNc6+" w ")

	pending := f.sess.PendingPersistence()
	require.Len(t, pending, 2)
	assert.True(t, pending[0].Move.Gap)
	assert.Equal(t, "white", pending[0].Move.Side)
	assert.Equal(t, info.History[0].ToFEN, pending[0].Move.ResultingFEN)
	assert.Equal(t, 1, strings.Count(strings.Join(f.rec.Keys(), ","), notify.ResyncRequired))
}

func TestResync_IntoDecidedPositionEnds(t *testing.T) {
	cases := map[string]string{
		"full fen":  afterQh4 + " w KQkq - 1 3",
		"placement": afterQh4,
	}
	for name, fen := range cases {
		t.Run(name, func(t *testing.T) {
			f := started(t, Config{UserSide: rules.White})

			step, err := f.sess.HandleSnapshot(context.Background(), fen)
			require.ErrorIs(t, err, reconcile.ErrUnresolvableTransition)
			assert.Equal(t, StepEnded, step.Kind)
			assert.Equal(t, StateEnded, f.sess.State())

			require.Len(t, f.ended, 1)
			assert.Equal(t, rules.Black, f.ended[0].Winner)
			assert.Equal(t, rules.ReasonCheckmate, f.ended[0].Method)
			assert.Contains(t, f.rec.Keys(), notify.ResyncRequired)
			assert.Contains(t, f.rec.Keys(), notify.GameOverCheckmate)

			stored := f.api.Moves(f.sess.GameID())
			require.Len(t, stored, 1)
			assert.True(t, stored[0].Gap)
		})
	}
}

func TestResume_IntoDecidedPositionEnds(t *testing.T) {
	ctx := context.Background()
	f := started(t, Config{UserSide: rules.White})
	f.snapshot(t, afterF3)
	require.NoError(t, f.sess.Pause(ctx))

	f.api.SetGameState(f.sess.GameID(), afterQh4+" w KQkq - 1 3")
	require.NoError(t, f.sess.Resume(ctx))
	assert.Equal(t, StateEnded, f.sess.State())
	require.Len(t, f.ended, 1)
	assert.Equal(t, syncdto.ResultLose, f.ended[0].Result)
	assert.Contains(t, f.trans, "paused>in_progress")
	assert.Contains(t, f.trans, "in_progress>ended")
}

func TestInvalidSnapshot_LeavesStateAlone(t *testing.T) {
	f := started(t, Config{})
	_, err := f.sess.HandleSnapshot(context.Background(), "8/8/8")
	require.ErrorIs(t, err, reconcile.ErrInvalidFEN)
	assert.Equal(t, rules.StartFEN, f.sess.Info().Current.FEN)
	assert.Empty(t, f.sess.PendingPersistence())
}

func TestDuplicateSnapshot_Dropped(t *testing.T) {
	f := started(t, Config{})
	assert.Equal(t, StepApplied, f.snapshot(t, afterE4).Kind)
	assert.Equal(t, StepDuplicate, f.snapshot(t, afterE4).Kind)
	assert.Len(t, f.sess.Info().History, 1)
	assert.Len(t, f.sess.PendingPersistence(), 1)
}

func TestPause_FlushFailureKeepsInProgress(t *testing.T) {
	ctx := context.Background()
	f := started(t, Config{})
	f.snapshot(t, afterE4)
	f.api.setFailSave(true)

	err := f.sess.Pause(ctx)
	require.ErrorIs(t, err, batcher.ErrPersistenceFlushFailure)
	assert.Equal(t, StateInProgress, f.sess.State())
	assert.Len(t, f.sess.PendingPersistence(), 1)

	f.api.setFailSave(false)
	require.NoError(t, f.sess.Pause(ctx))
	assert.Len(t, f.api.Moves(f.sess.GameID()), 1)
}

func TestResign_RecordsLossForResigningUser(t *testing.T) {
	ctx := context.Background()
	f := started(t, Config{UserSide: rules.Black})
	f.snapshot(t, afterE4)

	require.NoError(t, f.sess.Resign(ctx, rules.Black))
	assert.Equal(t, StateEnded, f.sess.State())
	require.Len(t, f.ended, 1)
	assert.Equal(t, syncdto.ResultLose, f.ended[0].Result)
	assert.Equal(t, "resignation", f.ended[0].Method)
	assert.Equal(t, rules.White, f.ended[0].Winner)

	g, _ := f.api.Game(f.sess.GameID())
	assert.Equal(t, syncdto.ResultLose, g.Result)
	assert.Contains(t, g.PGN, "1-0")
	assert.Len(t, f.api.Moves(f.sess.GameID()), 1)
}

func TestMoveExecuted_AppliesNotation(t *testing.T) {
	ctx := context.Background()
	f := started(t, Config{})

	step, err := f.sess.HandleMessage(ctx, syncdto.Message{Type: syncdto.KindMoveExecuted, SAN: "e4"})
	require.NoError(t, err)
	assert.Equal(t, StepApplied, step.Kind)

	step, err = f.sess.HandleMessage(ctx, syncdto.Message{Type: syncdto.KindMoveDetected, From: "E7", To: "e5"})
	require.NoError(t, err)
	require.NotNil(t, step.Move)
	assert.Equal(t, "e5", step.Move.SAN)
	assert.Equal(t, afterE5, f.sess.Info().Current.Placement())

	_, err = f.sess.HandleMessage(ctx, syncdto.Message{Type: syncdto.KindMoveExecuted, SAN: "Ke3"})
	require.ErrorIs(t, err, rules.ErrIllegalMove)
	assert.Len(t, f.sess.Info().History, 2)
}

func TestMoveDetected_WithFENReconciles(t *testing.T) {
	f := started(t, Config{})
	step, err := f.sess.HandleMessage(context.Background(), syncdto.Message{
		Type: syncdto.KindMoveDetected, From: "e2", To: "e4", FEN: afterE4,
	})
	require.NoError(t, err)
	assert.Equal(t, StepApplied, step.Kind)
	assert.Equal(t, "e2e4", step.Move.UCI)
}

func TestCheckDetected_CrossChecks(t *testing.T) {
	ctx := context.Background()

	f := started(t, Config{StartFEN: "4k3/8/8/8/8/8/8/4R1K1 b - - 0 1"})
	_, err := f.sess.HandleMessage(ctx, syncdto.Message{Type: syncdto.KindCheckDetected, Side: "black"})
	require.NoError(t, err)
	assert.NotContains(t, f.rec.Keys(), notify.CheckMismatch)

	g := started(t, Config{})
	_, err = g.sess.HandleMessage(ctx, syncdto.Message{Type: syncdto.KindCheckDetected, Side: "white"})
	require.NoError(t, err)
	assert.Contains(t, g.rec.Keys(), notify.CheckMismatch)
	assert.Empty(t, g.sess.Info().History)
}

func TestIllegalMove_NotifiesUser(t *testing.T) {
	f := started(t, Config{})
	_, err := f.sess.HandleMessage(context.Background(), syncdto.Message{
		Type: syncdto.KindIllegalMove, From: "e2", To: "e5", Reason: "pawn cannot move three squares",
	})
	require.NoError(t, err)

	recs := f.rec.Records()
	last := recs[len(recs)-1]
	assert.Equal(t, notify.IllegalMove, last.Key)
	assert.Equal(t, "e5", last.Data["To"])
	assert.Empty(t, f.sess.Info().History)
}

func TestGameOver_ReportedByRobot(t *testing.T) {
	ctx := context.Background()
	f := started(t, Config{UserSide: rules.White})
	f.snapshot(t, afterE4)

	step, err := f.sess.HandleMessage(ctx, syncdto.Message{
		Type: syncdto.KindGameOver, Reason: "timeout", Winner: "black", FEN: afterE5,
	})
	require.NoError(t, err)
	assert.Equal(t, StepEnded, step.Kind)
	assert.Equal(t, StateEnded, f.sess.State())
	assert.Len(t, f.sess.Info().History, 2)

	require.Len(t, f.ended, 1)
	assert.Equal(t, syncdto.ResultLose, f.ended[0].Result)
	assert.Equal(t, "timeout", f.ended[0].Method)
	assert.Contains(t, f.rec.Keys(), notify.GameOverReported)

	g, _ := f.api.Game(f.sess.GameID())
	assert.Equal(t, persist.StatusEnded, g.Status)
	assert.Len(t, f.api.Moves(f.sess.GameID()), 2)
}

func TestGameOver_LocalRulesWin(t *testing.T) {
	f := started(t, Config{UserSide: rules.Black})
	for _, fen := range []string{afterF3, afterF3e, afterG4} {
		f.snapshot(t, fen)
	}
	step, err := f.sess.HandleMessage(context.Background(), syncdto.Message{
		Type: syncdto.KindGameOver, Reason: "robot says draw", FEN: afterQh4,
	})
	require.NoError(t, err)
	assert.Equal(t, StepEnded, step.Kind)
	require.Len(t, f.ended, 1)
	assert.Equal(t, syncdto.ResultWin, f.ended[0].Result)
	assert.Equal(t, rules.ReasonCheckmate, f.ended[0].Method)
	assert.NotContains(t, f.rec.Keys(), notify.GameOverReported)
}

func TestEnd_FlushFailureStillEnds(t *testing.T) {
	f := started(t, Config{})
	f.snapshot(t, afterE4)
	f.api.setFailSave(true)

	err := f.sess.Resign(context.Background(), rules.White)
	require.ErrorIs(t, err, batcher.ErrPersistenceFlushFailure)
	assert.Equal(t, StateEnded, f.sess.State())

	g, _ := f.api.Game(f.sess.GameID())
	assert.Equal(t, persist.StatusEnded, g.Status)
	assert.Len(t, f.sess.PendingPersistence(), 1)
}

func TestClose_FlushesAndRejectsFurtherWork(t *testing.T) {
	ctx := context.Background()
	f := started(t, Config{})
	f.snapshot(t, afterE4)
	f.snapshot(t, afterE5)

	require.NoError(t, f.sess.Close(ctx))
	assert.Len(t, f.api.Moves(f.sess.GameID()), 2)

	_, err := f.sess.HandleSnapshot(ctx, afterE5)
	require.ErrorIs(t, err, ErrIllegalOperationForState)
	require.ErrorIs(t, err, ErrClosed)
	require.NoError(t, f.sess.Close(ctx))
}

func TestPGN_InProgressUsesAsterisk(t *testing.T) {
	f := started(t, Config{BoardID: "desk-1"})
	f.snapshot(t, afterE4)
	pgn := f.sess.PGN()
	assert.Contains(t, pgn, "[Site \"desk-1\"]")
	assert.True(t, strings.HasSuffix(pgn, "1. e4 *"), pgn)
}
