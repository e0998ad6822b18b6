package rules

import (
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

// Holder owns the authoritative position of one game session, its legal move
// generator and the ordered history. It is not safe for concurrent use; the
// owning session serializes access.
type Holder struct {
	game    *nchess.Game
	started Position
	history []HistoryEntry
}

// Candidate is a legal move from a specific position together with everything
// needed to record it once applied.
type Candidate struct {
	move   nchess.Move
	before Position

	From      string
	To        string
	Piece     Piece
	Captured  *Piece
	Promotion string
	SAN       string
	UCI       string
	Check     bool
	Resulting Position
}

// NewHolder starts a holder at startFEN, or at the standard position when
// startFEN is empty or "startpos".
func NewHolder(startFEN string) (*Holder, error) {
	game, err := newGame(startFEN)
	if err != nil {
		return nil, err
	}
	return &Holder{game: game, started: Position{FEN: game.FEN()}}, nil
}

func newGame(fen string) (*nchess.Game, error) {
	fen = strings.TrimSpace(fen)
	if fen == "" || fen == "startpos" {
		return nchess.NewGame(), nil
	}
	if _, _, err := SplitReported(fen); err != nil {
		return nil, err
	}
	opt, err := nchess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPosition, err)
	}
	return nchess.NewGame(opt), nil
}

func (h *Holder) Position() Position { return Position{FEN: h.game.FEN()} }

func (h *Holder) Started() Position { return h.started }

func (h *Holder) Turn() Side { return h.Position().Turn() }

// InCheck reports whether the side to move is in check. After an applied move
// the rules library's check tag answers; a freshly loaded position falls back
// to walking attack lines from the king.
func (h *Holder) InCheck() bool {
	if moves := h.game.Moves(); len(moves) > 0 {
		return moves[len(moves)-1].HasTag(nchess.Check)
	}
	return kingAttacked(h.game.Position())
}

// GapTurn guesses the side to move once the board jumped to placement without
// a single legal move explaining it. A placement two plies away keeps the
// current side to move, as does one where the current side's king stands
// attacked; any other jump is taken as odd.
func (h *Holder) GapTurn(placement string) Side {
	pos := h.game.Position()
	turn := h.Turn()
	for _, first := range pos.ValidMoves() {
		mid := pos.Update(&first)
		for _, second := range mid.ValidMoves() {
			if mid.Update(&second).Board().String() == placement {
				return turn
			}
		}
	}
	// 수를 둔 쪽의 킹이 공격받는 배치는 불가능하므로 차례를 유지.
	if b, err := parseBoard(placement); err == nil && sideInCheck(b, colorOf(turn)) {
		return turn
	}
	return turn.Opponent()
}

// LegalMoves lists every legal move from the current position in the rules
// library's generation order.
func (h *Holder) LegalMoves() []Candidate {
	pos := h.game.Position()
	before := Position{FEN: pos.String()}
	valid := pos.ValidMoves()
	out := make([]Candidate, 0, len(valid))
	for i := range valid {
		out = append(out, candidateFor(pos, before, valid[i]))
	}
	return out
}

func candidateFor(pos *nchess.Position, before Position, mv nchess.Move) Candidate {
	c := Candidate{
		move:      mv,
		before:    before,
		From:      mv.S1().String(),
		To:        mv.S2().String(),
		Piece:     pieceFrom(pos.Board().Piece(mv.S1())),
		Promotion: kindLetter(mv.Promo()),
		SAN:       nchess.AlgebraicNotation{}.Encode(pos, &mv),
		UCI:       mv.String(),
		Check:     mv.HasTag(nchess.Check),
	}
	if next := pos.Update(&mv); next != nil {
		c.Resulting = Position{FEN: next.String()}
	}
	switch {
	case mv.HasTag(nchess.EnPassant):
		c.Captured = &Piece{Side: c.Piece.Side.Opponent(), Kind: "p"}
	case mv.HasTag(nchess.Capture):
		if p := pieceFrom(pos.Board().Piece(mv.S2())); p.Kind != "" {
			c.Captured = &p
		}
	}
	return c
}

// Apply plays a candidate produced by LegalMoves on the current position and
// appends it to the history.
func (h *Holder) Apply(c Candidate) (Move, error) {
	if c.before.FEN != h.game.FEN() {
		return Move{}, fmt.Errorf("%w: %s was generated for a different position", ErrIllegalMove, c.UCI)
	}
	mv := c.move
	if err := h.game.Move(&mv, nil); err != nil {
		return Move{}, fmt.Errorf("%w: %v", ErrIllegalMove, err)
	}
	h.claimRepetition()

	out := Move{
		MoveNumber: c.before.FullMove(),
		Side:       c.before.Turn(),
		From:       c.From,
		To:         c.To,
		Piece:      c.Piece,
		Captured:   c.Captured,
		Promotion:  c.Promotion,
		SAN:        c.SAN,
		UCI:        c.UCI,
		Check:      c.Check,
		Resulting:  Position{FEN: h.game.FEN()},
	}
	h.history = append(h.history, HistoryEntry{Move: &out})
	return out, nil
}

// ApplySAN applies a move given in standard algebraic notation.
func (h *Holder) ApplySAN(san string) (Move, error) {
	return h.applyNotation(nchess.AlgebraicNotation{}, san)
}

// ApplyUCI applies a move given as e2e4 / e7e8q.
func (h *Holder) ApplyUCI(uci string) (Move, error) {
	return h.applyNotation(nchess.UCINotation{}, strings.ToLower(uci))
}

func (h *Holder) applyNotation(n nchess.Notation, text string) (Move, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Move{}, fmt.Errorf("%w: empty move", ErrIllegalMove)
	}
	decoded, err := n.Decode(h.game.Position(), text)
	if err != nil {
		return Move{}, fmt.Errorf("%w: %s: %v", ErrIllegalMove, text, err)
	}
	want := decoded.String()
	for _, c := range h.LegalMoves() {
		if c.UCI == want {
			return h.Apply(c)
		}
	}
	return Move{}, fmt.Errorf("%w: %s", ErrIllegalMove, text)
}

// claimRepetition turns an eligible threefold repetition into a draw; the
// rules library only raises fivefold automatically.
func (h *Holder) claimRepetition() {
	if h.game.Outcome() != nchess.NoOutcome {
		return
	}
	for _, m := range h.game.EligibleDraws() {
		if m == nchess.ThreefoldRepetition {
			_ = h.game.Draw(nchess.ThreefoldRepetition)
			return
		}
	}
}

// LoadPosition hard-resets the position to fen. History keeps every move so
// far and gains a gap marker so readers know this step was not a recorded move.
// Repetition tracking restarts at the loaded position.
func (h *Holder) LoadPosition(fen string) error {
	game, err := newGame(fen)
	if err != nil {
		return err
	}
	h.history = append(h.history, HistoryEntry{Gap: true, FromFEN: h.game.FEN(), ToFEN: game.FEN()})
	h.game = game
	return nil
}

// RetargetGap swaps the position loaded by the latest gap for fen, used when
// the side to move guessed for that gap proves wrong. The last history entry
// must be the gap.
func (h *Holder) RetargetGap(fen string) error {
	n := len(h.history)
	if n == 0 || !h.history[n-1].Gap {
		return fmt.Errorf("%w: last entry is not a gap", ErrHistoryMismatch)
	}
	game, err := newGame(fen)
	if err != nil {
		return err
	}
	h.history[n-1].ToFEN = game.FEN()
	h.game = game
	return nil
}

// TerminalStatus reports whether the rules consider the game over.
func (h *Holder) TerminalStatus() Terminal {
	if h.game.Outcome() == nchess.NoOutcome {
		return Terminal{Kind: TerminalNone}
	}
	switch h.game.Method() {
	case nchess.Checkmate:
		return Terminal{Kind: TerminalCheckmate, Winner: h.Turn().Opponent(), Reason: ReasonCheckmate}
	case nchess.Stalemate:
		return Terminal{Kind: TerminalStalemate, Reason: ReasonStalemate}
	case nchess.InsufficientMaterial:
		return Terminal{Kind: TerminalDraw, Reason: ReasonInsufficientMaterial}
	case nchess.ThreefoldRepetition:
		return Terminal{Kind: TerminalDraw, Reason: ReasonThreefoldRepetition}
	case nchess.FivefoldRepetition:
		return Terminal{Kind: TerminalDraw, Reason: ReasonFivefoldRepetition}
	case nchess.SeventyFiveMoveRule:
		return Terminal{Kind: TerminalDraw, Reason: ReasonSeventyFiveMoveRule}
	default:
		return Terminal{Kind: TerminalNone}
	}
}

// History returns a copy of the ordered history.
func (h *Holder) History() []HistoryEntry {
	return append([]HistoryEntry(nil), h.history...)
}

// Moves returns the applied moves, skipping gap markers.
func (h *Holder) Moves() []Move {
	out := make([]Move, 0, len(h.history))
	for _, e := range h.history {
		if e.Move != nil {
			out = append(out, *e.Move)
		}
	}
	return out
}

// Verify replays the history from the started position, restarting at every
// gap, and checks it lands on the current position.
func (h *Holder) Verify() error {
	game, err := newGame(h.started.FEN)
	if err != nil {
		return err
	}
	for i, e := range h.history {
		if e.Gap {
			if game, err = newGame(e.ToFEN); err != nil {
				return fmt.Errorf("replay gap %d: %w", i, err)
			}
			continue
		}
		if err := game.PushNotationMove(e.Move.UCI, nchess.UCINotation{}, nil); err != nil {
			return fmt.Errorf("%w: entry %d (%s): %v", ErrHistoryMismatch, i, e.Move.SAN, err)
		}
		if game.FEN() != e.Move.Resulting.FEN {
			return fmt.Errorf("%w: entry %d (%s) reached %s", ErrHistoryMismatch, i, e.Move.SAN, game.FEN())
		}
	}
	if game.FEN() != h.game.FEN() {
		return fmt.Errorf("%w: replay reached %s, current is %s", ErrHistoryMismatch, game.FEN(), h.game.FEN())
	}
	return nil
}

func pieceFrom(p nchess.Piece) Piece {
	if p == nchess.NoPiece {
		return Piece{}
	}
	side := White
	if p.Color() == nchess.Black {
		side = Black
	}
	return Piece{Side: side, Kind: kindLetter(p.Type())}
}

func kindLetter(t nchess.PieceType) string {
	switch t {
	case nchess.King:
		return "k"
	case nchess.Queen:
		return "q"
	case nchess.Rook:
		return "r"
	case nchess.Bishop:
		return "b"
	case nchess.Knight:
		return "n"
	case nchess.Pawn:
		return "p"
	default:
		return ""
	}
}
