package rules

import (
	"errors"
	"strconv"
	"strings"
)

var (
	ErrInvalidPosition = errors.New("invalid chess position")
	ErrIllegalMove     = errors.New("illegal chess move")
	ErrHistoryMismatch = errors.New("move history does not reproduce current position")
)

// StartFEN is the standard initial position.
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// Side identifies a chess side.
type Side string

const (
	White Side = "white"
	Black Side = "black"
)

func (s Side) Opponent() Side {
	if s == White {
		return Black
	}
	return White
}

// ParseSide accepts "white"/"w" and "black"/"b" in any case.
func ParseSide(s string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "white", "w":
		return White, true
	case "black", "b":
		return Black, true
	default:
		return "", false
	}
}

// Piece is a coloured piece. Kind is one of p n b r q k.
type Piece struct {
	Side Side
	Kind string
}

// String returns a compact code such as "wp" or "bq".
func (p Piece) String() string {
	if p.Kind == "" {
		return ""
	}
	return string(p.Side[0]) + p.Kind
}

// Position is an immutable FEN snapshot.
type Position struct {
	FEN string
}

func (p Position) field(i int) string {
	parts := strings.Fields(p.FEN)
	if i < len(parts) {
		return parts[i]
	}
	return ""
}

// Placement returns the piece placement field.
func (p Position) Placement() string { return p.field(0) }

// Castling returns the castling rights field, "-" when absent.
func (p Position) Castling() string {
	if c := p.field(2); c != "" {
		return c
	}
	return "-"
}

func (p Position) Turn() Side {
	if p.field(1) == "b" {
		return Black
	}
	return White
}

// FullMove returns the full-move counter, defaulting to 1.
func (p Position) FullMove() int {
	n, err := strconv.Atoi(p.field(5))
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// Move is a resolved, applied move. Immutable once created.
type Move struct {
	MoveNumber int
	Side       Side
	From       string
	To         string
	Piece      Piece
	Captured   *Piece
	Promotion  string
	SAN        string
	UCI        string
	Check      bool
	Resulting  Position
}

// HistoryEntry is either a move or a resync gap marker.
type HistoryEntry struct {
	Move    *Move
	Gap     bool
	FromFEN string
	ToFEN   string
}

// TerminalKind classifies the end of a game as seen by the rules.
type TerminalKind string

const (
	TerminalNone      TerminalKind = "none"
	TerminalCheckmate TerminalKind = "checkmate"
	TerminalStalemate TerminalKind = "stalemate"
	TerminalDraw      TerminalKind = "draw"
)

// Draw reasons.
const (
	ReasonStalemate            = "stalemate"
	ReasonInsufficientMaterial = "insufficient_material"
	ReasonThreefoldRepetition  = "threefold_repetition"
	ReasonFivefoldRepetition   = "fivefold_repetition"
	ReasonSeventyFiveMoveRule  = "seventy_five_move_rule"
	ReasonCheckmate            = "checkmate"
)

type Terminal struct {
	Kind   TerminalKind
	Winner Side
	Reason string
}

func (t Terminal) Over() bool { return t.Kind != "" && t.Kind != TerminalNone }
