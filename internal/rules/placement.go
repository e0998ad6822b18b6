package rules

import (
	"fmt"
	"strconv"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

// ParsePlacement validates a FEN piece-placement field with the rules
// library's board decoder. Boards that are well formed but impossible (two
// white kings) are accepted here.
func ParsePlacement(placement string) error {
	_, err := parseBoard(placement)
	return err
}

func parseBoard(placement string) (*nchess.Board, error) {
	// 라이브러리 디코더는 ASCII 범위 밖 문자에서 panic 하므로 먼저 거른다.
	for i := 0; i < len(placement); i++ {
		if placement[i] >= 0x80 {
			return nil, fmt.Errorf("%w: bad character at offset %d", ErrInvalidPosition, i)
		}
	}
	var b nchess.Board
	if err := b.UnmarshalText([]byte(placement)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPosition, err)
	}
	return &b, nil
}

// SplitReported extracts and validates the placement field of a reported FEN.
// full is true when all six FEN fields are present.
func SplitReported(reported string) (placement string, full bool, err error) {
	fields := strings.Fields(reported)
	if len(fields) == 0 {
		return "", false, fmt.Errorf("%w: empty fen", ErrInvalidPosition)
	}
	if err := ParsePlacement(fields[0]); err != nil {
		return "", false, err
	}
	return fields[0], len(fields) == 6, nil
}

// CompleteFEN turns a reported snapshot into a loadable FEN. A full FEN is
// used as reported. A bare placement gets next as the side to move, the
// castling rights of current that still have king and rook on their home
// squares, no en-passant square and a full-move counter advanced past current.
func CompleteFEN(reported string, current Position, next Side) (string, error) {
	placement, full, err := SplitReported(reported)
	if err != nil {
		return "", err
	}
	if full {
		return strings.Join(strings.Fields(reported), " "), nil
	}
	board, err := parseBoard(placement)
	if err != nil {
		return "", err
	}
	fullMove := current.FullMove()
	if current.Turn() == Black || next == current.Turn() {
		fullMove++
	}
	return strings.Join([]string{
		placement,
		turnField(next),
		castlingFor(board, current.Castling()),
		"-",
		"0",
		strconv.Itoa(fullMove),
	}, " "), nil
}

// FlipTurn returns p with the other side to move. The en-passant square is
// cleared and the full-move counter follows the flip.
func FlipTurn(p Position) (string, error) {
	fields := strings.Fields(p.FEN)
	if len(fields) != 6 {
		return "", fmt.Errorf("%w: want 6 fen fields, got %d", ErrInvalidPosition, len(fields))
	}
	next := p.Turn().Opponent()
	fullMove := p.FullMove()
	if next == White {
		fullMove++
	} else if fullMove > 1 {
		fullMove--
	}
	fields[1] = turnField(next)
	fields[3] = "-"
	fields[5] = strconv.Itoa(fullMove)
	return strings.Join(fields, " "), nil
}

func turnField(s Side) string {
	if s == Black {
		return "b"
	}
	return "w"
}

var castleHomes = []struct {
	flag       byte
	king, rook nchess.Square
	kp, rp     nchess.Piece
}{
	{'K', nchess.E1, nchess.H1, nchess.WhiteKing, nchess.WhiteRook},
	{'Q', nchess.E1, nchess.A1, nchess.WhiteKing, nchess.WhiteRook},
	{'k', nchess.E8, nchess.H8, nchess.BlackKing, nchess.BlackRook},
	{'q', nchess.E8, nchess.A8, nchess.BlackKing, nchess.BlackRook},
}

// castlingFor keeps each right of current whose king and rook are still home.
// A right lost earlier is never regained.
func castlingFor(b *nchess.Board, current string) string {
	var out []byte
	for _, h := range castleHomes {
		if strings.IndexByte(current, h.flag) < 0 {
			continue
		}
		if b.Piece(h.king) == h.kp && b.Piece(h.rook) == h.rp {
			out = append(out, h.flag)
		}
	}
	if len(out) == 0 {
		return "-"
	}
	return string(out)
}

// kingAttacked reports whether the side to move in pos has its king attacked.
// The rules library keeps this flag unexported, so the attack lines are walked
// on its board.
func kingAttacked(pos *nchess.Position) bool {
	return sideInCheck(pos.Board(), pos.Turn())
}

func sideInCheck(b *nchess.Board, side nchess.Color) bool {
	king := nchess.NewPiece(nchess.King, side)
	for sq := nchess.A1; sq <= nchess.H8; sq++ {
		if b.Piece(sq) == king {
			return attackedBy(b, sq, side.Other())
		}
	}
	return false
}

func colorOf(s Side) nchess.Color {
	if s == Black {
		return nchess.Black
	}
	return nchess.White
}

func attackedBy(b *nchess.Board, sq nchess.Square, by nchess.Color) bool {
	at := func(f, r int) nchess.Piece {
		if f < 0 || f > 7 || r < 0 || r > 7 {
			return nchess.NoPiece
		}
		return b.Piece(nchess.NewSquare(nchess.File(f), nchess.Rank(r)))
	}
	is := func(p nchess.Piece, types ...nchess.PieceType) bool {
		if p == nchess.NoPiece || p.Color() != by {
			return false
		}
		for _, t := range types {
			if p.Type() == t {
				return true
			}
		}
		return false
	}
	f, r := int(sq.File()), int(sq.Rank())

	// 백 폰은 한 랭크 아래에서, 흑 폰은 한 랭크 위에서 공격.
	pawnRank := r - 1
	if by == nchess.Black {
		pawnRank = r + 1
	}
	if is(at(f-1, pawnRank), nchess.Pawn) || is(at(f+1, pawnRank), nchess.Pawn) {
		return true
	}
	for _, d := range [8][2]int{{1, 2}, {2, 1}, {-1, 2}, {-2, 1}, {1, -2}, {2, -1}, {-1, -2}, {-2, -1}} {
		if is(at(f+d[0], r+d[1]), nchess.Knight) {
			return true
		}
	}
	for df := -1; df <= 1; df++ {
		for dr := -1; dr <= 1; dr++ {
			if (df != 0 || dr != 0) && is(at(f+df, r+dr), nchess.King) {
				return true
			}
		}
	}
	rays := []struct {
		df, dr  int
		sliders [2]nchess.PieceType
	}{
		{1, 0, [2]nchess.PieceType{nchess.Rook, nchess.Queen}},
		{-1, 0, [2]nchess.PieceType{nchess.Rook, nchess.Queen}},
		{0, 1, [2]nchess.PieceType{nchess.Rook, nchess.Queen}},
		{0, -1, [2]nchess.PieceType{nchess.Rook, nchess.Queen}},
		{1, 1, [2]nchess.PieceType{nchess.Bishop, nchess.Queen}},
		{1, -1, [2]nchess.PieceType{nchess.Bishop, nchess.Queen}},
		{-1, 1, [2]nchess.PieceType{nchess.Bishop, nchess.Queen}},
		{-1, -1, [2]nchess.PieceType{nchess.Bishop, nchess.Queen}},
	}
	for _, ray := range rays {
		for ff, rr := f+ray.df, r+ray.dr; ff >= 0 && ff < 8 && rr >= 0 && rr < 8; ff, rr = ff+ray.df, rr+ray.dr {
			p := at(ff, rr)
			if p == nchess.NoPiece {
				continue
			}
			if is(p, ray.sliders[0], ray.sliders[1]) {
				return true
			}
			break
		}
	}
	return false
}
