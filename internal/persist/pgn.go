package persist

import (
	"strings"
	"time"

	"github.com/park285/chess-robot-sync/internal/rules"
	"github.com/park285/chess-robot-sync/pkg/syncdto"
)

// pgnResultFor maps a user-perspective result to a PGN result token.
func pgnResultFor(result, userSide string) string {
	white := strings.EqualFold(strings.TrimSpace(userSide), "white")
	switch strings.ToLower(strings.TrimSpace(result)) {
	case syncdto.ResultWin:
		if white {
			return "1-0"
		}
		return "0-1"
	case syncdto.ResultLose:
		if white {
			return "0-1"
		}
		return "1-0"
	case syncdto.ResultDraw:
		return "1/2-1/2"
	default:
		return "*"
	}
}

// BuildPGN은 저장된 기록을 PGN으로 렌더링. 갭 기록은 주석이 되고 수 번호를 다시 시작.
func BuildPGN(recs []syncdto.MoveRecord, pgnResult, method string, date time.Time) string {
	var tags []rules.PGNTag
	if m := strings.TrimSpace(method); m != "" {
		tags = append(tags, rules.PGNTag{Key: "Termination", Value: strings.ToLower(m)})
	}
	entries := make([]rules.PGNEntry, 0, len(recs))
	for _, r := range recs {
		if r.Gap {
			entries = append(entries, rules.PGNEntry{Gap: true, FEN: r.ResultingFEN})
			continue
		}
		side, _ := rules.ParseSide(r.Side)
		entries = append(entries, rules.PGNEntry{Number: r.MoveNumber, Side: side, SAN: r.Notation})
	}
	return rules.RenderPGN(tags, entries, pgnResult, date)
}
