package rules

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// PGNResult maps a terminal state (or resignation winner) to a PGN result token.
func PGNResult(t Terminal) string {
	switch t.Kind {
	case TerminalCheckmate:
		if t.Winner == White {
			return "1-0"
		}
		return "0-1"
	case TerminalStalemate, TerminalDraw:
		return "1/2-1/2"
	default:
		if t.Winner == White {
			return "1-0"
		}
		if t.Winner == Black {
			return "0-1"
		}
		return "*"
	}
}

// PGNTag is one header pair. Tags are written in the order given.
type PGNTag struct {
	Key   string
	Value string
}

// PGNEntry is one movetext item: a numbered SAN move, or a gap marker
// carrying the resynced FEN.
type PGNEntry struct {
	Number int
	Side   Side
	SAN    string
	Gap    bool
	FEN    string
}

// RenderPGN writes the Event and Date headers, then tags, then the result
// header and movetext. Gap entries become {resync FEN} comments and restart
// move numbering.
func RenderPGN(tags []PGNTag, entries []PGNEntry, result string, date time.Time) string {
	var b strings.Builder
	if date.IsZero() {
		date = time.Now()
	}
	if result == "" {
		result = "*"
	}
	b.WriteString("[Event \"Robot board game\"]\n")
	b.WriteString(fmt.Sprintf("[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day()))
	for _, t := range tags {
		b.WriteString(fmt.Sprintf("[%s \"%s\"]\n", t.Key, sanitizePGN(t.Value)))
	}
	b.WriteString(fmt.Sprintf("[Result \"%s\"]\n\n", result))

	needNumber := true
	for _, e := range entries {
		if e.Gap {
			b.WriteString(fmt.Sprintf("{resync %s} ", e.FEN))
			needNumber = true
			continue
		}
		switch {
		case e.Side == White:
			b.WriteString(fmt.Sprintf("%d. ", e.Number))
		case needNumber:
			b.WriteString(fmt.Sprintf("%d... ", e.Number))
		}
		b.WriteString(strings.TrimSpace(e.SAN))
		b.WriteString(" ")
		needNumber = false
	}
	b.WriteString(result)
	return b.String()
}

// PGN renders the holder's history. tags are written sorted by key; a
// non-standard start adds SetUp and FEN.
func (h *Holder) PGN(result string, tags map[string]string, date time.Time) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	header := make([]PGNTag, 0, len(keys)+2)
	for _, k := range keys {
		header = append(header, PGNTag{Key: k, Value: tags[k]})
	}
	if h.started.FEN != StartFEN {
		header = append(header, PGNTag{Key: "SetUp", Value: "1"}, PGNTag{Key: "FEN", Value: h.started.FEN})
	}

	entries := make([]PGNEntry, 0, len(h.history))
	for _, e := range h.history {
		if e.Gap {
			entries = append(entries, PGNEntry{Gap: true, FEN: e.ToFEN})
			continue
		}
		entries = append(entries, PGNEntry{Number: e.Move.MoveNumber, Side: e.Move.Side, SAN: e.Move.SAN})
	}
	return RenderPGN(header, entries, result, date)
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
