// Package dedup drops robot messages that repeat the last message of the same
// kind and routes the rest to per-kind handlers.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/park285/chess-robot-sync/pkg/syncdto"
)

// Fingerprint identifies a message by kind plus the fields that matter for that
// kind. Two messages with equal fingerprints are treated as the same event.
type Fingerprint struct {
	Kind syncdto.Kind
	Key  string
}

// fieldsByKind lists, per kind, the fields compared for duplicate detection.
// Order is part of the key.
var fieldsByKind = map[syncdto.Kind][]string{
	syncdto.KindBoardStatus:   {"fen"},
	syncdto.KindMoveDetected:  {"from", "to", "promotion", "san", "fen"},
	syncdto.KindMoveExecuted:  {"from", "to", "promotion", "san", "fen"},
	syncdto.KindCheckDetected: {"side", "fen"},
	syncdto.KindIllegalMove:   {"from", "to", "reason", "fen"},
	syncdto.KindGameOver:      {"reason", "winner", "fen"},
}

func field(msg syncdto.Message, name string) string {
	switch name {
	case "fen":
		return strings.Join(strings.Fields(msg.FEN), " ")
	case "from":
		return strings.ToLower(msg.From)
	case "to":
		return strings.ToLower(msg.To)
	case "promotion":
		return strings.ToLower(msg.Promotion)
	case "san":
		return msg.SAN
	case "side":
		return strings.ToLower(msg.Side)
	case "reason":
		return msg.Reason
	case "winner":
		return strings.ToLower(msg.Winner)
	default:
		return ""
	}
}

// Of computes the fingerprint of msg. Kinds without a field list hash the whole
// message so only byte-identical repeats collapse.
func Of(msg syncdto.Message) Fingerprint {
	names, ok := fieldsByKind[msg.Type]
	if !ok {
		raw, _ := json.Marshal(msg)
		sum := sha256.Sum256(raw)
		return Fingerprint{Kind: msg.Type, Key: "sha256:" + hex.EncodeToString(sum[:])}
	}
	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(field(msg, name))
	}
	return Fingerprint{Kind: msg.Type, Key: b.String()}
}
