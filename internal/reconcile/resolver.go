// Package reconcile infers which legal move explains a reported board snapshot.
//
// Robot boards report only the resulting piece placement, never the move that
// produced it, so the move is recovered by simulating every legal move from the
// authoritative position and comparing placements.
package reconcile

import (
	"errors"
	"fmt"

	"github.com/park285/chess-robot-sync/internal/rules"
	"go.uber.org/zap"
)

var (
	ErrInvalidFEN             = errors.New("reported fen is not valid")
	ErrUnresolvableTransition = errors.New("no legal move explains reported position")
)

// Kind is the outcome class of a resolution.
type Kind int

const (
	NoChange Kind = iota
	Resolved
	Unresolvable
)

func (k Kind) String() string {
	switch k {
	case NoChange:
		return "no_change"
	case Resolved:
		return "resolved"
	case Unresolvable:
		return "unresolvable"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Resolution is the result of comparing a snapshot with the current position.
// Candidate is set only for Resolved.
type Resolution struct {
	Kind      Kind
	Candidate rules.Candidate
	Placement string
	// Matches counts legal moves producing the reported placement. More than one
	// means the first in generation order was taken.
	Matches int
}

// Source is the read side of the rules holder the resolver needs.
type Source interface {
	Position() rules.Position
	LegalMoves() []rules.Candidate
}

type Resolver struct {
	logger *zap.Logger
}

func NewResolver(logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{logger: logger}
}

// Resolve never mutates src. An Unresolvable result is returned together with
// ErrUnresolvableTransition so callers can treat it as an error or branch on Kind.
func (r *Resolver) Resolve(src Source, reportedFEN string) (Resolution, error) {
	placement, _, err := rules.SplitReported(reportedFEN)
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: %v", ErrInvalidFEN, err)
	}
	current := src.Position()
	if placement == current.Placement() {
		return Resolution{Kind: NoChange, Placement: placement}, nil
	}

	res := Resolution{Kind: Unresolvable, Placement: placement}
	for _, c := range src.LegalMoves() {
		if c.Resulting.Placement() != placement {
			continue
		}
		res.Matches++
		if res.Matches == 1 {
			res.Kind = Resolved
			res.Candidate = c
		}
	}
	if res.Matches > 1 {
		r.logger.Warn("reconcile_ambiguous",
			zap.String("fen", current.FEN),
			zap.String("reported", placement),
			zap.Int("matches", res.Matches),
			zap.String("chosen", res.Candidate.UCI),
		)
	}
	if res.Kind == Unresolvable {
		r.logger.Info("reconcile_unresolvable",
			zap.String("fen", current.FEN),
			zap.String("reported", placement),
		)
		return res, fmt.Errorf("%w: %s -> %s", ErrUnresolvableTransition, current.Placement(), placement)
	}
	r.logger.Debug("reconcile_resolved",
		zap.String("uci", res.Candidate.UCI),
		zap.String("san", res.Candidate.SAN),
	)
	return res, nil
}
