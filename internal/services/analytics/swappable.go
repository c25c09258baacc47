package analytics

import (
	"context"
	"sync/atomic"

	"FinGate/internal/domain/models"
	domsvc "FinGate/internal/domain/service"
)

type scorerBox struct{ s domsvc.Scorer }

// SwappableScorer lets a retrained model be installed while scans are running.
// In-flight calls finish on the scorer they started with.
type SwappableScorer struct {
	cur atomic.Pointer[scorerBox]
}

func NewSwappableScorer(initial domsvc.Scorer) *SwappableScorer {
	s := &SwappableScorer{}
	s.cur.Store(&scorerBox{s: initial})
	return s
}

// Swap installs next and returns the previous scorer.
func (s *SwappableScorer) Swap(next domsvc.Scorer) domsvc.Scorer {
	return s.cur.Swap(&scorerBox{s: next}).s
}

func (s *SwappableScorer) Score(ctx context.Context, symbol string, fs models.FeatureSet) (models.ScoreResult, error) {
	return s.cur.Load().s.Score(ctx, symbol, fs)
}

var _ domsvc.Scorer = (*SwappableScorer)(nil)
