package analytics

import (
	"context"
	"fmt"

	"FinGate/internal/domain/models"
	domsvc "FinGate/internal/domain/service"
	"FinGate/pkg/config"
)

// HTTPScorer calls the scoring model over HTTP.
type HTTPScorer struct{ base *HTTPServiceBase }

func NewHTTPScorer(cfg *config.Config) *HTTPScorer {
	return &HTTPScorer{base: NewHTTPServiceBase(cfg.Analytics)}
}

type scoreRequest struct {
	Symbol   string            `json:"symbol"`
	Features models.FeatureSet `json:"features"`
}

type scoreResponse struct {
	Direction   string             `json:"direction"`
	Score       *float64           `json:"score"`
	Probability *float64           `json:"probability"`
	Details     map[string]float64 `json:"details"`
}

func (s *HTTPScorer) Score(ctx context.Context, symbol string, fs models.FeatureSet) (models.ScoreResult, error) {
	var sr scoreResponse
	if err := s.base.PostJSONWithRetry(ctx, "/score", scoreRequest{Symbol: symbol, Features: fs}, &sr); err != nil {
		return models.ScoreResult{}, fmt.Errorf("score %s: %w", symbol, err)
	}
	if sr.Score == nil || sr.Probability == nil {
		return models.ScoreResult{}, fmt.Errorf("score %s: %w", symbol, ErrInsufficientData)
	}
	// a neutral call is an answer, not missing data
	dir := models.ParseDirection(sr.Direction)
	if !inUnit(*sr.Probability) || !inUnit(*sr.Score) {
		return models.ScoreResult{}, fmt.Errorf("score %s: score=%v probability=%v out of range", symbol, *sr.Score, *sr.Probability)
	}
	return models.ScoreResult{
		Direction:   dir,
		Score:       *sr.Score,
		Probability: *sr.Probability,
		Details:     sr.Details,
	}, nil
}

var _ domsvc.Scorer = (*HTTPScorer)(nil)
