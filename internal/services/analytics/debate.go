package analytics

import (
	"context"
	"fmt"

	"FinGate/internal/domain/models"
	domsvc "FinGate/internal/domain/service"
	"FinGate/pkg/config"
)

// HTTPDebater asks the research service to argue for and against a candidate.
// The call is bounded by the debate timeout rather than the analytics one.
type HTTPDebater struct{ base *HTTPServiceBase }

func NewHTTPDebater(cfg *config.Config) *HTTPDebater {
	ac := cfg.Analytics
	if cfg.Debate.Timeout > 0 {
		ac.Timeout = cfg.Debate.Timeout
	}
	ac.Retries = 0
	return &HTTPDebater{base: NewHTTPServiceBase(ac)}
}

type debateRequest struct {
	Symbol      string  `json:"symbol"`
	Direction   string  `json:"direction"`
	Score       float64 `json:"score"`
	Probability float64 `json:"probability"`
	Confluence  float64 `json:"confluence"`
	RewardRisk  float64 `json:"reward_risk"`
	Regime      string  `json:"regime"`
	RegimeBias  string  `json:"regime_bias"`
}

type debateResponse struct {
	Action     string   `json:"action"`
	Confidence *float64 `json:"confidence"`
	Reason     string   `json:"reason"`
}

func (d *HTTPDebater) Debate(ctx context.Context, symbol string, c models.Candidate, regime models.RegimeResult) (models.DebateResult, error) {
	var dr debateResponse
	req := debateRequest{
		Symbol:      symbol,
		Direction:   string(c.Direction),
		Score:       c.Score,
		Probability: c.Probability,
		Confluence:  c.Confluence,
		RewardRisk:  c.RewardRisk(),
		Regime:      regime.Tag,
		RegimeBias:  string(regime.Bias),
	}
	if err := d.base.PostJSONWithRetry(ctx, "/debate", req, &dr); err != nil {
		return models.DebateResult{}, fmt.Errorf("debate %s: %w", symbol, err)
	}
	if dr.Confidence == nil {
		return models.DebateResult{}, fmt.Errorf("debate %s: %w", symbol, ErrInsufficientData)
	}
	return models.DebateResult{
		Action:     models.ParseDirection(dr.Action),
		Confidence: *dr.Confidence,
		Reason:     dr.Reason,
	}, nil
}

var _ domsvc.Debater = (*HTTPDebater)(nil)
