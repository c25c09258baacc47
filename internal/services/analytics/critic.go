package analytics

import (
	"context"
	"fmt"

	"FinGate/internal/domain/models"
	domsvc "FinGate/internal/domain/service"
	"FinGate/pkg/config"
)

// HTTPCritic ships closed trades to the post-trade review service. The answer is ignored.
type HTTPCritic struct{ base *HTTPServiceBase }

func NewHTTPCritic(cfg *config.Config) *HTTPCritic {
	return &HTTPCritic{base: NewHTTPServiceBase(cfg.Analytics)}
}

type criticRequest struct {
	Trades []models.ClosedTrade `json:"trades"`
}

func (c *HTTPCritic) Review(ctx context.Context, trades []models.ClosedTrade) error {
	if len(trades) == 0 {
		return nil
	}
	if err := c.base.PostJSON(ctx, "/critic", criticRequest{Trades: trades}, nil); err != nil {
		return fmt.Errorf("critic review: %w", err)
	}
	return nil
}

var _ domsvc.Critic = (*HTTPCritic)(nil)
