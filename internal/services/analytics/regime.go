package analytics

import (
	"context"
	"fmt"

	"FinGate/internal/domain/models"
	domsvc "FinGate/internal/domain/service"
	"FinGate/pkg/config"
)

type HTTPRegimeClassifier struct{ base *HTTPServiceBase }

func NewHTTPRegimeClassifier(cfg *config.Config) *HTTPRegimeClassifier {
	return &HTTPRegimeClassifier{base: NewHTTPServiceBase(cfg.Analytics)}
}

type regimeRequest struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Returns   []float64 `json:"returns"`
	HTFCloses []float64 `json:"htf_closes,omitempty"`
}

type regimeResponse struct {
	Regime     string   `json:"regime"`
	Bias       string   `json:"bias"`
	Confidence *float64 `json:"confidence"`
}

func (c *HTTPRegimeClassifier) Classify(ctx context.Context, symbol string, fs models.FeatureSet) (models.RegimeResult, error) {
	var rr regimeResponse
	req := regimeRequest{Symbol: symbol, Timeframe: fs.Timeframe, Returns: fs.Returns, HTFCloses: fs.HTFCloses}
	if err := c.base.PostJSONWithRetry(ctx, "/regime", req, &rr); err != nil {
		return models.RegimeResult{}, fmt.Errorf("regime %s: %w", symbol, err)
	}
	if rr.Regime == "" || rr.Confidence == nil {
		return models.RegimeResult{}, fmt.Errorf("regime %s: %w", symbol, ErrInsufficientData)
	}
	if !inUnit(*rr.Confidence) {
		return models.RegimeResult{}, fmt.Errorf("regime %s: confidence %v out of range", symbol, *rr.Confidence)
	}
	return models.RegimeResult{
		Tag:        rr.Regime,
		Bias:       models.ParseDirection(rr.Bias),
		Confidence: *rr.Confidence,
	}, nil
}

var _ domsvc.RegimeClassifier = (*HTTPRegimeClassifier)(nil)
