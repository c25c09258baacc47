package service

import (
	"context"
	"errors"
	"time"

	"FinGate/internal/domain/models"
)

// ErrInsufficientData is returned by collaborators whose answer lacks required fields.
var ErrInsufficientData = errors.New("insufficient data")

// Scorer produces a directional score and probability from features.
type Scorer interface {
	Score(ctx context.Context, symbol string, features models.FeatureSet) (models.ScoreResult, error)
}

// RegimeClassifier tags the current market regime.
type RegimeClassifier interface {
	Classify(ctx context.Context, symbol string, features models.FeatureSet) (models.RegimeResult, error)
}

// Debater is the optional research/debate step run on the top candidate.
type Debater interface {
	Debate(ctx context.Context, symbol string, candidate models.Candidate, regime models.RegimeResult) (models.DebateResult, error)
}

// Critic reviews closed trades after the fact.
type Critic interface {
	Review(ctx context.Context, trades []models.ClosedTrade) error
}

// NewsCalendar reports news blackouts covering a symbol's currency exposure.
type NewsCalendar interface {
	IsBlackout(ctx context.Context, symbol string, now time.Time) (bool, string)
}
