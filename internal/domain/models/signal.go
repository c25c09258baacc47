package models

import "time"

// Direction is the side of a trade.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
	// Neutral is only produced by collaborators (score, regime bias, debate action); candidates are never neutral.
	Neutral Direction = "neutral"
)

// Sign returns +1 for long, -1 for short and 0 otherwise.
func (d Direction) Sign() int {
	switch d {
	case Long:
		return 1
	case Short:
		return -1
	default:
		return 0
	}
}

// Opposite returns the opposing side. Neutral maps to itself.
func (d Direction) Opposite() Direction {
	switch d {
	case Long:
		return Short
	case Short:
		return Long
	default:
		return Neutral
	}
}

// IsTradable reports whether d is long or short.
func (d Direction) IsTradable() bool { return d == Long || d == Short }

// ParseDirection maps loosely formatted collaborator output ("buy", "LONG", "sell") onto a Direction.
func ParseDirection(s string) Direction {
	switch s {
	case "long", "LONG", "Long", "buy", "BUY", "Buy", "bullish", "up":
		return Long
	case "short", "SHORT", "Short", "sell", "SELL", "Sell", "bearish", "down":
		return Short
	default:
		return Neutral
	}
}

// Candle represents an OHLCV bar.
type Candle struct {
	Bucket time.Time `json:"bucket"`
	Symbol string    `json:"symbol"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// FeatureSet is what the scoring and regime collaborators receive.
type FeatureSet struct {
	Symbol    string             `json:"symbol"`
	Timeframe string             `json:"timeframe"`
	Closes    []float64          `json:"closes"`
	Returns   []float64          `json:"returns"`
	Features  map[string]float64 `json:"features"`
	HTFCloses []float64          `json:"htf_closes,omitempty"`
	AsOf      time.Time          `json:"as_of"`
}

// ScoreResult is the validated output of the scoring collaborator.
type ScoreResult struct {
	Direction   Direction          `json:"direction"`
	Score       float64            `json:"score"`
	Probability float64            `json:"probability"`
	Details     map[string]float64 `json:"details,omitempty"`
}

// RegimeResult is the validated output of the regime collaborator.
// Bias is the side the regime favours, Neutral when it favours neither.
type RegimeResult struct {
	Tag        string    `json:"tag"`
	Bias       Direction `json:"bias"`
	Confidence float64   `json:"confidence"`
}

// Against reports whether the regime leans against d with at least minConfidence.
func (r RegimeResult) Against(d Direction, minConfidence float64) bool {
	return r.Bias.IsTradable() && r.Bias != d && r.Confidence >= minConfidence
}

// DebateResult is the output of the optional debate collaborator.
// Action is Neutral when the debate is unavailable or undecided.
type DebateResult struct {
	Action     Direction `json:"action"`
	Confidence float64   `json:"confidence"`
	Reason     string    `json:"reason"`
}

// NeutralDebate is what callers fall back to when the debate step fails.
func NeutralDebate(reason string) DebateResult {
	return DebateResult{Action: Neutral, Reason: reason}
}
