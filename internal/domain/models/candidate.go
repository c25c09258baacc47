package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidCandidate marks a candidate that breaks its own invariants.
var ErrInvalidCandidate = errors.New("invalid candidate")

// RejectReason is a typed business rejection code.
type RejectReason string

const (
	ReasonNone                RejectReason = ""
	ReasonCircuitBreaker      RejectReason = "circuit_breaker"
	ReasonDailyTradeCap       RejectReason = "daily_trade_cap"
	ReasonKillSwitch          RejectReason = "kill_switch"
	ReasonPayoffMandate       RejectReason = "payoff_mandate"
	ReasonDailyLossCap        RejectReason = "daily_loss_cap"
	ReasonCooldown            RejectReason = "cooldown"
	ReasonSpreadTooWide       RejectReason = "spread_too_wide"
	ReasonNewsBlackout        RejectReason = "news_blackout"
	ReasonOutsideSession      RejectReason = "outside_session"
	ReasonMaxOpenPositions    RejectReason = "max_open_positions"
	ReasonCorrelationConflict RejectReason = "correlation_conflict"
	ReasonNetRewardRisk       RejectReason = "net_rr_below_min"
	ReasonInsufficientData    RejectReason = "insufficient_data"
	ReasonNoSignal            RejectReason = "no_signal"
	ReasonLowProbability      RejectReason = "low_probability"
	ReasonLowConfluence       RejectReason = "low_confluence"
	ReasonRegimeConflict      RejectReason = "regime_conflict"
	ReasonHTFConflict         RejectReason = "htf_conflict"
	ReasonRewardRisk          RejectReason = "rr_below_min"
	ReasonWeakSecondary       RejectReason = "weak_secondary"
	ReasonIlliquidHours       RejectReason = "illiquid_hours"
	ReasonCollaboratorError   RejectReason = "collaborator_error"
	ReasonTimeout             RejectReason = "timeout"
	ReasonAgentBusy           RejectReason = "agent_busy"
	ReasonInvalidCandidate    RejectReason = "invalid_candidate"
	ReasonDebateRejected      RejectReason = "debate_rejected"
	ReasonSizing              RejectReason = "sizing_failed"
)

// Rejection is an expected, typed scan outcome.
type Rejection struct {
	Reason RejectReason `json:"reason"`
	Detail string       `json:"detail,omitempty"`
}

func (r Rejection) String() string {
	if r.Detail == "" {
		return string(r.Reason)
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

// Reject builds a Rejection with a formatted detail.
func Reject(reason RejectReason, format string, args ...interface{}) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Candidate is a fully scored, not yet approved trade proposal.
// Distances are in price units.
type Candidate struct {
	ID                string             `json:"id"`
	Symbol            string             `json:"symbol"`
	Direction         Direction          `json:"direction"`
	Score             float64            `json:"score"`
	Probability       float64            `json:"probability"`
	Confluence        float64            `json:"confluence"`
	EntryEstimate     float64            `json:"entry_estimate"`
	StopDistance      float64            `json:"stop_distance"`
	TargetDistance    float64            `json:"target_distance"`
	SpreadCost        float64            `json:"spread_cost"`
	RegimeTag         string             `json:"regime_tag"`
	RegimeConfidence  float64            `json:"regime_confidence"`
	Secondary         bool               `json:"secondary"`
	ConfluenceDetails map[string]float64 `json:"confluence_details,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
}

// RewardRisk is the gross target/stop ratio.
func (c Candidate) RewardRisk() float64 {
	if c.StopDistance <= 0 {
		return 0
	}
	return c.TargetDistance / c.StopDistance
}

// StopPrice is the absolute stop level implied by the entry estimate.
func (c Candidate) StopPrice() float64 {
	return c.EntryEstimate - float64(c.Direction.Sign())*c.StopDistance
}

// TargetPrice is the absolute target level implied by the entry estimate.
func (c Candidate) TargetPrice() float64 {
	return c.EntryEstimate + float64(c.Direction.Sign())*c.TargetDistance
}

// Validate checks the structural invariants. Reward:risk below minRR is a violation.
func (c Candidate) Validate(minRR float64) error {
	switch {
	case c.Symbol == "":
		return fmt.Errorf("%w: empty symbol", ErrInvalidCandidate)
	case !c.Direction.IsTradable():
		return fmt.Errorf("%w: direction %q", ErrInvalidCandidate, c.Direction)
	case c.StopDistance <= 0 || math.IsNaN(c.StopDistance) || math.IsInf(c.StopDistance, 0):
		return fmt.Errorf("%w: stop distance %v", ErrInvalidCandidate, c.StopDistance)
	case c.TargetDistance <= 0 || math.IsNaN(c.TargetDistance):
		return fmt.Errorf("%w: target distance %v", ErrInvalidCandidate, c.TargetDistance)
	case c.Probability < 0 || c.Probability > 1:
		return fmt.Errorf("%w: probability %v", ErrInvalidCandidate, c.Probability)
	case c.EntryEstimate <= 0:
		return fmt.Errorf("%w: entry %v", ErrInvalidCandidate, c.EntryEstimate)
	case c.RewardRisk()+rrEpsilon < minRR:
		return fmt.Errorf("%w: reward:risk %.3f below %.3f", ErrInvalidCandidate, c.RewardRisk(), minRR)
	}
	return nil
}

const rrEpsilon = 1e-9

// MeetsRewardRisk compares ratios with a small tolerance so 15/10 clears 1.5.
func MeetsRewardRisk(reward, risk, minRR float64) bool {
	if risk <= 0 {
		return false
	}
	return reward/risk+rrEpsilon >= minRR
}

// ScanOutcome is the per-symbol result of one scan: exactly one of Candidate or Rejection is set.
type ScanOutcome struct {
	Symbol    string        `json:"symbol"`
	Candidate *Candidate    `json:"candidate,omitempty"`
	Rejection *Rejection    `json:"rejection,omitempty"`
	Duration  time.Duration `json:"duration_ns"`

	// Err is the infrastructure error behind a collaborator/timeout rejection, if any.
	Err string `json:"error,omitempty"`
}

// Accepted reports whether the outcome carries a candidate.
func (o ScanOutcome) Accepted() bool { return o.Candidate != nil }
