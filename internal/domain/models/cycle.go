package models

import "time"

// Event types emitted to the sink.
const (
	EventScanStart      = "scan_start"
	EventCycleSummary   = "cycle_summary"
	EventExecution      = "execution"
	EventRejection      = "rejection"
	EventPositionAction = "position_action"
	EventPositionClosed = "position_closed"
)

// Event is the envelope persisted by journal sinks.
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Symbol    string      `json:"symbol,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// ExecutedTrade describes the single order placed in a cycle.
type ExecutedTrade struct {
	Candidate Candidate     `json:"candidate"`
	Order     OrderRequest  `json:"order"`
	Result    OrderResult   `json:"result"`
	RiskPct   float64       `json:"risk_pct"`
	Debate    *DebateResult `json:"debate,omitempty"`
	Rule      string        `json:"rule"`
}

// ScanCycleSummary is the aggregate of one control-loop cycle.
type ScanCycleSummary struct {
	ID          string                 `json:"id"`
	Timestamp   time.Time              `json:"timestamp"`
	Duration    time.Duration          `json:"duration_ns"`
	Outcomes    map[string]ScanOutcome `json:"outcomes"`
	Actions     []ActionResult         `json:"actions,omitempty"`
	Closed      []ClosedTrade          `json:"closed,omitempty"`
	Positions   []OpenPosition         `json:"positions,omitempty"`
	Executed    *ExecutedTrade         `json:"executed,omitempty"`
	GlobalBlock *Rejection             `json:"global_block,omitempty"`
	Skipped     *Rejection             `json:"skipped,omitempty"`

	// Degraded is set when any collaborator failed during the cycle.
	Degraded bool     `json:"degraded"`
	Errors   []string `json:"errors,omitempty"`
}

// Counts returns how many outcomes were accepted and rejected.
func (s ScanCycleSummary) Counts() (accepted, rejected int) {
	for _, o := range s.Outcomes {
		if o.Accepted() {
			accepted++
		} else {
			rejected++
		}
	}
	return accepted, rejected
}
