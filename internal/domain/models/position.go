package models

import "time"

// OpenPosition mirrors a live broker position. The broker is the source of truth;
// the flags are filled in from the owning agent's tracker.
type OpenPosition struct {
	ID               string    `json:"id"`
	Symbol           string    `json:"symbol"`
	Direction        Direction `json:"direction"`
	EntryPrice       float64   `json:"entry_price"`
	CurrentPrice     float64   `json:"current_price"`
	CurrentStop      float64   `json:"current_stop"`
	CurrentTarget    float64   `json:"current_target"`
	Volume           float64   `json:"volume"`
	OpenedAt         time.Time `json:"opened_at"`
	BreakevenApplied bool      `json:"breakeven_applied"`
	PartialApplied   bool      `json:"partial_applied"`
}

// FavorableExcursion is the price move in the position's favour, negative when under water.
func (p OpenPosition) FavorableExcursion() float64 {
	return float64(p.Direction.Sign()) * (p.CurrentPrice - p.EntryPrice)
}

// Tightens reports whether newStop is closer to price than the current stop on the loss side.
func (p OpenPosition) Tightens(newStop float64) bool {
	if p.CurrentStop == 0 {
		return true
	}
	return float64(p.Direction.Sign())*(newStop-p.CurrentStop) > 0
}

// ActionKind enumerates position mutations.
type ActionKind string

const (
	ActionModify       ActionKind = "MODIFY"
	ActionPartialClose ActionKind = "PARTIAL_CLOSE"
	ActionClose        ActionKind = "CLOSE"
)

// PositionAction is one mutation the orchestrator applies through the broker.
type PositionAction struct {
	Kind       ActionKind `json:"kind"`
	PositionID string     `json:"position_id"`
	Symbol     string     `json:"symbol"`
	NewStop    float64    `json:"new_stop,omitempty"`
	NewTarget  float64    `json:"new_target,omitempty"`
	Fraction   float64    `json:"fraction,omitempty"`

	// Transition names the state change behind the action: breakeven, trailing, partial, regime_exit.
	Transition string `json:"transition"`
	// Breakeven is set on a MODIFY that also moves the stop to breakeven, even when
	// a trailing stop superseded the breakeven level.
	Breakeven  bool   `json:"breakeven,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// ActionResult records what happened when an action was applied.
type ActionResult struct {
	Action PositionAction `json:"action"`
	Err    string         `json:"error,omitempty"`
}

// ClosedTrade is a realised trade from the broker's history.
type ClosedTrade struct {
	PositionID string    `json:"position_id"`
	Symbol     string    `json:"symbol"`
	Direction  Direction `json:"direction"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	Volume     float64   `json:"volume"`
	PnL        float64   `json:"pnl"`
	OpenedAt   time.Time `json:"opened_at"`
	ClosedAt   time.Time `json:"closed_at"`
}

// Win reports whether the trade closed with a positive result.
func (t ClosedTrade) Win() bool { return t.PnL > 0 }

// MergeFills folds fills sharing a PositionID into one trade each, keeping the
// order in which positions first appear. PnL and volume are summed, the exit is
// volume weighted and ClosedAt is the last fill. Fills without an ID stay separate.
func MergeFills(fills []ClosedTrade) []ClosedTrade {
	out := make([]ClosedTrade, 0, len(fills))
	idx := make(map[string]int, len(fills))
	weighted := make([]float64, 0, len(fills))
	for _, f := range fills {
		i, seen := idx[f.PositionID]
		if f.PositionID == "" || !seen {
			if f.PositionID != "" {
				idx[f.PositionID] = len(out)
			}
			out = append(out, f)
			weighted = append(weighted, f.ExitPrice*f.Volume)
			continue
		}
		t := &out[i]
		t.PnL += f.PnL
		t.Volume += f.Volume
		weighted[i] += f.ExitPrice * f.Volume
		if f.ClosedAt.After(t.ClosedAt) {
			t.ClosedAt = f.ClosedAt
		}
	}
	for i := range out {
		if out[i].Volume > 0 {
			out[i].ExitPrice = weighted[i] / out[i].Volume
		}
	}
	return out
}

// OrderRequest is a market order with protective levels as absolute prices.
type OrderRequest struct {
	ClientID   string    `json:"client_id"`
	Symbol     string    `json:"symbol"`
	Direction  Direction `json:"direction"`
	Volume     float64   `json:"volume"`
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit float64   `json:"take_profit"`
	Comment    string    `json:"comment,omitempty"`
}

// OrderResult is the broker's acknowledgement of a filled order.
type OrderResult struct {
	ClientID   string    `json:"client_id"`
	PositionID string    `json:"position_id"`
	Symbol     string    `json:"symbol"`
	Direction  Direction `json:"direction"`
	Volume     float64   `json:"volume"`
	FillPrice  float64   `json:"fill_price"`
	FilledAt   time.Time `json:"filled_at"`
}

// AccountInfo is an account snapshot.
type AccountInfo struct {
	Equity   float64 `json:"equity"`
	Balance  float64 `json:"balance"`
	Currency string  `json:"currency,omitempty"`
}

// SymbolInfo carries quote and lot rules for one instrument.
type SymbolInfo struct {
	Symbol       string  `json:"symbol"`
	AssetClass   string  `json:"asset_class"`
	Bid          float64 `json:"bid"`
	Ask          float64 `json:"ask"`
	VolumeMin    float64 `json:"volume_min"`
	VolumeMax    float64 `json:"volume_max"`
	VolumeStep   float64 `json:"volume_step"`
	ContractSize float64 `json:"contract_size"`
}

// Spread is ask minus bid in price units.
func (s SymbolInfo) Spread() float64 { return s.Ask - s.Bid }

// Mid is the mid quote.
func (s SymbolInfo) Mid() float64 { return (s.Ask + s.Bid) / 2 }

// SpreadBps is the spread relative to mid, in basis points.
func (s SymbolInfo) SpreadBps() float64 {
	mid := s.Mid()
	if mid <= 0 {
		return 0
	}
	return s.Spread() / mid * 10_000
}
