package models

import "time"

// Decision is the result of an admission check.
type Decision struct {
	Allowed bool         `json:"allowed"`
	Reason  RejectReason `json:"reason,omitempty"`
	Detail  string       `json:"detail,omitempty"`
}

// Allow is the passing decision.
func Allow() Decision { return Decision{Allowed: true} }

// Deny builds a blocking decision.
func Deny(reason RejectReason, detail string) Decision {
	return Decision{Reason: reason, Detail: detail}
}

// Rejection converts a blocking decision into a scan rejection.
func (d Decision) Rejection() *Rejection {
	if d.Allowed {
		return nil
	}
	return &Rejection{Reason: d.Reason, Detail: d.Detail}
}

// SymbolRiskStats is the rolling realised performance of one symbol.
type SymbolRiskStats struct {
	Symbol        string    `json:"symbol"`
	RecentNetPnL  float64   `json:"recent_net_pnl"`
	AvgWin        float64   `json:"avg_win"`
	AvgLoss       float64   `json:"avg_loss"`
	WinRate       float64   `json:"win_rate"`
	SampleCount   int       `json:"sample_count"`
	LastRefreshed time.Time `json:"last_refreshed"`
}

// StatsFromTrades folds closed trades into rolling stats. Partial fills of one
// position count as a single trade. AvgLoss is a positive magnitude.
func StatsFromTrades(symbol string, fills []ClosedTrade, at time.Time) SymbolRiskStats {
	trades := MergeFills(fills)
	st := SymbolRiskStats{Symbol: symbol, LastRefreshed: at, SampleCount: len(trades)}
	var wins, losses int
	var winSum, lossSum float64
	for _, t := range trades {
		st.RecentNetPnL += t.PnL
		switch {
		case t.PnL > 0:
			wins++
			winSum += t.PnL
		case t.PnL < 0:
			losses++
			lossSum += -t.PnL
		}
	}
	if wins > 0 {
		st.AvgWin = winSum / float64(wins)
	}
	if losses > 0 {
		st.AvgLoss = lossSum / float64(losses)
	}
	if len(trades) > 0 {
		st.WinRate = float64(wins) / float64(len(trades))
	}
	return st
}

// GlobalRiskState is shared by every agent and persisted across restarts.
type GlobalRiskState struct {
	TradingDay       string               `json:"trading_day"`
	DailyTradeCount  int                  `json:"daily_trade_count"`
	DailyRealizedPnL float64              `json:"daily_realized_pnl"`
	KillSwitch       map[string]bool      `json:"kill_switch"`
	LastTradeAt      map[string]time.Time `json:"last_trade_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

// Clone returns a deep copy safe to hand outside the owning lock.
func (g GlobalRiskState) Clone() GlobalRiskState {
	out := g
	out.KillSwitch = make(map[string]bool, len(g.KillSwitch))
	for k, v := range g.KillSwitch {
		out.KillSwitch[k] = v
	}
	out.LastTradeAt = make(map[string]time.Time, len(g.LastTradeAt))
	for k, v := range g.LastTradeAt {
		out.LastTradeAt[k] = v
	}
	return out
}

// VolatilitySample is a cached volatility reading.
type VolatilitySample struct {
	Value float64   `json:"value"`
	At    time.Time `json:"at"`
}

// Fresh reports whether the sample is younger than ttl at now.
func (v VolatilitySample) Fresh(now time.Time, ttl time.Duration) bool {
	return v.Value > 0 && !v.At.IsZero() && now.Sub(v.At) < ttl
}

// SymbolAgentState is owned by exactly one agent.
type SymbolAgentState struct {
	Symbol             string           `json:"symbol"`
	ConsecutiveLosses  int              `json:"consecutive_losses"`
	CumulativePnL      float64          `json:"cumulative_pnl"`
	LastScanTime       time.Time        `json:"last_scan_time"`
	LastTradeTime      time.Time        `json:"last_trade_time"`
	CircuitBreakerOpen bool             `json:"circuit_breaker_open"`
	CircuitOpenedAt    time.Time        `json:"circuit_opened_at"`
	CachedVolatility   VolatilitySample `json:"cached_volatility"`
}
