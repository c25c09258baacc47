package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"FinGate/internal/domain/models"
	domrepo "FinGate/internal/domain/repository"
	domsvc "FinGate/internal/domain/service"
	"FinGate/pkg/config"
	"FinGate/pkg/logger"
	"FinGate/pkg/util"

	"github.com/shopspring/decimal"
)

var (
	ErrSizeBelowMinimum = errors.New("position size below broker minimum")
	ErrInvalidStop      = errors.New("stop distance must be positive")
	ErrNoEquity         = errors.New("account equity is not positive")
)

// RiskGateway owns GlobalRiskState and SymbolRiskStats. Every read and write goes
// through its methods under one mutex; collaborator calls happen outside the lock.
type RiskGateway struct {
	cfg    config.RiskConfig
	assets func(symbol string) string
	broker domrepo.Broker
	news   domsvc.NewsCalendar
	store  domrepo.RiskStateStore
	log    *logger.Logger
	now    func() time.Time

	mu       sync.Mutex
	state    models.GlobalRiskState
	stats    map[string]models.SymbolRiskStats
	override map[string]bool
	highVol  map[string]bool

	persistMu sync.Mutex
}

func NewRiskGateway(cfg *config.Config, broker domrepo.Broker, news domsvc.NewsCalendar, store domrepo.RiskStateStore, l *logger.Logger) *RiskGateway {
	if l == nil {
		l = logger.Nop()
	}
	g := &RiskGateway{
		cfg:      cfg.Risk,
		assets:   cfg.Trading.AssetClass,
		broker:   broker,
		store:    store,
		log:      l,
		now:      time.Now,
		stats:    make(map[string]models.SymbolRiskStats),
		override: toSet(cfg.Risk.KillSwitch.Overrides),
		highVol:  toSet(cfg.Risk.Sizing.HighVolSymbols),
	}
	if cfg.News.Enabled {
		g.news = news
	}
	g.state = g.freshState(g.now())
	return g
}

func toSet(xs []string) map[string]bool {
	m := make(map[string]bool, len(xs))
	for _, x := range xs {
		m[x] = true
	}
	return m
}

func (g *RiskGateway) freshState(now time.Time) models.GlobalRiskState {
	return models.GlobalRiskState{
		TradingDay:  util.TradingDay(now),
		KillSwitch:  make(map[string]bool),
		LastTradeAt: make(map[string]time.Time),
		UpdatedAt:   now,
	}
}

// Restore loads persisted state. A missing record keeps the fresh state.
func (g *RiskGateway) Restore(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	st, err := g.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("restore risk state: %w", err)
	}
	if st == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if st.KillSwitch == nil {
		st.KillSwitch = make(map[string]bool)
	}
	if st.LastTradeAt == nil {
		st.LastTradeAt = make(map[string]time.Time)
	}
	g.state = *st
	g.rollDayLocked(g.now())
	g.log.Info("risk state restored",
		logger.String("trading_day", g.state.TradingDay),
		logger.Int("daily_trades", g.state.DailyTradeCount),
		logger.Float64("daily_pnl", g.state.DailyRealizedPnL),
	)
	return nil
}

// rollDayLocked resets the daily counters when the UTC day changed. Callers hold g.mu.
func (g *RiskGateway) rollDayLocked(now time.Time) bool {
	day := util.TradingDay(now)
	if g.state.TradingDay == day {
		return false
	}
	g.log.Info("trading day rolled over",
		logger.String("from", g.state.TradingDay),
		logger.String("to", day),
		logger.Int("trades", g.state.DailyTradeCount),
	)
	g.state.TradingDay = day
	g.state.DailyTradeCount = 0
	g.state.DailyRealizedPnL = 0
	g.state.UpdatedAt = now
	return true
}

// persist writes a snapshot. Failures are logged and the in-memory state stays authoritative.
func (g *RiskGateway) persist(ctx context.Context) {
	if g.store == nil {
		return
	}
	g.persistMu.Lock()
	defer g.persistMu.Unlock()

	g.mu.Lock()
	snap := g.state.Clone()
	g.mu.Unlock()

	if err := g.store.Save(ctx, snap); err != nil {
		g.log.Warn("persist risk state failed", logger.Error(err))
	}
}

// Snapshot returns a copy of the global state after applying any pending day roll.
func (g *RiskGateway) Snapshot() models.GlobalRiskState {
	g.mu.Lock()
	rolled := g.rollDayLocked(g.now())
	snap := g.state.Clone()
	g.mu.Unlock()
	if rolled {
		g.persist(context.Background())
	}
	return snap
}

// Stats returns the cached stats of symbol.
func (g *RiskGateway) Stats(symbol string) (models.SymbolRiskStats, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.stats[symbol]
	return st, ok
}

// refreshStats reloads stats from trade history when older than the TTL.
// A failed refresh keeps whatever was cached and reports current=false.
func (g *RiskGateway) refreshStats(ctx context.Context, symbol string) (st models.SymbolRiskStats, current bool) {
	now := g.now()
	g.mu.Lock()
	st, ok := g.stats[symbol]
	g.mu.Unlock()
	if ok && now.Sub(st.LastRefreshed) < g.cfg.KillSwitch.StatsTTL {
		return st, true
	}

	trades, err := g.broker.RecentTradeHistory(ctx, symbol, g.cfg.KillSwitch.Lookback)
	if err != nil {
		g.log.Warn("refresh risk stats failed", logger.String("symbol", symbol), logger.Error(err))
		return st, false
	}
	fresh := models.StatsFromTrades(symbol, trades, now)

	g.mu.Lock()
	g.stats[symbol] = fresh
	g.mu.Unlock()
	return fresh, true
}

// CheckPreScan runs the nine admission gates in order and stops at the first failure.
func (g *RiskGateway) CheckPreScan(ctx context.Context, symbol string, agent models.SymbolAgentState) models.Decision {
	now := g.now()

	// 1. circuit breaker
	if agent.CircuitBreakerOpen || agent.ConsecutiveLosses >= g.cfg.CircuitBreakerLosses {
		return models.Deny(models.ReasonCircuitBreaker, fmt.Sprintf("%d consecutive losses", agent.ConsecutiveLosses))
	}

	// 2. daily trade cap
	g.mu.Lock()
	rolled := g.rollDayLocked(now)
	count := g.state.DailyTradeCount
	g.mu.Unlock()
	if rolled {
		g.persist(ctx)
	}
	if count >= g.cfg.MaxDailyTrades {
		return models.Deny(models.ReasonDailyTradeCap, fmt.Sprintf("%d/%d trades today", count, g.cfg.MaxDailyTrades))
	}

	// 3 and 4. kill switch and payoff mandate
	if !g.override[symbol] {
		st, current := g.refreshStats(ctx, symbol)
		killed := st.SampleCount >= g.cfg.KillSwitch.MinSamples && st.RecentNetPnL < g.cfg.KillSwitch.LossThreshold
		if current {
			g.setKillSwitch(ctx, symbol, killed)
		} else if g.killSwitchOn(symbol) {
			// history unavailable: the persisted flag stands until stats say otherwise
			return models.Deny(models.ReasonKillSwitch, "kept from persisted state, trade history unavailable")
		}
		if killed {
			return models.Deny(models.ReasonKillSwitch, fmt.Sprintf("net pnl %.2f over %d trades", st.RecentNetPnL, st.SampleCount))
		}
		if st.SampleCount >= g.cfg.Payoff.MinSamples && st.AvgLoss > st.AvgWin*g.cfg.Payoff.Ratio {
			return models.Deny(models.ReasonPayoffMandate, fmt.Sprintf("avg loss %.2f > avg win %.2f x %.2f", st.AvgLoss, st.AvgWin, g.cfg.Payoff.Ratio))
		}
	}

	// 5. daily loss cap
	g.mu.Lock()
	pnl := g.state.DailyRealizedPnL
	last := g.state.LastTradeAt[symbol]
	g.mu.Unlock()
	if -pnl >= g.cfg.MaxDailyLoss {
		return models.Deny(models.ReasonDailyLossCap, fmt.Sprintf("realized %.2f today", pnl))
	}

	// 6. cooldown
	if agent.LastTradeTime.After(last) {
		last = agent.LastTradeTime
	}
	if !last.IsZero() && now.Sub(last) < g.cfg.Cooldown {
		return models.Deny(models.ReasonCooldown, fmt.Sprintf("last trade %s ago", now.Sub(last).Round(time.Second)))
	}

	// 7. spread ceiling
	info, err := g.broker.SymbolInfo(ctx, symbol)
	if err != nil {
		return models.Deny(models.ReasonCollaboratorError, fmt.Sprintf("symbol info: %v", err))
	}
	if ceiling := g.spreadCeiling(symbol); info.SpreadBps() > ceiling {
		return models.Deny(models.ReasonSpreadTooWide, fmt.Sprintf("%.1f bps > %.1f", info.SpreadBps(), ceiling))
	}

	// 8. news blackout
	if g.news != nil {
		if blocked, why := g.news.IsBlackout(ctx, symbol, now); blocked {
			return models.Deny(models.ReasonNewsBlackout, why)
		}
	}

	// 9. session window
	if d := g.checkSession(now); !d.Allowed {
		return d
	}
	return models.Allow()
}

func (g *RiskGateway) killSwitchOn(symbol string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.KillSwitch[symbol]
}

func (g *RiskGateway) setKillSwitch(ctx context.Context, symbol string, on bool) {
	g.mu.Lock()
	changed := g.state.KillSwitch[symbol] != on
	if changed {
		if on {
			g.state.KillSwitch[symbol] = true
		} else {
			delete(g.state.KillSwitch, symbol)
		}
		g.state.UpdatedAt = g.now()
	}
	g.mu.Unlock()
	if changed {
		g.log.Warn("kill switch changed", logger.String("symbol", symbol), logger.Bool("on", on))
		g.persist(ctx)
	}
}

func (g *RiskGateway) spreadCeiling(symbol string) float64 {
	if v, ok := g.cfg.MaxSpreadBps[g.assets(symbol)]; ok {
		return v
	}
	return g.cfg.DefaultMaxSpreadBps
}

func (g *RiskGateway) checkSession(now time.Time) models.Decision {
	s := g.cfg.Session
	if !s.Enabled {
		return models.Allow()
	}
	if s.SkipWeekends && util.IsWeekend(now) {
		return models.Deny(models.ReasonOutsideSession, "weekend")
	}
	if !util.InHourWindow(now, s.StartHour, s.EndHour) {
		return models.Deny(models.ReasonOutsideSession, fmt.Sprintf("hour %d outside %02d-%02d UTC", now.UTC().Hour(), s.StartHour, s.EndHour))
	}
	return models.Allow()
}

// CheckGlobal is the cycle-level gate: session window, daily trade cap and open position cap.
func (g *RiskGateway) CheckGlobal(ctx context.Context, openPositions int) models.Decision {
	now := g.now()
	if d := g.checkSession(now); !d.Allowed {
		return d
	}
	g.mu.Lock()
	rolled := g.rollDayLocked(now)
	count := g.state.DailyTradeCount
	g.mu.Unlock()
	if rolled {
		g.persist(ctx)
	}
	if count >= g.cfg.MaxDailyTrades {
		return models.Deny(models.ReasonDailyTradeCap, fmt.Sprintf("%d/%d trades today", count, g.cfg.MaxDailyTrades))
	}
	if openPositions >= g.cfg.MaxOpenPositions {
		return models.Deny(models.ReasonMaxOpenPositions, fmt.Sprintf("%d open", openPositions))
	}
	return models.Allow()
}

// CheckExecution is the last gate before capital is committed.
func (g *RiskGateway) CheckExecution(_ context.Context, c models.Candidate, open []models.OpenPosition) models.Decision {
	if len(open) >= g.cfg.MaxOpenPositions {
		return models.Deny(models.ReasonMaxOpenPositions, fmt.Sprintf("%d/%d open", len(open), g.cfg.MaxOpenPositions))
	}
	if group, n := g.correlatedExposure(c.Symbol, c.Direction, open); n >= g.cfg.Correlation.MaxGroupExposure {
		return models.Deny(models.ReasonCorrelationConflict, fmt.Sprintf("group %s already has %d same-way positions", group, n))
	}

	cost := c.SpreadCost + g.cfg.Commission[g.assets(c.Symbol)]
	net := c.TargetDistance - cost
	if !models.MeetsRewardRisk(net, c.StopDistance, g.cfg.MinRewardRisk) {
		return models.Deny(models.ReasonNetRewardRisk, fmt.Sprintf("net reward %.5g / stop %.5g < %.2f", net, c.StopDistance, g.cfg.MinRewardRisk))
	}
	return models.Allow()
}

// correlatedExposure returns the worst group for symbol and how many open positions in it
// point the same effective way. A member weight of -1 flips the direction.
func (g *RiskGateway) correlatedExposure(symbol string, d models.Direction, open []models.OpenPosition) (string, int) {
	var worst string
	var most int
	for _, grp := range g.cfg.Correlation.Groups {
		w, ok := grp.Members[symbol]
		if !ok {
			continue
		}
		want := d.Sign() * w
		n := 0
		for _, p := range open {
			if pw, in := grp.Members[p.Symbol]; in && p.Direction.Sign()*pw == want {
				n++
			}
		}
		if n > most || worst == "" {
			worst, most = grp.Name, n
		}
	}
	return worst, most
}

// CalculatePositionSize converts a risk budget into a broker volume.
// Never exceeds max_risk_percent of equity at the given stop distance.
func (g *RiskGateway) CalculatePositionSize(ctx context.Context, symbol string, stopDistance, confluence float64) (float64, float64, error) {
	if stopDistance <= 0 || math.IsNaN(stopDistance) {
		return 0, 0, ErrInvalidStop
	}
	acct, err := g.broker.AccountInfo(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("account info: %w", err)
	}
	if acct.Equity <= 0 {
		return 0, 0, ErrNoEquity
	}
	info, err := g.broker.SymbolInfo(ctx, symbol)
	if err != nil {
		return 0, 0, fmt.Errorf("symbol info: %w", err)
	}

	riskPct := g.riskPercent(symbol, confluence)
	contract := info.ContractSize
	if contract <= 0 {
		contract = 1
	}
	raw := acct.Equity * riskPct / 100 / (stopDistance * contract)
	vol := roundDownToStep(raw, info.VolumeStep)
	if info.VolumeMax > 0 && vol > info.VolumeMax {
		vol = roundDownToStep(info.VolumeMax, info.VolumeStep)
	}
	if vol <= 0 || vol < info.VolumeMin {
		return 0, riskPct, fmt.Errorf("%w: %.6f < %.6f", ErrSizeBelowMinimum, raw, info.VolumeMin)
	}
	return vol, riskPct, nil
}

// riskPercent picks fractional Kelly when enough history exists, else the confluence tier.
func (g *RiskGateway) riskPercent(symbol string, confluence float64) float64 {
	sz := g.cfg.Sizing
	g.mu.Lock()
	st, ok := g.stats[symbol]
	g.mu.Unlock()

	var pct float64
	if ok && st.SampleCount >= sz.KellyMinSamples && st.AvgLoss > 0 && st.AvgWin > 0 {
		payoff := st.AvgWin / st.AvgLoss
		kelly := st.WinRate - (1-st.WinRate)/payoff
		pct = kelly * sz.KellyFraction * 100
		if pct < sz.MinRiskPercent {
			pct = sz.MinRiskPercent
		}
	} else {
		pct = tierPercent(sz.Tiers, confluence)
	}
	if pct > sz.MaxRiskPercent {
		pct = sz.MaxRiskPercent
	}
	if g.highVol[symbol] {
		pct *= sz.HighVolMultiplier
	}
	return pct
}

func tierPercent(tiers []config.RiskTier, confluence float64) float64 {
	sorted := append([]config.RiskTier(nil), tiers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinConfluence > sorted[j].MinConfluence })
	for _, t := range sorted {
		if confluence >= t.MinConfluence {
			return t.RiskPercent
		}
	}
	return 0
}

func roundDownToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	d := decimal.NewFromFloat(v)
	s := decimal.NewFromFloat(step)
	out, _ := d.Div(s).Floor().Mul(s).Float64()
	return out
}

// RecordTrade counts an executed order against the daily cap and starts the symbol's cooldown.
func (g *RiskGateway) RecordTrade(ctx context.Context, symbol string) {
	now := g.now()
	g.mu.Lock()
	g.rollDayLocked(now)
	g.state.DailyTradeCount++
	g.state.LastTradeAt[symbol] = now
	g.state.UpdatedAt = now
	g.mu.Unlock()
	g.persist(ctx)
}

// RecordRealizedPnL adds a closed trade's result to the daily loss tally and invalidates
// the symbol's cached stats.
func (g *RiskGateway) RecordRealizedPnL(ctx context.Context, symbol string, pnl float64) {
	now := g.now()
	g.mu.Lock()
	g.rollDayLocked(now)
	g.state.DailyRealizedPnL += pnl
	g.state.UpdatedAt = now
	delete(g.stats, symbol)
	g.mu.Unlock()
	g.persist(ctx)
}
