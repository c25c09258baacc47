package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"FinGate/internal/domain/models"
	domrepo "FinGate/internal/domain/repository"
	domsvc "FinGate/internal/domain/service"
	"FinGate/internal/services/features"
	"FinGate/pkg/config"
	"FinGate/pkg/logger"
	"FinGate/pkg/util"

	"github.com/google/uuid"
)

// Transitions named on PositionAction.
const (
	TransitionBreakeven  = "breakeven"
	TransitionTrailing   = "trailing"
	TransitionPartial    = "partial"
	TransitionRegimeExit = "regime_exit"
)

// positionTracker is what the agent remembers about a position the broker does not store.
type positionTracker struct {
	initialStop      float64
	breakevenApplied bool
	partialApplied   bool

	// lastStop is the tightest stop we sent; the broker may lag a cycle behind.
	lastStop float64
}

// SymbolAgent runs the scan pipeline and position management for one symbol.
// Its state is only written from its own methods; the orchestrator never runs
// Scan and ManageActivePositions for the same agent at the same time.
type SymbolAgent struct {
	symbol  string
	cfg     config.AgentConfig
	minRR   float64
	breaker int
	bars    domrepo.BarSource
	scorer  domsvc.Scorer
	regime  domsvc.RegimeClassifier
	broker  domrepo.Broker
	risk    *RiskGateway
	log     *logger.Logger
	now     func() time.Time

	busy     atomic.Bool
	managing atomic.Bool

	mu         sync.Mutex
	state      models.SymbolAgentState
	trackers   map[string]*positionTracker
	lastRegime models.RegimeResult
}

func NewSymbolAgent(symbol string, cfg *config.Config, bars domrepo.BarSource, scorer domsvc.Scorer, regime domsvc.RegimeClassifier, broker domrepo.Broker, risk *RiskGateway, l *logger.Logger) *SymbolAgent {
	if l == nil {
		l = logger.Nop()
	}
	return &SymbolAgent{
		symbol:   symbol,
		cfg:      cfg.Agent,
		minRR:    cfg.Risk.MinRewardRisk,
		breaker:  cfg.Risk.CircuitBreakerLosses,
		bars:     bars,
		scorer:   scorer,
		regime:   regime,
		broker:   broker,
		risk:     risk,
		log:      l.With(logger.String("symbol", symbol)),
		now:      time.Now,
		state:    models.SymbolAgentState{Symbol: symbol},
		trackers: make(map[string]*positionTracker),
	}
}

func (a *SymbolAgent) Symbol() string { return a.symbol }

// State returns a copy of the agent's state.
func (a *SymbolAgent) State() models.SymbolAgentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// LastRegime is the regime seen by the most recent scan.
func (a *SymbolAgent) LastRegime() models.RegimeResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastRegime
}

func (a *SymbolAgent) reject(start time.Time, r *models.Rejection, err error) models.ScanOutcome {
	out := models.ScanOutcome{Symbol: a.symbol, Rejection: r, Duration: a.now().Sub(start)}
	if err != nil {
		out.Err = err.Error()
	}
	return out
}

// collaboratorRejection classifies an infrastructure error.
func collaboratorRejection(ctx context.Context, what string, err error) *models.Rejection {
	switch {
	case errors.Is(err, domsvc.ErrInsufficientData):
		return models.Reject(models.ReasonInsufficientData, "%s", what)
	case errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil:
		return models.Reject(models.ReasonTimeout, "%s", what)
	default:
		return models.Reject(models.ReasonCollaboratorError, "%s", what)
	}
}

// Scan produces a candidate or a typed rejection. Only infrastructure errors are
// reported through Err; business rejections never carry one.
func (a *SymbolAgent) Scan(ctx context.Context) models.ScanOutcome {
	start := a.now()
	if !a.busy.CompareAndSwap(false, true) {
		return a.reject(start, models.Reject(models.ReasonAgentBusy, "previous scan still running"), nil)
	}
	defer a.busy.Store(false)

	a.mu.Lock()
	a.state.LastScanTime = start
	a.coolOffLocked(start)
	snap := a.state
	a.mu.Unlock()

	if d := a.risk.CheckPreScan(ctx, a.symbol, snap); !d.Allowed {
		return a.reject(start, d.Rejection(), nil)
	}

	tf := domrepo.NormalizeTimeframe(a.cfg.Timeframe)
	bars, err := a.bars.FetchBars(ctx, a.symbol, tf, a.cfg.Bars)
	if err != nil {
		return a.reject(start, collaboratorRejection(ctx, "bars", err), err)
	}
	if len(bars) < a.cfg.MinBars {
		return a.reject(start, models.Reject(models.ReasonInsufficientData, "%d/%d bars", len(bars), a.cfg.MinBars), nil)
	}

	var htf []models.Candle
	if a.cfg.HTFEnabled {
		htf, err = a.bars.FetchBars(ctx, a.symbol, domrepo.NormalizeTimeframe(a.cfg.HTFTimeframe), a.cfg.HTFBars)
		if err != nil {
			a.log.Warn("htf bars unavailable", logger.Error(err))
			htf = nil
		}
	}

	fs := features.BuildFeatureSet(a.symbol, string(tf), bars, htf, a.cfg.ATRPeriod)
	score, err := a.scorer.Score(ctx, a.symbol, fs)
	if err != nil {
		return a.reject(start, collaboratorRejection(ctx, "score", err), err)
	}
	regime, err := a.regime.Classify(ctx, a.symbol, fs)
	if err != nil {
		return a.reject(start, collaboratorRejection(ctx, "regime", err), err)
	}
	a.mu.Lock()
	a.lastRegime = regime
	a.mu.Unlock()

	atr := a.volatility(bars, start)
	if atr <= 0 {
		return a.reject(start, models.Reject(models.ReasonInsufficientData, "atr unavailable"), nil)
	}

	var structure features.StructureSignal
	if a.cfg.Secondary.Enabled {
		structure = features.DetectStructure(bars, a.cfg.Secondary.BreakoutLookback, a.cfg.Secondary.EMAFast, a.cfg.Secondary.EMASlow)
	}
	htfDir := models.Neutral
	if len(htf) > 0 {
		htfDir = features.TrendDirection(features.Closes(htf), 20, 5)
	}

	dir := score.Direction
	prob := score.Probability
	conf, details := confluence(dir, score, regime, htfDir, structure)
	secondary := false

	if !dir.IsTradable() || prob < a.cfg.MinProbability || conf < a.cfg.MinConfluence {
		if !structure.Qualifies() {
			if !dir.IsTradable() {
				return a.reject(start, models.Reject(models.ReasonNoSignal, "scorer called %s", dir), nil)
			}
			if prob < a.cfg.MinProbability {
				return a.reject(start, models.Reject(models.ReasonLowProbability, "%.3f < %.3f", prob, a.cfg.MinProbability), nil)
			}
			return a.reject(start, models.Reject(models.ReasonLowConfluence, "%.3f < %.3f", conf, a.cfg.MinConfluence), nil)
		}
		dir = structure.Direction
		secondary = true
		prob = alignedProbability(score, dir)
		conf, details = confluence(dir, score, regime, htfDir, structure)
		if conf < a.cfg.Secondary.Confluence {
			return a.reject(start, models.Reject(models.ReasonWeakSecondary, "structure confluence %.3f < %.3f", conf, a.cfg.Secondary.Confluence), nil)
		}
	}

	if regime.Against(dir, a.cfg.RegimeConflictConfidence) {
		return a.reject(start, models.Reject(models.ReasonRegimeConflict, "%s bias %s (%.2f)", regime.Tag, regime.Bias, regime.Confidence), nil)
	}
	if htfDir.IsTradable() && htfDir != dir {
		return a.reject(start, models.Reject(models.ReasonHTFConflict, "%s trend is %s", a.cfg.HTFTimeframe, htfDir), nil)
	}

	info, err := a.broker.SymbolInfo(ctx, a.symbol)
	if err != nil {
		return a.reject(start, collaboratorRejection(ctx, "symbol info", err), err)
	}
	stop := atr * a.cfg.StopATRMultiplier
	target := atr * a.cfg.TargetATRMultiplier
	spread := info.Spread()
	if !models.MeetsRewardRisk(target-spread, stop, a.minRR) {
		return a.reject(start, models.Reject(models.ReasonRewardRisk, "(%.5g-%.5g)/%.5g below %.2f", target, spread, stop, a.minRR), nil)
	}

	if secondary {
		if ratio := spread / target; ratio > a.cfg.Secondary.MaxSpreadToTarget {
			return a.reject(start, models.Reject(models.ReasonWeakSecondary, "spread/target %.3f", ratio), nil)
		}
		if !util.InHourWindow(start, a.cfg.Secondary.LiquidStartHour, a.cfg.Secondary.LiquidEndHour) {
			return a.reject(start, models.Reject(models.ReasonIlliquidHours, "hour %d", start.UTC().Hour()), nil)
		}
	}

	entry := info.Ask
	if dir == models.Short {
		entry = info.Bid
	}
	for k, v := range score.Details {
		details["score_"+k] = v
	}
	c := models.Candidate{
		ID:                uuid.NewString(),
		Symbol:            a.symbol,
		Direction:         dir,
		Score:             score.Score,
		Probability:       prob,
		Confluence:        conf,
		EntryEstimate:     entry,
		StopDistance:      stop,
		TargetDistance:    target,
		SpreadCost:        spread,
		RegimeTag:         regime.Tag,
		RegimeConfidence:  regime.Confidence,
		Secondary:         secondary,
		ConfluenceDetails: details,
		CreatedAt:         start,
	}
	if secondary && score.Direction != dir {
		c.Score = 0
	}
	if err := c.Validate(a.minRR); err != nil {
		return a.reject(start, models.Reject(models.ReasonInvalidCandidate, "%v", err), err)
	}

	return models.ScanOutcome{Symbol: a.symbol, Candidate: &c, Duration: a.now().Sub(start)}
}

// volatility returns ATR, reusing the cached sample while it is fresh.
func (a *SymbolAgent) volatility(bars []models.Candle, now time.Time) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if bars == nil && a.state.CachedVolatility.Fresh(now, a.cfg.VolatilityTTL) {
		return a.state.CachedVolatility.Value
	}
	atr := features.ATR(bars, a.cfg.ATRPeriod)
	if atr > 0 {
		a.state.CachedVolatility = models.VolatilitySample{Value: atr, At: now}
	}
	return atr
}

// coolOffLocked closes an open circuit breaker once the reset period has passed.
func (a *SymbolAgent) coolOffLocked(now time.Time) {
	if !a.state.CircuitBreakerOpen || a.cfg.CircuitBreakerReset <= 0 {
		return
	}
	if now.Sub(a.state.CircuitOpenedAt) >= a.cfg.CircuitBreakerReset {
		a.log.Info("circuit breaker reset", logger.Int("losses", a.state.ConsecutiveLosses))
		a.state.CircuitBreakerOpen = false
		a.state.ConsecutiveLosses = 0
		a.state.CircuitOpenedAt = time.Time{}
	}
}

func alignedProbability(s models.ScoreResult, d models.Direction) float64 {
	if !s.Direction.IsTradable() {
		return 0.5
	}
	if s.Direction == d {
		return s.Probability
	}
	return 1 - s.Probability
}

// confluence blends every signal source into [0,1] for direction d.
func confluence(d models.Direction, s models.ScoreResult, r models.RegimeResult, htf models.Direction, st features.StructureSignal) (float64, map[string]float64) {
	agree := func(other models.Direction) float64 {
		switch {
		case !other.IsTradable():
			return 0.5
		case other == d:
			return 1
		default:
			return 0
		}
	}
	scoreC := 0.0
	if s.Direction == d {
		scoreC = s.Score
	}
	regimeC := 0.5
	if r.Bias.IsTradable() {
		regimeC = 0.5 + float64(r.Bias.Sign()*d.Sign())*r.Confidence/2
	}
	parts := map[string]float64{
		"probability": alignedProbability(s, d),
		"score":       scoreC,
		"regime":      regimeC,
		"htf":         agree(htf),
		"structure":   agree(st.Direction),
	}
	total := 0.35*parts["probability"] + 0.20*parts["score"] + 0.15*parts["regime"] + 0.15*parts["htf"] + 0.15*parts["structure"]
	total = math.Max(0, math.Min(1, total))
	return total, parts
}

// ManageActivePositions walks this symbol's open positions through the
// breakeven, trailing and partial transitions. Regime exits override everything.
func (a *SymbolAgent) ManageActivePositions(ctx context.Context, open []models.OpenPosition) []models.PositionAction {
	mine := make([]models.OpenPosition, 0, len(open))
	for _, p := range open {
		if p.Symbol == a.symbol {
			mine = append(mine, p)
		}
	}
	if len(mine) == 0 {
		return nil
	}

	now := a.now()
	var atr float64
	var regime *models.RegimeResult
	bars, err := a.bars.FetchBars(ctx, a.symbol, domrepo.NormalizeTimeframe(a.cfg.Timeframe), a.cfg.Bars)
	if err != nil {
		a.log.Warn("manage: bars unavailable", logger.Error(err))
		atr = a.volatility(nil, now)
	} else {
		atr = a.volatility(bars, now)
		fs := features.BuildFeatureSet(a.symbol, a.cfg.Timeframe, bars, nil, a.cfg.ATRPeriod)
		if r, err := a.regime.Classify(ctx, a.symbol, fs); err != nil {
			a.log.Warn("manage: regime unavailable", logger.Error(err))
		} else {
			regime = &r
		}
	}

	var actions []models.PositionAction
	for _, p := range mine {
		acts, err := a.managePosition(p, atr, regime)
		if err != nil {
			a.log.Error("manage position failed", logger.String("position_id", p.ID), logger.Error(err))
			continue
		}
		actions = append(actions, acts...)
	}
	return actions
}

// trackerFor returns the tracker of p, creating one from the position when the agent
// did not open it itself (for instance after a restart).
func (a *SymbolAgent) trackerFor(p models.OpenPosition, atr float64) (*positionTracker, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.trackers[p.ID]; ok {
		return t, nil
	}
	sign := float64(p.Direction.Sign())
	t := &positionTracker{lastStop: p.CurrentStop}
	if dist := sign * (p.EntryPrice - p.CurrentStop); p.CurrentStop > 0 && dist > 0 {
		t.initialStop = dist
	} else {
		// stop already at or beyond entry
		t.breakevenApplied = p.CurrentStop > 0
		t.initialStop = atr * a.cfg.StopATRMultiplier
	}
	if t.initialStop <= 0 {
		return nil, fmt.Errorf("unknown initial stop for %s", p.ID)
	}
	a.trackers[p.ID] = t
	return t, nil
}

func (a *SymbolAgent) managePosition(p models.OpenPosition, atr float64, regime *models.RegimeResult) ([]models.PositionAction, error) {
	if !p.Direction.IsTradable() {
		return nil, fmt.Errorf("direction %q", p.Direction)
	}
	t, err := a.trackerFor(p, atr)
	if err != nil {
		return nil, err
	}
	m := a.cfg.Management

	if regime != nil && regime.Against(p.Direction, m.RegimeExitConfidence) {
		return []models.PositionAction{{
			Kind:       models.ActionClose,
			PositionID: p.ID,
			Symbol:     p.Symbol,
			Transition: TransitionRegimeExit,
			Reason:     fmt.Sprintf("%s bias %s (%.2f)", regime.Tag, regime.Bias, regime.Confidence),
		}}, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	sign := float64(p.Direction.Sign())
	r := p.FavorableExcursion() / t.initialStop
	stop := p.CurrentStop
	if t.lastStop != 0 && (stop == 0 || sign*(t.lastStop-stop) > 0) {
		stop = t.lastStop
	}
	held := p
	held.CurrentStop = stop

	var actions []models.PositionAction
	newStop, transition, breakeven := 0.0, "", false

	if r >= m.BreakevenR && !t.breakevenApplied {
		be := p.EntryPrice + sign*m.BreakevenOffsetR*t.initialStop
		t.breakevenApplied = true
		if held.Tightens(be) {
			newStop, transition, breakeven = be, TransitionBreakeven, true
		}
	}
	if r >= m.TrailingActivationR && atr > 0 {
		trail := p.CurrentPrice - sign*atr*m.TrailingATRMultiplier
		ref := stop
		if newStop != 0 {
			ref = newStop
		}
		if ref == 0 || sign*(trail-ref) > m.MinTrailDeltaR*t.initialStop {
			newStop, transition = trail, TransitionTrailing
		}
	}
	if newStop != 0 {
		t.lastStop = newStop
		actions = append(actions, models.PositionAction{
			Kind:       models.ActionModify,
			PositionID: p.ID,
			Symbol:     p.Symbol,
			NewStop:    newStop,
			NewTarget:  p.CurrentTarget,
			Transition: transition,
			Breakeven:  breakeven,
			Reason:     fmt.Sprintf("R=%.2f", r),
		})
	}
	if r >= m.PartialR && !t.partialApplied {
		t.partialApplied = true
		actions = append(actions, models.PositionAction{
			Kind:       models.ActionPartialClose,
			PositionID: p.ID,
			Symbol:     p.Symbol,
			Fraction:   m.PartialFraction,
			Transition: TransitionPartial,
			Reason:     fmt.Sprintf("R=%.2f", r),
		})
	}
	return actions, nil
}

// ActionFailed rolls back the tracker flags of an action the broker refused,
// so the transition is retried next cycle.
func (a *SymbolAgent) ActionFailed(act models.PositionAction) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.trackers[act.PositionID]
	if !ok {
		return
	}
	switch act.Transition {
	case TransitionBreakeven, TransitionTrailing:
		t.lastStop = 0
	case TransitionPartial:
		t.partialApplied = false
	}
	if act.Breakeven {
		t.breakevenApplied = false
	}
}

// Annotate copies tracker flags onto positions owned by this agent.
func (a *SymbolAgent) Annotate(open []models.OpenPosition) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range open {
		if t, ok := a.trackers[open[i].ID]; ok {
			open[i].BreakevenApplied = t.breakevenApplied
			open[i].PartialApplied = t.partialApplied
		}
	}
}

// OnTradeExecuted starts tracking a freshly filled position.
func (a *SymbolAgent) OnTradeExecuted(res models.OrderResult, c models.Candidate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state.LastTradeTime = res.FilledAt
	if a.state.LastTradeTime.IsZero() {
		a.state.LastTradeTime = a.now()
	}
	stop := res.FillPrice - float64(res.Direction.Sign())*c.StopDistance
	a.trackers[res.PositionID] = &positionTracker{initialStop: c.StopDistance, lastStop: stop}
}

// DetectClosed finds tracked positions that are no longer open and settles them
// from the broker's trade history. Positions whose history is not visible yet are
// retried on the next call.
func (a *SymbolAgent) DetectClosed(ctx context.Context, open []models.OpenPosition, lookback time.Duration) ([]models.ClosedTrade, error) {
	live := make(map[string]bool, len(open))
	for _, p := range open {
		live[p.ID] = true
	}
	a.mu.Lock()
	var gone []string
	for id := range a.trackers {
		if !live[id] {
			gone = append(gone, id)
		}
	}
	a.mu.Unlock()
	if len(gone) == 0 {
		return nil, nil
	}

	hist, err := a.broker.RecentTradeHistory(ctx, a.symbol, lookback)
	if err != nil {
		return nil, fmt.Errorf("trade history: %w", err)
	}
	byID := make(map[string]models.ClosedTrade)
	for _, t := range models.MergeFills(hist) {
		byID[t.PositionID] = t
	}

	var closed []models.ClosedTrade
	for _, id := range gone {
		trade, ok := byID[id]
		if !ok {
			continue
		}
		a.OnPositionClosed(trade)
		a.risk.RecordRealizedPnL(ctx, a.symbol, trade.PnL)
		a.mu.Lock()
		delete(a.trackers, id)
		a.mu.Unlock()
		closed = append(closed, trade)
	}
	return closed, nil
}

// OnPositionClosed updates loss streak and P&L, opening the circuit breaker at the threshold.
func (a *SymbolAgent) OnPositionClosed(t models.ClosedTrade) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state.CumulativePnL += t.PnL
	if t.Win() {
		a.state.ConsecutiveLosses = 0
	} else if t.PnL < 0 {
		a.state.ConsecutiveLosses++
	}
	if a.state.ConsecutiveLosses >= a.breaker && !a.state.CircuitBreakerOpen {
		a.state.CircuitBreakerOpen = true
		a.state.CircuitOpenedAt = a.now()
		a.log.Warn("circuit breaker opened", logger.Int("losses", a.state.ConsecutiveLosses))
	}
}
