package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"FinGate/internal/domain/models"
	domrepo "FinGate/internal/domain/repository"
	domsvc "FinGate/internal/domain/service"
	"FinGate/pkg/config"
	"FinGate/pkg/logger"

	"github.com/google/uuid"
)

// Execution rules recorded on ExecutedTrade.
const (
	RuleDirect         = "direct"
	RuleDebateAgrees   = "debate_agrees"
	RuleHighConviction = "high_conviction"
	RulePermissive     = "permissive"
)

// ScanOrchestrator drives one control-loop cycle at a time: manage open positions,
// gate globally, scan every symbol concurrently, then place at most one order.
type ScanOrchestrator struct {
	cfg     config.TradingConfig
	debate  config.DebateConfig
	agents  []*SymbolAgent
	risk    *RiskGateway
	broker  domrepo.Broker
	debater domsvc.Debater
	critic  domsvc.Critic
	sink    domrepo.EventSink
	metrics domrepo.Metrics
	log     *logger.Logger
	now     func() time.Time

	criticRunning atomic.Bool
	criticWG      sync.WaitGroup

	mu            sync.Mutex
	history       []models.ScanCycleSummary
	pendingReview []models.ClosedTrade
	lastCritic    time.Time
}

func NewScanOrchestrator(cfg *config.Config, agents []*SymbolAgent, risk *RiskGateway, broker domrepo.Broker, debater domsvc.Debater, critic domsvc.Critic, sink domrepo.EventSink, metrics domrepo.Metrics, l *logger.Logger) *ScanOrchestrator {
	if l == nil {
		l = logger.Nop()
	}
	if !cfg.Debate.Enabled {
		debater = nil
	}
	return &ScanOrchestrator{
		cfg:     cfg.Trading,
		debate:  cfg.Debate,
		agents:  agents,
		risk:    risk,
		broker:  broker,
		debater: debater,
		critic:  critic,
		sink:    sink,
		metrics: metrics,
		log:     l,
		now:     time.Now,
	}
}

// Agents returns the managed agents in configuration order.
func (o *ScanOrchestrator) Agents() []*SymbolAgent { return o.agents }

// Status returns a snapshot of every agent in configuration order.
func (o *ScanOrchestrator) Status() []models.AgentStatus {
	out := make([]models.AgentStatus, 0, len(o.agents))
	for _, a := range o.agents {
		out = append(out, models.AgentStatus{State: a.State(), Regime: a.LastRegime()})
	}
	return out
}

// Run executes cycles until ctx is cancelled, sleeping the remainder of the cadence after each.
func (o *ScanOrchestrator) Run(ctx context.Context) error {
	o.log.Info("orchestrator started",
		logger.Int("symbols", len(o.agents)),
		logger.Duration("cadence", o.cfg.Cadence),
	)
	for {
		summary := o.RunCycle(ctx)
		if ctx.Err() != nil {
			o.criticWG.Wait()
			return nil
		}
		wait := o.cfg.Cadence - summary.Duration
		if wait < 0 {
			o.log.Warn("cycle overran cadence", logger.Duration("duration", summary.Duration))
			wait = 0
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			o.criticWG.Wait()
			return nil
		case <-t.C:
		}
	}
}

// RunCycle runs one full cycle and always returns a summary, partial failures included.
func (o *ScanOrchestrator) RunCycle(ctx context.Context) (s models.ScanCycleSummary) {
	start := o.now()
	s = models.ScanCycleSummary{
		ID:        uuid.NewString(),
		Timestamp: start,
		Outcomes:  make(map[string]models.ScanOutcome, len(o.agents)),
	}
	o.sink.Emit(models.EventScanStart, map[string]interface{}{"cycle_id": s.ID, "symbols": len(o.agents)})
	defer func() {
		s.Duration = o.now().Sub(start)
		accepted, rejected := s.Counts()
		o.metrics.RecordCycle(s.Duration, accepted, rejected, s.Degraded)
		o.sink.Emit(models.EventCycleSummary, s)
		o.remember(s)
		o.log.Info("cycle done",
			logger.String("cycle_id", s.ID),
			logger.Int("accepted", accepted),
			logger.Int("rejected", rejected),
			logger.Bool("executed", s.Executed != nil),
			logger.Bool("degraded", s.Degraded),
			logger.Duration("duration", s.Duration),
		)
	}()

	open, err := o.broker.OpenPositions(ctx)
	if err != nil {
		o.degrade(&s, "open positions", err)
		s.GlobalBlock = models.Reject(models.ReasonCollaboratorError, "open positions unavailable")
		return s
	}

	o.manage(ctx, &s, open)
	o.maybeReview()

	// positions may have been closed by management
	if len(s.Actions) > 0 {
		if fresh, err := o.broker.OpenPositions(ctx); err == nil {
			open = fresh
		} else {
			o.degrade(&s, "open positions refresh", err)
		}
	}
	s.Positions = o.annotate(open)

	if d := o.risk.CheckGlobal(ctx, len(open)); !d.Allowed {
		s.GlobalBlock = d.Rejection()
		o.metrics.RecordRejection(string(d.Reason))
		return s
	}

	o.scan(ctx, &s)

	candidates := o.filter(ctx, &s, open)
	if len(candidates) == 0 {
		return s
	}
	rank(candidates)
	o.execute(ctx, &s, candidates[0])
	return s
}

func (o *ScanOrchestrator) degrade(s *models.ScanCycleSummary, what string, err error) {
	s.Degraded = true
	s.Errors = append(s.Errors, fmt.Sprintf("%s: %v", what, err))
	o.metrics.RecordError(what)
	o.log.Warn("cycle degraded", logger.String("step", what), logger.Error(err))
}

// fanOut runs fn for every agent under its own timeout and collects results for at
// most timeout+grace. Tasks still running at the deadline are reported missing in
// done and finish in the background. A panic in one task is recovered through onPanic.
func fanOut[T any](ctx context.Context, agents []*SymbolAgent, timeout, grace time.Duration, fn func(context.Context, *SymbolAgent) T, onPanic func(*SymbolAgent, interface{}) T) (results []T, done []bool) {
	type result struct {
		i int
		v T
	}
	ch := make(chan result, len(agents))
	for i, a := range agents {
		go func(i int, a *SymbolAgent) {
			var v T
			defer func() {
				if r := recover(); r != nil {
					v = onPanic(a, r)
				}
				ch <- result{i: i, v: v}
			}()
			tctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			v = fn(tctx, a)
		}(i, a)
	}

	results = make([]T, len(agents))
	done = make([]bool, len(agents))
	deadline := time.NewTimer(timeout + grace)
	defer deadline.Stop()
	for n := 0; n < len(agents); n++ {
		select {
		case r := <-ch:
			results[r.i], done[r.i] = r.v, true
		case <-deadline.C:
			return results, done
		}
	}
	return results, done
}

// annotate returns a copy of open with each agent's management flags filled in.
// Abandoned management tasks may still read open, so it is never written in place.
func (o *ScanOrchestrator) annotate(open []models.OpenPosition) []models.OpenPosition {
	if len(open) == 0 {
		return nil
	}
	out := append([]models.OpenPosition(nil), open...)
	for _, a := range o.agents {
		a.Annotate(out)
	}
	return out
}

var errManageBusy = errors.New("previous position management still running")

type manageResult struct {
	closed  []models.ClosedTrade
	actions []models.ActionResult
	err     error
}

func (o *ScanOrchestrator) manage(ctx context.Context, s *models.ScanCycleSummary, open []models.OpenPosition) {
	results, done := fanOut(ctx, o.agents, o.cfg.ManageTimeout, o.cfg.JoinGrace, func(ctx context.Context, a *SymbolAgent) manageResult {
		// a pass left over from an earlier cycle still owns this agent's positions
		if !a.managing.CompareAndSwap(false, true) {
			return manageResult{err: errManageBusy}
		}
		defer a.managing.Store(false)

		var r manageResult
		r.closed, r.err = a.DetectClosed(ctx, open, o.cfg.HistoryLookback)
		for _, act := range a.ManageActivePositions(ctx, open) {
			r.actions = append(r.actions, o.apply(ctx, a, act))
		}
		return r
	}, func(_ *SymbolAgent, r interface{}) manageResult {
		return manageResult{err: fmt.Errorf("panic: %v", r)}
	})
	for i := range results {
		if !done[i] {
			results[i].err = fmt.Errorf("no result within %s", o.cfg.ManageTimeout+o.cfg.JoinGrace)
		}
	}

	for i, r := range results {
		if r.err != nil {
			o.degrade(s, "manage "+o.agents[i].Symbol(), r.err)
		}
		for _, t := range r.closed {
			o.sink.Emit(models.EventPositionClosed, t)
		}
		s.Closed = append(s.Closed, r.closed...)
		s.Actions = append(s.Actions, r.actions...)
	}

	if len(s.Closed) > 0 {
		o.mu.Lock()
		o.pendingReview = append(o.pendingReview, s.Closed...)
		o.mu.Unlock()
	}
}

// apply sends one action to the broker. Failures roll back the agent's flags.
func (o *ScanOrchestrator) apply(ctx context.Context, a *SymbolAgent, act models.PositionAction) models.ActionResult {
	var err error
	switch act.Kind {
	case models.ActionModify:
		err = o.broker.ModifyPosition(ctx, act.PositionID, act.NewStop, act.NewTarget)
	case models.ActionPartialClose:
		err = o.broker.PartialClose(ctx, act.PositionID, act.Fraction)
	case models.ActionClose:
		err = o.broker.ClosePosition(ctx, act.PositionID)
	default:
		err = fmt.Errorf("unknown action %q", act.Kind)
	}

	res := models.ActionResult{Action: act}
	result := "ok"
	if err != nil {
		a.ActionFailed(act)
		res.Err = err.Error()
		result = "error"
		o.log.Error("position action failed",
			logger.String("symbol", act.Symbol),
			logger.String("position_id", act.PositionID),
			logger.String("kind", string(act.Kind)),
			logger.Error(err),
		)
	}
	o.metrics.RecordAction(string(act.Kind), result)
	o.sink.Emit(models.EventPositionAction, res)
	return res
}

func (o *ScanOrchestrator) scan(ctx context.Context, s *models.ScanCycleSummary) {
	outcomes, done := fanOut(ctx, o.agents, o.cfg.ScanTimeout, o.cfg.JoinGrace, func(ctx context.Context, a *SymbolAgent) models.ScanOutcome {
		begin := o.now()
		out := a.Scan(ctx)
		o.metrics.RecordLatency("scan", o.now().Sub(begin).Seconds())
		return out
	}, func(a *SymbolAgent, r interface{}) models.ScanOutcome {
		return models.ScanOutcome{
			Symbol:    a.Symbol(),
			Rejection: models.Reject(models.ReasonCollaboratorError, "scan panicked"),
			Err:       fmt.Sprint(r),
		}
	})
	for i, a := range o.agents {
		if done[i] {
			continue
		}
		// the scan keeps the agent busy until it returns, so later cycles skip it
		wait := o.cfg.ScanTimeout + o.cfg.JoinGrace
		outcomes[i] = models.ScanOutcome{
			Symbol:    a.Symbol(),
			Rejection: models.Reject(models.ReasonTimeout, "scan still running after %s", wait),
			Err:       fmt.Sprintf("scan ignored its %s deadline", o.cfg.ScanTimeout),
		}
		o.log.Error("scan abandoned", logger.String("symbol", a.Symbol()), logger.Duration("waited", wait))
	}

	for _, out := range outcomes {
		if out.Err != "" {
			s.Degraded = true
			s.Errors = append(s.Errors, fmt.Sprintf("%s: %s", out.Symbol, out.Err))
		}
		if out.Rejection != nil {
			o.metrics.RecordRejection(string(out.Rejection.Reason))
			o.sink.Emit(models.EventRejection, out)
		}
		s.Outcomes[out.Symbol] = out
	}
}

// filter runs the execution gate on every candidate, turning blocked ones into rejections.
func (o *ScanOrchestrator) filter(ctx context.Context, s *models.ScanCycleSummary, open []models.OpenPosition) []models.Candidate {
	var out []models.Candidate
	for sym, res := range s.Outcomes {
		if !res.Accepted() {
			continue
		}
		if d := o.risk.CheckExecution(ctx, *res.Candidate, open); !d.Allowed {
			res.Candidate, res.Rejection = nil, d.Rejection()
			s.Outcomes[sym] = res
			o.metrics.RecordRejection(string(d.Reason))
			o.sink.Emit(models.EventRejection, res)
			continue
		}
		out = append(out, *res.Candidate)
	}
	return out
}

// rank orders candidates by score, then probability, then confluence. Symbol breaks ties.
func rank(cs []models.Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Probability != b.Probability {
			return a.Probability > b.Probability
		}
		if a.Confluence != b.Confluence {
			return a.Confluence > b.Confluence
		}
		return a.Symbol < b.Symbol
	})
}

func (o *ScanOrchestrator) agentFor(symbol string) *SymbolAgent {
	for _, a := range o.agents {
		if a.Symbol() == symbol {
			return a
		}
	}
	return nil
}

func (o *ScanOrchestrator) skip(s *models.ScanCycleSummary, r *models.Rejection) {
	s.Skipped = r
	o.metrics.RecordRejection(string(r.Reason))
	o.log.Info("top candidate skipped", logger.String("reason", r.String()))
}

func (o *ScanOrchestrator) execute(ctx context.Context, s *models.ScanCycleSummary, c models.Candidate) {
	agent := o.agentFor(c.Symbol)
	if agent == nil {
		o.skip(s, models.Reject(models.ReasonInvalidCandidate, "no agent for %s", c.Symbol))
		return
	}

	var debate *models.DebateResult
	if o.debater != nil {
		dctx, cancel := context.WithTimeout(ctx, o.debate.Timeout)
		res, err := o.debater.Debate(dctx, c.Symbol, c, agent.LastRegime())
		cancel()
		if err != nil {
			o.degrade(s, "debate", err)
			res = models.NeutralDebate("debate unavailable")
		}
		debate = &res
	}
	rule, ok := decide(c, debate, o.debate)
	if !ok {
		o.skip(s, models.Reject(models.ReasonDebateRejected, "action=%s confidence=%.2f", debate.Action, debate.Confidence))
		return
	}

	if err := c.Validate(0); err != nil {
		o.skip(s, models.Reject(models.ReasonInvalidCandidate, "%v", err))
		return
	}

	ectx, cancel := context.WithTimeout(ctx, o.cfg.ExecuteTimeout)
	defer cancel()

	volume, riskPct, err := o.risk.CalculatePositionSize(ectx, c.Symbol, c.StopDistance, c.Confluence)
	if err != nil {
		o.skip(s, models.Reject(models.ReasonSizing, "%v", err))
		return
	}
	req := models.OrderRequest{
		ClientID:   uuid.NewString(),
		Symbol:     c.Symbol,
		Direction:  c.Direction,
		Volume:     volume,
		StopLoss:   c.StopPrice(),
		TakeProfit: c.TargetPrice(),
		Comment:    "fingate:" + rule,
	}
	res, err := o.broker.PlaceOrder(ectx, req)
	if err != nil {
		o.metrics.RecordOrder(c.Symbol, "error")
		o.degrade(s, "place order", err)
		s.Skipped = models.Reject(models.ReasonCollaboratorError, "order rejected")
		return
	}

	o.risk.RecordTrade(ectx, c.Symbol)
	agent.OnTradeExecuted(res, c)
	o.metrics.RecordOrder(c.Symbol, "filled")

	s.Executed = &models.ExecutedTrade{
		Candidate: c,
		Order:     req,
		Result:    res,
		RiskPct:   riskPct,
		Debate:    debate,
		Rule:      rule,
	}
	o.sink.Emit(models.EventExecution, *s.Executed)
	o.log.Info("order placed",
		logger.String("symbol", c.Symbol),
		logger.String("direction", string(c.Direction)),
		logger.Float64("volume", volume),
		logger.Float64("risk_pct", riskPct),
		logger.String("rule", rule),
		logger.String("position_id", res.PositionID),
	)
}

// decide applies the execution rules in order; the first match wins.
// A nil debate means the debate step is off and the candidate goes straight through.
func decide(c models.Candidate, d *models.DebateResult, cfg config.DebateConfig) (string, bool) {
	if d == nil {
		return RuleDirect, true
	}
	if d.Action == c.Direction && d.Confidence >= cfg.MinConfidence {
		return RuleDebateAgrees, true
	}
	if c.Score >= cfg.HighConvictionScore {
		return RuleHighConviction, true
	}
	if cfg.PermissiveMode && d.Action == models.Neutral && c.Confluence >= cfg.MinimalConfluence {
		return RulePermissive, true
	}
	return "", false
}

// maybeReview ships closed trades to the critic in the background, at most once per interval.
func (o *ScanOrchestrator) maybeReview() {
	if o.critic == nil {
		return
	}
	now := o.now()
	o.mu.Lock()
	due := now.Sub(o.lastCritic) >= o.cfg.CriticInterval && len(o.pendingReview) > 0
	if !due || !o.criticRunning.CompareAndSwap(false, true) {
		o.mu.Unlock()
		return
	}
	batch := o.pendingReview
	o.pendingReview = nil
	o.lastCritic = now
	o.mu.Unlock()

	o.criticWG.Add(1)
	go func() {
		defer o.criticWG.Done()
		defer o.criticRunning.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.CriticInterval)
		defer cancel()
		if err := o.critic.Review(ctx, batch); err != nil {
			o.metrics.RecordError("critic")
			o.log.Warn("critic review failed", logger.Int("trades", len(batch)), logger.Error(err))
		}
	}()
}

func (o *ScanOrchestrator) remember(s models.ScanCycleSummary) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = append(o.history, s)
	if over := len(o.history) - o.cfg.HistorySize; over > 0 {
		o.history = append(o.history[:0:0], o.history[over:]...)
	}
}

// History returns up to limit summaries, newest first.
func (o *ScanOrchestrator) History(limit int) []models.ScanCycleSummary {
	o.mu.Lock()
	defer o.mu.Unlock()
	if limit <= 0 || limit > len(o.history) {
		limit = len(o.history)
	}
	out := make([]models.ScanCycleSummary, 0, limit)
	for i := len(o.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, o.history[i])
	}
	return out
}

// Wait blocks until a background critic review, if any, has finished.
func (o *ScanOrchestrator) Wait() { o.criticWG.Wait() }
