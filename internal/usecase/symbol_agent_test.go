package usecase

import (
	"context"
	"fmt"
	"testing"
	"time"

	"FinGate/internal/domain/models"
	domrepo "FinGate/internal/domain/repository"
	domsvc "FinGate/internal/domain/service"
	"FinGate/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type agentFixture struct {
	cfg    *config.Config
	clk    *clock
	broker *fakeBroker
	bars   *fakeBars
	regime *fakeRegime
	risk   *RiskGateway
	agent  *SymbolAgent
}

func newAgentFixture(t *testing.T, scorer domsvc.Scorer, bars []models.Candle, tweak func(*config.Config)) *agentFixture {
	t.Helper()
	cfg := testConfig(t)
	if tweak != nil {
		tweak(cfg)
	}
	f := &agentFixture{
		cfg:    cfg,
		clk:    newClock(),
		broker: newFakeBroker(),
		bars:   &fakeBars{def: bars},
		regime: neutralRegime(),
	}
	f.risk = newTestGateway(cfg, f.broker, nil, f.clk)
	f.agent = NewSymbolAgent("EURUSD", cfg, f.bars, scorer, f.regime, f.broker, f.risk, nil)
	f.agent.now = f.clk.Now
	return f
}

func (f *agentFixture) scan() models.ScanOutcome {
	return f.agent.Scan(context.Background())
}

func requireRejected(t *testing.T, out models.ScanOutcome, reason models.RejectReason) {
	t.Helper()
	require.Nil(t, out.Candidate, "expected rejection %s", reason)
	require.NotNil(t, out.Rejection)
	assert.Equal(t, reason, out.Rejection.Reason, out.Rejection.String())
}

func TestScanAcceptsTrendCandidate(t *testing.T) {
	f := newAgentFixture(t, fixedScore(models.Long, 0.8, 0.7), trendBars(200), nil)
	out := f.scan()

	require.True(t, out.Accepted(), "%+v", out.Rejection)
	c := out.Candidate
	assert.Equal(t, "EURUSD", c.Symbol)
	assert.Equal(t, models.Long, c.Direction)
	assert.False(t, c.Secondary)
	assert.InDelta(t, 0.00225, c.StopDistance, 1e-7)
	assert.InDelta(t, 0.0045, c.TargetDistance, 1e-7)
	assert.InDelta(t, 0.0002, c.SpreadCost, 1e-9)
	assert.InDelta(t, 1.1001, c.EntryEstimate, 1e-9)
	assert.GreaterOrEqual(t, c.RewardRisk(), f.cfg.Risk.MinRewardRisk)
	assert.GreaterOrEqual(t, c.Confluence, f.cfg.Agent.MinConfluence)
	assert.Contains(t, c.ConfluenceDetails, "structure")
	assert.Empty(t, out.Err)

	st := f.agent.State()
	assert.Equal(t, testNow, st.LastScanTime)
	assert.True(t, st.CachedVolatility.Fresh(testNow, time.Minute))
}

func TestScanRejections(t *testing.T) {
	noHTF := func(c *config.Config) { c.Agent.HTFEnabled = false }
	down := make([]models.Candle, 100)
	for i := range down {
		c := 2.0 - float64(i)*0.001
		down[i] = models.Candle{Open: c, High: c + 0.0005, Low: c - 0.0005, Close: c}
	}

	cases := []struct {
		name   string
		scorer domsvc.Scorer
		bars   []models.Candle
		tweak  func(*config.Config)
		setup  func(*agentFixture)
		reason models.RejectReason
	}{
		{name: "low probability", scorer: fixedScore(models.Long, 0.8, 0.4), bars: rangeBars(200), tweak: noHTF, reason: models.ReasonLowProbability},
		{name: "neutral score", scorer: fixedScore(models.Neutral, 0.3, 0.5), bars: rangeBars(200), tweak: noHTF, reason: models.ReasonNoSignal},
		{name: "low confluence", scorer: fixedScore(models.Long, 0.1, 0.6), bars: rangeBars(200), tweak: noHTF, reason: models.ReasonLowConfluence},
		{name: "not enough bars", scorer: fixedScore(models.Long, 0.8, 0.7), bars: trendBars(10), reason: models.ReasonInsufficientData},
		{
			name: "regime against", scorer: fixedScore(models.Long, 0.8, 0.7), bars: trendBars(200),
			setup: func(f *agentFixture) {
				f.regime.set(models.RegimeResult{Tag: "downtrend", Bias: models.Short, Confidence: 0.9})
			},
			reason: models.ReasonRegimeConflict,
		},
		{
			name: "higher timeframe against", scorer: fixedScore(models.Long, 0.8, 0.7), bars: trendBars(200),
			setup: func(f *agentFixture) {
				f.bars.byTF = map[domrepo.Timeframe][]models.Candle{domrepo.TF1h: down}
			},
			reason: models.ReasonHTFConflict,
		},
		{
			name: "reward to risk after spread", scorer: fixedScore(models.Long, 0.8, 0.7), bars: trendBars(200),
			tweak:  func(c *config.Config) { c.Agent.TargetATRMultiplier = 2.2 },
			reason: models.ReasonRewardRisk,
		},
		{
			name: "pre-scan gate", scorer: fixedScore(models.Long, 0.8, 0.7), bars: trendBars(200),
			setup: func(f *agentFixture) {
				f.risk.state.LastTradeAt["EURUSD"] = testNow.Add(-time.Minute)
			},
			reason: models.ReasonCooldown,
		},
		{
			name: "secondary below its confluence floor", scorer: fixedScore(models.Short, 0.8, 0.4), bars: trendBars(200),
			reason: models.ReasonWeakSecondary,
		},
		{
			name: "secondary outside liquid hours", scorer: fixedScore(models.Long, 0.8, 0.5), bars: trendBars(200),
			tweak:  func(c *config.Config) { c.Agent.Secondary.LiquidEndHour = 11 },
			reason: models.ReasonIlliquidHours,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newAgentFixture(t, tc.scorer, tc.bars, tc.tweak)
			if tc.setup != nil {
				tc.setup(f)
			}
			out := f.scan()
			requireRejected(t, out, tc.reason)
			assert.Empty(t, out.Err, "business rejections carry no error")
		})
	}
}

func TestScanSecondaryCandidate(t *testing.T) {
	f := newAgentFixture(t, fixedScore(models.Long, 0.8, 0.5), trendBars(200), nil)
	out := f.scan()
	require.True(t, out.Accepted(), "%+v", out.Rejection)
	assert.True(t, out.Candidate.Secondary)
	assert.Equal(t, models.Long, out.Candidate.Direction)
}

func TestScanCollaboratorFailures(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		reason models.RejectReason
	}{
		{"insufficient data", fmt.Errorf("score: %w", domsvc.ErrInsufficientData), models.ReasonInsufficientData},
		{"transport", errBoom, models.ReasonCollaboratorError},
		{"deadline", context.DeadlineExceeded, models.ReasonTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			scorer := fakeScorer{fn: func(context.Context, string) (models.ScoreResult, error) {
				return models.ScoreResult{}, tc.err
			}}
			f := newAgentFixture(t, scorer, trendBars(200), nil)
			out := f.scan()
			requireRejected(t, out, tc.reason)
			assert.NotEmpty(t, out.Err)
		})
	}
}

func TestScanBarsFailure(t *testing.T) {
	f := newAgentFixture(t, fixedScore(models.Long, 0.8, 0.7), trendBars(200), nil)
	f.bars.err = map[string]error{"EURUSD": errBoom}
	requireRejected(t, f.scan(), models.ReasonCollaboratorError)
}

func TestScanBusyGuard(t *testing.T) {
	f := newAgentFixture(t, fixedScore(models.Long, 0.8, 0.7), trendBars(200), nil)
	f.agent.busy.Store(true)
	requireRejected(t, f.scan(), models.ReasonAgentBusy)
}

func TestCircuitBreakerOpensAndCoolsOff(t *testing.T) {
	f := newAgentFixture(t, fixedScore(models.Long, 0.8, 0.7), trendBars(200), nil)
	f.agent.OnPositionClosed(models.ClosedTrade{PnL: 10})
	for i := 0; i < 5; i++ {
		f.agent.OnPositionClosed(models.ClosedTrade{PnL: -10})
	}
	st := f.agent.State()
	assert.Equal(t, 5, st.ConsecutiveLosses)
	assert.True(t, st.CircuitBreakerOpen)
	assert.InDelta(t, -40, st.CumulativePnL, 1e-9)

	requireRejected(t, f.scan(), models.ReasonCircuitBreaker)

	f.clk.Advance(f.cfg.Agent.CircuitBreakerReset)
	out := f.scan()
	assert.True(t, out.Accepted(), "%+v", out.Rejection)
	assert.Zero(t, f.agent.State().ConsecutiveLosses)
}

func TestWinResetsLossStreak(t *testing.T) {
	f := newAgentFixture(t, fixedScore(models.Long, 0.8, 0.7), trendBars(200), nil)
	for i := 0; i < 4; i++ {
		f.agent.OnPositionClosed(models.ClosedTrade{PnL: -1})
	}
	f.agent.OnPositionClosed(models.ClosedTrade{PnL: 3})
	assert.Zero(t, f.agent.State().ConsecutiveLosses)
	assert.False(t, f.agent.State().CircuitBreakerOpen)
}

// managed opens a tracked long at 1.1000 with a 10 pip stop.
func managed(t *testing.T) *agentFixture {
	f := newAgentFixture(t, fixedScore(models.Long, 0.8, 0.7), rangeBars(200), nil)
	f.agent.OnTradeExecuted(models.OrderResult{PositionID: "p1", Symbol: "EURUSD", Direction: models.Long, FillPrice: 1.1, FilledAt: testNow},
		models.Candidate{StopDistance: 0.001})
	return f
}

func longAt(price, stop float64) models.OpenPosition {
	return models.OpenPosition{ID: "p1", Symbol: "EURUSD", Direction: models.Long, EntryPrice: 1.1, CurrentPrice: price, CurrentStop: stop, CurrentTarget: 1.105, Volume: 1}
}

func TestBreakevenFiresOnce(t *testing.T) {
	f := managed(t)
	ctx := context.Background()
	pos := []models.OpenPosition{longAt(1.1011, 1.099)}

	acts := f.agent.ManageActivePositions(ctx, pos)
	require.Len(t, acts, 1)
	assert.Equal(t, models.ActionModify, acts[0].Kind)
	assert.Equal(t, TransitionBreakeven, acts[0].Transition)
	assert.InDelta(t, 1.1001, acts[0].NewStop, 1e-9)
	assert.InDelta(t, 1.105, acts[0].NewTarget, 1e-9)

	for i := 0; i < 3; i++ {
		assert.Empty(t, f.agent.ManageActivePositions(ctx, pos), "call %d", i)
	}

	f.agent.Annotate(pos)
	assert.True(t, pos[0].BreakevenApplied)
	assert.False(t, pos[0].PartialApplied)
}

func TestPartialFiresOnceAndTrailingIsMonotonic(t *testing.T) {
	f := managed(t)
	ctx := context.Background()

	acts := f.agent.ManageActivePositions(ctx, []models.OpenPosition{longAt(1.1021, 1.099)})
	require.Len(t, acts, 2)
	assert.Equal(t, TransitionTrailing, acts[0].Transition)
	assert.InDelta(t, 1.1006, acts[0].NewStop, 1e-7)
	assert.Equal(t, models.ActionPartialClose, acts[1].Kind)
	assert.InDelta(t, 0.5, acts[1].Fraction, 1e-9)

	// broker has not caught up yet; nothing new to do
	assert.Empty(t, f.agent.ManageActivePositions(ctx, []models.OpenPosition{longAt(1.1021, 1.099)}))
	// pullback would loosen the stop
	assert.Empty(t, f.agent.ManageActivePositions(ctx, []models.OpenPosition{longAt(1.1016, 1.1006)}))

	acts = f.agent.ManageActivePositions(ctx, []models.OpenPosition{longAt(1.1030, 1.1006)})
	require.Len(t, acts, 1)
	assert.InDelta(t, 1.1015, acts[0].NewStop, 1e-7)

	// below the minimum delta
	assert.Empty(t, f.agent.ManageActivePositions(ctx, []models.OpenPosition{longAt(1.10305, 1.1015)}))
}

func TestFailedMergedModifyRetriesBreakeven(t *testing.T) {
	f := managed(t)
	ctx := context.Background()
	pos := []models.OpenPosition{longAt(1.1021, 1.099)}

	acts := f.agent.ManageActivePositions(ctx, pos)
	require.Len(t, acts, 2)
	require.Equal(t, TransitionTrailing, acts[0].Transition)
	assert.True(t, acts[0].Breakeven)

	f.agent.ActionFailed(acts[0])
	f.agent.Annotate(pos)
	assert.False(t, pos[0].BreakevenApplied)
	assert.True(t, pos[0].PartialApplied)

	acts = f.agent.ManageActivePositions(ctx, pos)
	require.Len(t, acts, 1)
	assert.Equal(t, TransitionTrailing, acts[0].Transition)
	assert.True(t, acts[0].Breakeven)
	assert.InDelta(t, 1.1006, acts[0].NewStop, 1e-7)
}

func TestFailedTrailingKeepsBreakeven(t *testing.T) {
	f := managed(t)
	f.agent.trackers["p1"].breakevenApplied = true
	f.agent.trackers["p1"].partialApplied = true
	f.agent.trackers["p1"].lastStop = 1.1006

	acts := f.agent.ManageActivePositions(context.Background(), []models.OpenPosition{longAt(1.1030, 1.1006)})
	require.Len(t, acts, 1)
	require.False(t, acts[0].Breakeven)

	f.agent.ActionFailed(acts[0])
	assert.True(t, f.agent.trackers["p1"].breakevenApplied)
	assert.Zero(t, f.agent.trackers["p1"].lastStop)
}

func TestShortBreakeven(t *testing.T) {
	f := newAgentFixture(t, fixedScore(models.Short, 0.8, 0.7), rangeBars(200), nil)
	f.agent.OnTradeExecuted(models.OrderResult{PositionID: "s1", Direction: models.Short, FillPrice: 1.1}, models.Candidate{StopDistance: 0.001})

	pos := models.OpenPosition{ID: "s1", Symbol: "EURUSD", Direction: models.Short, EntryPrice: 1.1, CurrentPrice: 1.0989, CurrentStop: 1.101}
	acts := f.agent.ManageActivePositions(context.Background(), []models.OpenPosition{pos})
	require.Len(t, acts, 1)
	assert.InDelta(t, 1.0999, acts[0].NewStop, 1e-9)
	assert.Less(t, acts[0].NewStop, pos.CurrentStop)
}

func TestRegimeExitOverrides(t *testing.T) {
	f := managed(t)
	f.regime.set(models.RegimeResult{Tag: "reversal", Bias: models.Short, Confidence: 0.8})

	acts := f.agent.ManageActivePositions(context.Background(), []models.OpenPosition{longAt(1.0995, 1.099)})
	require.Len(t, acts, 1)
	assert.Equal(t, models.ActionClose, acts[0].Kind)
	assert.Equal(t, TransitionRegimeExit, acts[0].Transition)
}

func TestFailedPartialIsRetried(t *testing.T) {
	f := managed(t)
	ctx := context.Background()
	pos := []models.OpenPosition{longAt(1.1021, 1.1006)}
	// stop already trailed; only the partial is due
	f.agent.trackers["p1"].breakevenApplied = true
	f.agent.trackers["p1"].lastStop = 1.1006

	acts := f.agent.ManageActivePositions(ctx, pos)
	require.Len(t, acts, 1)
	require.Equal(t, models.ActionPartialClose, acts[0].Kind)

	f.agent.ActionFailed(acts[0])
	acts = f.agent.ManageActivePositions(ctx, pos)
	require.Len(t, acts, 1)
	assert.Equal(t, models.ActionPartialClose, acts[0].Kind)
}

func TestManageIsolatesBadPosition(t *testing.T) {
	f := managed(t)
	bad := models.OpenPosition{ID: "bad", Symbol: "EURUSD", Direction: models.Neutral}
	other := models.OpenPosition{ID: "gbp", Symbol: "GBPUSD", Direction: models.Long}

	acts := f.agent.ManageActivePositions(context.Background(), []models.OpenPosition{bad, other, longAt(1.1011, 1.099)})
	require.Len(t, acts, 1)
	assert.Equal(t, "p1", acts[0].PositionID)
}

func TestManageWithoutCollaborators(t *testing.T) {
	f := managed(t)
	f.bars.err = map[string]error{"EURUSD": errBoom}

	acts := f.agent.ManageActivePositions(context.Background(), []models.OpenPosition{longAt(1.1021, 1.099)})
	// no volatility means no trailing, but breakeven and partial still run
	require.Len(t, acts, 2)
	assert.Equal(t, TransitionBreakeven, acts[0].Transition)
	assert.Equal(t, TransitionPartial, acts[1].Transition)
}

func TestAdoptsUntrackedPosition(t *testing.T) {
	f := newAgentFixture(t, fixedScore(models.Long, 0.8, 0.7), rangeBars(200), nil)
	pos := models.OpenPosition{ID: "x", Symbol: "EURUSD", Direction: models.Long, EntryPrice: 1.1, CurrentPrice: 1.1005, CurrentStop: 1.1002}

	acts := f.agent.ManageActivePositions(context.Background(), []models.OpenPosition{pos})
	assert.Empty(t, acts)
	f.agent.Annotate([]models.OpenPosition{pos})
	assert.True(t, f.agent.trackers["x"].breakevenApplied)
}

func TestDetectClosedMergesFills(t *testing.T) {
	f := managed(t)
	ctx := context.Background()

	// not in history yet: keep waiting
	closed, err := f.agent.DetectClosed(ctx, nil, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, closed)

	f.broker.history["EURUSD"] = []models.ClosedTrade{
		{PositionID: "p1", Symbol: "EURUSD", ExitPrice: 1.102, Volume: 0.5, PnL: 100, ClosedAt: testNow},
		{PositionID: "p1", Symbol: "EURUSD", ExitPrice: 1.098, Volume: 0.5, PnL: -180, ClosedAt: testNow.Add(time.Minute)},
		{PositionID: "other", Symbol: "EURUSD", PnL: 5},
	}
	closed, err = f.agent.DetectClosed(ctx, nil, time.Hour)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.InDelta(t, -80, closed[0].PnL, 1e-9)
	assert.InDelta(t, 1.0, closed[0].Volume, 1e-9)
	assert.InDelta(t, 1.1, closed[0].ExitPrice, 1e-9)

	assert.Equal(t, 1, f.agent.State().ConsecutiveLosses)
	assert.InDelta(t, -80, f.risk.Snapshot().DailyRealizedPnL, 1e-9)

	closed, err = f.agent.DetectClosed(ctx, nil, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, closed, "settled once")
}

func TestDetectClosedIgnoresLivePositions(t *testing.T) {
	f := managed(t)
	f.broker.historyErr = errBoom
	closed, err := f.agent.DetectClosed(context.Background(), []models.OpenPosition{longAt(1.1, 1.099)}, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, closed)
}
