package usecase

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"FinGate/internal/domain/models"
	domrepo "FinGate/internal/domain/repository"
	"FinGate/pkg/config"

	"github.com/stretchr/testify/require"
)

// wednesday noon, inside every default window
var testNow = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: testNow} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

const baseYAML = `
analytics:
  service_url: http://analytics.local
clickhouse:
  enabled: true
trading:
  symbols: [EURUSD, GBPUSD, XAUUSD]
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(baseYAML))
	require.NoError(t, err)
	return cfg
}

type fakeBroker struct {
	mu         sync.Mutex
	positions  []models.OpenPosition
	openErr    error
	info       map[string]models.SymbolInfo
	infoErr    error
	history    map[string][]models.ClosedTrade
	historyErr error
	equity     float64
	orders     []models.OrderRequest
	placeErr   error
	modifyErr  error
	partialErr error
	modified   []string
	partials   []string
	closed     []string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		info:    map[string]models.SymbolInfo{},
		history: map[string][]models.ClosedTrade{},
		equity:  10_000,
	}
}

func (b *fakeBroker) OpenPositions(context.Context) ([]models.OpenPosition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openErr != nil {
		return nil, b.openErr
	}
	return append([]models.OpenPosition(nil), b.positions...), nil
}

func (b *fakeBroker) PlaceOrder(_ context.Context, req models.OrderRequest) (models.OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.placeErr != nil {
		return models.OrderResult{}, b.placeErr
	}
	b.orders = append(b.orders, req)
	return models.OrderResult{
		ClientID:   req.ClientID,
		PositionID: "pos-" + req.Symbol,
		Symbol:     req.Symbol,
		Direction:  req.Direction,
		Volume:     req.Volume,
		FillPrice:  1.1,
		FilledAt:   testNow,
	}, nil
}

func (b *fakeBroker) ModifyPosition(_ context.Context, id string, _, _ float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.modifyErr != nil {
		return b.modifyErr
	}
	b.modified = append(b.modified, id)
	return nil
}

func (b *fakeBroker) PartialClose(_ context.Context, id string, _ float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.partialErr != nil {
		return b.partialErr
	}
	b.partials = append(b.partials, id)
	return nil
}

func (b *fakeBroker) ClosePosition(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = append(b.closed, id)
	return nil
}

func (b *fakeBroker) AccountInfo(context.Context) (models.AccountInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return models.AccountInfo{Equity: b.equity, Balance: b.equity}, nil
}

func (b *fakeBroker) SymbolInfo(_ context.Context, symbol string) (models.SymbolInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.infoErr != nil {
		return models.SymbolInfo{}, b.infoErr
	}
	if info, ok := b.info[symbol]; ok {
		return info, nil
	}
	return models.SymbolInfo{
		Symbol: symbol, Bid: 1.0999, Ask: 1.1001,
		VolumeMin: 0.01, VolumeMax: 50, VolumeStep: 0.01, ContractSize: 100_000,
	}, nil
}

func (b *fakeBroker) RecentTradeHistory(_ context.Context, symbol string, _ time.Duration) ([]models.ClosedTrade, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.historyErr != nil {
		return nil, b.historyErr
	}
	return b.history[symbol], nil
}

func (b *fakeBroker) orderCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.orders)
}

// trendBars climbs steadily so the last close breaks the recent range.
func trendBars(n int) []models.Candle {
	out := make([]models.Candle, n)
	for i := range out {
		c := 1.0 + float64(i)*0.001
		out[i] = models.Candle{Bucket: testNow.Add(time.Duration(i-n) * 15 * time.Minute), Open: c - 0.0005, High: c + 0.0005, Low: c - 0.0005, Close: c}
	}
	return out
}

// rangeBars oscillates around 1.1 without breaking out.
func rangeBars(n int) []models.Candle {
	out := make([]models.Candle, n)
	for i := range out {
		c := 1.1 + 0.0005
		if i%2 == 0 {
			c = 1.1 - 0.0005
		}
		out[i] = models.Candle{Bucket: testNow.Add(time.Duration(i-n) * 15 * time.Minute), Open: 1.1, High: c + 0.0005, Low: c - 0.0005, Close: c}
	}
	return out
}

type fakeBars struct {
	mu   sync.Mutex
	bars map[string][]models.Candle
	byTF map[domrepo.Timeframe][]models.Candle
	def  []models.Candle
	err  map[string]error
}

func (f *fakeBars) FetchBars(_ context.Context, symbol string, tf domrepo.Timeframe, count int) ([]models.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err[symbol]; err != nil {
		return nil, err
	}
	bars, ok := f.byTF[tf]
	if !ok {
		bars, ok = f.bars[symbol]
	}
	if !ok {
		bars = f.def
	}
	if len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	return bars, nil
}

type scoreFunc func(ctx context.Context, symbol string) (models.ScoreResult, error)

type fakeScorer struct{ fn scoreFunc }

func (f fakeScorer) Score(ctx context.Context, symbol string, _ models.FeatureSet) (models.ScoreResult, error) {
	return f.fn(ctx, symbol)
}

func fixedScore(dir models.Direction, score, prob float64) fakeScorer {
	return fakeScorer{fn: func(context.Context, string) (models.ScoreResult, error) {
		return models.ScoreResult{Direction: dir, Score: score, Probability: prob}, nil
	}}
}

type fakeRegime struct {
	mu  sync.Mutex
	res models.RegimeResult
	err error
}

func (f *fakeRegime) set(r models.RegimeResult) {
	f.mu.Lock()
	f.res = r
	f.mu.Unlock()
}

func (f *fakeRegime) Classify(context.Context, string, models.FeatureSet) (models.RegimeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.res, f.err
}

func neutralRegime() *fakeRegime {
	return &fakeRegime{res: models.RegimeResult{Tag: "range", Bias: models.Neutral, Confidence: 0.5}}
}

type fakeNews struct {
	blocked bool
}

func (f fakeNews) IsBlackout(context.Context, string, time.Time) (bool, string) {
	if f.blocked {
		return true, "USD NFP at 12:30"
	}
	return false, ""
}

type memStore struct {
	mu      sync.Mutex
	state   *models.GlobalRiskState
	saveErr error
	saves   int
}

func (m *memStore) Load(context.Context) (*models.GlobalRiskState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, nil
	}
	st := m.state.Clone()
	return &st, nil
}

func (m *memStore) Save(_ context.Context, st models.GlobalRiskState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.state = &st
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingSink) Emit(eventType string, _ interface{}) {
	r.mu.Lock()
	r.events = append(r.events, eventType)
	r.mu.Unlock()
}

func (r *recordingSink) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == eventType {
			n++
		}
	}
	return n
}

var errBoom = errors.New("boom")

func newTestGateway(cfg *config.Config, b *fakeBroker, store *memStore, clk *clock) *RiskGateway {
	var rs domrepo.RiskStateStore
	if store != nil {
		rs = store
	}
	g := NewRiskGateway(cfg, b, fakeNews{}, rs, nil)
	g.now = clk.Now
	g.state = g.freshState(clk.Now())
	return g
}

func losingTrades(symbol string, n int, pnl float64) []models.ClosedTrade {
	out := make([]models.ClosedTrade, n)
	for i := range out {
		out[i] = models.ClosedTrade{PositionID: "old-" + strconv.Itoa(i), Symbol: symbol, PnL: pnl, ClosedAt: testNow.Add(-time.Hour)}
	}
	return out
}
