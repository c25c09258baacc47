package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"FinGate/internal/domain/models"
	"FinGate/internal/domain/repository"
	"FinGate/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type priceFeed struct {
	mu     sync.Mutex
	prices map[string]float64
}

func (f *priceFeed) set(symbol string, px float64) {
	f.mu.Lock()
	f.prices[symbol] = px
	f.mu.Unlock()
}

func (f *priceFeed) FetchBars(_ context.Context, symbol string, _ repository.Timeframe, _ int) ([]models.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	px, ok := f.prices[symbol]
	if !ok {
		return nil, nil
	}
	return []models.Candle{{Symbol: symbol, Close: px, High: px, Low: px, Open: px}}, nil
}

func newPaper(t *testing.T) (*Paper, *priceFeed) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Agent.Timeframe = "15m"
	cfg.Broker.Paper.InitialBalance = 10_000
	cfg.Broker.Paper.SpreadBps = 0
	cfg.Broker.Paper.VolumeMin = 0.01
	cfg.Broker.Paper.VolumeMax = 10
	cfg.Broker.Paper.VolumeStep = 0.01
	cfg.Broker.Paper.ContractSize = 100_000
	feed := &priceFeed{prices: map[string]float64{"EURUSD": 1.1000}}
	return NewPaper(cfg, feed, nil), feed
}

func TestPaperStopHitBooksLoss(t *testing.T) {
	p, feed := newPaper(t)
	ctx := context.Background()

	res, err := p.PlaceOrder(ctx, models.OrderRequest{
		ClientID: "c1", Symbol: "EURUSD", Direction: models.Long, Volume: 1,
		StopLoss: 1.0990, TakeProfit: 1.1020,
	})
	require.NoError(t, err)
	assert.InDelta(t, 1.1, res.FillPrice, 1e-9)

	open, err := p.OpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)

	feed.set("EURUSD", 1.0985)
	open, err = p.OpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	hist, err := p.RecentTradeHistory(ctx, "EURUSD", time.Hour)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, res.PositionID, hist[0].PositionID)
	assert.InDelta(t, -100, hist[0].PnL, 1e-6)

	acct, _ := p.AccountInfo(ctx)
	assert.InDelta(t, 9_900, acct.Balance, 1e-6)
}

func TestPaperPartialThenClose(t *testing.T) {
	p, feed := newPaper(t)
	ctx := context.Background()

	res, err := p.PlaceOrder(ctx, models.OrderRequest{Symbol: "EURUSD", Direction: models.Short, Volume: 2})
	require.NoError(t, err)

	feed.set("EURUSD", 1.0990)
	require.NoError(t, p.PartialClose(ctx, res.PositionID, 0.5))
	open, _ := p.OpenPositions(ctx)
	require.Len(t, open, 1)
	assert.InDelta(t, 1, open[0].Volume, 1e-9)

	require.NoError(t, p.ClosePosition(ctx, res.PositionID))
	open, _ = p.OpenPositions(ctx)
	assert.Empty(t, open)

	hist, _ := p.RecentTradeHistory(ctx, "EURUSD", time.Hour)
	require.Len(t, hist, 2)
	assert.InDelta(t, 200, hist[0].PnL+hist[1].PnL, 1e-6)
	assert.ErrorIs(t, p.ClosePosition(ctx, res.PositionID), ErrPositionNotFound)
}

func TestPaperRejectsBadVolume(t *testing.T) {
	p, _ := newPaper(t)
	_, err := p.PlaceOrder(context.Background(), models.OrderRequest{Symbol: "EURUSD", Direction: models.Long, Volume: 50})
	assert.ErrorIs(t, err, ErrInvalidVolume)
}

func TestPaperModify(t *testing.T) {
	p, _ := newPaper(t)
	ctx := context.Background()
	res, err := p.PlaceOrder(ctx, models.OrderRequest{Symbol: "EURUSD", Direction: models.Long, Volume: 1, StopLoss: 1.09})
	require.NoError(t, err)
	require.NoError(t, p.ModifyPosition(ctx, res.PositionID, 1.0995, 0))
	open, _ := p.OpenPositions(ctx)
	require.Len(t, open, 1)
	assert.InDelta(t, 1.0995, open[0].CurrentStop, 1e-9)
	assert.ErrorIs(t, p.ModifyPosition(ctx, "missing", 1, 1), ErrPositionNotFound)
}

func bridgeConfig(url string) config.BrokerConfig {
	cfg := config.BrokerConfig{Mode: "bridge", BaseURL: url, APIKey: "secret", Timeout: time.Second, Retries: 2}
	cfg.RateLimit.Burst = 10
	cfg.RateLimit.PerSecond = 10
	return cfg
}

func TestBridgeRetriesReadsNotOrders(t *testing.T) {
	var gets, posts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		switch r.Method {
		case http.MethodGet:
			if atomic.AddInt32(&gets, 1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(models.AccountInfo{Equity: 5000, Balance: 5000})
		case http.MethodPost:
			atomic.AddInt32(&posts, 1)
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	b := NewBridge(bridgeConfig(srv.URL), nil)
	acct, err := b.AccountInfo(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 5000, acct.Equity, 1e-9)
	assert.Equal(t, int32(2), atomic.LoadInt32(&gets))

	_, err = b.PlaceOrder(context.Background(), models.OrderRequest{ClientID: "x", Symbol: "EURUSD"})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&posts))
}

func TestBridgeFetchBars(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bars/XAUUSD", r.URL.Path)
		assert.Equal(t, "15m", r.URL.Query().Get("timeframe"))
		assert.Equal(t, "3", r.URL.Query().Get("count"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]models.Candle{{Close: 1}, {Close: 2}, {Close: 3}})
	}))
	defer srv.Close()

	bars, err := NewBridge(bridgeConfig(srv.URL), nil).FetchBars(context.Background(), "XAUUSD", repository.TF15m, 3)
	require.NoError(t, err)
	require.Len(t, bars, 3)
	assert.InDelta(t, 3, bars[2].Close, 1e-9)
}
