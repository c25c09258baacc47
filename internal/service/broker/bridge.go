package broker

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"FinGate/internal/domain/models"
	"FinGate/internal/domain/repository"
	"FinGate/internal/service/ratelimit"
	"FinGate/pkg/config"
	"FinGate/pkg/logger"

	"github.com/go-resty/resty/v2"
)

// Bridge talks to a terminal bridge over REST. It also serves bars when
// market_data.source is "bridge".
// Reads are retried on transport errors and 5xx; order placement and
// position changes are rate limited and never retried.
type Bridge struct {
	client  *resty.Client
	limiter *ratelimit.Limiter
	log     *logger.Logger
}

func NewBridge(cfg config.BrokerConfig, l *logger.Logger) *Bridge {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if resp == nil || resp.Request == nil || resp.Request.Method != http.MethodGet {
				return false
			}
			return err != nil || resp.StatusCode() >= 500 || resp.StatusCode() == http.StatusTooManyRequests
		}).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("X-API-Key", cfg.APIKey)
	}
	if l == nil {
		l = logger.Nop()
	}
	return &Bridge{
		client:  client,
		limiter: ratelimit.New(cfg.RateLimit.Burst, cfg.RateLimit.PerSecond),
		log:     l,
	}
}

func (b *Bridge) do(ctx context.Context, method, path string, body, out interface{}) error {
	if method != http.MethodGet {
		if err := b.limiter.Wait(ctx, "mutate"); err != nil {
			return fmt.Errorf("bridge %s %s: %w", method, path, err)
		}
	}
	req := b.client.R().SetContext(ctx)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("bridge %s %s: %w", method, path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("bridge %s %s: status %d: %s", method, path, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}

func (b *Bridge) OpenPositions(ctx context.Context) ([]models.OpenPosition, error) {
	var out []models.OpenPosition
	if err := b.do(ctx, http.MethodGet, "/positions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Bridge) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	var out models.OrderResult
	if err := b.do(ctx, http.MethodPost, "/orders", req, &out); err != nil {
		return models.OrderResult{}, err
	}
	if out.PositionID == "" {
		return models.OrderResult{}, fmt.Errorf("bridge order %s: empty position id", req.ClientID)
	}
	b.log.Info("bridge order filled",
		logger.String("symbol", req.Symbol),
		logger.String("position_id", out.PositionID),
		logger.Float64("fill", out.FillPrice),
	)
	return out, nil
}

type modifyRequest struct {
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
}

func (b *Bridge) ModifyPosition(ctx context.Context, positionID string, stop, target float64) error {
	return b.do(ctx, http.MethodPut, "/positions/"+positionID, modifyRequest{StopLoss: stop, TakeProfit: target}, nil)
}

type partialRequest struct {
	Fraction float64 `json:"fraction"`
}

func (b *Bridge) PartialClose(ctx context.Context, positionID string, fraction float64) error {
	return b.do(ctx, http.MethodPost, "/positions/"+positionID+"/partial-close", partialRequest{Fraction: fraction}, nil)
}

func (b *Bridge) ClosePosition(ctx context.Context, positionID string) error {
	return b.do(ctx, http.MethodDelete, "/positions/"+positionID, nil, nil)
}

func (b *Bridge) AccountInfo(ctx context.Context) (models.AccountInfo, error) {
	var out models.AccountInfo
	err := b.do(ctx, http.MethodGet, "/account", nil, &out)
	return out, err
}

func (b *Bridge) SymbolInfo(ctx context.Context, symbol string) (models.SymbolInfo, error) {
	var out models.SymbolInfo
	if err := b.do(ctx, http.MethodGet, "/symbols/"+symbol, nil, &out); err != nil {
		return models.SymbolInfo{}, err
	}
	if out.Bid <= 0 || out.Ask <= 0 {
		return models.SymbolInfo{}, fmt.Errorf("bridge symbol %s: no quote", symbol)
	}
	return out, nil
}

func (b *Bridge) RecentTradeHistory(ctx context.Context, symbol string, lookback time.Duration) ([]models.ClosedTrade, error) {
	var out []models.ClosedTrade
	req := b.client.R().SetContext(ctx).SetResult(&out).SetQueryParams(map[string]string{
		"symbol": symbol,
		"since":  strconv.FormatInt(time.Now().Add(-lookback).Unix(), 10),
	})
	resp, err := req.Get("/history")
	if err != nil {
		return nil, fmt.Errorf("bridge history %s: %w", symbol, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("bridge history %s: status %d", symbol, resp.StatusCode())
	}
	return out, nil
}

// FetchBars returns up to count bars, oldest first.
func (b *Bridge) FetchBars(ctx context.Context, symbol string, tf repository.Timeframe, count int) ([]models.Candle, error) {
	var out []models.Candle
	req := b.client.R().SetContext(ctx).SetResult(&out).SetQueryParams(map[string]string{
		"timeframe": string(tf),
		"count":     strconv.Itoa(count),
	})
	resp, err := req.Get("/bars/" + symbol)
	if err != nil {
		return nil, fmt.Errorf("bridge bars %s: %w", symbol, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("bridge bars %s: status %d", symbol, resp.StatusCode())
	}
	return out, nil
}

var (
	_ repository.Broker    = (*Bridge)(nil)
	_ repository.BarSource = (*Bridge)(nil)
)
