package repository

import (
	"context"
	"time"

	"FinGate/internal/domain/models"
)

// BarSource provides OHLCV bars. Implementations return fewer bars than requested
// when history is short; that is not an error.
type BarSource interface {
	FetchBars(ctx context.Context, symbol string, tf Timeframe, count int) ([]models.Candle, error)
}

// Broker is the execution collaborator.
type Broker interface {
	OpenPositions(ctx context.Context) ([]models.OpenPosition, error)
	PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error)
	ModifyPosition(ctx context.Context, positionID string, stop, target float64) error
	PartialClose(ctx context.Context, positionID string, fraction float64) error
	ClosePosition(ctx context.Context, positionID string) error
	AccountInfo(ctx context.Context) (models.AccountInfo, error)
	SymbolInfo(ctx context.Context, symbol string) (models.SymbolInfo, error)
	RecentTradeHistory(ctx context.Context, symbol string, lookback time.Duration) ([]models.ClosedTrade, error)
}

// RiskStateStore persists GlobalRiskState across restarts.
type RiskStateStore interface {
	Load(ctx context.Context) (*models.GlobalRiskState, error)
	Save(ctx context.Context, state models.GlobalRiskState) error
}

// EventSink receives fire-and-forget notifications. Emit must not block.
type EventSink interface {
	Emit(eventType string, payload interface{})
}

// Metrics records control-loop telemetry.
type Metrics interface {
	RecordCycle(d time.Duration, accepted, rejected int, degraded bool)
	RecordRejection(reason string)
	RecordOrder(symbol, result string)
	RecordAction(kind, result string)
	RecordError(kind string)
	RecordLatency(op string, seconds float64)
}
