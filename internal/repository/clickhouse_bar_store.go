package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"FinGate/internal/domain/models"
	domrepo "FinGate/internal/domain/repository"
	pkgch "FinGate/pkg/clickhouse"
	applogger "FinGate/pkg/logger"
)

// CandleSchema creates the candle tables CHBarStore reads from.
var CandleSchema = []string{
	`CREATE DATABASE IF NOT EXISTS {db}`,
	candleTableDDL("1m"),
	candleTableDDL("5m"),
	candleTableDDL("15m"),
	candleTableDDL("1h"),
	candleTableDDL("4h"),
}

func candleTableDDL(tf string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS {db}.candles_%s (
    bucket DateTime,
    symbol LowCardinality(String),
    open Float64,
    high Float64,
    low Float64,
    close Float64,
    vol Float64
) ENGINE = ReplacingMergeTree
ORDER BY (symbol, bucket)`, tf)
}

// CHBarStore implements BarSource backed by ClickHouse candle tables.
type CHBarStore struct {
	db       *sql.DB
	database string
	l        *applogger.Logger
}

func NewCHBarStore(ch *pkgch.Client, l *applogger.Logger) *CHBarStore {
	return &CHBarStore{db: ch.DB(), database: ch.Database(), l: l}
}

// FetchBars returns up to count of the most recent bars in ascending time order.
func (s *CHBarStore) FetchBars(ctx context.Context, symbol string, tf domrepo.Timeframe, count int) ([]models.Candle, error) {
	start := time.Now()
	table, err := tableForTF(s.database, tf)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, nil
	}

	const qtpl = `
        SELECT bucket, symbol, open, high, low, close, vol
        FROM %s FINAL
        WHERE symbol = ?
        ORDER BY bucket DESC
        LIMIT ?
    `
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(qtpl, table), symbol, count)
	if err != nil {
		s.l.Error("clickhouse fetch_bars query error",
			applogger.String("table", table),
			applogger.String("symbol", symbol),
			applogger.Int("limit", count),
			applogger.Error(err),
		)
		return nil, fmt.Errorf("fetch bars: %w", err)
	}
	defer rows.Close()

	out := make([]models.Candle, 0, count)
	for rows.Next() {
		var c models.Candle
		if err := rows.Scan(&c.Bucket, &c.Symbol, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	reverseCandles(out)

	s.l.Debug("clickhouse fetch_bars ok",
		applogger.String("table", table),
		applogger.String("symbol", symbol),
		applogger.Int("rows", len(out)),
		applogger.Duration("duration_ms", time.Since(start)),
	)
	return out, nil
}

func reverseCandles(c []models.Candle) {
	for i, j := 0, len(c)-1; i < j; i, j = i+1, j-1 {
		c[i], c[j] = c[j], c[i]
	}
}

func tableForTF(database string, tf domrepo.Timeframe) (string, error) {
	if !domrepo.IsValidTimeframe(tf) {
		return "", fmt.Errorf("unsupported timeframe: %s", tf)
	}
	return fmt.Sprintf("%s.candles_%s", database, tf), nil
}
