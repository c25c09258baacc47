package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var statsAt = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

func TestStatsCountPartialFillsOnce(t *testing.T) {
	fills := []ClosedTrade{
		{PositionID: "p1", PnL: 10, Volume: 0.5, ExitPrice: 1.10},
		{PositionID: "p1", PnL: -4, Volume: 0.5, ExitPrice: 1.08},
		{PositionID: "p2", PnL: -6, Volume: 1, ExitPrice: 1.05},
	}
	st := StatsFromTrades("EURUSD", fills, statsAt)

	assert.Equal(t, 2, st.SampleCount)
	assert.InDelta(t, 0.5, st.WinRate, 1e-9)
	assert.InDelta(t, 6, st.AvgWin, 1e-9)
	assert.InDelta(t, 6, st.AvgLoss, 1e-9)
	assert.InDelta(t, 0, st.RecentNetPnL, 1e-9)
	assert.Equal(t, statsAt, st.LastRefreshed)
}

func TestMergeFills(t *testing.T) {
	early := statsAt.Add(-time.Hour)
	fills := []ClosedTrade{
		{PositionID: "a", PnL: 5, Volume: 1, ExitPrice: 2, ClosedAt: early},
		{PnL: 1, Volume: 1, ExitPrice: 9},
		{PositionID: "b", PnL: -2, Volume: 1, ExitPrice: 3},
		{PositionID: "a", PnL: 3, Volume: 3, ExitPrice: 4, ClosedAt: statsAt},
		{PnL: 2, Volume: 1, ExitPrice: 9},
	}
	out := MergeFills(fills)
	require.Len(t, out, 4)

	assert.Equal(t, "a", out[0].PositionID)
	assert.InDelta(t, 8, out[0].PnL, 1e-9)
	assert.InDelta(t, 4, out[0].Volume, 1e-9)
	assert.InDelta(t, 3.5, out[0].ExitPrice, 1e-9)
	assert.Equal(t, statsAt, out[0].ClosedAt)

	assert.Empty(t, out[1].PositionID)
	assert.Equal(t, "b", out[2].PositionID)
	assert.Empty(t, out[3].PositionID)
}

func TestStatsEmptyHistory(t *testing.T) {
	st := StatsFromTrades("EURUSD", nil, statsAt)
	assert.Zero(t, st.SampleCount)
	assert.Zero(t, st.WinRate)
}
