package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"FinGate/internal/domain/models"
	domrepo "FinGate/internal/domain/repository"
	"FinGate/pkg/cache"
	pkgkafka "FinGate/pkg/kafka"
	applogger "FinGate/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu      sync.Mutex
	keys    []string
	types   []string
	batches int
	block   chan struct{}
	err     error
}

func (p *recordingPublisher) PublishBatch(_ context.Context, _ string, msgs []pkgkafka.Message) error {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches++
	for _, m := range msgs {
		p.keys = append(p.keys, string(m.Key))
		p.types = append(p.types, m.Value.(models.Event).Type)
	}
	return p.err
}

func TestKafkaEventSinkPublishesKeyedBySymbol(t *testing.T) {
	pub := &recordingPublisher{}
	sink := NewKafkaEventSink(pub, "fingate.events", 8, applogger.Nop())

	sink.Emit(models.EventExecution, models.ExecutedTrade{Candidate: models.Candidate{Symbol: "EURUSD"}})
	sink.Emit(models.EventCycleSummary, models.ScanCycleSummary{ID: "c1"})
	require.NoError(t, sink.Close())

	assert.Equal(t, []string{"EURUSD", ""}, pub.keys)
	assert.Equal(t, []string{models.EventExecution, models.EventCycleSummary}, pub.types)

	// emitting after close is a no-op, not a panic
	sink.Emit(models.EventRejection, nil)
}

func TestKafkaEventSinkDropsWhenFull(t *testing.T) {
	pub := &recordingPublisher{block: make(chan struct{})}
	sink := NewKafkaEventSink(pub, "t", 1, applogger.Nop())

	for i := 0; i < 10; i++ {
		sink.Emit(models.EventRejection, nil)
	}
	assert.GreaterOrEqual(t, sink.Dropped(), int64(8))

	close(pub.block)
	require.NoError(t, sink.Close())
}

func TestKafkaEventSinkBatchesBacklog(t *testing.T) {
	release := make(chan struct{})
	pub := &recordingPublisher{block: release}
	sink := NewKafkaEventSink(pub, "t", 16, applogger.Nop())

	// the first event occupies the publisher; the rest queue behind it
	sink.Emit(models.EventScanStart, nil)
	time.Sleep(20 * time.Millisecond)
	for i := 0; i < 5; i++ {
		sink.Emit(models.EventRejection, nil)
	}
	close(release)
	require.NoError(t, sink.Close())

	assert.Len(t, pub.types, 6)
	assert.Equal(t, 2, pub.batches)
	assert.Zero(t, sink.Dropped())
}

type fakeExecer struct {
	mu      sync.Mutex
	queries []string
	rows    int
	err     error
}

func (f *fakeExecer) ExecContext(_ context.Context, q string, args ...interface{}) (sql.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	f.rows += len(args) / 5
	return nil, f.err
}

func TestCHEventJournalBatchesInserts(t *testing.T) {
	db := &fakeExecer{}
	j := NewCHEventJournal(db, "fingate", 2, time.Hour, 0, applogger.Nop())

	for i := 0; i < 5; i++ {
		j.Emit(models.EventPositionAction, models.PositionAction{Symbol: "XAUUSD", Kind: models.ActionModify})
	}
	require.NoError(t, j.Close())

	db.mu.Lock()
	defer db.mu.Unlock()
	assert.Equal(t, 5, db.rows)
	for _, q := range db.queries {
		assert.True(t, strings.HasPrefix(q, "INSERT INTO fingate.events"))
	}
}

func TestCHEventJournalSurvivesInsertErrors(t *testing.T) {
	db := &fakeExecer{err: errors.New("connection refused")}
	j := NewCHEventJournal(db, "fingate", 10, time.Hour, 0, applogger.Nop())
	j.Emit(models.EventCycleSummary, map[string]interface{}{"symbol": "EURUSD"})
	assert.NoError(t, j.Close())
}

type countingSink struct{ n int }

func (c *countingSink) Emit(string, interface{}) { c.n++ }

func TestMultiSinkFansOut(t *testing.T) {
	a, b := &countingSink{}, &countingSink{}
	MultiSink{a, b, NopSink{}}.Emit("x", nil)
	assert.Equal(t, 1, a.n)
	assert.Equal(t, 1, b.n)
}

func TestCacheRiskStateStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewCacheRiskStateStore(cache.NewMemoryCache(), "")

	st, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, st)

	want := models.GlobalRiskState{
		TradingDay:       "2024-10-10",
		DailyTradeCount:  3,
		DailyRealizedPnL: -120.5,
		KillSwitch:       map[string]bool{"GBPJPY": true},
		LastTradeAt:      map[string]time.Time{"EURUSD": time.Date(2024, 10, 10, 9, 0, 0, 0, time.UTC)},
	}
	require.NoError(t, store.Save(ctx, want))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.TradingDay, got.TradingDay)
	assert.Equal(t, want.DailyTradeCount, got.DailyTradeCount)
	assert.Equal(t, want.DailyRealizedPnL, got.DailyRealizedPnL)
	assert.Equal(t, want.KillSwitch, got.KillSwitch)
	assert.True(t, want.LastTradeAt["EURUSD"].Equal(got.LastTradeAt["EURUSD"]))
}

func TestTableForTF(t *testing.T) {
	table, err := tableForTF("fingate", domrepo.TF15m)
	require.NoError(t, err)
	assert.Equal(t, "fingate.candles_15m", table)

	_, err = tableForTF("fingate", domrepo.Timeframe("2m"))
	assert.Error(t, err)
}

func TestReverseCandles(t *testing.T) {
	c := []models.Candle{{Close: 3}, {Close: 2}, {Close: 1}}
	reverseCandles(c)
	assert.Equal(t, []float64{1, 2, 3}, []float64{c[0].Close, c[1].Close, c[2].Close})
}
