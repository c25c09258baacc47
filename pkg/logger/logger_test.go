package logger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	mu      sync.Mutex
	topic   string
	batches [][]AggregatedLogEntry
}

func (p *capturePublisher) PublishMessage(_ context.Context, topic string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topic = topic
	p.batches = append(p.batches, payload.([]AggregatedLogEntry))
	return nil
}

func TestCollectorAggregatesDuplicates(t *testing.T) {
	pub := &capturePublisher{}
	c := NewLogCollector(&CollectionConfig{
		TimeInterval:   time.Hour,
		CountThreshold: 100,
		Topic:          "fingate.logs",
		Service:        "fingate",
		Publisher:      pub,
	})

	fields := map[string]interface{}{"symbol": "EURUSD"}
	c.AddLog("error", "scan failed", fields, "agent.go:10")
	c.AddLog("error", "scan failed", fields, "agent.go:10")
	c.AddLog("error", "order failed", nil, "orchestrator.go:20")
	assert.Equal(t, 2, c.Pending())

	c.Close()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.batches, 1)
	assert.Equal(t, "fingate.logs", pub.topic)

	counts := map[string]int{}
	for _, e := range pub.batches[0] {
		counts[e.Message] = e.Count
		assert.Equal(t, "fingate", e.Service)
	}
	assert.Equal(t, 2, counts["scan failed"])
	assert.Equal(t, 1, counts["order failed"])
}

func TestCollectorFlushesAtThreshold(t *testing.T) {
	pub := &capturePublisher{}
	c := NewLogCollector(&CollectionConfig{TimeInterval: time.Hour, CountThreshold: 2, Publisher: pub})
	defer c.Close()

	c.AddLog("error", "a", nil, "x")
	c.AddLog("error", "b", nil, "x")
	assert.Equal(t, 0, c.Pending())
}

func TestLoggerErrorFeedsCollector(t *testing.T) {
	l := Nop()
	pub := &capturePublisher{}
	l.AddCollector(&CollectionConfig{TimeInterval: time.Hour, CountThreshold: 100, Publisher: pub})

	l.Error("broker unreachable", String("symbol", "GBPUSD"), Error(errors.New("dial tcp")))
	l.Warn("not collected")
	assert.Equal(t, 1, l.collector.Pending())

	l.RemoveCollector()
	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.batches, 1)
	assert.Equal(t, "dial tcp", pub.batches[0][0].Fields["error"])
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(&Config{Level: "loud", Format: "json", Output: "stdout"})
	assert.Error(t, err)
}

func TestCollectorLevelIsConfigurable(t *testing.T) {
	l := Nop()
	pub := &capturePublisher{}
	l.AddCollector(&CollectionConfig{TimeInterval: time.Hour, Level: "warn", Publisher: pub})

	l.Warn("spread too wide", String("symbol", "XAUUSD"))
	l.Warn("spread too wide", String("symbol", "XAUUSD"))
	l.Info("scan finished")
	assert.Equal(t, 1, l.collector.Pending())

	l.RemoveCollector()
	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.batches, 1)
	assert.Equal(t, "warn", pub.batches[0][0].Level)
	assert.Equal(t, 2, pub.batches[0][0].Count)
}

func TestFieldsCarryCollectorValues(t *testing.T) {
	assert.Equal(t, int64(1500), Duration("took", 1500*time.Millisecond).Value)
	assert.Nil(t, Error(nil).Value)
	assert.Equal(t, "error", Error(errors.New("x")).Key)
}
