package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"FinGate/internal/domain/models"
	applogger "FinGate/pkg/logger"
)

// JournalSchema creates the event journal table.
var JournalSchema = []string{
	`CREATE DATABASE IF NOT EXISTS {db}`,
	`CREATE TABLE IF NOT EXISTS {db}.events (
    id String,
    ts DateTime64(3, 'UTC'),
    type LowCardinality(String),
    symbol LowCardinality(String),
    payload String
) ENGINE = MergeTree
PARTITION BY toYYYYMM(ts)
ORDER BY (type, ts)`,
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CHEventJournal persists sink events to ClickHouse in batches.
// Emit only appends to an in-memory buffer; inserts happen on the flush goroutine.
type CHEventJournal struct {
	db        execer
	table     string
	batchSize int
	timeout   time.Duration
	l         *applogger.Logger

	mu     sync.Mutex
	buf    []models.Event
	flushC chan struct{}
	stopC  chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewCHEventJournal starts the flush loop. Each insert is bounded by insertTimeout.
func NewCHEventJournal(db execer, database string, batchSize int, interval, insertTimeout time.Duration, l *applogger.Logger) *CHEventJournal {
	if batchSize <= 0 {
		batchSize = 200
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if insertTimeout <= 0 {
		insertTimeout = 10 * time.Second
	}
	j := &CHEventJournal{
		db:        db,
		table:     database + ".events",
		batchSize: batchSize,
		timeout:   insertTimeout,
		l:         l,
		flushC:    make(chan struct{}, 1),
		stopC:     make(chan struct{}),
	}
	j.wg.Add(1)
	go j.loop(interval)
	return j
}

func (j *CHEventJournal) Emit(eventType string, payload interface{}) {
	ev := newEvent(eventType, payload, time.Now())

	j.mu.Lock()
	j.buf = append(j.buf, ev)
	full := len(j.buf) >= j.batchSize
	// cap memory if ClickHouse is down for a long time
	if len(j.buf) > j.batchSize*50 {
		j.buf = j.buf[len(j.buf)-j.batchSize*50:]
	}
	j.mu.Unlock()

	if full {
		select {
		case j.flushC <- struct{}{}:
		default:
		}
	}
}

func (j *CHEventJournal) loop(interval time.Duration) {
	defer j.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.flush()
		case <-j.flushC:
			j.flush()
		case <-j.stopC:
			j.flush()
			return
		}
	}
}

func (j *CHEventJournal) flush() {
	j.mu.Lock()
	pending := j.buf
	j.buf = nil
	j.mu.Unlock()

	for start := 0; start < len(pending); start += j.batchSize {
		end := start + j.batchSize
		if end > len(pending) {
			end = len(pending)
		}
		if err := j.insert(pending[start:end]); err != nil {
			j.l.Error("clickhouse journal insert failed",
				applogger.String("table", j.table),
				applogger.Int("rows", end-start),
				applogger.Error(err))
		}
	}
}

func (j *CHEventJournal) insert(events []models.Event) error {
	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*5)
	for _, ev := range events {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			j.l.Warn("journal payload not serializable", applogger.String("type", ev.Type), applogger.Error(err))
			continue
		}
		values = append(values, "(?, ?, ?, ?, ?)")
		args = append(args, ev.ID, ev.Timestamp, ev.Type, ev.Symbol, string(payload))
	}
	if len(values) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	q := fmt.Sprintf("INSERT INTO %s (id, ts, type, symbol, payload) VALUES %s", j.table, strings.Join(values, ","))
	_, err := j.db.ExecContext(ctx, q, args...)
	return err
}

// Close flushes buffered events and stops the flush goroutine.
func (j *CHEventJournal) Close() error {
	j.once.Do(func() {
		close(j.stopC)
		j.wg.Wait()
	})
	return nil
}
