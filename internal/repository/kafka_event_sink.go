package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"FinGate/internal/domain/models"
	pkgkafka "FinGate/pkg/kafka"
	applogger "FinGate/pkg/logger"
)

// maxEventBatch caps how many queued events go out in one write.
const maxEventBatch = 64

// EventPublisher is the slice of pkg/kafka.Producer the sink uses.
type EventPublisher interface {
	PublishBatch(ctx context.Context, topic string, messages []pkgkafka.Message) error
}

// KafkaEventSink publishes events on a background goroutine, batching whatever
// has queued up since the last write. Emit never blocks: when the buffer is
// full the event is dropped and counted.
type KafkaEventSink struct {
	pub     EventPublisher
	topic   string
	l       *applogger.Logger
	ch      chan models.Event
	dropped atomic.Int64
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	timeout time.Duration
}

func NewKafkaEventSink(pub EventPublisher, topic string, buffer int, l *applogger.Logger) *KafkaEventSink {
	if buffer <= 0 {
		buffer = 1024
	}
	s := &KafkaEventSink{
		pub:     pub,
		topic:   topic,
		l:       l,
		ch:      make(chan models.Event, buffer),
		timeout: 5 * time.Second,
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *KafkaEventSink) Emit(eventType string, payload interface{}) {
	ev := newEvent(eventType, payload, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
		if n := s.dropped.Add(1); n%100 == 1 {
			s.l.Warn("kafka event sink full, dropping events",
				applogger.String("type", eventType),
				applogger.Int64("dropped", n))
		}
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *KafkaEventSink) Dropped() int64 { return s.dropped.Load() }

func (s *KafkaEventSink) run() {
	defer s.wg.Done()
	batch := make([]pkgkafka.Message, 0, maxEventBatch)
	for ev := range s.ch {
		batch = append(batch[:0], eventMessage(ev))
	drain:
		for len(batch) < maxEventBatch {
			select {
			case next, ok := <-s.ch:
				if !ok {
					break drain
				}
				batch = append(batch, eventMessage(next))
			default:
				break drain
			}
		}
		s.publish(batch)
	}
}

func (s *KafkaEventSink) publish(batch []pkgkafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.pub.PublishBatch(ctx, s.topic, batch); err != nil {
		s.l.Warn("kafka event publish failed",
			applogger.String("topic", s.topic),
			applogger.Int("events", len(batch)),
			applogger.Error(err))
	}
}

// eventMessage keys by symbol so one symbol's events stay ordered on a partition.
func eventMessage(ev models.Event) pkgkafka.Message {
	var key []byte
	if ev.Symbol != "" {
		key = []byte(ev.Symbol)
	}
	return pkgkafka.Message{Key: key, Value: ev}
}

// Close drains the buffer and stops the publisher goroutine.
func (s *KafkaEventSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}
