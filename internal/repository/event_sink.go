package repository

import (
	"time"

	"FinGate/internal/domain/models"
	domrepo "FinGate/internal/domain/repository"

	"github.com/google/uuid"
)

// MultiSink fans one event out to several sinks.
type MultiSink []domrepo.EventSink

func (m MultiSink) Emit(eventType string, payload interface{}) {
	for _, s := range m {
		s.Emit(eventType, payload)
	}
}

// NopSink drops everything.
type NopSink struct{}

func (NopSink) Emit(string, interface{}) {}

func newEvent(eventType string, payload interface{}, at time.Time) models.Event {
	return models.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Symbol:    symbolOf(payload),
		Timestamp: at.UTC(),
		Payload:   payload,
	}
}

func symbolOf(payload interface{}) string {
	switch p := payload.(type) {
	case models.Candidate:
		return p.Symbol
	case *models.Candidate:
		return p.Symbol
	case models.ExecutedTrade:
		return p.Candidate.Symbol
	case *models.ExecutedTrade:
		return p.Candidate.Symbol
	case models.PositionAction:
		return p.Symbol
	case models.ActionResult:
		return p.Action.Symbol
	case models.ClosedTrade:
		return p.Symbol
	case models.ScanOutcome:
		return p.Symbol
	case map[string]interface{}:
		if s, ok := p["symbol"].(string); ok {
			return s
		}
	}
	return ""
}
