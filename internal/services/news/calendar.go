package news

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	domsvc "FinGate/internal/domain/service"
	"FinGate/pkg/config"
)

var impactRank = map[string]int{"low": 1, "medium": 2, "high": 3}

// Calendar is an in-memory economic calendar loaded from config.
// Events can be replaced at runtime with SetEvents.
type Calendar struct {
	mu         sync.RWMutex
	events     []config.NewsEvent
	pre, post  time.Duration
	minImpact  int
	currencies map[string][]string
}

func NewCalendar(cfg config.NewsConfig) *Calendar {
	c := &Calendar{
		pre:        cfg.PreWindow,
		post:       cfg.PostWindow,
		minImpact:  impactRank[strings.ToLower(cfg.MinImpact)],
		currencies: make(map[string][]string, len(cfg.SymbolCurrencies)),
	}
	for sym, ccys := range cfg.SymbolCurrencies {
		up := make([]string, 0, len(ccys))
		for _, ccy := range ccys {
			up = append(up, strings.ToUpper(ccy))
		}
		c.currencies[strings.ToUpper(sym)] = up
	}
	c.SetEvents(cfg.Events)
	return c
}

// SetEvents replaces the schedule. Events below the configured impact are dropped.
func (c *Calendar) SetEvents(events []config.NewsEvent) {
	kept := make([]config.NewsEvent, 0, len(events))
	for _, e := range events {
		if impactRank[strings.ToLower(e.Impact)] >= c.minImpact {
			e.Currency = strings.ToUpper(e.Currency)
			kept = append(kept, e)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Time.Before(kept[j].Time) })

	c.mu.Lock()
	c.events = kept
	c.mu.Unlock()
}

// Currencies returns the currency exposure of symbol: the configured list if any,
// otherwise base and quote of a six-letter pair.
func (c *Calendar) Currencies(symbol string) []string {
	sym := strings.ToUpper(symbol)
	if ccys, ok := c.currencies[sym]; ok {
		return ccys
	}
	if len(sym) == 6 && isAlpha(sym) {
		return []string{sym[:3], sym[3:]}
	}
	return nil
}

// IsBlackout reports whether now falls inside [event-pre, event+post] of any event
// touching symbol's currencies.
func (c *Calendar) IsBlackout(_ context.Context, symbol string, now time.Time) (bool, string) {
	ccys := c.Currencies(symbol)
	if len(ccys) == 0 {
		return false, ""
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	// events are sorted; skip everything that ended before now
	start := sort.Search(len(c.events), func(i int) bool {
		return !c.events[i].Time.Add(c.post).Before(now)
	})
	for _, e := range c.events[start:] {
		if e.Time.Add(-c.pre).After(now) {
			break
		}
		for _, ccy := range ccys {
			if e.Currency == ccy {
				return true, fmt.Sprintf("%s %s at %s", e.Currency, e.Title, e.Time.UTC().Format("15:04"))
			}
		}
	}
	return false, ""
}

func isAlpha(s string) bool {
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

var _ domsvc.NewsCalendar = (*Calendar)(nil)
