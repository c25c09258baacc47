package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"FinGate/internal/domain/models"
	"FinGate/internal/domain/repository"
	"FinGate/pkg/config"
	"FinGate/pkg/logger"

	"github.com/google/uuid"
)

var (
	ErrPositionNotFound = errors.New("paper: position not found")
	ErrInvalidVolume    = errors.New("paper: invalid volume")
	ErrNoQuote          = errors.New("paper: no quote")
)

// Paper is an in-memory broker that fills at the latest bar close plus half the
// configured spread. Stops and targets are checked whenever positions are listed.
type Paper struct {
	mu        sync.Mutex
	bars      repository.BarSource
	tf        repository.Timeframe
	cfg       config.BrokerConfig
	classes   func(symbol string) string
	balance   float64
	positions map[string]*models.OpenPosition
	history   []models.ClosedTrade
	now       func() time.Time
	log       *logger.Logger
}

func NewPaper(cfg *config.Config, bars repository.BarSource, l *logger.Logger) *Paper {
	if l == nil {
		l = logger.Nop()
	}
	return &Paper{
		bars:      bars,
		tf:        repository.NormalizeTimeframe(cfg.Agent.Timeframe),
		cfg:       cfg.Broker,
		classes:   cfg.Trading.AssetClass,
		balance:   cfg.Broker.Paper.InitialBalance,
		positions: make(map[string]*models.OpenPosition),
		now:       time.Now,
		log:       l,
	}
}

func (p *Paper) quote(ctx context.Context, symbol string) (models.SymbolInfo, error) {
	bars, err := p.bars.FetchBars(ctx, symbol, p.tf, 1)
	if err != nil {
		return models.SymbolInfo{}, fmt.Errorf("paper quote %s: %w", symbol, err)
	}
	if len(bars) == 0 || bars[len(bars)-1].Close <= 0 {
		return models.SymbolInfo{}, fmt.Errorf("%w for %s", ErrNoQuote, symbol)
	}
	mid := bars[len(bars)-1].Close
	half := mid * p.cfg.Paper.SpreadBps / 10_000 / 2
	return models.SymbolInfo{
		Symbol:       symbol,
		AssetClass:   p.classes(symbol),
		Bid:          mid - half,
		Ask:          mid + half,
		VolumeMin:    p.cfg.Paper.VolumeMin,
		VolumeMax:    p.cfg.Paper.VolumeMax,
		VolumeStep:   p.cfg.Paper.VolumeStep,
		ContractSize: p.cfg.Paper.ContractSize,
	}, nil
}

// exitPrice is where a position on side d would close at quote q.
func exitPrice(d models.Direction, q models.SymbolInfo) float64 {
	if d == models.Long {
		return q.Bid
	}
	return q.Ask
}

func (p *Paper) pnl(pos *models.OpenPosition, exit, volume float64) float64 {
	return float64(pos.Direction.Sign()) * (exit - pos.EntryPrice) * volume * p.cfg.Paper.ContractSize
}

// closeLocked books volume of pos at exit. Callers hold p.mu.
func (p *Paper) closeLocked(pos *models.OpenPosition, exit, volume float64) models.ClosedTrade {
	t := models.ClosedTrade{
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Direction:  pos.Direction,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  exit,
		Volume:     volume,
		PnL:        p.pnl(pos, exit, volume),
		OpenedAt:   pos.OpenedAt,
		ClosedAt:   p.now(),
	}
	p.balance += t.PnL
	p.history = append(p.history, t)
	pos.Volume -= volume
	if pos.Volume <= 1e-9 {
		delete(p.positions, pos.ID)
	}
	return t
}

// OpenPositions marks every position to market and closes those whose stop or target was hit.
func (p *Paper) OpenPositions(ctx context.Context) ([]models.OpenPosition, error) {
	quotes := make(map[string]models.SymbolInfo)
	for _, sym := range p.openSymbols() {
		q, err := p.quote(ctx, sym)
		if err != nil {
			return nil, err
		}
		quotes[sym] = q
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.OpenPosition, 0, len(p.positions))
	for _, pos := range p.positions {
		q, ok := quotes[pos.Symbol]
		if !ok {
			continue
		}
		px := exitPrice(pos.Direction, q)
		pos.CurrentPrice = px
		sign := float64(pos.Direction.Sign())
		switch {
		case pos.CurrentStop > 0 && sign*(px-pos.CurrentStop) <= 0:
			t := p.closeLocked(pos, pos.CurrentStop, pos.Volume)
			p.log.Info("paper stop hit", logger.String("position_id", t.PositionID), logger.Float64("pnl", t.PnL))
			continue
		case pos.CurrentTarget > 0 && sign*(px-pos.CurrentTarget) >= 0:
			t := p.closeLocked(pos, pos.CurrentTarget, pos.Volume)
			p.log.Info("paper target hit", logger.String("position_id", t.PositionID), logger.Float64("pnl", t.PnL))
			continue
		}
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (p *Paper) openSymbols() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, pos := range p.positions {
		if _, ok := seen[pos.Symbol]; !ok {
			seen[pos.Symbol] = struct{}{}
			out = append(out, pos.Symbol)
		}
	}
	return out
}

func (p *Paper) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	if !req.Direction.IsTradable() {
		return models.OrderResult{}, fmt.Errorf("paper order %s: direction %q", req.ClientID, req.Direction)
	}
	q, err := p.quote(ctx, req.Symbol)
	if err != nil {
		return models.OrderResult{}, err
	}
	if req.Volume < q.VolumeMin || req.Volume > q.VolumeMax {
		return models.OrderResult{}, fmt.Errorf("%w: %v outside [%v, %v]", ErrInvalidVolume, req.Volume, q.VolumeMin, q.VolumeMax)
	}

	fill := q.Ask
	if req.Direction == models.Short {
		fill = q.Bid
	}
	now := p.now()
	pos := &models.OpenPosition{
		ID:            uuid.NewString(),
		Symbol:        req.Symbol,
		Direction:     req.Direction,
		EntryPrice:    fill,
		CurrentPrice:  fill,
		CurrentStop:   req.StopLoss,
		CurrentTarget: req.TakeProfit,
		Volume:        req.Volume,
		OpenedAt:      now,
	}

	p.mu.Lock()
	p.positions[pos.ID] = pos
	p.mu.Unlock()

	return models.OrderResult{
		ClientID:   req.ClientID,
		PositionID: pos.ID,
		Symbol:     req.Symbol,
		Direction:  req.Direction,
		Volume:     req.Volume,
		FillPrice:  fill,
		FilledAt:   now,
	}, nil
}

func (p *Paper) ModifyPosition(_ context.Context, positionID string, stop, target float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[positionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	if stop > 0 {
		pos.CurrentStop = stop
	}
	if target > 0 {
		pos.CurrentTarget = target
	}
	return nil
}

func (p *Paper) PartialClose(ctx context.Context, positionID string, fraction float64) error {
	if fraction <= 0 || fraction >= 1 {
		return fmt.Errorf("paper partial close %s: fraction %v", positionID, fraction)
	}
	return p.closePortion(ctx, positionID, fraction)
}

func (p *Paper) ClosePosition(ctx context.Context, positionID string) error {
	return p.closePortion(ctx, positionID, 1)
}

func (p *Paper) closePortion(ctx context.Context, positionID string, fraction float64) error {
	p.mu.Lock()
	pos, ok := p.positions[positionID]
	var symbol string
	if ok {
		symbol = pos.Symbol
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}

	q, err := p.quote(ctx, symbol)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok = p.positions[positionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	vol := pos.Volume
	if fraction < 1 {
		vol = pos.Volume * fraction
	}
	p.closeLocked(pos, exitPrice(pos.Direction, q), vol)
	return nil
}

func (p *Paper) AccountInfo(_ context.Context) (models.AccountInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	equity := p.balance
	for _, pos := range p.positions {
		equity += p.pnl(pos, pos.CurrentPrice, pos.Volume)
	}
	return models.AccountInfo{Equity: equity, Balance: p.balance, Currency: "USD"}, nil
}

func (p *Paper) SymbolInfo(ctx context.Context, symbol string) (models.SymbolInfo, error) {
	return p.quote(ctx, symbol)
}

func (p *Paper) RecentTradeHistory(_ context.Context, symbol string, lookback time.Duration) ([]models.ClosedTrade, error) {
	since := p.now().Add(-lookback)
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.ClosedTrade
	for _, t := range p.history {
		if t.Symbol == symbol && !t.ClosedAt.Before(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

var _ repository.Broker = (*Paper)(nil)
