package features

import "FinGate/internal/domain/models"

// StructureSignal is a breakout of the recent range confirmed by EMA alignment.
type StructureSignal struct {
	Direction models.Direction
	Level     float64 // broken range boundary
}

// Qualifies reports whether the signal points somewhere.
func (s StructureSignal) Qualifies() bool { return s.Direction.IsTradable() }

// DetectStructure looks for the last close breaking the high/low of the previous lookback bars
// with the fast EMA on the same side of the slow EMA.
func DetectStructure(candles []models.Candle, lookback, fast, slow int) StructureSignal {
	if lookback < 2 || len(candles) < lookback+1 || len(candles) < slow {
		return StructureSignal{Direction: models.Neutral}
	}

	last := candles[len(candles)-1]
	window := candles[len(candles)-1-lookback : len(candles)-1]
	hi, lo := window[0].High, window[0].Low
	for _, c := range window[1:] {
		if c.High > hi {
			hi = c.High
		}
		if c.Low < lo {
			lo = c.Low
		}
	}

	closes := Closes(candles)
	ef, es := EMA(closes, fast), EMA(closes, slow)
	fastAbove := ef[len(ef)-1] > es[len(es)-1]
	fastBelow := ef[len(ef)-1] < es[len(es)-1]

	switch {
	case last.Close > hi && fastAbove:
		return StructureSignal{Direction: models.Long, Level: hi}
	case last.Close < lo && fastBelow:
		return StructureSignal{Direction: models.Short, Level: lo}
	default:
		return StructureSignal{Direction: models.Neutral}
	}
}

// BuildFeatureSet assembles the payload sent to the scoring and regime collaborators.
func BuildFeatureSet(symbol, tf string, bars, htf []models.Candle, atrPeriod int) models.FeatureSet {
	closes := Closes(bars)
	returns := ComputeLogReturns(bars)
	fs := models.FeatureSet{
		Symbol:    symbol,
		Timeframe: tf,
		Closes:    closes,
		Returns:   returns,
		Features:  map[string]float64{},
	}
	if len(bars) > 0 {
		fs.AsOf = bars[len(bars)-1].Bucket
	}
	if len(htf) > 0 {
		fs.HTFCloses = Closes(htf)
	}

	fs.Features["atr"] = ATR(bars, atrPeriod)
	if w := 20; len(returns) >= w {
		fs.Features["realized_vol"] = RealizedVolatility(returns, w, BarsPerYearForTF(tf))
	}
	if len(closes) > 0 {
		last := closes[len(closes)-1]
		fs.Features["close"] = last
		if ema := EMA(closes, 20); len(ema) > 0 && last > 0 {
			fs.Features["ema20_dist"] = (last - ema[len(ema)-1]) / last
		}
	}
	return fs
}
