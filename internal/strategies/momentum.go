package strategies

import (
	"fmt"
	"math"

	"github.com/cinar/indicator"

	"github.com/LeandroPivovar/zeenix-backend-sub005/pkg/models"
)

// Momentum trades EMA crossovers confirmed by RSI. It enters in the
// direction of the short-term trend when momentum agrees.
type Momentum struct{}

func NewMomentum() *Momentum {
	return &Momentum{}
}

func (s *Momentum) Name() string {
	return "momentum"
}

func (s *Momentum) WindowSize() int {
	return 30
}

func (s *Momentum) MinProbability(mode models.OperatingMode, inRecovery bool) float64 {
	p := 0.62
	switch mode {
	case models.ModeFast:
		p = 0.55
	case models.ModeSlow:
		p = 0.70
	}
	if inRecovery {
		p += 0.05
	}
	return p
}

func (s *Momentum) Analyze(ticks []models.Tick) models.Signal {
	closes := closings(ticks)

	fast := indicator.Ema(5, closes)
	slow := indicator.Ema(10, closes)
	_, rsi := indicator.Rsi(closes)

	last := len(closes) - 1
	gap := fast[last] - slow[last]
	prevGap := fast[last-1] - slow[last-1]
	lastRsi := rsi[last]

	var direction models.ContractType
	switch {
	case gap > 0 && gap >= prevGap && lastRsi > 52 && lastRsi < 78:
		direction = models.ContractCall
	case gap < 0 && gap <= prevGap && lastRsi < 48 && lastRsi > 22:
		direction = models.ContractPut
	default:
		return models.Signal{Details: fmt.Sprintf("flat: gap=%.5f rsi=%.1f", gap, lastRsi)}
	}

	// trend separation relative to price plus RSI distance from neutral
	strength := math.Abs(gap) / math.Max(closes[last], 1e-9)
	probability := 0.5 + math.Min(strength*2000, 0.25) + math.Min(math.Abs(lastRsi-50)/200, 0.15)
	if probability > 0.95 {
		probability = 0.95
	}

	return models.Signal{
		Direction:   direction,
		Probability: probability,
		Details:     fmt.Sprintf("gap=%.5f rsi=%.1f", gap, lastRsi),
	}
}

func closings(ticks []models.Tick) []float64 {
	out := make([]float64, len(ticks))
	for i, t := range ticks {
		out[i] = models.ToFloat64(t.Value)
	}
	return out
}
