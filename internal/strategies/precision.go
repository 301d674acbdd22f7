package strategies

import (
	"fmt"
	"math"

	"github.com/cinar/indicator"

	"github.com/LeandroPivovar/zeenix-backend-sub005/pkg/models"
)

// Precision fades band extremes: it waits for price to stretch outside
// the Bollinger envelope with an exhausted RSI and trades the reversion.
// Fewer entries, higher conviction than the momentum variant.
type Precision struct{}

func NewPrecision() *Precision {
	return &Precision{}
}

func (s *Precision) Name() string {
	return "precision"
}

func (s *Precision) WindowSize() int {
	return 50
}

func (s *Precision) MinProbability(mode models.OperatingMode, inRecovery bool) float64 {
	p := 0.68
	switch mode {
	case models.ModeFast:
		p = 0.60
	case models.ModeSlow:
		p = 0.75
	}
	if inRecovery {
		p += 0.05
	}
	return p
}

func (s *Precision) Analyze(ticks []models.Tick) models.Signal {
	closes := closings(ticks)

	_, upper, lower := indicator.BollingerBands(closes)
	_, rsi := indicator.Rsi(closes)

	last := len(closes) - 1
	price := closes[last]
	width := upper[last] - lower[last]
	if width <= 0 {
		return models.Signal{Details: "bands collapsed"}
	}

	// 0 at the lower band, 1 at the upper band
	position := (price - lower[last]) / width
	lastRsi := rsi[last]

	var direction models.ContractType
	var stretch float64
	switch {
	case position >= 0.95 && lastRsi >= 68:
		direction = models.ContractPut
		stretch = position - 0.95
	case position <= 0.05 && lastRsi <= 32:
		direction = models.ContractCall
		stretch = 0.05 - position
	default:
		return models.Signal{Details: fmt.Sprintf("inside bands: pos=%.2f rsi=%.1f", position, lastRsi)}
	}

	probability := 0.6 + math.Min(stretch*2, 0.2) + math.Min(math.Abs(lastRsi-50)/250, 0.12)
	if probability > 0.95 {
		probability = 0.95
	}

	return models.Signal{
		Direction:   direction,
		Probability: probability,
		Details:     fmt.Sprintf("pos=%.2f rsi=%.1f", position, lastRsi),
	}
}
