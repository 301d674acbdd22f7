package strategies

import (
	"testing"
	"time"

	"github.com/LeandroPivovar/zeenix-backend-sub005/pkg/models"
)

func series(start float64, deltas func(i int) float64, n int) []models.Tick {
	ticks := make([]models.Tick, n)
	v := start
	base := time.Now().UTC()
	for i := 0; i < n; i++ {
		if i > 0 {
			v += deltas(i - 1)
		}
		ticks[i] = models.Tick{
			Symbol:    "R_100",
			Value:     models.NewDecimal(v),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
	}
	return ticks
}

func TestMomentum(t *testing.T) {
	s := NewMomentum()

	t.Run("steady uptrend with breathing room signals call", func(t *testing.T) {
		// net drift up, small pullbacks keep RSI out of overbought
		ticks := series(100, func(i int) float64 {
			if i%2 == 0 {
				return 0.4
			}
			return -0.15
		}, s.WindowSize())

		sig := s.Analyze(ticks)
		if sig.Direction != models.ContractCall {
			t.Fatalf("direction = %q, want CALL (%s)", sig.Direction, sig.Details)
		}
		if sig.Probability <= 0.5 || sig.Probability > 0.95 {
			t.Errorf("probability %v out of range", sig.Probability)
		}
	})

	t.Run("steady downtrend signals put", func(t *testing.T) {
		ticks := series(100, func(i int) float64 {
			if i%2 == 0 {
				return -0.4
			}
			return 0.15
		}, s.WindowSize())

		sig := s.Analyze(ticks)
		if sig.Direction != models.ContractPut {
			t.Fatalf("direction = %q, want PUT (%s)", sig.Direction, sig.Details)
		}
	})

	t.Run("flat market produces no direction", func(t *testing.T) {
		ticks := series(100, func(int) float64 { return 0 }, s.WindowSize())

		sig := s.Analyze(ticks)
		if sig.HasDirection() {
			t.Fatalf("flat series produced %q", sig.Direction)
		}
	})

	t.Run("overheated rally is suppressed", func(t *testing.T) {
		// relentless gains push RSI into overbought territory
		ticks := series(100, func(int) float64 { return 1 }, s.WindowSize())

		sig := s.Analyze(ticks)
		if sig.Direction == models.ContractCall {
			t.Fatal("overbought market should not signal CALL")
		}
	})

	t.Run("recovery raises the entry threshold", func(t *testing.T) {
		base := s.MinProbability(models.ModeNormal, false)
		raised := s.MinProbability(models.ModeNormal, true)
		if raised <= base {
			t.Errorf("recovery threshold %v not above base %v", raised, base)
		}
	})

	t.Run("slow mode demands more than fast mode", func(t *testing.T) {
		fast := s.MinProbability(models.ModeFast, false)
		slow := s.MinProbability(models.ModeSlow, false)
		if slow <= fast {
			t.Errorf("slow %v should exceed fast %v", slow, fast)
		}
	})
}

func TestPrecision(t *testing.T) {
	s := NewPrecision()

	t.Run("spike above the band fades to put", func(t *testing.T) {
		// quiet market, then a sharp jump through the upper band
		ticks := series(100, func(i int) float64 {
			if i >= s.WindowSize()-3 {
				return 4
			}
			if i%2 == 0 {
				return 0.02
			}
			return -0.02
		}, s.WindowSize())

		sig := s.Analyze(ticks)
		if sig.Direction != models.ContractPut {
			t.Fatalf("direction = %q, want PUT (%s)", sig.Direction, sig.Details)
		}
		if sig.Probability < s.MinProbability(models.ModeFast, false) {
			t.Errorf("spike probability %v too weak (%s)", sig.Probability, sig.Details)
		}
	})

	t.Run("collapse below the band fades to call", func(t *testing.T) {
		ticks := series(100, func(i int) float64 {
			if i >= s.WindowSize()-3 {
				return -4
			}
			if i%2 == 0 {
				return 0.02
			}
			return -0.02
		}, s.WindowSize())

		sig := s.Analyze(ticks)
		if sig.Direction != models.ContractCall {
			t.Fatalf("direction = %q, want CALL (%s)", sig.Direction, sig.Details)
		}
	})

	t.Run("price inside the bands produces no direction", func(t *testing.T) {
		ticks := series(100, func(i int) float64 {
			if i%2 == 0 {
				return 0.3
			}
			return -0.3
		}, s.WindowSize())

		sig := s.Analyze(ticks)
		if sig.HasDirection() {
			t.Fatalf("ranging series produced %q (%s)", sig.Direction, sig.Details)
		}
	})

	t.Run("requires more conviction than momentum", func(t *testing.T) {
		m := NewMomentum()
		for _, mode := range []models.OperatingMode{models.ModeFast, models.ModeNormal, models.ModeSlow} {
			if s.MinProbability(mode, false) <= m.MinProbability(mode, false) {
				t.Errorf("precision threshold not above momentum for %s", mode)
			}
		}
	})
}
