package agent

import (
	"github.com/LeandroPivovar/zeenix-backend-sub005/pkg/models"
)

// tickBuffer is a fixed-capacity window over the most recent ticks.
// Not goroutine safe: the loop appends and reads it under its own lock.
type tickBuffer struct {
	ticks []models.Tick
	cap   int
}

func newTickBuffer(capacity int) *tickBuffer {
	return &tickBuffer{
		ticks: make([]models.Tick, 0, capacity),
		cap:   capacity,
	}
}

// Append adds a tick, evicting the oldest once the window is full
func (b *tickBuffer) Append(t models.Tick) {
	if len(b.ticks) == b.cap {
		copy(b.ticks, b.ticks[1:])
		b.ticks[len(b.ticks)-1] = t
		return
	}
	b.ticks = append(b.ticks, t)
}

// Len returns the number of buffered ticks
func (b *tickBuffer) Len() int {
	return len(b.ticks)
}

// Window returns a copy of the latest n ticks, nil if fewer are buffered
func (b *tickBuffer) Window(n int) []models.Tick {
	if len(b.ticks) < n {
		return nil
	}
	out := make([]models.Tick, n)
	copy(out, b.ticks[len(b.ticks)-n:])
	return out
}

// Reset drops all buffered ticks
func (b *tickBuffer) Reset() {
	b.ticks = b.ticks[:0]
}
