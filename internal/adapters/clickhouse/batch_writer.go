package clickhouse

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/LeandroPivovar/zeenix-backend-sub005/pkg/logger"
	"github.com/LeandroPivovar/zeenix-backend-sub005/pkg/models"
)

// EventWriter buffers engine events and flushes them in batches. It
// satisfies the decision loop's event sink: Log never blocks on the
// database, a failed flush costs the batch and nothing else.
type EventWriter struct {
	repo *Repository

	bufferMu sync.Mutex
	buffer   []models.EngineEvent
	maxBatch int

	flushTicker *time.Ticker
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewEventWriter creates the writer and starts its flush loop
func NewEventWriter(repo *Repository, maxBatch int, maxWait time.Duration) *EventWriter {
	ctx, cancel := context.WithCancel(context.Background())

	w := &EventWriter{
		repo:        repo,
		buffer:      make([]models.EngineEvent, 0, maxBatch),
		maxBatch:    maxBatch,
		flushTicker: time.NewTicker(maxWait),
		ctx:         ctx,
		cancel:      cancel,
	}

	w.wg.Add(1)
	go w.autoFlush()

	return w
}

// Log buffers one engine event
func (w *EventWriter) Log(userID int64, level, category, message string) {
	ev := models.EngineEvent{
		Timestamp: time.Now().UTC(),
		UserID:    userID,
		Level:     level,
		Category:  category,
		Message:   message,
	}

	w.bufferMu.Lock()
	w.buffer = append(w.buffer, ev)
	shouldFlush := len(w.buffer) >= w.maxBatch
	w.bufferMu.Unlock()

	if shouldFlush {
		w.flush()
	}
}

// autoFlush flushes the buffer periodically
func (w *EventWriter) autoFlush() {
	defer w.wg.Done()

	for {
		select {
		case <-w.flushTicker.C:
			w.flush()
		case <-w.ctx.Done():
			// final flush before exit
			w.flush()
			return
		}
	}
}

// flush writes buffered events via the repository
func (w *EventWriter) flush() {
	w.bufferMu.Lock()
	if len(w.buffer) == 0 {
		w.bufferMu.Unlock()
		return
	}

	toWrite := make([]models.EngineEvent, len(w.buffer))
	copy(toWrite, w.buffer)
	w.buffer = w.buffer[:0]
	w.bufferMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := w.repo.SaveEvents(ctx, toWrite); err != nil {
		logger.Error("failed to flush engine events",
			zap.Int("records", len(toWrite)),
			zap.Error(err),
		)
	}
}

// Close stops the writer and flushes remaining data
func (w *EventWriter) Close() error {
	w.flushTicker.Stop()
	w.cancel()
	w.wg.Wait()
	return nil
}
