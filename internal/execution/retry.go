package execution

import (
	"context"
	"time"
)

// Classification tells the retry loop whether an attempt is worth repeating
type Classification int

const (
	Retryable Classification = iota
	Fatal
)

// Classifier maps an error to its retry classification
type Classifier func(error) Classification

// Policy is a typed retry policy: bounded attempts with an exponential
// backoff curve, short-circuited by the classifier.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Classify    Classifier
}

// Do runs op until it succeeds, the classifier declares the error fatal,
// or the attempt budget is spent. The last error is returned either way.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	delay := p.BaseDelay

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if p.Classify != nil && p.Classify(err) == Fatal {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return err
}
