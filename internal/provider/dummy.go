package provider

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

var ErrDummyRejected = errors.New("dummy provider: simulated failure")

// Dummy logs instead of sending. FailureRate in [0,1] rejects that share of
// sends, which is handy for watching retries locally.
type Dummy struct {
	FailureRate float64
	Latency     time.Duration
	Log         *zap.Logger
}

func NewDummy(log *zap.Logger) *Dummy {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dummy{Log: log, Latency: 50 * time.Millisecond}
}

func (d *Dummy) SendEmail(ctx context.Context, from, to, content string) error {
	if d.Latency > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.Latency):
		}
	}
	if d.FailureRate > 0 && rand.Float64() < d.FailureRate {
		return ErrDummyRejected
	}
	d.Log.Info("dummy email sent",
		zap.String("from", from),
		zap.String("to", to),
		zap.Int("bytes", len(content)))
	return nil
}
