package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/safezone/mibs/internal/core"
	"github.com/safezone/mibs/internal/delivery"
	"github.com/safezone/mibs/internal/metrics"
)

var (
	ErrAlreadyRunning = errors.New("scheduler already running")
	ErrNotRunning     = errors.New("scheduler not running")
)

// Store is the slice of the message store the scheduler needs.
type Store interface {
	ClaimDueMessages(ctx context.Context, now time.Time, staleWindow time.Duration, limit int) ([]core.Message, error)
	LoadRecipients(ctx context.Context, messageID uuid.UUID) ([]core.Recipient, error)
	StampSendAttempt(ctx context.Context, ids []uuid.UUID, at time.Time) error
	MarkMessageSent(ctx context.Context, id uuid.UUID) error
	PendingCount(ctx context.Context, now time.Time) (int, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, msg core.Message, recipients []core.Recipient) delivery.Report
}

type Options struct {
	PollInterval time.Duration // pause between ticks
	StaleWindow  time.Duration // how long a claim holds before it can be retaken
	BatchSize    int           // max messages per claim, 0 = all due
	Clock        Clock
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.StaleWindow <= 0 {
		o.StaleWindow = time.Minute
	}
	if o.BatchSize < 0 {
		o.BatchSize = 0
	}
	if o.Clock == nil {
		o.Clock = SystemClock{}
	}
	return o
}

// TickStats summarizes one claim-deliver-settle cycle.
type TickStats struct {
	Claimed    int
	Sent       int
	Incomplete int
	Errors     int
}

// Scheduler periodically claims due messages and hands them to the
// Deliverer, one message at a time.
type Scheduler struct {
	store     Store
	deliverer Deliverer
	opt       Options
	log       *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(store Store, deliverer Deliverer, opt Options, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		store:     store,
		deliverer: deliverer,
		opt:       opt.withDefaults(),
		log:       log.Named("scheduler"),
	}
}

// Start launches the loop on its own goroutine. The first tick runs
// immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runningLocked() {
		return ErrAlreadyRunning
	}
	if ctx == nil {
		ctx = context.Background()
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(loopCtx, s.done)
	s.log.Info("started",
		zap.Duration("poll_interval", s.opt.PollInterval),
		zap.Duration("stale_window", s.opt.StaleWindow),
		zap.Int("batch_size", s.opt.BatchSize))
	return nil
}

// Cancel stops the loop and blocks until the in-flight tick, if any, is done.
func (s *Scheduler) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.runningLocked() {
		return ErrNotRunning
	}
	s.cancel()
	<-s.done
	s.cancel, s.done = nil, nil
	s.log.Info("stopped")
	return nil
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningLocked()
}

func (s *Scheduler) runningLocked() bool {
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		// both may be ready at once; cancellation wins
		if ctx.Err() != nil {
			return
		}

		// A tick is never cut short by Cancel.
		_, _ = s.Tick(context.WithoutCancel(ctx))
		timer.Reset(s.opt.PollInterval)
	}
}

// Tick runs one cycle synchronously. It only fails when the claim itself
// fails; per-message problems are logged and counted in the stats.
func (s *Scheduler) Tick(ctx context.Context) (TickStats, error) {
	var stats TickStats
	start := time.Now()
	// timestamptz keeps microseconds
	now := s.opt.Clock.Now().UTC().Truncate(time.Microsecond)

	msgs, err := s.store.ClaimDueMessages(ctx, now, s.opt.StaleWindow, s.opt.BatchSize)
	if err != nil {
		metrics.ClaimTotal.WithLabelValues("error").Inc()
		metrics.Ticks.WithLabelValues("error").Inc()
		s.log.Error("claim failed", zap.Error(err))
		return stats, fmt.Errorf("claim due messages: %w", err)
	}
	if len(msgs) == 0 {
		metrics.ClaimTotal.WithLabelValues("empty").Inc()
	} else {
		metrics.ClaimTotal.WithLabelValues("ok").Inc()
	}
	metrics.ClaimBatchSize.Observe(float64(len(msgs)))
	stats.Claimed = len(msgs)

	for _, msg := range msgs {
		switch s.process(ctx, msg, now) {
		case resultSent:
			stats.Sent++
		case resultIncomplete:
			stats.Incomplete++
		default:
			stats.Errors++
		}
	}

	if n, err := s.store.PendingCount(ctx, now); err != nil {
		s.log.Warn("pending count failed", zap.Error(err))
	} else {
		metrics.PendingMessages.Set(float64(n))
	}

	metrics.Ticks.WithLabelValues("ok").Inc()
	metrics.TickDuration.Observe(time.Since(start).Seconds())
	if stats.Claimed > 0 {
		s.log.Info("tick",
			zap.Int("claimed", stats.Claimed),
			zap.Int("sent", stats.Sent),
			zap.Int("incomplete", stats.Incomplete),
			zap.Int("errors", stats.Errors),
			zap.Duration("took", time.Since(start)))
	}
	return stats, nil
}

type messageResult string

const (
	resultSent       messageResult = "sent"
	resultIncomplete messageResult = "incomplete"
	resultError      messageResult = "error"
)

// process settles one claimed message. Whatever happens here stays with
// this message; an unsent message is retaken once its claim goes stale.
func (s *Scheduler) process(ctx context.Context, msg core.Message, now time.Time) (res messageResult) {
	log := s.log.With(zap.String("message_id", msg.ID.String()))
	defer func() { metrics.MessagesCompleted.WithLabelValues(string(res)).Inc() }()

	recipients, err := s.store.LoadRecipients(ctx, msg.ID)
	if err != nil {
		log.Error("load recipients failed", zap.Error(err))
		return resultError
	}

	if len(recipients) > 0 {
		ids := make([]uuid.UUID, len(recipients))
		for i := range recipients {
			ids[i] = recipients[i].ID
		}
		if err := s.store.StampSendAttempt(ctx, ids, now); err != nil {
			log.Error("stamp send attempt failed", zap.Error(err))
			return resultError
		}
		for i := range recipients {
			recipients[i].SendAttemptTime = &now
		}
	}

	rep := s.deliverer.Deliver(ctx, msg, recipients)
	if !rep.Delivered() {
		log.Info("delivery incomplete",
			zap.Int("recipients", len(rep.Results)),
			zap.Int("failed", rep.Count(delivery.Failed)),
			zap.Int("persist_failed", rep.Count(delivery.PersistFailed)))
		return resultIncomplete
	}

	if err := s.store.MarkMessageSent(ctx, msg.ID); err != nil {
		if errors.Is(err, core.ErrUnsentRecipients) {
			// a recipient was added mid-delivery; the next claim picks it up
			log.Info("delivery incomplete, recipients added during delivery")
			return resultIncomplete
		}
		log.Error("mark message sent failed", zap.Error(err))
		return resultError
	}
	log.Debug("message sent", zap.Int("recipients", len(recipients)))
	return resultSent
}
