package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/safezone/mibs/internal/core"
	"github.com/safezone/mibs/internal/metrics"
	"github.com/safezone/mibs/internal/provider"
)

// Outcome is what happened to a single recipient during one attempt.
type Outcome int

const (
	Sent Outcome = iota + 1
	AlreadySent
	Failed
	// PersistFailed means the transport accepted the email but the sent flag
	// could not be written. The recipient will be retried.
	PersistFailed
)

func (o Outcome) String() string {
	switch o {
	case Sent:
		return "sent"
	case AlreadySent:
		return "already_sent"
	case Failed:
		return "failed"
	case PersistFailed:
		return "persist_failed"
	default:
		return "unknown"
	}
}

// Delivered reports whether the outcome counts toward full delivery.
func (o Outcome) Delivered() bool { return o == Sent || o == AlreadySent }

type Result struct {
	RecipientID uuid.UUID
	Email       string
	Outcome     Outcome
	Err         error
}

// Report is the per-recipient record of one delivery attempt for a message.
type Report struct {
	MessageID uuid.UUID
	Results   []Result
}

// Delivered is true iff there was at least one recipient and every one of
// them ended up sent.
func (r Report) Delivered() bool {
	if len(r.Results) == 0 {
		return false
	}
	ok := true
	for _, res := range r.Results {
		ok = ok && res.Outcome.Delivered()
	}
	return ok
}

// Count returns how many recipients ended with the given outcome.
func (r Report) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// RecipientStore persists per-recipient progress.
type RecipientStore interface {
	MarkRecipientSent(ctx context.Context, id uuid.UUID) error
}

type Options struct {
	Sender      string        // From address
	Subject     string        // default "MIBS"
	QPS         float64       // sustained transport rate, <= 0 means unlimited
	Burst       int           // burst for short spikes
	SendTimeout time.Duration // per-send timeout
	Journal     Journal       // nil means no journal
}

func (o Options) withDefaults() Options {
	if o.Sender == "" {
		o.Sender = "mibs@localhost"
	}
	if o.Subject == "" {
		o.Subject = "MIBS"
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 30 * time.Second
	}
	if o.Journal == nil {
		o.Journal = NopJournal{}
	}
	return o
}

// Service attempts delivery of one message to its recipients.
type Service struct {
	store   RecipientStore
	prov    provider.Provider
	opt     Options
	limiter *rate.Limiter
	log     *zap.Logger
	now     func() time.Time
}

func NewService(store RecipientStore, prov provider.Provider, opt Options, log *zap.Logger) *Service {
	opt = opt.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	limit := rate.Inf
	if opt.QPS > 0 {
		limit = rate.Limit(opt.QPS)
	}
	return &Service{
		store:   store,
		prov:    prov,
		opt:     opt,
		limiter: rate.NewLimiter(limit, opt.Burst),
		log:     log,
		now:     time.Now,
	}
}

// Deliver sends msg to every recipient that is not already sent. Each success
// is persisted before the next recipient is tried, so a retry skips whoever
// already got the email.
func (s *Service) Deliver(ctx context.Context, msg core.Message, recipients []core.Recipient) Report {
	rep := Report{MessageID: msg.ID, Results: make([]Result, 0, len(recipients))}
	for _, rc := range recipients {
		res := s.deliverOne(ctx, msg, rc)
		rep.Results = append(rep.Results, res)
		metrics.SendTotal.WithLabelValues(res.Outcome.String()).Inc()
		if res.Outcome != AlreadySent {
			s.opt.Journal.Record(ctx, msg.ID, res, s.now())
		}
	}
	return rep
}

func (s *Service) deliverOne(ctx context.Context, msg core.Message, rc core.Recipient) Result {
	res := Result{RecipientID: rc.ID, Email: rc.EmailAddress}
	if rc.Sent {
		res.Outcome = AlreadySent
		return res
	}
	log := s.log.With(
		zap.String("message_id", msg.ID.String()),
		zap.String("recipient_id", rc.ID.String()),
	)

	if err := s.limiter.Wait(ctx); err != nil {
		res.Outcome, res.Err = Failed, fmt.Errorf("rate limit: %w", err)
		log.Warn("send skipped", zap.Error(err))
		return res
	}

	sctx, cancel := context.WithTimeout(ctx, s.opt.SendTimeout)
	start := time.Now()
	err := s.prov.SendEmail(sctx, s.opt.Sender, rc.EmailAddress, ComposeEmail(s.opt.Sender, rc.EmailAddress, s.opt.Subject, msg.Body))
	cancel()
	metrics.SendDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		res.Outcome, res.Err = Failed, err
		log.Warn("send failed", zap.String("to", rc.EmailAddress), zap.Error(err))
		return res
	}

	if err := s.store.MarkRecipientSent(ctx, rc.ID); err != nil {
		res.Outcome, res.Err = PersistFailed, err
		log.Error("recipient sent but not recorded", zap.Error(err))
		return res
	}
	res.Outcome = Sent
	log.Debug("sent", zap.String("to", rc.EmailAddress))
	return res
}

// ComposeEmail renders a plain-text message ready for the SMTP DATA phase.
func ComposeEmail(from, to, subject, body string) string {
	headers := []string{
		"From: " + from,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
	}
	return strings.Join(headers, "\r\n") + "\r\n\r\n" + "Hello,\n" + body
}
