package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DeliverFunc hands one notification to the outside world.
type DeliverFunc func(ctx context.Context, n Notification) error

// DeliveryOutcome is what the sender did with a notification after one attempt.
type DeliveryOutcome string

const (
	OutcomeDelivered DeliveryOutcome = "delivered"
	OutcomeRetry     DeliveryOutcome = "retry"
	OutcomeDead      DeliveryOutcome = "dead"
)

// DeliveryObserver sees every attempt. err is nil for OutcomeDelivered.
type DeliveryObserver func(n Notification, outcome DeliveryOutcome, err error)

const (
	DefaultSenderInterval    = 5 * time.Second
	DefaultSenderBatch       = 10
	DefaultSenderMaxAttempts = 8
	DefaultClaimTimeout      = 5 * time.Minute

	retryBase = 10 * time.Second
	retryCap  = time.Hour
)

// SenderOpts configures a NotificationSender.
type SenderOpts struct {
	Interval     time.Duration
	Batch        int
	MaxAttempts  int
	ClaimTimeout time.Duration
	Observer     DeliveryObserver
}

// SenderOption mutates SenderOpts.
type SenderOption func(*SenderOpts)

func WithSenderInterval(d time.Duration) SenderOption {
	return func(o *SenderOpts) { o.Interval = d }
}

func WithSenderBatch(n int) SenderOption {
	return func(o *SenderOpts) { o.Batch = n }
}

// WithMaxAttempts bounds delivery attempts before a notification is marked dead.
func WithMaxAttempts(n int) SenderOption {
	return func(o *SenderOpts) { o.MaxAttempts = n }
}

// WithClaimTimeout sets how long a claim may stay open before
// ReleaseStale hands the row back to the queue.
func WithClaimTimeout(d time.Duration) SenderOption {
	return func(o *SenderOpts) { o.ClaimTimeout = d }
}

func WithDeliveryObserver(fn DeliveryObserver) SenderOption {
	return func(o *SenderOpts) { o.Observer = fn }
}

// NotificationSender drains the notification queue on a fixed interval.
type NotificationSender struct {
	repo    OutboxRepo
	deliver DeliverFunc
	opts    SenderOpts
	now     func() time.Time
}

// NewNotificationSender builds a sender. Zero or negative option values fall
// back to the defaults.
func NewNotificationSender(repo OutboxRepo, deliver DeliverFunc, opts ...SenderOption) *NotificationSender {
	cfg := SenderOpts{
		Interval:     DefaultSenderInterval,
		Batch:        DefaultSenderBatch,
		MaxAttempts:  DefaultSenderMaxAttempts,
		ClaimTimeout: DefaultClaimTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSenderInterval
	}
	if cfg.Batch <= 0 {
		cfg.Batch = DefaultSenderBatch
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultSenderMaxAttempts
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = DefaultClaimTimeout
	}
	return &NotificationSender{repo: repo, deliver: deliver, opts: cfg, now: time.Now}
}

// ReleaseStale hands back claims older than the claim timeout. It runs once
// at startup and then from the maintenance scheduler.
func (s *NotificationSender) ReleaseStale() (int, error) {
	n, err := s.repo.ReleaseStaleClaims(s.now().Add(-s.opts.ClaimTimeout))
	if err != nil {
		return 0, fmt.Errorf("release stale claims: %w", err)
	}
	if n > 0 {
		slog.Info("NotificationSender.ReleaseStale: returned claims to queue", "count", n)
	}
	return n, nil
}

// Run drains the queue until ctx is done. It returns nil on shutdown so it
// can share an errgroup with the HTTP server.
func (s *NotificationSender) Run(ctx context.Context) error {
	slog.Info("NotificationSender.Run: started", "interval", s.opts.Interval, "maxAttempts", s.opts.MaxAttempts)
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("NotificationSender.Run: stopped")
			return nil
		case <-ticker.C:
			s.Drain(ctx)
		}
	}
}

// Drain claims one batch and attempts each row once. It returns the number of
// rows attempted.
func (s *NotificationSender) Drain(ctx context.Context) int {
	now := s.now()
	batch, err := s.repo.ClaimNotifications(now, s.opts.Batch)
	if err != nil {
		slog.Error("NotificationSender.Drain: claim failed", "error", err)
		return 0
	}
	for _, n := range batch {
		if ctx.Err() != nil {
			// Leave the rest claimed; ReleaseStale returns them after restart.
			return len(batch)
		}
		outcome, deliverErr := s.attempt(ctx, now, n)
		if s.opts.Observer != nil {
			s.opts.Observer(n, outcome, deliverErr)
		}
	}
	return len(batch)
}

func (s *NotificationSender) attempt(ctx context.Context, now time.Time, n Notification) (DeliveryOutcome, error) {
	deliverErr := s.deliver(ctx, n)
	if deliverErr == nil {
		if err := s.repo.CompleteNotification(n.ID); err != nil {
			slog.Error("NotificationSender.attempt: complete failed", "id", n.ID, "error", err)
		}
		slog.Debug("NotificationSender.attempt: delivered", "id", n.ID, "sessionID", n.SessionID, "kind", n.Kind)
		return OutcomeDelivered, nil
	}

	if n.Attempts+1 >= s.opts.MaxAttempts {
		slog.Error("NotificationSender.attempt: giving up", "id", n.ID, "sessionID", n.SessionID, "attempts", n.Attempts+1, "error", deliverErr)
		if err := s.repo.AbandonNotification(n.ID, deliverErr.Error()); err != nil {
			slog.Error("NotificationSender.attempt: abandon failed", "id", n.ID, "error", err)
		}
		return OutcomeDead, deliverErr
	}

	due := now.Add(retryDelay(n.Attempts))
	slog.Warn("NotificationSender.attempt: delivery failed, will retry", "id", n.ID, "attempts", n.Attempts+1, "due", due, "error", deliverErr)
	if err := s.repo.RetryNotification(n.ID, deliverErr.Error(), due); err != nil {
		slog.Error("NotificationSender.attempt: retry failed", "id", n.ID, "error", err)
	}
	return OutcomeRetry, deliverErr
}

// retryDelay doubles from retryBase per prior attempt, up to retryCap.
func retryDelay(attempts int) time.Duration {
	d := retryBase
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= retryCap {
			return retryCap
		}
	}
	return d
}
