package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

type observed struct {
	id      string
	outcome DeliveryOutcome
}

func newObservedSender(s *InMemoryStore, deliver DeliverFunc, opts ...SenderOption) (*NotificationSender, *[]observed) {
	var seen []observed
	opts = append(opts, WithDeliveryObserver(func(n Notification, outcome DeliveryOutcome, err error) {
		seen = append(seen, observed{id: n.ID, outcome: outcome})
	}))
	return NewNotificationSender(s, deliver, opts...), &seen
}

func TestNotificationSender_DrainDeliversAndSchedulesRetry(t *testing.T) {
	s := NewInMemoryStore()
	okID, _ := s.EnqueueNotification(Notification{SessionID: "ok", Kind: NotificationKindRepresentative, Payload: `{}`})
	badID, _ := s.EnqueueNotification(Notification{SessionID: "bad", Kind: NotificationKindRepresentative, Payload: `{}`})

	sender, seen := newObservedSender(s, func(ctx context.Context, n Notification) error {
		if n.SessionID == "bad" {
			return errors.New("boom")
		}
		return nil
	})
	base := time.Now().Add(time.Second)
	sender.now = func() time.Time { return base }

	if n := sender.Drain(context.Background()); n != 2 {
		t.Fatalf("expected 2 attempts, got %d", n)
	}
	if len(*seen) != 2 {
		t.Fatalf("observer saw %v", *seen)
	}
	if s.notes[okID].Status != NotificationDelivered {
		t.Errorf("ok row: %s", s.notes[okID].Status)
	}
	bad := s.notes[badID]
	if bad.Status != NotificationPending || bad.Attempts != 1 || !bad.DueAt.Equal(base.Add(retryBase)) {
		t.Errorf("bad row not rescheduled: %+v", bad)
	}
	if n := sender.Drain(context.Background()); n != 0 {
		t.Errorf("row retried before its due time")
	}
}

func TestNotificationSender_GivesUpAfterMaxAttempts(t *testing.T) {
	s := NewInMemoryStore()
	id, _ := s.EnqueueNotification(Notification{SessionID: "s", Kind: NotificationKindRepresentative, Payload: `{}`})
	sender, seen := newObservedSender(s, func(context.Context, Notification) error {
		return errors.New("unreachable")
	}, WithMaxAttempts(3))

	clock := time.Now().Add(time.Second)
	for i := 0; i < 3; i++ {
		sender.now = func() time.Time { return clock }
		if n := sender.Drain(context.Background()); n != 1 {
			t.Fatalf("round %d: expected 1 attempt, got %d", i, n)
		}
		clock = clock.Add(retryCap)
	}
	row := s.notes[id]
	if row.Status != NotificationDead || row.Attempts != 3 || row.LastError != "unreachable" {
		t.Fatalf("expected dead row after 3 attempts, got %+v", row)
	}
	want := []DeliveryOutcome{OutcomeRetry, OutcomeRetry, OutcomeDead}
	for i, o := range *seen {
		if o.outcome != want[i] {
			t.Errorf("attempt %d: outcome %s, want %s", i, o.outcome, want[i])
		}
	}
	sender.now = func() time.Time { return clock }
	if n := sender.Drain(context.Background()); n != 0 {
		t.Error("dead row attempted again")
	}
}

func TestNotificationSender_ReleaseStale(t *testing.T) {
	s := NewInMemoryStore()
	if _, err := s.EnqueueNotification(Notification{SessionID: "s", Kind: NotificationKindRepresentative, Payload: `{}`}); err != nil {
		t.Fatal(err)
	}
	claimedAt := time.Now().Add(time.Second)
	if _, err := s.ClaimNotifications(claimedAt, 10); err != nil {
		t.Fatal(err)
	}
	sender := NewNotificationSender(s, nil, WithClaimTimeout(time.Minute))
	sender.now = func() time.Time { return claimedAt.Add(30 * time.Second) }
	if n, err := sender.ReleaseStale(); err != nil || n != 0 {
		t.Fatalf("claim released too early: %d %v", n, err)
	}
	sender.now = func() time.Time { return claimedAt.Add(2 * time.Minute) }
	if n, err := sender.ReleaseStale(); err != nil || n != 1 {
		t.Fatalf("expected 1 released claim, got %d %v", n, err)
	}
}

func TestNotificationSender_Defaults(t *testing.T) {
	sender := NewNotificationSender(NewInMemoryStore(), nil, WithSenderInterval(-1), WithSenderBatch(0), WithMaxAttempts(0))
	if sender.opts.Interval != DefaultSenderInterval || sender.opts.Batch != DefaultSenderBatch || sender.opts.MaxAttempts != DefaultSenderMaxAttempts {
		t.Errorf("unexpected defaults: %+v", sender.opts)
	}
}

func TestRetryDelay(t *testing.T) {
	cases := map[int]time.Duration{0: 10 * time.Second, 1: 20 * time.Second, 2: 40 * time.Second, 9: retryCap, 64: retryCap}
	for attempts, want := range cases {
		if got := retryDelay(attempts); got != want {
			t.Errorf("retryDelay(%d) = %v, want %v", attempts, got, want)
		}
	}
}
