package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/uzpay/gateway-service/internal/models"
	"github.com/uzpay/gateway-service/internal/payerr"
	"github.com/uzpay/gateway-service/internal/telemetry"
)

func TestMain(m *testing.M) {
	telemetry.Logger = zap.NewNop()
	m.Run()
}

type fakeStore struct {
	queue []*models.Notification
}

func (s *fakeStore) InsertNotification(ctx context.Context, n *models.Notification) error {
	s.queue = append(s.queue, n)
	return nil
}

func (s *fakeStore) DueNotifications(ctx context.Context, now time.Time, limit int) ([]*models.Notification, error) {
	var due []*models.Notification
	for _, n := range s.queue {
		if n.Status == models.NotificationQueued && !n.NextAttemptAt.After(now) {
			due = append(due, n)
		}
		if len(due) == limit {
			break
		}
	}
	return due, nil
}

func (s *fakeStore) MarkNotification(ctx context.Context, id, status string, attempts int, nextAttemptAt time.Time, lastError string) error {
	for _, n := range s.queue {
		if n.ID == id {
			n.Status = status
			n.Attempts = attempts
			n.NextAttemptAt = nextAttemptAt
			n.LastError = lastError
			return nil
		}
	}
	return errors.New("notification not found")
}

func (s *fakeStore) FailedNotifications(ctx context.Context, limit int) ([]*models.Notification, error) {
	var failed []*models.Notification
	for _, n := range s.queue {
		if n.Status == models.NotificationFailed {
			failed = append(failed, n)
		}
	}
	return failed, nil
}

type scriptedSender struct {
	calls    int
	failures int
}

func (s *scriptedSender) Send(ctx context.Context, n *models.Notification) error {
	s.calls++
	if s.calls <= s.failures {
		return errors.New("target unreachable")
	}
	return nil
}

func testIntent() *models.PaymentIntent {
	return &models.PaymentIntent{
		OrderID:         "ORDER-123",
		GatewayName:     "Payme",
		AmountTiyin:     10000000,
		Currency:        models.Currency,
		NotificationURL: "http://erp.invalid/hook",
	}
}

// drain runs redelivery rounds with the backoff schedule collapsed: each
// round treats every queued notification as due.
func drain(t *testing.T, r *Retrier, store *fakeStore, rounds int) {
	t.Helper()
	for i := 0; i < rounds; i++ {
		due, err := store.DueNotifications(context.Background(), time.Now().Add(time.Hour), 50)
		if err != nil {
			t.Fatal(err)
		}
		for _, n := range due {
			r.attempt(context.Background(), n)
		}
	}
}

func TestNotifySynchronousDelivery(t *testing.T) {
	store := &fakeStore{}
	sender := &scriptedSender{}
	r := NewRetrier(store, sender, time.Second, 3, time.Second)

	if err := r.Notify(context.Background(), testIntent(), models.StatusCompleted); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if sender.calls != 1 {
		t.Errorf("expected 1 send, got %d", sender.calls)
	}
	if len(store.queue) != 0 {
		t.Error("successful synchronous delivery must not queue anything")
	}
}

func TestNotifyFailureReturnsCodedError(t *testing.T) {
	sender := &scriptedSender{failures: 1}
	r := NewRetrier(&fakeStore{}, sender, time.Second, 3, time.Second)

	err := r.Notify(context.Background(), testIntent(), models.StatusCompleted)
	if !payerr.Is(err, payerr.CodeNotificationFailed) {
		t.Errorf("expected notification failed code, got %v", err)
	}
}

func TestScheduleBackoffGrows(t *testing.T) {
	store := &fakeStore{}
	r := NewRetrier(store, &scriptedSender{}, 2*time.Second, 3, time.Second)

	before := time.Now()
	if err := r.Schedule(context.Background(), testIntent(), models.StatusCompleted, 1); err != nil {
		t.Fatal(err)
	}
	if err := r.Schedule(context.Background(), testIntent(), models.StatusCompleted, 2); err != nil {
		t.Fatal(err)
	}
	if len(store.queue) != 2 {
		t.Fatalf("expected 2 queued notifications, got %d", len(store.queue))
	}

	// delay = base × 2^attempts: 4s after one attempt, 8s after two.
	d1 := store.queue[0].NextAttemptAt.Sub(before)
	d2 := store.queue[1].NextAttemptAt.Sub(before)
	if d1 < 3*time.Second || d1 > 5*time.Second {
		t.Errorf("first retry delay %v outside 4s backoff", d1)
	}
	if d2 < 7*time.Second || d2 > 9*time.Second {
		t.Errorf("second retry delay %v outside 8s backoff", d2)
	}
}

func TestRetrierDeliversOnThirdAttempt(t *testing.T) {
	store := &fakeStore{}
	sender := &scriptedSender{failures: 2}
	r := NewRetrier(store, sender, time.Millisecond, 3, time.Millisecond)

	// The synchronous attempt fails and the notification is queued with
	// one attempt recorded.
	if err := r.Notify(context.Background(), testIntent(), models.StatusCompleted); err == nil {
		t.Fatal("expected first attempt to fail")
	}
	if err := r.Schedule(context.Background(), testIntent(), models.StatusCompleted, 1); err != nil {
		t.Fatal(err)
	}

	drain(t, r, store, 5)

	if sender.calls != 3 {
		t.Errorf("expected exactly 3 delivery attempts, got %d", sender.calls)
	}
	n := store.queue[0]
	if n.Status != models.NotificationDelivered {
		t.Errorf("expected delivered, got %s", n.Status)
	}
	if n.Attempts != 3 {
		t.Errorf("expected 3 recorded attempts, got %d", n.Attempts)
	}
}

func TestRetrierExhaustsBudget(t *testing.T) {
	store := &fakeStore{}
	sender := &scriptedSender{failures: 100}
	r := NewRetrier(store, sender, time.Millisecond, 3, time.Millisecond)

	if err := r.Notify(context.Background(), testIntent(), models.StatusCompleted); err == nil {
		t.Fatal("expected first attempt to fail")
	}
	if err := r.Schedule(context.Background(), testIntent(), models.StatusCompleted, 1); err != nil {
		t.Fatal(err)
	}

	drain(t, r, store, 10)

	// One synchronous attempt plus two redeliveries, then the budget is
	// exhausted and the notification stops moving.
	if sender.calls != 3 {
		t.Errorf("expected 3 total attempts, got %d", sender.calls)
	}
	n := store.queue[0]
	if n.Status != models.NotificationFailed {
		t.Errorf("expected permanently failed, got %s", n.Status)
	}
	if n.LastError == "" {
		t.Error("last error must be recorded")
	}

	failed, err := store.FailedNotifications(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 {
		t.Errorf("permanently failed notification must stay queryable, got %d", len(failed))
	}
}
