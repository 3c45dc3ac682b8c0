package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fentz26/taskpilot/internal/models"
)

type stubTransport struct {
	name  string
	err   error
	calls int
}

func (s *stubTransport) Name() string { return s.name }

func (s *stubTransport) Deliver(context.Context, *models.Notification) error {
	s.calls++
	return s.err
}

func TestLogTransport(t *testing.T) {
	lt := NewLogTransport(nil)
	if err := lt.Deliver(context.Background(), &models.Notification{ID: "n1"}); err != nil {
		t.Errorf("LogTransport should never fail, got %v", err)
	}
}

func TestMulti(t *testing.T) {
	boom := errors.New("smtp down")
	a := &stubTransport{name: "a"}
	b := &stubTransport{name: "b", err: boom}
	c := &stubTransport{name: "c"}

	err := Multi{a, b, c}.Deliver(context.Background(), &models.Notification{})
	if !errors.Is(err, boom) {
		t.Errorf("Expected wrapped failure, got %v", err)
	}
	if a.calls != 1 || b.calls != 1 || c.calls != 1 {
		t.Errorf("Every transport should be attempted, got %d %d %d", a.calls, b.calls, c.calls)
	}

	if err := (Multi{a, c}).Deliver(context.Background(), &models.Notification{}); err != nil {
		t.Errorf("Expected success, got %v", err)
	}
	if err := (Multi{}).Deliver(context.Background(), &models.Notification{}); err == nil {
		t.Error("Empty Multi should fail")
	}
}

type hangingTransport struct{}

func (hangingTransport) Name() string { return "hang" }

func (hangingTransport) Deliver(ctx context.Context, _ *models.Notification) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestWithTimeout(t *testing.T) {
	tr := WithTimeout(hangingTransport{}, 20*time.Millisecond)
	if tr.Name() != "hang" {
		t.Errorf("Expected wrapped name, got %q", tr.Name())
	}

	start := time.Now()
	err := tr.Deliver(context.Background(), &models.Notification{ID: "n1"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Delivery took %s, expected it bounded by the timeout", elapsed)
	}

	ok := &stubTransport{name: "ok"}
	if err := WithTimeout(ok, time.Second).Deliver(context.Background(), &models.Notification{}); err != nil {
		t.Errorf("Expected success, got %v", err)
	}
	if got := WithTimeout(ok, 0); got != Transport(ok) {
		t.Errorf("Zero timeout should return the transport unchanged, got %T", got)
	}
}
