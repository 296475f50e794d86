package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"steamwatch/internal/transport"
	logx "steamwatch/pkg/logx"
)

type fakeAdapter struct {
	mu    sync.Mutex
	sent  []string
	fails int // fail the first N sends
}

func (f *fakeAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                          { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return transport.MessageRef{}, errors.New("send failed")
	}
	f.sent = append(f.sent, text)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) EditText(context.Context, transport.MessageRef, string, *transport.SendOptions) error {
	return nil
}
func (f *fakeAdapter) AnswerCallback(context.Context, string, string) error { return nil }

func (f *fakeAdapter) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestNotifyDelivers(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{}
	s := New(Config{Workers: 1, RatePerSec: 1000}, ad, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	err := s.Notify(context.Background(), transport.Notification{
		Target: transport.ChatTarget{ChatID: 42},
		Text:   "Update detected",
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}

	waitFor(t, func() bool { return len(ad.sentTexts()) == 1 })
	if got := ad.sentTexts()[0]; got != "Update detected" {
		t.Fatalf("sent %q", got)
	}
}

func TestNotifyRetries(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{fails: 2}
	s := New(Config{
		Workers:       1,
		RatePerSec:    1000,
		RetryMax:      3,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
	}, ad, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), transport.Notification{
		Target: transport.ChatTarget{ChatID: 1},
		Text:   "retry me",
	}); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	waitFor(t, func() bool { return len(ad.sentTexts()) == 1 })
}

func TestNotifyDedup(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{}
	s := New(Config{Workers: 1, RatePerSec: 1000, DedupWindow: time.Minute}, ad, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	n := transport.Notification{Target: transport.ChatTarget{ChatID: 7}, Text: "same text"}
	for i := 0; i < 3; i++ {
		if err := s.Notify(context.Background(), n); err != nil {
			t.Fatalf("Notify #%d: %v", i, err)
		}
	}
	// A different text is not suppressed.
	if err := s.Notify(context.Background(), transport.Notification{
		Target: transport.ChatTarget{ChatID: 7}, Text: "other text",
	}); err != nil {
		t.Fatalf("Notify other: %v", err)
	}

	waitFor(t, func() bool { return len(ad.sentTexts()) == 2 })
	time.Sleep(50 * time.Millisecond)
	if n := len(ad.sentTexts()); n != 2 {
		t.Fatalf("sent %d messages, want 2", n)
	}
}

func TestNotifyAfterStop(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{}
	s := New(Config{Workers: 1, RatePerSec: 1000}, ad, logx.Nop())
	s.Start(context.Background())
	s.Stop(context.Background())

	err := s.Notify(context.Background(), transport.Notification{
		Target: transport.ChatTarget{ChatID: 1}, Text: "late",
	})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestStopDrainsQueue(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{}
	s := New(Config{Workers: 1, RatePerSec: 1000}, ad, logx.Nop())
	s.Start(context.Background())

	for i := 0; i < 5; i++ {
		if err := s.Notify(context.Background(), transport.Notification{
			Target: transport.ChatTarget{ChatID: int64(i + 1)},
			Text:   "msg",
		}); err != nil {
			t.Fatalf("Notify #%d: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	if n := len(ad.sentTexts()); n != 5 {
		t.Fatalf("drained %d messages, want 5", n)
	}
}
