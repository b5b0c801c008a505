package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/IshaanNene/forecourt/internal/reconcile"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

func TestSchedulerAddValidates(t *testing.T) {
	s := NewScheduler(testLogger)
	if err := s.Add(&Schedule{Name: "none", Dealers: []string{"avon"}}); err == nil {
		t.Error("expected an error for a zero interval")
	}
	if err := s.Add(&Schedule{Name: "empty", Interval: time.Minute}); err == nil {
		t.Error("expected an error for a schedule without dealers")
	}
}

func TestSchedulerRunsImmediatelyAndOnTick(t *testing.T) {
	var mu sync.Mutex
	calls := make(map[string]int)
	done := make(chan struct{})

	crawl := func(ctx context.Context, id string) error {
		mu.Lock()
		defer mu.Unlock()
		calls[id]++
		if calls["b"] == 2 {
			close(done)
		}
		if id == "a" {
			return errors.New("listing page down")
		}
		return nil
	}

	s := NewScheduler(testLogger)
	if err := s.Add(&Schedule{Name: "fleet", Dealers: []string{"a", "b"}, Interval: 20 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background(), crawl)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not run twice")
	}
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	if calls["a"] < 2 {
		t.Errorf("expected a failing dealer to keep being scheduled, got %d calls", calls["a"])
	}
}

func TestSchedulerStopWaitsForRound(t *testing.T) {
	started := make(chan struct{})
	var finished bool

	s := NewScheduler(testLogger)
	s.Add(&Schedule{Name: "slow", Dealers: []string{"avon"}, Interval: time.Hour})
	s.Start(context.Background(), func(ctx context.Context, id string) error {
		close(started)
		<-ctx.Done()
		finished = true
		return ctx.Err()
	})

	<-started
	s.Stop()
	if !finished {
		t.Error("expected Stop to wait for the in-flight crawl")
	}
}

func TestWebhookChannel(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewNotifier(testLogger)
	n.AddChannel(NewWebhookChannel(srv.URL, time.Second, testLogger))
	n.NotifyChanges(context.Background(), "avon", "run-1", []reconcile.Change{
		{URL: "https://d.example/used/cars/ranger", Type: reconcile.ChangeModified, Field: "price", OldValue: "24500", NewValue: "23000"},
	})

	if got.DealerID != "avon" || got.RunID != "run-1" || got.Count != 1 {
		t.Fatalf("unexpected event %+v", got)
	}
	if got.Changes[0].NewValue != "23000" {
		t.Errorf("unexpected change %+v", got.Changes[0])
	}
}

func TestWebhookChannelRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL, time.Second, testLogger)
	err := ch.Send(context.Background(), Event{DealerID: "avon", Count: 1})
	if err == nil {
		t.Fatal("expected an error for HTTP 503")
	}
}

type countingChannel struct{ sent int }

func (c *countingChannel) Type() NotificationType { return "count" }

func (c *countingChannel) Send(ctx context.Context, ev Event) error {
	c.sent++
	return nil
}

func TestNotifierSkipsEmptyChanges(t *testing.T) {
	ch := &countingChannel{}
	n := NewNotifier(testLogger)
	n.AddChannel(ch)
	n.AddChannel(NewLogChannel(testLogger))

	n.NotifyChanges(context.Background(), "avon", "run-1", nil)
	if ch.sent != 0 {
		t.Errorf("expected no delivery without changes, got %d", ch.sent)
	}
	n.NotifyChanges(context.Background(), "avon", "run-2", []reconcile.Change{{Type: reconcile.ChangeAdded}})
	if ch.sent != 1 {
		t.Errorf("expected one delivery, got %d", ch.sent)
	}
}
