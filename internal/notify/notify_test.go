package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func event(account string) model.BalanceChanged {
	return model.BalanceChanged{
		AccountID:   account,
		NewBalance:  decimal.NewFromInt(1100),
		Delta:       decimal.NewFromInt(300),
		Reason:      model.ReasonPositionClose,
		ReferenceID: "pos-1",
		At:          time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

type fakeTransport struct {
	mu       sync.Mutex
	failures int
	calls    int
	got      []model.BalanceChanged
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Deliver(_ context.Context, evt model.BalanceChanged) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("transport down")
	}
	f.got = append(f.got, evt)
	return nil
}

func (f *fakeTransport) snapshot() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, len(f.got)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestDispatcher_FansOut(t *testing.T) {
	a, b := &fakeTransport{}, &fakeTransport{}
	d := NewDispatcher(Options{Workers: 1, Logger: quietLogger()}, a, b)
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)

	d.Publish(event("acct-1"))
	d.Publish(event("acct-2"))

	waitFor(t, func() bool {
		_, na := a.snapshot()
		_, nb := b.snapshot()
		return na == 2 && nb == 2
	})
	cancel()
	d.Wait()
}

func TestDispatcher_RetriesFailedDelivery(t *testing.T) {
	flaky := &fakeTransport{failures: 2}
	d := NewDispatcher(Options{Workers: 1, Attempts: 3, Backoff: time.Millisecond, Logger: quietLogger()}, flaky)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	d.Publish(event("acct-1"))
	waitFor(t, func() bool {
		_, n := flaky.snapshot()
		return n == 1
	})
	calls, _ := flaky.snapshot()
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDispatcher_GivesUpAfterAttempts(t *testing.T) {
	down := &fakeTransport{failures: 100}
	healthy := &fakeTransport{}
	d := NewDispatcher(Options{Workers: 1, Attempts: 2, Backoff: time.Millisecond, Logger: quietLogger()}, down, healthy)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	d.Publish(event("acct-1"))
	waitFor(t, func() bool {
		_, n := healthy.snapshot()
		return n == 1
	})
	calls, delivered := down.snapshot()
	if calls != 2 || delivered != 0 {
		t.Errorf("down transport calls=%d delivered=%d, want 2/0", calls, delivered)
	}
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	d := NewDispatcher(Options{QueueSize: 2, Logger: quietLogger()})

	// Not started: nothing drains the queue, and Publish must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			d.Publish(event("acct-1"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
	if len(d.queue) != 2 {
		t.Errorf("queue len = %d, want 2", len(d.queue))
	}
}

func TestWSHub_RoutesByAccount(t *testing.T) {
	hub := NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	connA, _, err := websocket.DefaultDialer.Dial(wsURL+"?account_id=acct-a", nil)
	if err != nil {
		t.Fatalf("dial a: %v", err)
	}
	defer connA.Close()
	connB, _, err := websocket.DefaultDialer.Dial(wsURL+"?account_id=acct-b", nil)
	if err != nil {
		t.Fatalf("dial b: %v", err)
	}
	defer connB.Close()

	waitFor(t, func() bool { return hub.Clients() == 2 })

	if err := hub.Deliver(ctx, event("acct-b")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	connB.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := connB.ReadMessage()
	if err != nil {
		t.Fatalf("read b: %v", err)
	}
	var msg struct {
		Type       string `json:"type"`
		AccountID  string `json:"account_id"`
		NewBalance string `json:"new_balance"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != "balance_changed" || msg.AccountID != "acct-b" || msg.NewBalance != "1100" {
		t.Errorf("unexpected message: %s", data)
	}

	connA.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := connA.ReadMessage(); err == nil {
		t.Error("account a must not receive account b's event")
	}
}

func TestWSHub_RequiresAccount(t *testing.T) {
	hub := NewWSHub()
	req := httptest.NewRequest("GET", "/api/v1/ws", nil)
	w := httptest.NewRecorder()
	hub.HandleWS(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestEncodeEvent(t *testing.T) {
	key, msg, err := encodeEvent(event("acct-1"))
	if err != nil {
		t.Fatalf("encodeEvent: %v", err)
	}
	if key != "balance.position_close" {
		t.Errorf("routing key = %q", key)
	}
	if msg.DeliveryMode != amqp.Persistent || msg.ContentType != "application/json" {
		t.Errorf("unexpected publishing: %+v", msg)
	}
	if msg.Headers["account_id"] != "acct-1" {
		t.Errorf("account header = %v", msg.Headers["account_id"])
	}

	var body model.BalanceChanged
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if !body.Delta.Equal(decimal.NewFromInt(300)) {
		t.Errorf("delta = %s", body.Delta)
	}
}
