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

	"github.com/alanyoungcy/perpbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSender struct {
	mu     sync.Mutex
	titles []string
	err    error
	delay  time.Duration
}

func (r *recordingSender) Send(ctx context.Context, title, _ string) error {
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	return r.err
}

func (r *recordingSender) Name() string { return "recording" }

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.titles)
}

func TestNotifierFiltersByKind(t *testing.T) {
	rec := &recordingSender{}
	n := NewNotifier([]Sender{rec}, []string{"tp", " SL "}, time.Second, testLogger())

	n.HandleEvent(context.Background(), domain.Event{Kind: domain.EventOpen, Symbol: "BTCUSDT"})
	n.HandleEvent(context.Background(), domain.Event{Kind: domain.EventTP, Symbol: "BTCUSDT"})
	n.HandleEvent(context.Background(), domain.Event{Kind: domain.EventSL, Symbol: "ETHUSDT"})
	n.Wait()

	if got := rec.count(); got != 2 {
		t.Fatalf("sent %d, want 2", got)
	}
}

func TestNotifierFailureDoesNotReachCaller(t *testing.T) {
	failing := &recordingSender{err: errors.New("boom")}
	ok := &recordingSender{}
	n := NewNotifier([]Sender{failing, ok}, nil, time.Second, testLogger())

	n.HandleEvent(context.Background(), domain.Event{Kind: domain.EventClose, Symbol: "BTCUSDT"})
	n.Wait()
	if ok.count() != 1 {
		t.Fatal("healthy sender must still receive the event")
	}
	if err := n.Send(context.Background(), "t", "m"); err == nil || !strings.Contains(err.Error(), "1 sender(s) failed") {
		t.Fatalf("Send error = %v", err)
	}
}

func TestNotifierDoesNotBlockCaller(t *testing.T) {
	slow := &recordingSender{delay: time.Second}
	n := NewNotifier([]Sender{slow}, nil, 50*time.Millisecond, testLogger())

	start := time.Now()
	n.HandleEvent(context.Background(), domain.Event{Kind: domain.EventOpen})
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("HandleEvent blocked on the sender")
	}
	n.Wait()
	if slow.count() != 0 {
		t.Fatal("send should have timed out")
	}
}

func TestFormat(t *testing.T) {
	title, msg := Format(domain.Event{Kind: domain.EventTP, Symbol: "BTCUSDT", Side: domain.PositionLong, Price: 101, Qty: 2, PnL: 2, Reason: "TP"})
	if title != "Take profit BTCUSDT" {
		t.Fatalf("title = %q", title)
	}
	for _, want := range []string{"price: 101", "qty: 2", "pnl: 2.0000", "reason: TP"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q missing %q", msg, want)
		}
	}
	_, msg = Format(domain.Event{Kind: domain.EventOpen, Symbol: "BTCUSDT"})
	if strings.Contains(msg, "pnl") {
		t.Fatalf("open message should not carry pnl: %q", msg)
	}
}

func TestFanout(t *testing.T) {
	a, b := &countingSink{}, &countingSink{}
	Fanout{a, nil, b}.HandleEvent(context.Background(), domain.Event{Kind: domain.EventOpen})
	if a.n != 1 || b.n != 1 {
		t.Fatalf("fanout counts = %d, %d", a.n, b.n)
	}
}

type countingSink struct{ n int }

func (c *countingSink) HandleEvent(context.Context, domain.Event) { c.n++ }

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTOKEN/sendMessage" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42").WithAPIURL(srv.URL)
	if err := s.Send(context.Background(), "Title", "body"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["chat_id"] != "42" || got["text"] != "*Title*\nbody" {
		t.Fatalf("payload = %+v", got)
	}

	bad := NewTelegramSender("OTHER", "42").WithAPIURL(srv.URL)
	if err := bad.Send(context.Background(), "Title", "body"); err == nil {
		t.Fatal("expected error on 404")
	}
}

func TestDiscordSender(t *testing.T) {
	var got discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = discordPayload{}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	d := NewDiscordSender(srv.URL)

	if err := d.Send(context.Background(), "Title", "body"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(got.Embeds) != 1 || got.Embeds[0].Title != "Title" || got.Embeds[0].Description != "body" {
		t.Fatalf("payload = %+v", got)
	}

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err := d.SendEvent(context.Background(), domain.Event{
		Kind: domain.EventSL, Symbol: "ETHUSDT", Side: domain.PositionShort,
		Price: 2500.5, Qty: 0.4, PnL: -12.25, Reason: "Hard-SL", At: at,
	})
	if err != nil {
		t.Fatalf("SendEvent: %v", err)
	}
	e := got.Embeds[0]
	if e.Title != "Stop loss ETHUSDT" || e.Color != colorSL || e.Timestamp != "2026-03-01T12:00:00Z" {
		t.Fatalf("embed = %+v", e)
	}
	fields := make(map[string]string)
	for _, f := range e.Fields {
		fields[f.Name] = f.Value
	}
	want := map[string]string{"Side": "SHORT", "Price": "2500.5", "Qty": "0.4", "PnL": "-12.2500", "Reason": "Hard-SL"}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("field %s = %q, want %q", k, fields[k], v)
		}
	}
}

func TestEventEmbedColours(t *testing.T) {
	tests := []struct {
		kind  domain.EventKind
		color int
		pnl   bool
	}{
		{domain.EventOpen, colorOpen, false},
		{domain.EventTP, colorTP, true},
		{domain.EventSL, colorSL, true},
		{domain.EventClose, colorClose, true},
	}
	for _, tt := range tests {
		e := eventEmbed(domain.Event{Kind: tt.kind, Symbol: "BTCUSDT"})
		if e.Color != tt.color {
			t.Errorf("%s colour = %#x, want %#x", tt.kind, e.Color, tt.color)
		}
		hasPnL := false
		for _, f := range e.Fields {
			hasPnL = hasPnL || f.Name == "PnL"
		}
		if hasPnL != tt.pnl {
			t.Errorf("%s pnl field = %v, want %v", tt.kind, hasPnL, tt.pnl)
		}
	}
}

type eventRecorder struct {
	recordingSender
	events []domain.Event
}

func (e *eventRecorder) SendEvent(_ context.Context, evt domain.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
	return nil
}

func TestNotifierPrefersEventSender(t *testing.T) {
	plain := &recordingSender{}
	rich := &eventRecorder{}
	n := NewNotifier([]Sender{plain, rich}, nil, time.Second, testLogger())

	n.HandleEvent(context.Background(), domain.Event{Kind: domain.EventTP, Symbol: "BTCUSDT", PnL: 3})
	n.Wait()
	if plain.count() != 1 {
		t.Fatalf("plain sender got %d", plain.count())
	}
	if len(rich.events) != 1 || rich.events[0].PnL != 3 || rich.count() != 0 {
		t.Fatalf("event sender events=%v plain sends=%d", rich.events, rich.count())
	}

	if err := n.Send(context.Background(), "perpbot started", "mode: trade"); err != nil {
		t.Fatal(err)
	}
	if rich.count() != 1 {
		t.Fatal("lifecycle notices go through Send")
	}
}
