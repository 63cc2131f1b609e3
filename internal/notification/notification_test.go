package notification

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"convergence-trading-bot/internal/events"
	"convergence-trading-bot/internal/logging"
)

type recordingNotifier struct {
	mu      sync.Mutex
	enabled bool
	err     error
	sent    []*Notification
}

func (r *recordingNotifier) Name() string    { return "recording" }
func (r *recordingNotifier) IsEnabled() bool { return r.enabled }
func (r *recordingNotifier) Send(n *Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.err
}

func quietManager() *Manager {
	return NewManager(logging.NewWithWriter(io.Discard, &logging.Config{Level: "ERROR"}))
}

func TestFromEvent(t *testing.T) {
	testCases := []struct {
		name      string
		event     events.Event
		wantType  NotificationType
		wantInMsg string
	}{
		{
			name:      "halt carries reason",
			event:     events.Event{Type: events.EventTradingHalted, Symbol: "BTCUSDT", Data: map[string]interface{}{"reason": "3 consecutive API errors"}},
			wantType:  NotifyHalt,
			wantInMsg: "3 consecutive API errors",
		},
		{
			name:      "fill carries size",
			event:     events.Event{Type: events.EventOrderFilled, Symbol: "BTCUSDT", Data: map[string]interface{}{"side": "buy", "size": "0.5", "price": 101.0, "order_id": "o1"}},
			wantType:  NotifyTrade,
			wantInMsg: "Size: 0.5",
		},
		{
			name:     "cleared",
			event:    events.Event{Type: events.EventHaltCleared, Symbol: "BTCUSDT"},
			wantType: NotifyResume,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			n := FromEvent(tc.event)
			if n == nil {
				t.Fatal("FromEvent returned nil")
			}
			if n.Type != tc.wantType {
				t.Errorf("type = %s, want %s", n.Type, tc.wantType)
			}
			if !strings.Contains(n.Message, tc.wantInMsg) {
				t.Errorf("message %q does not contain %q", n.Message, tc.wantInMsg)
			}
		})
	}

	if n := FromEvent(events.Event{Type: events.EventStateTransition}); n != nil {
		t.Errorf("state transitions should not notify, got %+v", n)
	}
}

func TestManagerSkipsDisabledAndReturnsLastError(t *testing.T) {
	m := quietManager()
	disabled := &recordingNotifier{}
	failing := &recordingNotifier{enabled: true, err: errors.New("boom")}
	ok := &recordingNotifier{enabled: true}
	m.AddNotifier(disabled)
	m.AddNotifier(failing)
	m.AddNotifier(ok)

	if !m.Enabled() {
		t.Fatal("manager with enabled providers reports disabled")
	}
	if err := m.Send(&Notification{Title: "x"}); err == nil {
		t.Error("expected the provider error")
	}
	if len(disabled.sent) != 0 || len(failing.sent) != 1 || len(ok.sent) != 1 {
		t.Errorf("sent = %d/%d/%d, want 0/1/1", len(disabled.sent), len(failing.sent), len(ok.sent))
	}
}

func TestAttachNotifiesOnHalt(t *testing.T) {
	m := quietManager()
	rec := &recordingNotifier{enabled: true}
	m.AddNotifier(rec)

	bus := events.NewEventBus("BTCUSDT")
	m.Attach(bus)
	bus.PublishHalt("manual: maintenance")
	bus.PublishStateTransition("READY_TO_ENTER", "INCOMPLETE_ENTRY", "entry signal")
	bus.Drain()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.sent) != 1 || rec.sent[0].Type != NotifyHalt {
		t.Fatalf("sent = %+v, want one halt alert", rec.sent)
	}
}

func TestTelegramNotifierPostsMessage(t *testing.T) {
	payloads := make(chan map[string]interface{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTOKEN/sendMessage" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		payloads <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewTelegramNotifier(TelegramConfig{BotToken: "TOKEN", ChatID: "42", Enabled: true, APIURL: srv.URL})
	err := n.Send(&Notification{Title: "BTCUSDT trading halted", Message: "Reason: test", Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := <-payloads
	if got["chat_id"] != "42" || !strings.Contains(got["text"].(string), "trading halted") {
		t.Errorf("payload = %v", got)
	}
}

func TestDiscordNotifierRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := NewDiscordNotifier(DiscordConfig{WebhookURL: srv.URL, Enabled: true})
	if err := n.Send(&Notification{Title: "x", Timestamp: time.Now()}); err == nil {
		t.Error("expected an error for a 400 response")
	}
}

func TestNotifierDisabledWithoutCredentials(t *testing.T) {
	if NewTelegramNotifier(TelegramConfig{Enabled: true}).IsEnabled() {
		t.Error("telegram enabled without token")
	}
	if NewDiscordNotifier(DiscordConfig{Enabled: true}).IsEnabled() {
		t.Error("discord enabled without webhook")
	}
}
