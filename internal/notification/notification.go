package notification

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"convergence-trading-bot/internal/events"
	"convergence-trading-bot/internal/logging"

	"github.com/go-resty/resty/v2"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifyHalt      NotificationType = "halt"
	NotifyResume    NotificationType = "resume"
	NotifyTrade     NotificationType = "trade"
	NotifyLifecycle NotificationType = "lifecycle"
)

// Notification represents a notification message
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Symbol    string
	Timestamp time.Time
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans operator alerts out to every enabled provider
type Manager struct {
	notifiers []Notifier
	logger    *logging.Logger
}

// NewManager creates a new notification manager
func NewManager(logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{logger: logger.WithComponent("Notifier")}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Enabled reports whether any provider will actually send.
func (m *Manager) Enabled() bool {
	for _, n := range m.notifiers {
		if n.IsEnabled() {
			return true
		}
	}
	return false
}

// Send sends a notification to all enabled providers. Every provider is
// tried; the last failure is returned.
func (m *Manager) Send(notification *Notification) error {
	var lastErr error
	for _, n := range m.notifiers {
		if !n.IsEnabled() {
			continue
		}
		if err := n.Send(notification); err != nil {
			m.logger.Warn("Notification failed", "provider", n.Name(), "error", err)
			lastErr = err
		}
	}
	return lastErr
}

// Attach subscribes the manager to the events an operator has to see.
func (m *Manager) Attach(bus *events.EventBus) {
	for _, t := range []events.EventType{
		events.EventTradingHalted,
		events.EventHaltCleared,
		events.EventOrderFilled,
		events.EventBotStarted,
		events.EventBotStopped,
	} {
		bus.Subscribe(t, m.Handle)
	}
}

// Handle converts a bus event into a notification and sends it.
func (m *Manager) Handle(event events.Event) {
	n := FromEvent(event)
	if n == nil {
		return
	}
	_ = m.Send(n)
}

// FromEvent renders an alert for event, or nil for events that are not
// worth a message.
func FromEvent(event events.Event) *Notification {
	n := &Notification{Symbol: event.Symbol, Timestamp: event.Timestamp}

	switch event.Type {
	case events.EventTradingHalted:
		n.Type = NotifyHalt
		n.Title = fmt.Sprintf("%s trading halted", event.Symbol)
		n.Message = fmt.Sprintf("Reason: %v\nClear the halt with DELETE /api/halt once resolved.", event.Data["reason"])
	case events.EventHaltCleared:
		n.Type = NotifyResume
		n.Title = fmt.Sprintf("%s trading resumed", event.Symbol)
		n.Message = "The halt was cleared by an operator."
	case events.EventOrderFilled:
		n.Type = NotifyTrade
		side := strings.ToUpper(fmt.Sprint(event.Data["side"]))
		n.Title = fmt.Sprintf("%s %s filled", event.Symbol, side)
		n.Message = fmt.Sprintf("Size: %v\nPrice: %v\nOrder: %v", event.Data["size"], event.Data["price"], event.Data["order_id"])
	case events.EventBotStarted:
		n.Type = NotifyLifecycle
		n.Title = fmt.Sprintf("%s bot started", event.Symbol)
		n.Message = "Control loop is running."
	case events.EventBotStopped:
		n.Type = NotifyLifecycle
		n.Title = fmt.Sprintf("%s bot stopped", event.Symbol)
		n.Message = "Control loop has exited."
	default:
		return nil
	}
	return n
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

const telegramAPIURL = "https://api.telegram.org"

// TelegramNotifier sends notifications via the Telegram bot API
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	client   *resty.Client
}

// TelegramConfig holds Telegram configuration
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Enabled  bool
	APIURL   string // Defaults to the public bot API
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	apiURL := config.APIURL
	if apiURL == "" {
		apiURL = telegramAPIURL
	}
	return &TelegramNotifier{
		botToken: config.BotToken,
		chatID:   config.ChatID,
		enabled:  config.Enabled && config.BotToken != "" && config.ChatID != "",
		client:   resty.New().SetBaseURL(apiURL).SetTimeout(10 * time.Second),
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(notification *Notification) error {
	if !t.enabled {
		return nil
	}

	resp, err := t.client.R().
		SetBody(map[string]interface{}{
			"chat_id":    t.chatID,
			"text":       fmt.Sprintf("*%s*\n\n%s", notification.Title, notification.Message),
			"parse_mode": "Markdown",
		}).
		Post("/bot" + t.botToken + "/sendMessage")
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode())
	}
	return nil
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *resty.Client
}

// DiscordConfig holds Discord configuration
type DiscordConfig struct {
	WebhookURL string
	Enabled    bool
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled && config.WebhookURL != "",
		client:     resty.New().SetTimeout(10 * time.Second),
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func (d *DiscordNotifier) Send(notification *Notification) error {
	if !d.enabled {
		return nil
	}

	color := 0x00FF00 // Green
	if notification.Type == NotifyHalt {
		color = 0xFF0000 // Red
	}

	embed := map[string]interface{}{
		"title":       notification.Title,
		"description": notification.Message,
		"color":       color,
		"timestamp":   notification.Timestamp.Format(time.RFC3339),
	}
	if notification.Symbol != "" {
		embed["fields"] = []map[string]interface{}{
			{"name": "Symbol", "value": notification.Symbol, "inline": true},
		}
	}

	resp, err := d.client.R().
		SetBody(map[string]interface{}{"embeds": []map[string]interface{}{embed}}).
		Post(d.webhookURL)
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode())
	}
	return nil
}
