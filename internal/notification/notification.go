// Package notification delivers best-effort license lifecycle notices to
// operators via an outbound webhook and optionally Telegram.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"maya-licensing/internal/database"
)

// Notifier interface for different notification providers
type Notifier interface {
	Send(ctx context.Context, event string, lic database.License) error
	Name() string
	IsEnabled() bool
}

// Manager fans a lifecycle event out to all enabled providers.
type Manager struct {
	notifiers []Notifier
	enabled   bool
}

// NewManager creates a new notification manager
func NewManager() *Manager {
	return &Manager{
		notifiers: make([]Notifier, 0),
		enabled:   true,
	}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// NotifyLicenseEvent sends one lifecycle event to all enabled providers.
// The last provider error is returned so callers can log it; delivery to
// the remaining providers is attempted regardless.
func (m *Manager) NotifyLicenseEvent(ctx context.Context, event string, lic database.License) error {
	if !m.enabled {
		return nil
	}

	var lastErr error
	for _, n := range m.notifiers {
		if n.IsEnabled() {
			if err := n.Send(ctx, event, lic); err != nil {
				lastErr = fmt.Errorf("%s: %w", n.Name(), err)
			}
		}
	}
	return lastErr
}

// =============================================================================
// WEBHOOK NOTIFIER
// =============================================================================

// WebhookNotifier POSTs lifecycle events as JSON to a configured endpoint.
type WebhookNotifier struct {
	url     string
	token   string
	enabled bool
	client  *http.Client
}

// WebhookConfig holds webhook notifier configuration
type WebhookConfig struct {
	URL     string
	Token   string
	Enabled bool
}

// webhookPayload is the wire shape of a lifecycle event
type webhookPayload struct {
	Event     string    `json:"event"`
	Email     string    `json:"email"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewWebhookNotifier creates a webhook notifier
func NewWebhookNotifier(config WebhookConfig) *WebhookNotifier {
	return &WebhookNotifier{
		url:     config.URL,
		token:   config.Token,
		enabled: config.Enabled && config.URL != "",
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookNotifier) Name() string {
	return "webhook"
}

func (w *WebhookNotifier) IsEnabled() bool {
	return w.enabled
}

func (w *WebhookNotifier) Send(ctx context.Context, event string, lic database.License) error {
	if !w.enabled {
		return nil
	}

	payload := webhookPayload{
		Event:     event,
		Email:     lic.Email,
		Code:      lic.Code,
		ExpiresAt: lic.ExpiresAt,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}

	return nil
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

// TelegramNotifier sends lifecycle notices to an operator chat.
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
}

// TelegramConfig holds Telegram configuration
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Enabled  bool
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: config.BotToken,
		chatID:   config.ChatID,
		enabled:  config.Enabled && config.BotToken != "" && config.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(ctx context.Context, event string, lic database.License) error {
	if !t.enabled {
		return nil
	}

	var message string
	switch event {
	case "expired":
		message = fmt.Sprintf("*License expired*\n\nCode: %s\nOwner: %s\nExpired: %s",
			lic.Code, lic.Email, lic.ExpiresAt.Format("2006-01-02"))
	case "expires_soon":
		message = fmt.Sprintf("*License expires soon*\n\nCode: %s\nOwner: %s\nExpires: %s",
			lic.Code, lic.Email, lic.ExpiresAt.Format("2006-01-02"))
	default:
		message = fmt.Sprintf("*License event: %s*\n\nCode: %s\nOwner: %s", event, lic.Code, lic.Email)
	}

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       message,
		"parse_mode": "Markdown",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	return nil
}
