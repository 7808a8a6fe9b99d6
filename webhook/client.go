// Package webhook forwards shortcut activations to a custom HTTP endpoint so
// users can drive their own automation from global shortcuts.
//
// Example usage:
//
//	client, err := webhook.NewClient("https://example.com/webhook")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.SubmitActivation(webhook.ShortcutEvent{
//		Name:        "<Control><Alt>k",
//		ActivatedAt: time.Now(),
//	})
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
)

// Configuration constants
const (
	defaultRequestTimeout = 10 * time.Second
	maxRetries            = 3
	baseRetryDelay        = 1 * time.Second

	payloadSource  = "kando-integration-mutter"
	payloadVersion = "1.0.0"
	eventType      = "shortcut.pressed"
)

// ShortcutEvent describes a single shortcut activation.
type ShortcutEvent struct {
	Name        string    `json:"name"`
	ActivatedAt time.Time `json:"activated_at"`
}

// WebhookPayload represents the JSON structure sent to the webhook endpoint.
// ID is stable across retries of the same delivery.
type WebhookPayload struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
	Version   string                 `json:"version"`
	Event     string                 `json:"event"`
	Shortcut  ShortcutEvent          `json:"shortcut"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Client provides methods for sending shortcut activations to a webhook endpoint.
type Client struct {
	webhookURL    string
	httpClient    *http.Client
	DebugMode     bool
	CustomHeaders map[string]string

	retryDelay time.Duration
	hostname   string

	ctx     context.Context
	cancel  context.CancelFunc
	pending sync.WaitGroup
}

// NewClient creates a new webhook client.
// The webhookURL should be a valid HTTP or HTTPS URL.
//
// If webhookURL is empty, it will attempt to read from KANDO_WEBHOOK_URL
// environment variable.
func NewClient(webhookURL string) (*Client, error) {
	if webhookURL == "" {
		webhookURL = os.Getenv("KANDO_WEBHOOK_URL")
	}

	if webhookURL == "" {
		return nil, fmt.Errorf("webhook URL not provided\n\nSet via:\n  1. KANDO_WEBHOOK_URL environment variable\n  2. webhook.url in config.toml\n\nExample: https://example.com/kando/webhook")
	}

	if !strings.HasPrefix(webhookURL, "http://") && !strings.HasPrefix(webhookURL, "https://") {
		return nil, fmt.Errorf("invalid webhook URL: must start with http:// or https://\n\nProvided: %s", webhookURL)
	}

	hostname, _ := os.Hostname()
	ctx, cancel := context.WithCancel(context.Background())

	client := &Client{
		webhookURL: webhookURL,
		httpClient: &http.Client{
			Timeout: defaultRequestTimeout,
		},
		CustomHeaders: make(map[string]string),
		retryDelay:    baseRetryDelay,
		hostname:      hostname,
		ctx:           ctx,
		cancel:        cancel,
	}

	return client, nil
}

// Close cancels pending retries and waits for in-flight deliveries to finish.
func (c *Client) Close() error {
	c.cancel()
	c.pending.Wait()
	return nil
}

// debugLog prints debug messages if debug mode is enabled
func (c *Client) debugLog(format string, args ...interface{}) {
	if c.DebugMode {
		color.Cyan("[WEBHOOK DEBUG] "+format, args...)
	}
}

// SubmitActivation sends one shortcut activation to the webhook endpoint.
func (c *Client) SubmitActivation(event ShortcutEvent) error {
	if err := c.validateEvent(event); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	payload := WebhookPayload{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Source:    payloadSource,
		Version:   payloadVersion,
		Event:     eventType,
		Shortcut:  event,
	}
	if c.hostname != "" {
		payload.Metadata = map[string]interface{}{"host": c.hostname}
	}

	return c.sendPayload(payload)
}

// Activated delivers the activation in the background. Failures are logged.
func (c *Client) Activated(name string, at time.Time) {
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		if err := c.SubmitActivation(ShortcutEvent{Name: name, ActivatedAt: at}); err != nil {
			color.Red("[WEBHOOK] ✗ Failed to send activation of %s: %v\n", name, err)
			return
		}
		c.debugLog("Delivered activation of %s", name)
	}()
}

// sendPayload sends the webhook payload with retry logic.
func (c *Client) sendPayload(payload WebhookPayload) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	c.debugLog("Payload: %s", string(jsonData))

	var lastErr error
	retryDelay := c.retryDelay

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			c.debugLog("Retry attempt %d/%d after %v", attempt, maxRetries, retryDelay)
			select {
			case <-time.After(retryDelay):
			case <-c.ctx.Done():
				return fmt.Errorf("delivery cancelled after %d attempts: %w", attempt-1, lastErr)
			}
			retryDelay *= 2 // Exponential backoff
		}

		req, err := http.NewRequestWithContext(c.ctx, http.MethodPost, c.webhookURL, bytes.NewReader(jsonData))
		if err != nil {
			lastErr = fmt.Errorf("failed to create request: %w", err)
			continue
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", payloadSource+"/"+payloadVersion)
		req.Header.Set("X-Kando-Event-ID", payload.ID)
		for key, value := range c.CustomHeaders {
			req.Header.Set(key, value)
		}

		c.debugLog("Sending POST request to %s", c.webhookURL)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		c.debugLog("Response status: %d, body: %s", resp.StatusCode, string(body))

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			c.debugLog("Successfully sent payload")
			return nil
		}

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// Client errors - don't retry
			return fmt.Errorf("webhook endpoint returned error %d: %s\n\nTroubleshooting:\n  1. Verify webhook URL is correct\n  2. Check authentication headers if required\n  3. Verify endpoint accepts JSON payloads", resp.StatusCode, string(body))
		}

		// Server errors - retry
		lastErr = fmt.Errorf("webhook endpoint returned error %d: %s", resp.StatusCode, string(body))
	}

	return fmt.Errorf("failed after %d attempts: %w\n\nTroubleshooting:\n  1. Check network connectivity\n  2. Verify webhook endpoint is accessible\n  3. Check endpoint logs for errors", maxRetries, lastErr)
}

// validateEvent checks if an event is valid before submission.
func (c *Client) validateEvent(event ShortcutEvent) error {
	if event.Name == "" {
		return fmt.Errorf("name is required")
	}
	if event.ActivatedAt.IsZero() {
		return fmt.Errorf("activated_at is required")
	}
	return nil
}

// SetHeader sets a custom HTTP header to be included in all webhook requests.
// This is useful for authentication tokens or API keys.
func (c *Client) SetHeader(key, value string) {
	c.CustomHeaders[key] = value
}

// SetTimeout sets the HTTP request timeout.
func (c *Client) SetTimeout(timeout time.Duration) {
	c.httpClient.Timeout = timeout
}
