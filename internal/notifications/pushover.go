// internal/notifications/pushover.go - Pushover delivery channel
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"edgewatch/internal/config"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

const UserAgent = "edgewatch/1.0"

// PushoverMessage represents a message sent to Pushover API
type PushoverMessage struct {
	Token     string `json:"token"`
	User      string `json:"user"`
	Message   string `json:"message"`
	Title     string `json:"title,omitempty"`
	Priority  int    `json:"priority,omitempty"`
	Sound     string `json:"sound,omitempty"`
	Device    string `json:"device,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// PushoverResponse represents the API response
type PushoverResponse struct {
	Status  int      `json:"status"`
	Request string   `json:"request,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

type PushoverChannel struct {
	config     config.PushoverConfig
	httpClient *http.Client
}

func NewPushoverChannel(cfg config.PushoverConfig, httpClient *http.Client) *PushoverChannel {
	return &PushoverChannel{config: cfg, httpClient: httpClient}
}

func (p *PushoverChannel) Name() string { return "pushover" }

func (p *PushoverChannel) Send(ctx context.Context, msg Message) error {
	title := msg.Title
	if title == "" {
		title = p.config.Title
	}
	return p.send(ctx, &PushoverMessage{
		Token:     p.config.APIToken,
		User:      p.config.UserKey,
		Message:   msg.Text,
		Title:     title,
		Priority:  p.config.Priority,
		Sound:     p.config.Sound,
		Device:    p.config.Device,
		Timestamp: msg.Timestamp,
	})
}

// send posts the message to the Pushover API. Client errors (4xx) are
// permanent: retrying an invalid token or user key cannot succeed.
func (p *PushoverChannel) send(ctx context.Context, message *PushoverMessage) error {
	jsonData, err := json.Marshal(message)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to marshal message: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.APIURL, bytes.NewReader(jsonData))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	var pushoverResp PushoverResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&pushoverResp)

	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(fmt.Errorf("pushover API rejected message (%d): %v", resp.StatusCode, pushoverResp.Errors))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pushover API returned %d", resp.StatusCode)
	}
	if decodeErr != nil {
		return fmt.Errorf("failed to decode response: %w", decodeErr)
	}
	if pushoverResp.Status != 1 {
		return backoff.Permanent(fmt.Errorf("pushover API error: %v", pushoverResp.Errors))
	}

	logrus.WithFields(logrus.Fields{
		"title":    message.Title,
		"priority": message.Priority,
		"request":  pushoverResp.Request,
	}).Debug("Pushover notification sent")

	return nil
}
