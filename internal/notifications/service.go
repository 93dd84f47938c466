// internal/notifications/service.go - event fan-out to delivery channels
package notifications

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"edgewatch/internal/config"
	"edgewatch/internal/metrics"
	"edgewatch/internal/monitoring"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

var ErrTelegramDisabled = errors.New("telegram channel is not configured")

// Message is a rendered notification ready for a channel.
type Message struct {
	Title     string
	Text      string
	DeviceID  string
	Timestamp int64
}

// Channel delivers one rendered message. Errors wrapped with
// backoff.Permanent are not retried.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Service renders host events and delivers them through every enabled
// channel. It implements monitoring.Notifier.
type Service struct {
	config    *config.NotificationConfig
	channels  []Channel
	telegram  *TelegramChannel
	throttler *Throttler
	templates templateSet
	now       func() time.Time

	mu    sync.Mutex
	stats deliveryStats
}

type deliveryStats struct {
	Sent       int       `json:"sent"`
	Failed     int       `json:"failed"`
	Throttled  int       `json:"throttled"`
	Suppressed int       `json:"suppressed"`
	LastSent   time.Time `json:"last_sent,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

// NewService creates the notification service with the channels enabled in
// cfg. A disabled configuration yields a service that drops every event.
func NewService(cfg *config.NotificationConfig) (*Service, error) {
	templates, err := parseTemplates(cfg.Templates)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	service := &Service{
		config:    cfg,
		templates: templates,
		throttler: NewThrottler(cfg.Throttle),
		now:       time.Now,
	}

	if cfg.Enabled && cfg.Pushover.Enabled {
		service.AddChannel(NewPushoverChannel(cfg.Pushover, httpClient))
	}
	if cfg.Enabled && cfg.Telegram.Enabled {
		service.telegram = NewTelegramChannel(cfg.Telegram, httpClient)
		service.AddChannel(service.telegram)
	}

	logrus.WithFields(logrus.Fields{
		"notifications_enabled": cfg.Enabled,
		"pushover_enabled":      cfg.Pushover.Enabled,
		"telegram_enabled":      cfg.Telegram.Enabled,
		"throttle_enabled":      cfg.Throttle.Enabled,
	}).Info("Notification service initialized")

	return service, nil
}

func (s *Service) AddChannel(ch Channel) {
	s.channels = append(s.channels, ch)
}

func (s *Service) Name() string { return "notifications" }

// Notify renders the event and sends it through each channel. Each channel is
// retried on its own; the returned error joins the channels that gave up.
func (s *Service) Notify(ctx context.Context, event monitoring.Event) error {
	if !s.config.Enabled || len(s.channels) == 0 {
		return nil
	}

	logger := logrus.WithFields(logrus.Fields{
		"kind":      event.Kind,
		"device_id": event.DeviceID,
	})

	if s.config.QuietHours.Active(s.now()) {
		s.record(func(st *deliveryStats) { st.Suppressed++ })
		metrics.RecordNotificationDropped(metrics.DropQuietHours)
		logger.Warn("Notification suppressed by quiet hours")
		return nil
	}
	if !s.throttler.Allow(event.DeviceID) {
		s.record(func(st *deliveryStats) { st.Throttled++ })
		metrics.RecordNotificationDropped(metrics.DropThrottled)
		logger.Warn("Notification throttled")
		return nil
	}

	text, err := s.templates.render(event)
	if err != nil {
		return err
	}
	msg := Message{
		Text:      text,
		DeviceID:  event.DeviceID,
		Timestamp: event.Timestamp,
	}

	var errs []error
	for _, ch := range s.channels {
		if err := s.deliver(ctx, ch, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
			continue
		}
		logger.WithField("channel", ch.Name()).Info("Notification sent")
	}
	return errors.Join(errs...)
}

// Forward sends a free-form update to one subscriber chat.
func (s *Service) Forward(ctx context.Context, chatID int64, text string) error {
	if s.telegram == nil {
		return ErrTelegramDisabled
	}
	return s.retry(ctx, func() error {
		return s.telegram.SendTo(ctx, chatID, text)
	})
}

// TestNotification sends a test message through every channel.
func (s *Service) TestNotification(ctx context.Context, message string) error {
	if !s.config.Enabled || len(s.channels) == 0 {
		return fmt.Errorf("notifications are not enabled or configured")
	}

	msg := Message{Title: "edgewatch test notification", Text: message, Timestamp: s.now().Unix()}
	var errs []error
	for _, ch := range s.channels {
		if err := ch.Send(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) deliver(ctx context.Context, ch Channel, msg Message) error {
	err := s.retry(ctx, func() error {
		return ch.Send(ctx, msg)
	})
	if err != nil {
		s.record(func(st *deliveryStats) {
			st.Failed++
			st.LastError = err.Error()
		})
		return err
	}
	s.record(func(st *deliveryStats) {
		st.Sent++
		st.LastSent = s.now()
	})
	return nil
}

func (s *Service) retry(ctx context.Context, op func() error) error {
	expBo := backoff.NewExponentialBackOff()
	expBo.InitialInterval = s.config.Retry.InitialInterval
	expBo.MaxElapsedTime = s.config.Retry.MaxElapsedTime
	bo := backoff.WithContext(backoff.WithMaxRetries(expBo, s.config.Retry.MaxRetries), ctx)
	return backoff.Retry(op, bo)
}

func (s *Service) record(update func(*deliveryStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	update(&s.stats)
}

// GetStats returns notification statistics
func (s *Service) GetStats() map[string]interface{} {
	s.mu.Lock()
	st := s.stats
	s.mu.Unlock()

	channels := make([]string, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch.Name())
	}

	stats := map[string]interface{}{
		"enabled":          s.config.Enabled,
		"channels":         channels,
		"pushover_enabled": s.config.Pushover.Enabled,
		"telegram_enabled": s.config.Telegram.Enabled,
		"throttle_enabled": s.config.Throttle.Enabled,
		"quiet_hours":      s.config.QuietHours != nil && s.config.QuietHours.Enabled,
		"delivery":         st,
	}

	if s.config.Throttle.Enabled {
		devices, total := s.throttler.stats()
		stats["throttle_window"] = s.config.Throttle.Window.String()
		stats["throttle_max_per_host"] = s.config.Throttle.MaxPerHost
		stats["throttle_max_total"] = s.config.Throttle.MaxTotal
		stats["throttle_device_count"] = devices
		stats["throttle_total_recent"] = total
	}

	return stats
}
