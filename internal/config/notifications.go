// internal/config/notifications.go - notification channel settings
package config

import (
	"fmt"
	"time"
)

type NotificationConfig struct {
	Enabled    bool           `yaml:"enabled"`
	Pushover   PushoverConfig `yaml:"pushover"`
	Telegram   TelegramConfig `yaml:"telegram"`
	Throttle   ThrottleConfig `yaml:"throttle"`
	Retry      RetryConfig    `yaml:"retry"`
	QuietHours *QuietHours    `yaml:"quiet_hours,omitempty"`
	Templates  TemplateConfig `yaml:"templates"`
}

// PushoverConfig holds Pushover delivery settings
type PushoverConfig struct {
	Enabled  bool   `yaml:"enabled"`
	APIURL   string `yaml:"api_url"`
	APIToken string `yaml:"api_token"`
	UserKey  string `yaml:"user_key"`
	Device   string `yaml:"device,omitempty"`
	Priority int    `yaml:"priority"`        // -2 to 2
	Sound    string `yaml:"sound,omitempty"` // pushover sound name
	Title    string `yaml:"title,omitempty"`
}

// TelegramConfig holds the bot used to announce events and forward updates.
type TelegramConfig struct {
	Enabled  bool    `yaml:"enabled"`
	BotToken string  `yaml:"bot_token"`
	APIURL   string  `yaml:"api_url"` // format string with %s for token and method
	ChatIDs  []int64 `yaml:"chat_ids"`
}

type ThrottleConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Window     time.Duration `yaml:"window"`       // Time window for throttling
	MaxPerHost int           `yaml:"max_per_host"` // Max notifications per host in window
	MaxTotal   int           `yaml:"max_total"`    // Max total notifications in window
}

// RetryConfig bounds redelivery of a single notification.
type RetryConfig struct {
	MaxRetries      uint64        `yaml:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxElapsedTime  time.Duration `yaml:"max_elapsed_time"`
}

// QuietHours defines when notifications should be suppressed
type QuietHours struct {
	Enabled   bool   `yaml:"enabled"`
	StartHour int    `yaml:"start_hour"` // 0-23
	EndHour   int    `yaml:"end_hour"`   // 0-23
	Timezone  string `yaml:"timezone"`   // IANA timezone, e.g., "Europe/Berlin"
}

// TemplateConfig overrides the text/template bodies of each event kind.
type TemplateConfig struct {
	NewHost    string `yaml:"new_host"`
	CameOnline string `yaml:"came_online"`
}

func setNotificationDefaults(n *NotificationConfig) {
	if n.Pushover.APIURL == "" {
		n.Pushover.APIURL = "https://api.pushover.net/1/messages.json"
	}
	if n.Pushover.Title == "" {
		n.Pushover.Title = "Edge host update"
	}
	if n.Pushover.Sound == "" {
		n.Pushover.Sound = "pushover"
	}
	if n.Telegram.APIURL == "" {
		n.Telegram.APIURL = "https://api.telegram.org/bot%s/%s"
	}

	// Throttle defaults
	if n.Throttle.Window == 0 {
		n.Throttle.Window = 15 * time.Minute
	}
	if n.Throttle.MaxPerHost == 0 {
		n.Throttle.MaxPerHost = 2
	}
	if n.Throttle.MaxTotal == 0 {
		n.Throttle.MaxTotal = 30
	}

	// Retry defaults
	if n.Retry.MaxRetries == 0 {
		n.Retry.MaxRetries = 3
	}
	if n.Retry.InitialInterval == 0 {
		n.Retry.InitialInterval = 2 * time.Second
	}
	if n.Retry.MaxElapsedTime == 0 {
		n.Retry.MaxElapsedTime = 30 * time.Second
	}

	if n.QuietHours != nil && n.QuietHours.Timezone == "" {
		n.QuietHours.Timezone = "UTC"
	}
}

// Validate ensures the notification configuration is usable
func (n *NotificationConfig) Validate() error {
	if !n.Enabled {
		return nil
	}

	if n.Pushover.Enabled {
		if n.Pushover.APIToken == "" {
			return fmt.Errorf("notifications.pushover.api_token is required when Pushover is enabled")
		}
		if n.Pushover.UserKey == "" {
			return fmt.Errorf("notifications.pushover.user_key is required when Pushover is enabled")
		}
		if n.Pushover.Priority < -2 || n.Pushover.Priority > 2 {
			return fmt.Errorf("notifications.pushover.priority must be between -2 and 2")
		}
		// Emergency priority needs retry/expire parameters this service does not send.
		if n.Pushover.Priority == 2 {
			return fmt.Errorf("notifications.pushover.priority 2 (emergency) is not supported")
		}
	}

	if n.Telegram.Enabled && n.Telegram.BotToken == "" {
		return fmt.Errorf("notifications.telegram.bot_token is required when Telegram is enabled")
	}

	if n.QuietHours != nil && n.QuietHours.Enabled {
		if n.QuietHours.StartHour < 0 || n.QuietHours.StartHour > 23 {
			return fmt.Errorf("quiet hours start_hour must be between 0 and 23")
		}
		if n.QuietHours.EndHour < 0 || n.QuietHours.EndHour > 23 {
			return fmt.Errorf("quiet hours end_hour must be between 0 and 23")
		}
		if _, err := time.LoadLocation(n.QuietHours.Timezone); err != nil {
			return fmt.Errorf("quiet hours timezone %q: %w", n.QuietHours.Timezone, err)
		}
	}

	if n.Throttle.Enabled && (n.Throttle.MaxPerHost < 1 || n.Throttle.MaxTotal < 1) {
		return fmt.Errorf("notifications.throttle limits must be at least 1")
	}

	return nil
}

// Active reports whether t falls within quiet hours
func (q *QuietHours) Active(t time.Time) bool {
	if q == nil || !q.Enabled {
		return false
	}

	loc, err := time.LoadLocation(q.Timezone)
	if err != nil {
		loc = time.UTC
	}
	hour := t.In(loc).Hour()

	// Handle cases where quiet hours span midnight
	if q.StartHour <= q.EndHour {
		return hour >= q.StartHour && hour < q.EndHour
	}
	return hour >= q.StartHour || hour < q.EndHour
}

func mergeNotificationConfig(main *NotificationConfig, partial *NotificationConfig) {
	main.Enabled = partial.Enabled

	if partial.Pushover.APIURL != "" {
		main.Pushover.APIURL = partial.Pushover.APIURL
	}
	if partial.Pushover.APIToken != "" {
		main.Pushover.APIToken = partial.Pushover.APIToken
	}
	if partial.Pushover.UserKey != "" {
		main.Pushover.UserKey = partial.Pushover.UserKey
	}
	if partial.Pushover.Priority != 0 || !main.Pushover.Enabled {
		main.Pushover.Priority = partial.Pushover.Priority
	}
	if partial.Pushover.Sound != "" {
		main.Pushover.Sound = partial.Pushover.Sound
	}
	if partial.Pushover.Device != "" {
		main.Pushover.Device = partial.Pushover.Device
	}
	if partial.Pushover.Title != "" {
		main.Pushover.Title = partial.Pushover.Title
	}
	main.Pushover.Enabled = partial.Pushover.Enabled

	if partial.Telegram.BotToken != "" {
		main.Telegram.BotToken = partial.Telegram.BotToken
	}
	if partial.Telegram.APIURL != "" {
		main.Telegram.APIURL = partial.Telegram.APIURL
	}
	if len(partial.Telegram.ChatIDs) > 0 {
		main.Telegram.ChatIDs = partial.Telegram.ChatIDs
	}
	main.Telegram.Enabled = partial.Telegram.Enabled

	if partial.Throttle.Enabled {
		main.Throttle = partial.Throttle
	}
	if partial.Retry.MaxRetries != 0 {
		main.Retry = partial.Retry
	}
	if partial.QuietHours != nil {
		main.QuietHours = partial.QuietHours
	}
	if partial.Templates.NewHost != "" {
		main.Templates.NewHost = partial.Templates.NewHost
	}
	if partial.Templates.CameOnline != "" {
		main.Templates.CameOnline = partial.Templates.CameOnline
	}
}
