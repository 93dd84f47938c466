// internal/web/notification_handlers.go - notification settings and test endpoints
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// NotificationSettings is the read-only view of the notification config.
// Secrets are masked.
type NotificationSettings struct {
	Enabled    bool             `json:"enabled"`
	Pushover   PushoverSettings `json:"pushover"`
	Telegram   TelegramSettings `json:"telegram"`
	Throttle   ThrottleSettings `json:"throttle"`
	QuietHours bool             `json:"quiet_hours"`
}

type PushoverSettings struct {
	Enabled  bool   `json:"enabled"`
	APIToken string `json:"api_token"`
	UserKey  string `json:"user_key"`
	Priority int    `json:"priority"`
	Sound    string `json:"sound"`
	Device   string `json:"device"`
	Title    string `json:"title"`
}

type TelegramSettings struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Chats    int    `json:"chats"`
}

type ThrottleSettings struct {
	Enabled    bool `json:"enabled"`
	WindowMin  int  `json:"window_minutes"`
	MaxPerHost int  `json:"max_per_host"`
	MaxTotal   int  `json:"max_total"`
}

// TestNotificationRequest represents a test notification request
type TestNotificationRequest struct {
	Message string `json:"message" binding:"required"`
}

func (s *Server) setupNotificationRoutes(api *gin.RouterGroup) {
	notifications := api.Group("/notifications")
	{
		notifications.GET("/settings", s.getNotificationSettings)
		notifications.POST("/test", s.sendTestNotification)
		notifications.GET("/stats", s.getNotificationStats)
	}
}

// GET /api/notifications/settings
func (s *Server) getNotificationSettings(c *gin.Context) {
	cfg := s.config.Notifications

	settings := NotificationSettings{
		Enabled: cfg.Enabled,
		Pushover: PushoverSettings{
			Enabled:  cfg.Pushover.Enabled,
			APIToken: maskToken(cfg.Pushover.APIToken),
			UserKey:  maskToken(cfg.Pushover.UserKey),
			Priority: cfg.Pushover.Priority,
			Sound:    cfg.Pushover.Sound,
			Device:   cfg.Pushover.Device,
			Title:    cfg.Pushover.Title,
		},
		Telegram: TelegramSettings{
			Enabled:  cfg.Telegram.Enabled,
			BotToken: maskToken(cfg.Telegram.BotToken),
			Chats:    len(cfg.Telegram.ChatIDs),
		},
		Throttle: ThrottleSettings{
			Enabled:    cfg.Throttle.Enabled,
			WindowMin:  int(cfg.Throttle.Window.Minutes()),
			MaxPerHost: cfg.Throttle.MaxPerHost,
			MaxTotal:   cfg.Throttle.MaxTotal,
		},
		QuietHours: cfg.QuietHours != nil && cfg.QuietHours.Enabled,
	}

	c.JSON(http.StatusOK, gin.H{"data": settings})
}

// POST /api/notifications/test
func (s *Server) sendTestNotification(c *gin.Context) {
	var req TestNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.notifications == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Notification service not available"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	if err := s.notifications.TestNotification(ctx, req.Message); err != nil {
		logrus.WithError(err).Error("Failed to send test notification")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Test notification sent successfully"})
}

// GET /api/notifications/stats
func (s *Server) getNotificationStats(c *gin.Context) {
	if s.notifications == nil {
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"enabled": false}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": s.notifications.GetStats()})
}

// maskToken masks sensitive tokens for API responses
func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "****" + token[len(token)-4:]
}
