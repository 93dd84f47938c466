// internal/web/handlers.go - registry, status and subscription endpoints
package web

import (
	"errors"
	"net/http"

	"edgewatch/internal/database"
	"edgewatch/internal/monitoring"
	"edgewatch/internal/notifications"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// UpdateRequest is the body of POST /api/update/:token.
type UpdateRequest struct {
	UpdateMessage string `json:"update_message" binding:"required"`
}

type SubscriptionRequest struct {
	DeviceToken string `json:"device_token" binding:"required"`
	ChatID      int64  `json:"chat_id" binding:"required"`
}

func (s *Server) getHosts(c *gin.Context) {
	filters := database.HostFilters{Stargate: c.Query("stargate")}

	switch state := database.NotificationState(c.Query("state")); state {
	case "", database.NotificationPending, database.NotificationDone:
		filters.State = state
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "state must be pending or done"})
		return
	}

	s.respondHosts(c, filters)
}

func (s *Server) getStargateHosts(c *gin.Context) {
	s.respondHosts(c, database.HostFilters{Stargate: c.Param("code")})
}

func (s *Server) respondHosts(c *gin.Context, filters database.HostFilters) {
	hosts, err := s.store.GetHosts(c.Request.Context(), filters)
	if err != nil {
		logrus.WithError(err).Error("Failed to get hosts")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get hosts"})
		return
	}
	if hosts == nil {
		hosts = []database.Host{}
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  hosts,
		"count": len(hosts),
	})
}

func (s *Server) getHost(c *gin.Context) {
	host, ok := s.lookupHost(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": host})
}

// getHostStatus answers with plain text: online, offline or
// minutes_offline=N.
func (s *Server) getHostStatus(c *gin.Context) {
	host, ok := s.lookupHost(c)
	if !ok {
		return
	}

	status, err := monitoring.QueryStatus(host.Status)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"device_id": host.DeviceID,
			"status":    host.Status,
		}).WithError(err).Error("Failed to interpret host status")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.String(http.StatusOK, status)
}

func (s *Server) lookupHost(c *gin.Context) (*database.Host, bool) {
	host, err := s.store.GetHost(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, database.ErrHostNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Host not found"})
			return nil, false
		}
		logrus.WithError(err).Error("Failed to get host")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get host"})
		return nil, false
	}
	return host, true
}

func (s *Server) getLocations(c *gin.Context) {
	locations, err := s.store.Locations(c.Request.Context())
	if err != nil {
		logrus.WithError(err).Error("Failed to get locations")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get locations"})
		return
	}
	if locations == nil {
		locations = []database.Location{}
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  locations,
		"count": len(locations),
	})
}

// forwardUpdate relays a node's update message to the chat subscribed to
// its device token.
func (s *Server) forwardUpdate(c *gin.Context) {
	token := c.Param("token")

	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub, err := s.store.Subscriber(c.Request.Context(), token)
	if err != nil {
		if errors.Is(err, database.ErrSubscriptionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Subscription not found"})
			return
		}
		logrus.WithError(err).Error("Failed to look up subscription")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to look up subscription"})
		return
	}

	if s.notifications == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": notifications.ErrTelegramDisabled.Error()})
		return
	}
	if err := s.notifications.Forward(c.Request.Context(), sub.ChatID, req.UpdateMessage); err != nil {
		if errors.Is(err, notifications.ErrTelegramDisabled) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		logrus.WithField("device_token", token).WithError(err).Error("Failed to forward update")
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to forward update"})
		return
	}

	c.String(http.StatusOK, "ok")
}

func (s *Server) createSubscription(c *gin.Context) {
	var req SubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub := &database.Subscription{DeviceToken: req.DeviceToken, ChatID: req.ChatID}
	if err := s.store.Subscribe(c.Request.Context(), sub); err != nil {
		logrus.WithError(err).Error("Failed to store subscription")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store subscription"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": sub})
}

func (s *Server) deleteSubscription(c *gin.Context) {
	err := s.store.Unsubscribe(c.Request.Context(), c.Param("token"))
	if err != nil {
		if errors.Is(err, database.ErrSubscriptionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Subscription not found"})
			return
		}
		logrus.WithError(err).Error("Failed to delete subscription")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete subscription"})
		return
	}

	c.Status(http.StatusNoContent)
}

// triggerCycle runs a cycle out of band. A running cycle wins; the request
// is answered with 409 and dropped.
func (s *Server) triggerCycle(c *gin.Context) {
	result, err := s.engine.RunCycle(c.Request.Context())
	if errors.Is(err, monitoring.ErrCycleInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "data": result})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) getLastCycle(c *gin.Context) {
	last := s.engine.LastCycle()
	if last == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No cycle has run yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": last})
}
