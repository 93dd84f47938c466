package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"edgewatch/internal/config"
	"edgewatch/internal/metrics"
	"edgewatch/internal/monitoring"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.NotificationConfig {
	return &config.NotificationConfig{
		Enabled: true,
		Retry: config.RetryConfig{
			MaxRetries:      2,
			InitialInterval: time.Millisecond,
			MaxElapsedTime:  time.Second,
		},
		Throttle: config.ThrottleConfig{
			Window:     time.Minute,
			MaxPerHost: 2,
			MaxTotal:   10,
		},
	}
}

func newHostEvent(id string) monitoring.Event {
	return monitoring.Event{
		Kind:      monitoring.EventNewHost,
		DeviceID:  id,
		HostName:  "host-" + id,
		Stargate:  "ams",
		Location:  "Amsterdam, NL",
		Arch:      "arm64",
		Timestamp: 1700000000,
	}
}

type fakeChannel struct {
	mu       sync.Mutex
	messages []Message
}

func (f *fakeChannel) Name() string { return "fake" }

func (f *fakeChannel) Send(ctx context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return nil
}

func TestTemplates_NewHostWording(t *testing.T) {
	set, err := parseTemplates(config.TemplateConfig{})
	require.NoError(t, err)

	event := newHostEvent("A")
	text, err := set.render(event)
	require.NoError(t, err)
	assert.Equal(t, "Host *host-A* (arch: arm64) has joined the network from Amsterdam, NL and is connected to stargate *ams*.", text)

	event.Location = "-"
	text, err = set.render(event)
	require.NoError(t, err)
	assert.Equal(t, "Host *host-A* (arch: arm64) has joined the network from an unknown location and is connected to stargate *ams*.", text)

	event.Arch = ""
	text, err = set.render(event)
	require.NoError(t, err)
	assert.Equal(t, "Host *host-A* has joined the network from an unknown location and is connected to stargate *ams*.", text)

	event = newHostEvent("B")
	event.Kind = monitoring.EventCameOnline
	text, err = set.render(event)
	require.NoError(t, err)
	assert.Equal(t, "Host *host-B* in Amsterdam, NL is now online and connected to stargate *ams*.", text)
}

func TestTemplates_EscapeMarkdown(t *testing.T) {
	set, err := parseTemplates(config.TemplateConfig{})
	require.NoError(t, err)

	event := newHostEvent("A")
	event.HostName = "node_1*x"
	event.Location = "[lab] `rack`"
	event.Stargate = "ams_2"
	text, err := set.render(event)
	require.NoError(t, err)
	assert.Equal(t, "Host *node\\_1\\*x* (arch: arm64) has joined the network from \\[lab] \\`rack\\` and is connected to stargate *ams\\_2*.", text)

	override, err := parseTemplates(config.TemplateConfig{CameOnline: "*{{md .HostName}}* up"})
	require.NoError(t, err)
	event.Kind = monitoring.EventCameOnline
	text, err = override.render(event)
	require.NoError(t, err)
	assert.Equal(t, "*node\\_1\\*x* up", text)
}

func TestTemplates_Override(t *testing.T) {
	set, err := parseTemplates(config.TemplateConfig{CameOnline: "{{.DeviceID}} up"})
	require.NoError(t, err)

	event := newHostEvent("X")
	event.Kind = monitoring.EventCameOnline
	text, err := set.render(event)
	require.NoError(t, err)
	assert.Equal(t, "X up", text)

	_, err = parseTemplates(config.TemplateConfig{NewHost: "{{.Broken"})
	assert.Error(t, err)
}

func TestThrottler(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	th := NewThrottler(config.ThrottleConfig{Enabled: true, Window: time.Minute, MaxPerHost: 1, MaxTotal: 2})
	th.now = func() time.Time { return now }

	assert.True(t, th.Allow("a"))
	assert.False(t, th.Allow("a"))
	assert.True(t, th.Allow("b"))
	assert.False(t, th.Allow("c"))

	now = now.Add(2 * time.Minute)
	assert.True(t, th.Allow("a"))

	disabled := NewThrottler(config.ThrottleConfig{})
	for i := 0; i < 5; i++ {
		assert.True(t, disabled.Allow("a"))
	}
}

func TestService_NotifyFansOut(t *testing.T) {
	svc, err := NewService(testConfig())
	require.NoError(t, err)
	first, second := &fakeChannel{}, &fakeChannel{}
	svc.AddChannel(first)
	svc.AddChannel(second)

	require.NoError(t, svc.Notify(context.Background(), newHostEvent("A")))

	require.Len(t, first.messages, 1)
	require.Len(t, second.messages, 1)
	assert.Contains(t, first.messages[0].Text, "host-A")
	assert.Equal(t, "A", first.messages[0].DeviceID)

	stats := svc.GetStats()
	assert.Equal(t, 2, stats["delivery"].(deliveryStats).Sent)
}

func TestService_DisabledDropsEvents(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	svc, err := NewService(cfg)
	require.NoError(t, err)
	ch := &fakeChannel{}
	svc.AddChannel(ch)

	require.NoError(t, svc.Notify(context.Background(), newHostEvent("A")))
	assert.Empty(t, ch.messages)
}

func TestService_QuietHoursAndThrottle(t *testing.T) {
	cfg := testConfig()
	cfg.QuietHours = &config.QuietHours{Enabled: true, StartHour: 22, EndHour: 6, Timezone: "UTC"}
	cfg.Throttle.Enabled = true
	cfg.Throttle.MaxPerHost = 1

	svc, err := NewService(cfg)
	require.NoError(t, err)
	ch := &fakeChannel{}
	svc.AddChannel(ch)

	svc.now = func() time.Time { return time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC) }
	require.NoError(t, svc.Notify(context.Background(), newHostEvent("A")))
	assert.Empty(t, ch.messages)

	svc.now = func() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) }
	require.NoError(t, svc.Notify(context.Background(), newHostEvent("A")))
	require.NoError(t, svc.Notify(context.Background(), newHostEvent("A")))
	assert.Len(t, ch.messages, 1)

	delivery := svc.GetStats()["delivery"].(deliveryStats)
	assert.Equal(t, 1, delivery.Suppressed)
	assert.Equal(t, 1, delivery.Throttled)
}

func TestService_DroppedNotificationsAreCounted(t *testing.T) {
	cfg := testConfig()
	cfg.QuietHours = &config.QuietHours{Enabled: true, StartHour: 22, EndHour: 6, Timezone: "UTC"}
	cfg.Throttle.Enabled = true
	cfg.Throttle.MaxPerHost = 1

	svc, err := NewService(cfg)
	require.NoError(t, err)
	svc.AddChannel(&fakeChannel{})

	quiet := metrics.NotificationsDropped.WithLabelValues(metrics.DropQuietHours)
	throttled := metrics.NotificationsDropped.WithLabelValues(metrics.DropThrottled)
	quietBefore, throttledBefore := testutil.ToFloat64(quiet), testutil.ToFloat64(throttled)

	svc.now = func() time.Time { return time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC) }
	require.NoError(t, svc.Notify(context.Background(), newHostEvent("Q")))
	require.NoError(t, svc.Notify(context.Background(), newHostEvent("Q")))

	svc.now = func() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) }
	require.NoError(t, svc.Notify(context.Background(), newHostEvent("T")))
	require.NoError(t, svc.Notify(context.Background(), newHostEvent("T")))

	assert.Equal(t, 2.0, testutil.ToFloat64(quiet)-quietBefore)
	assert.Equal(t, 1.0, testutil.ToFloat64(throttled)-throttledBefore)
}

func TestPushover_RetriesTransientFailures(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()

		var msg PushoverMessage
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		assert.Equal(t, "tok", msg.Token)
		assert.Equal(t, "usr", msg.User)
		assert.Contains(t, msg.Message, "host-A")

		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"status":1,"request":"r-1"}`))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Pushover = config.PushoverConfig{Enabled: true, APIURL: srv.URL, APIToken: "tok", UserKey: "usr", Title: "Edge"}
	svc, err := NewService(cfg)
	require.NoError(t, err)

	require.NoError(t, svc.Notify(context.Background(), newHostEvent("A")))
	assert.Equal(t, 2, calls)
}

func TestPushover_ClientErrorIsPermanent(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":0,"errors":["user identifier is invalid"]}`))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Pushover = config.PushoverConfig{Enabled: true, APIURL: srv.URL, APIToken: "tok", UserKey: "bad"}
	svc, err := NewService(cfg)
	require.NoError(t, err)

	err = svc.Notify(context.Background(), newHostEvent("A"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user identifier is invalid")
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, svc.GetStats()["delivery"].(deliveryStats).Failed)
}

// telegramServer emulates the Bot API endpoints used by the channel.
func telegramServer(t *testing.T, sent chan<- map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")

		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"edge","username":"edgebot"}}`))
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			chatID := r.FormValue("chat_id")
			if chatID == "403" {
				_, _ = w.Write([]byte(`{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`))
				return
			}
			sent <- map[string]string{
				"chat_id":    chatID,
				"text":       r.FormValue("text"),
				"parse_mode": r.FormValue("parse_mode"),
			}
			fmt.Fprintf(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":%s,"type":"private"},"text":"ok"}}`, chatID)
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestTelegram_NotifyAndForward(t *testing.T) {
	sent := make(chan map[string]string, 4)
	srv := telegramServer(t, sent)
	defer srv.Close()

	cfg := testConfig()
	cfg.Telegram = config.TelegramConfig{
		Enabled:  true,
		BotToken: "123:abc",
		APIURL:   srv.URL + "/bot%s/%s",
		ChatIDs:  []int64{42},
	}
	svc, err := NewService(cfg)
	require.NoError(t, err)

	require.NoError(t, svc.Notify(context.Background(), newHostEvent("A")))
	got := <-sent
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "Markdown", got["parse_mode"])
	assert.Contains(t, got["text"], "*host-A*")

	require.NoError(t, svc.Forward(context.Background(), 77, "Your node was restarted"))
	got = <-sent
	assert.Equal(t, "77", got["chat_id"])
	assert.Equal(t, "Your node was restarted", got["text"])

	err = svc.Forward(context.Background(), 403, "blocked")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked by the user")
}

func TestForward_WithoutTelegram(t *testing.T) {
	svc, err := NewService(testConfig())
	require.NoError(t, err)
	assert.ErrorIs(t, svc.Forward(context.Background(), 1, "hi"), ErrTelegramDisabled)
}
