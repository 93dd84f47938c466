// internal/explorer/client.go
package explorer

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"edgewatch/internal/database"
	"github.com/sirupsen/logrus"
)

const DefaultURL = "https://explorer.edge.network/"

// Observation is one row of the explorer hosts table as seen in a single
// fetch. It is never persisted directly.
type Observation struct {
	DeviceID string `json:"device_id"`
	HostName string `json:"host_name"`
	Stargate string `json:"stargate"`
	Location string `json:"location"`
	Arch     string `json:"arch"`
	Status   string `json:"status"`
}

// Host converts the observation into a registry row without notification
// fields set.
func (o Observation) Host() database.Host {
	return database.Host{
		DeviceID: o.DeviceID,
		HostName: o.HostName,
		Stargate: o.Stargate,
		Location: o.Location,
		Arch:     o.Arch,
		Status:   o.Status,
	}
}

// Online reports whether the observed status is anything but an offline terminal.
func (o Observation) Online() bool {
	return !database.IsOfflineStatus(o.Status)
}

// Fetcher retrieves the current snapshot of the explorer hosts table.
type Fetcher interface {
	Fetch(ctx context.Context) ([]Observation, error)
}

// FetchError means no usable snapshot could be produced. A cycle that sees it
// must not touch the registry.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

type Client struct {
	url        string
	userAgent  string
	httpClient *http.Client
}

func NewClient(url string, timeout time.Duration, userAgent string) *Client {
	if url == "" {
		url = DefaultURL
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		url:       url,
		userAgent: userAgent,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Fetch downloads the explorer page once and parses its hosts table. It does
// not retry; the next scheduled cycle is the retry.
func (c *Client) Fetch(ctx context.Context) ([]Observation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, &FetchError{URL: c.url, Err: err}
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{URL: c.url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{URL: c.url, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	observations, err := ParseHosts(resp.Body)
	if err != nil {
		return nil, &FetchError{URL: c.url, Err: err}
	}

	logrus.WithFields(logrus.Fields{
		"url":      c.url,
		"hosts":    len(observations),
		"duration": time.Since(start),
	}).Debug("Fetched explorer snapshot")

	return observations, nil
}
