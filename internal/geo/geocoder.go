// internal/geo/geocoder.go - rate-limited Nominatim lookups
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

var (
	ErrNotFound        = errors.New("location not found")
	ErrInvalidLocation = errors.New(`location must look like "City, CC"`)
)

// Result is a resolved coordinate for a city/country pair.
type Result struct {
	Latitude  float64
	Longitude float64
	Address   string
}

type Geocoder interface {
	Geocode(ctx context.Context, city, countryCode string) (*Result, error)
}

// ParseLocation splits an explorer location string "City, CC" into its city
// and country code.
func ParseLocation(location string) (city, countryCode string, err error) {
	idx := strings.LastIndex(location, ",")
	if idx < 0 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidLocation, location)
	}
	city = strings.TrimSpace(location[:idx])
	countryCode = strings.TrimSpace(location[idx+1:])
	if city == "" || countryCode == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidLocation, location)
	}
	return city, countryCode, nil
}

// NominatimGeocoder queries a Nominatim-compatible search endpoint, waiting on
// a shared limiter before every request.
type NominatimGeocoder struct {
	endpoint   string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewNominatimGeocoder(endpoint, userAgent string, requestsPerSecond float64, timeout time.Duration) *NominatimGeocoder {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}
	return &NominatimGeocoder{
		endpoint:   endpoint,
		userAgent:  userAgent,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
	}
}

type nominatimPlace struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

func (g *NominatimGeocoder) Geocode(ctx context.Context, city, countryCode string) (*Result, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("city", city)
	q.Set("countrycodes", strings.ToLower(countryCode))
	q.Set("format", "json")
	q.Set("limit", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", g.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geocode request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geocoder returned %d", resp.StatusCode)
	}

	var places []nominatimPlace
	if err := json.NewDecoder(resp.Body).Decode(&places); err != nil {
		return nil, fmt.Errorf("failed to decode geocoder response: %w", err)
	}
	if len(places) == 0 {
		return nil, fmt.Errorf("%w: %s, %s", ErrNotFound, city, countryCode)
	}

	lat, err := strconv.ParseFloat(places[0].Lat, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid latitude %q: %w", places[0].Lat, err)
	}
	lon, err := strconv.ParseFloat(places[0].Lon, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid longitude %q: %w", places[0].Lon, err)
	}

	return &Result{Latitude: lat, Longitude: lon, Address: places[0].DisplayName}, nil
}
