// internal/geo/cache.go - persisted location lookups
package geo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"edgewatch/internal/database"
	"github.com/sirupsen/logrus"
)

// unknownLocation is what the explorer shows for hosts without a location.
const unknownLocation = "-"

// Cache resolves explorer location strings to coordinates once and keeps
// them in the registry store. It implements monitoring.LocationCache.
type Cache struct {
	store    database.Store
	geocoder Geocoder
	now      func() time.Time
}

func NewCache(store database.Store, geocoder Geocoder) *Cache {
	return &Cache{store: store, geocoder: geocoder, now: time.Now}
}

func (c *Cache) Name() string { return "location_cache" }

// CacheLocations geocodes the distinct, not yet cached locations of hosts.
// Each lookup failure is logged and joined into the returned error; resolved
// locations are stored regardless.
func (c *Cache) CacheLocations(ctx context.Context, hosts []database.Host) error {
	pending := c.uncached(ctx, hosts)
	if len(pending) == 0 {
		return nil
	}

	var resolved []database.Location
	var errs []error
	for _, location := range pending {
		loc, err := c.resolve(ctx, location)
		if err != nil {
			logrus.WithField("location", location).WithError(err).Warn("Geocoding failed")
			errs = append(errs, fmt.Errorf("%s: %w", location, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		resolved = append(resolved, *loc)
	}

	if len(resolved) > 0 {
		if err := c.store.PutLocations(ctx, resolved); err != nil {
			errs = append(errs, fmt.Errorf("failed to store locations: %w", err))
		} else {
			logrus.WithField("count", len(resolved)).Info("Cached new host locations")
		}
	}
	return errors.Join(errs...)
}

// Warm resolves every location currently in the registry.
func (c *Cache) Warm(ctx context.Context) error {
	hosts, err := c.store.All(ctx)
	if err != nil {
		return err
	}
	return c.CacheLocations(ctx, hosts)
}

func (c *Cache) uncached(ctx context.Context, hosts []database.Host) []string {
	seen := make(map[string]struct{})
	var pending []string
	for _, h := range hosts {
		if h.Location == "" || h.Location == unknownLocation {
			continue
		}
		if _, ok := seen[h.Location]; ok {
			continue
		}
		seen[h.Location] = struct{}{}

		_, err := c.store.GetLocation(ctx, h.Location)
		if err == nil {
			continue
		}
		if !errors.Is(err, database.ErrLocationNotFound) {
			logrus.WithField("location", h.Location).WithError(err).Debug("Location lookup failed, resolving again")
		}
		pending = append(pending, h.Location)
	}
	return pending
}

func (c *Cache) resolve(ctx context.Context, location string) (*database.Location, error) {
	city, country, err := ParseLocation(location)
	if err != nil {
		return nil, err
	}
	result, err := c.geocoder.Geocode(ctx, city, country)
	if err != nil {
		return nil, err
	}
	return &database.Location{
		ExplorerLocation: location,
		Latitude:         result.Latitude,
		Longitude:        result.Longitude,
		RetrievedAddress: result.Address,
		ResolvedAt:       c.now().UTC(),
	}, nil
}
