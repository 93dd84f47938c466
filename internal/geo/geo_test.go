package geo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"edgewatch/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGeocoder struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (s *stubGeocoder) Geocode(ctx context.Context, city, countryCode string) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, city+"/"+countryCode)
	if err := s.fail[city]; err != nil {
		return nil, err
	}
	return &Result{Latitude: 1.5, Longitude: 2.5, Address: city + ", somewhere"}, nil
}

func newStore(t *testing.T) database.Store {
	t.Helper()
	store, err := database.NewBoltStore(filepath.Join(t.TempDir(), "geo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func hostAt(id, location string) database.Host {
	return database.Host{DeviceID: id, Location: location, Status: "Online"}
}

func TestParseLocation(t *testing.T) {
	city, cc, err := ParseLocation("Frankfurt am Main, DE")
	require.NoError(t, err)
	assert.Equal(t, "Frankfurt am Main", city)
	assert.Equal(t, "DE", cc)

	city, cc, err = ParseLocation("Washington, D.C., US")
	require.NoError(t, err)
	assert.Equal(t, "Washington, D.C.", city)
	assert.Equal(t, "US", cc)

	for _, bad := range []string{"-", "Berlin", ", DE", "Berlin, "} {
		_, _, err := ParseLocation(bad)
		assert.ErrorIs(t, err, ErrInvalidLocation, bad)
	}
}

func TestCache_SkipsUnknownDuplicatesAndCached(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.PutLocations(ctx, []database.Location{{ExplorerLocation: "Paris, FR"}}))

	geocoder := &stubGeocoder{}
	cache := NewCache(store, geocoder)

	err := cache.CacheLocations(ctx, []database.Host{
		hostAt("a", "Berlin, DE"),
		hostAt("b", "-"),
		hostAt("c", "Berlin, DE"),
		hostAt("d", "Paris, FR"),
		hostAt("e", "Oslo, NO"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Berlin/DE", "Oslo/NO"}, geocoder.calls)

	loc, err := store.GetLocation(ctx, "Berlin, DE")
	require.NoError(t, err)
	assert.Equal(t, 1.5, loc.Latitude)
	assert.Equal(t, "Berlin, somewhere", loc.RetrievedAddress)

	// Already cached: no further lookups.
	require.NoError(t, cache.CacheLocations(ctx, []database.Host{hostAt("a", "Berlin, DE")}))
	assert.Len(t, geocoder.calls, 2)
}

func TestCache_FailuresAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	geocoder := &stubGeocoder{fail: map[string]error{"Atlantis": ErrNotFound}}
	cache := NewCache(store, geocoder)

	err := cache.CacheLocations(ctx, []database.Host{
		hostAt("a", "Atlantis, XX"),
		hostAt("b", "Rome, IT"),
		hostAt("c", "garbage"),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(err, ErrInvalidLocation))

	_, err = store.GetLocation(ctx, "Rome, IT")
	assert.NoError(t, err)
}

func TestCache_Warm(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.Insert(ctx, []database.Host{hostAt("a", "Lima, PE")}, database.NotificationDone, nil))

	geocoder := &stubGeocoder{}
	require.NoError(t, NewCache(store, geocoder).Warm(ctx))
	assert.Equal(t, []string{"Lima/PE"}, geocoder.calls)
}

func TestNominatimGeocoder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "edgewatch-test", r.Header.Get("User-Agent"))
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		assert.Equal(t, "de", r.URL.Query().Get("countrycodes"))

		switch r.URL.Query().Get("city") {
		case "Berlin":
			_, _ = w.Write([]byte(`[{"lat":"52.5170365","lon":"13.3888599","display_name":"Berlin, Deutschland"}]`))
		case "Nowhere":
			_, _ = w.Write([]byte(`[]`))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	g := NewNominatimGeocoder(srv.URL, "edgewatch-test", 100, time.Second)

	res, err := g.Geocode(context.Background(), "Berlin", "DE")
	require.NoError(t, err)
	assert.InDelta(t, 52.517, res.Latitude, 0.001)
	assert.InDelta(t, 13.388, res.Longitude, 0.001)
	assert.Equal(t, "Berlin, Deutschland", res.Address)

	_, err = g.Geocode(context.Background(), "Nowhere", "DE")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = g.Geocode(context.Background(), "Down", "DE")
	assert.Error(t, err)
}

func TestNominatimGeocoder_RespectsContext(t *testing.T) {
	g := NewNominatimGeocoder("http://127.0.0.1:1", "x", 0.001, time.Second)
	// Spend the single burst token.
	require.True(t, g.limiter.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := g.Geocode(ctx, "Berlin", "DE")
	assert.Error(t, err)
}
