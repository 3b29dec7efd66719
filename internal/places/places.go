// Package places is the out-of-scope places-provider collaborator boundary
// (spec.md §1 names "third-party provider integrations" a collaborator, not
// a component this repo implements). It defines the interface the
// Enrichment agent calls and a deterministic mock for tests and local runs.
package places

import (
	"context"
	"math"
	"strings"

	"golang.org/x/time/rate"
)

// SearchResult is one candidate match for a text query.
type SearchResult struct {
	PlaceID string
	Name    string
	Address string
	Lat     float64
	Lng     float64
	Rating  float64
}

// Details is the fuller place record fetched once a PlaceID is known.
type Details struct {
	PlaceID          string
	Photos           []string
	Reviews          []Review
	Rating           float64
	UserRatingsTotal int
	PriceLevel       int
	OpeningHours     []string
}

// Review is a single place review as the provider reports it.
type Review struct {
	Author string
	Text   string
	Rating float64
}

// Provider is the collaborator boundary the Enrichment agent depends on.
// A real implementation would wrap a maps/places HTTP API; this repo only
// ever constructs the Mock below, since the provider itself is out of
// scope (spec.md §1).
type Provider interface {
	Search(ctx context.Context, query string) (*SearchResult, error)
	Details(ctx context.Context, placeID string) (*Details, error)
}

// Mock is a deterministic in-memory Provider: it fabricates a plausible
// result for any non-empty query by hashing the query into a stable
// pseudo-coordinate, so repeated runs against the same title are stable
// without a network call.
type Mock struct{}

// NewMock constructs a deterministic places.Provider.
func NewMock() *Mock { return &Mock{} }

func (m *Mock) Search(ctx context.Context, query string) (*SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	lat, lng := hashToCoords(query)
	return &SearchResult{
		PlaceID: "place_" + hashHex(query),
		Name:    query,
		Address: query + " (generated)",
		Lat:     lat,
		Lng:     lng,
		Rating:  3.5 + math.Mod(float64(hash(query)%20), 1.5),
	}, nil
}

func (m *Mock) Details(ctx context.Context, placeID string) (*Details, error) {
	if placeID == "" {
		return nil, nil
	}
	return &Details{
		PlaceID:          placeID,
		Photos:           []string{"photo_ref_1", "photo_ref_2"},
		Reviews:          []Review{{Author: "A. Traveler", Text: "Great spot.", Rating: 4.5}},
		Rating:           4.2,
		UserRatingsTotal: 128,
		PriceLevel:       2,
		OpeningHours:     []string{"09:00-18:00"},
	}, nil
}

// Throttled wraps a Provider so every call first waits on a shared
// rate.Limiter, capping outbound places-provider call rate the way the
// teacher's middleware.RateLimiter caps outbound HTTP (adapted here to the
// single shared-client case rather than per-visitor).
type Throttled struct {
	Provider
	limiter *rate.Limiter
}

// NewThrottled wraps provider with a limiter allowing rps requests/sec.
func NewThrottled(provider Provider, rps float64, burst int) *Throttled {
	return &Throttled{Provider: provider, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (t *Throttled) Search(ctx context.Context, query string) (*SearchResult, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.Provider.Search(ctx, query)
}

func (t *Throttled) Details(ctx context.Context, placeID string) (*Details, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.Provider.Details(ctx, placeID)
}

func hash(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

func hashHex(s string) string {
	const hex = "0123456789abcdef"
	h := hash(s)
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = hex[h&0xf]
		h >>= 4
	}
	return string(b)
}

// hashToCoords maps a query deterministically into valid lat/lng ranges.
func hashToCoords(s string) (lat, lng float64) {
	h := hash(s)
	lat = float64(h%17900)/100.0 - 89.5
	lng = float64((h/17900)%35900)/100.0 - 179.5
	return lat, lng
}
