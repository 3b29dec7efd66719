package docstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exotic-travel-booking/itinerary-engine/internal/itinerary"
)

func TestMemoryStoreGetSetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	doc, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, doc)

	original := &itinerary.Itinerary{ID: "it1", Version: 1}
	require.NoError(t, store.Set(ctx, "it1", original))

	loaded, err := store.Get(ctx, "it1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, 1, loaded.Version)

	// mutating the loaded doc must not affect what's stored
	loaded.Version = 99
	reloaded, err := store.Get(ctx, "it1")
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.Version)
}

func TestMemoryStoreRevisions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.AddRevision(ctx, "it1", itinerary.Revision{RevisionID: "r1", VersionNumber: 1}))
	require.NoError(t, store.AddRevision(ctx, "it1", itinerary.Revision{RevisionID: "r2", VersionNumber: 2}))

	revs, err := store.ListRevisions(ctx, "it1")
	require.NoError(t, err)
	require.Len(t, revs, 2)

	byID, err := store.GetRevision(ctx, "it1", "r2")
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, 2, byID.VersionNumber)

	byVersion, err := store.GetRevisionByVersion(ctx, "it1", 1)
	require.NoError(t, err)
	require.NotNil(t, byVersion)
	assert.Equal(t, "r1", byVersion.RevisionID)

	missing, err := store.GetRevision(ctx, "it1", "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
