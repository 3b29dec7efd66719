package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exotic-travel-booking/itinerary-engine/internal/itinerary"
)

func TestKeyIsStableAndDistinct(t *testing.T) {
	k1 := Key("client1", "POST", "/itineraries/it1:apply", "user1")
	k2 := Key("client1", "POST", "/itineraries/it1:apply", "user1")
	k3 := Key("client2", "POST", "/itineraries/it1:apply", "user1")

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}

func TestExecuteCachesSuccessAndReplaysVerbatim(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemoryStore())
	key := Key("k1", "POST", "/itineraries/it1:apply", "u1")

	var calls int32
	fn := func(ctx context.Context) (*Result, error) {
		atomic.AddInt32(&calls, 1)
		return &Result{Status: 200, Body: json.RawMessage(`{"toVersion":2}`)}, nil
	}

	r1, err := c.Execute(ctx, key, fn)
	require.NoError(t, err)
	r2, err := c.Execute(ctx, key, fn)
	require.NoError(t, err)

	assert.Equal(t, r1, r2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "fn must execute exactly once")
}

func TestExecuteDoesNotCacheErrors(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemoryStore())
	key := Key("k1", "POST", "/path", "u1")

	var calls int32
	fn := func(ctx context.Context) (*Result, error) {
		atomic.AddInt32(&calls, 1)
		return nil, itinerary.NewError(itinerary.ErrWriteConflict, "boom", nil)
	}

	_, err := c.Execute(ctx, key, fn)
	require.Error(t, err)
	_, err = c.Execute(ctx, key, fn)
	require.Error(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "an error result must not be cached")
}

func TestConcurrentExecuteSingleFlights(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemoryStore())
	key := Key("k1", "POST", "/path", "u1")

	var calls int32
	fn := func(ctx context.Context) (*Result, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(50 * time.Millisecond)
		return &Result{Status: 200, Body: json.RawMessage(`{}`)}, nil
	}

	var wg sync.WaitGroup
	results := make([]*Result, 5)
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Execute(ctx, key, fn)
		}(i)
	}
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i])
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "exactly one executor should win")
}
