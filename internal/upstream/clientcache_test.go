package upstream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nulpointcorp/sessionrelay/internal/store"
)

func TestClientCache_BuildsOnceReusesOnHit(t *testing.T) {
	var builds int
	cache := NewClientCache(context.Background(), func(p store.Provider) (*Client, error) {
		builds++
		return New(p, Config{}, nil, nil), nil
	}, time.Minute, nil)
	defer cache.Close()

	p := testProvider()

	c1, err := cache.Get(p)
	require.NoError(t, err)
	c2, err := cache.Get(p)
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	assert.Equal(t, 1, builds)
}

func TestClientCache_DistinctCSesIdxGetsDistinctClient(t *testing.T) {
	cache := NewClientCache(context.Background(), func(p store.Provider) (*Client, error) {
		return New(p, Config{}, nil, nil), nil
	}, time.Minute, nil)
	defer cache.Close()

	p1 := testProvider()
	p2 := testProvider()
	p2.ID = p1.ID
	p2.CSesIdx = "other-cses"

	c1, err := cache.Get(p1)
	require.NoError(t, err)
	c2, err := cache.Get(p2)
	require.NoError(t, err)

	assert.NotSame(t, c1, c2)
	assert.Equal(t, 2, cache.Len())
}

func TestClientCache_Invalidate(t *testing.T) {
	var builds int
	cache := NewClientCache(context.Background(), func(p store.Provider) (*Client, error) {
		builds++
		return New(p, Config{}, nil, nil), nil
	}, time.Minute, nil)
	defer cache.Close()

	p := testProvider()
	_, err := cache.Get(p)
	require.NoError(t, err)

	cache.Invalidate(p)
	assert.Equal(t, 0, cache.Len())

	_, err = cache.Get(p)
	require.NoError(t, err)
	assert.Equal(t, 2, builds)
}

func TestClientCache_EntryExpiresAfterTTL(t *testing.T) {
	var builds int
	cache := NewClientCache(context.Background(), func(p store.Provider) (*Client, error) {
		builds++
		return New(p, Config{}, nil, nil), nil
	}, 10*time.Millisecond, nil)
	defer cache.Close()

	p := testProvider()
	_, err := cache.Get(p)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, err = cache.Get(p)
	require.NoError(t, err)
	assert.Equal(t, 2, builds, "expired entry should be rebuilt rather than reused")
}

func TestClientCache_ZeroTTLFallsBackToDefault(t *testing.T) {
	cache := NewClientCache(context.Background(), func(p store.Provider) (*Client, error) {
		return New(p, Config{}, nil, nil), nil
	}, 0, nil)
	defer cache.Close()

	assert.Equal(t, defaultEntryTTL, cache.ttl)
}
