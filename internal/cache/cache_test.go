package cache_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webshot/internal/cache"
	"github.com/JakeFAU/webshot/internal/shot"
	"github.com/JakeFAU/webshot/internal/storage/memory"
)

type flakyStore struct {
	shot.BlobStore
	err   error
	signs int
}

func (f *flakyStore) Exists(context.Context, string) (bool, error) { return false, f.err }

func (f *flakyStore) Put(context.Context, string, string, []byte) error { return f.err }

func (f *flakyStore) SignURL(context.Context, string, time.Duration) (string, error) {
	f.signs++
	return "", f.err
}

type countingStore struct {
	*memory.BlobStore
	signs int
	ttl   time.Duration
}

func (c *countingStore) SignURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	c.signs++
	c.ttl = ttl
	return c.BlobStore.SignURL(ctx, key, ttl)
}

type mapLocators struct {
	urls map[string]string
	ttl  time.Duration
	err  error
}

func (m *mapLocators) GetLocator(_ context.Context, key string) (string, bool, error) {
	if m.err != nil {
		return "", false, m.err
	}
	u, ok := m.urls[key]
	return u, ok, nil
}

func (m *mapLocators) SetLocator(_ context.Context, key, url string, ttl time.Duration) error {
	m.urls[key] = url
	m.ttl = ttl
	return m.err
}

func fingerprint(t *testing.T) shot.Fingerprint {
	t.Helper()
	return shot.Fingerprint{Digest: "abc", Width: 800, Height: 450, ScaledWidth: 800, ScaledHeight: 450, Format: shot.FormatWebP}
}

func TestLookupMissThenHitBytes(t *testing.T) {
	store := memory.NewBlobStore()
	c := cache.New(store, nil, cache.Config{}, nil)
	fp := fingerprint(t)
	ctx := context.Background()

	loc, ok, err := c.Lookup(ctx, fp)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, loc)
	assert.Zero(t, store.Len(), "lookup must never write")

	require.NoError(t, c.Store(ctx, fp.Key(), shot.Artifact{Data: []byte("img"), ContentType: "image/webp"}))

	loc, ok, err = c.Lookup(ctx, fp)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "abc-800x450-800x450.webp", loc.Key)
	assert.Equal(t, "image/webp", loc.ContentType)
	require.NotNil(t, loc.Body)
	data, err := io.ReadAll(loc.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("img"), data)
	assert.Empty(t, loc.URL)
}

func TestStoreFailuresAreUnavailable(t *testing.T) {
	store := &flakyStore{err: errors.New("503 backend")}
	c := cache.New(store, nil, cache.Config{}, nil)

	_, _, err := c.Lookup(context.Background(), fingerprint(t))
	assert.ErrorIs(t, err, shot.ErrStoreUnavailable)

	err = c.Store(context.Background(), "k", shot.Artifact{})
	assert.ErrorIs(t, err, shot.ErrStoreUnavailable)

	_, err = c.Locate(context.Background(), "k", "image/png", shot.LocateRedirect)
	assert.ErrorIs(t, err, shot.ErrStoreUnavailable)
}

func TestLocateRedirectUsesLocatorCache(t *testing.T) {
	store := &countingStore{BlobStore: memory.NewBlobStore()}
	locators := &mapLocators{urls: map[string]string{}}
	c := cache.New(store, locators, cache.Config{
		Mode:       shot.LocateRedirect,
		SignTTL:    time.Hour,
		LocatorTTL: 10 * time.Minute,
	}, nil)
	ctx := context.Background()
	require.NoError(t, c.Store(ctx, "abc-800x450-800x450.webp", shot.Artifact{Data: []byte("x"), ContentType: "image/webp"}))

	for range 3 {
		loc, ok, err := c.Lookup(ctx, fingerprint(t))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "memory://abc-800x450-800x450.webp", loc.URL)
		assert.Nil(t, loc.Body)
	}
	assert.Equal(t, 1, store.signs)
	assert.Equal(t, time.Hour, store.ttl)
	assert.Equal(t, 10*time.Minute, locators.ttl)
}

func TestLocatorCacheFailureFallsBackToSigning(t *testing.T) {
	store := &countingStore{BlobStore: memory.NewBlobStore()}
	locators := &mapLocators{urls: map[string]string{}, err: errors.New("redis down")}
	c := cache.New(store, locators, cache.Config{Mode: shot.LocateRedirect}, nil)

	loc, err := c.Locate(context.Background(), "k.png", "image/png", shot.LocateRedirect)
	require.NoError(t, err)
	assert.Equal(t, "memory://k.png", loc.URL)
	assert.Equal(t, 1, store.signs)
}

func TestLocateBytesMissing(t *testing.T) {
	c := cache.New(memory.NewBlobStore(), nil, cache.Config{}, nil)
	_, err := c.Locate(context.Background(), "nope.webp", "image/webp", shot.LocateBytes)
	assert.ErrorIs(t, err, shot.ErrNotFound)
	assert.NotErrorIs(t, err, shot.ErrStoreUnavailable)
	assert.Equal(t, shot.LocateBytes, c.Mode())
}
