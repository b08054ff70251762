// Package cache looks up and stores rendered artifacts by fingerprint key and
// turns cached keys into locators.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/webshot/internal/metrics"
	"github.com/JakeFAU/webshot/internal/shot"
)

// LocatorCache remembers signed URLs for a while so repeated hits skip the
// signing round trip.
type LocatorCache interface {
	GetLocator(ctx context.Context, key string) (string, bool, error)
	SetLocator(ctx context.Context, key, url string, ttl time.Duration) error
}

// Config controls locator production.
type Config struct {
	Mode shot.LocateMode
	// SignTTL is the validity of signed URLs.
	SignTTL time.Duration
	// LocatorTTL is how long a signed URL is reused; must be below SignTTL.
	LocatorTTL time.Duration
}

// Cache wraps a BlobStore with fingerprint semantics.
type Cache struct {
	store    shot.BlobStore
	locators LocatorCache
	cfg      Config
	logger   *zap.Logger
}

// New builds a Cache. locators may be nil.
func New(store shot.BlobStore, locators LocatorCache, cfg Config, logger *zap.Logger) *Cache {
	if cfg.Mode == "" {
		cfg.Mode = shot.LocateBytes
	}
	if cfg.SignTTL <= 0 {
		cfg.SignTTL = 15 * time.Minute
	}
	if cfg.LocatorTTL <= 0 || cfg.LocatorTTL >= cfg.SignTTL {
		cfg.LocatorTTL = cfg.SignTTL / 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{store: store, locators: locators, cfg: cfg, logger: logger.Named("cache")}
}

// Mode returns the configured locator mode.
func (c *Cache) Mode() shot.LocateMode {
	return c.cfg.Mode
}

// Lookup checks whether fp is cached and, if so, returns its locator in the
// configured mode. It never writes.
func (c *Cache) Lookup(ctx context.Context, fp shot.Fingerprint) (*shot.Locator, bool, error) {
	key := fp.Key()
	ok, err := c.store.Exists(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("%w: exists %s: %w", shot.ErrStoreUnavailable, key, err)
	}
	if !ok {
		return nil, false, nil
	}
	loc, err := c.Locate(ctx, key, fp.Format.ContentType(), c.cfg.Mode)
	if errors.Is(err, shot.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return loc, true, nil
}

// Store writes the artifact under key. A failure only forfeits caching.
func (c *Cache) Store(ctx context.Context, key string, art shot.Artifact) error {
	if err := c.store.Put(ctx, key, art.ContentType, art.Data); err != nil {
		return fmt.Errorf("%w: put %s: %w", shot.ErrStoreUnavailable, key, err)
	}
	return nil
}

// Locate produces a locator for an existing key.
func (c *Cache) Locate(ctx context.Context, key, contentType string, mode shot.LocateMode) (*shot.Locator, error) {
	loc := &shot.Locator{Key: key, ContentType: contentType}
	if mode == shot.LocateRedirect {
		u, err := c.signedURL(ctx, key)
		if err != nil {
			return nil, err
		}
		loc.URL = u
		return loc, nil
	}

	body, err := c.store.Get(ctx, key)
	if errors.Is(err, shot.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %w", shot.ErrStoreUnavailable, key, err)
	}
	loc.Body = body
	return loc, nil
}

func (c *Cache) signedURL(ctx context.Context, key string) (string, error) {
	if c.locators != nil {
		u, ok, err := c.locators.GetLocator(ctx, key)
		switch {
		case err != nil:
			metrics.ObserveLocatorCache("error")
			c.logger.Warn("locator cache read failed", zap.String("key", key), zap.Error(err))
		case ok:
			metrics.ObserveLocatorCache("hit")
			return u, nil
		default:
			metrics.ObserveLocatorCache("miss")
		}
	}

	u, err := c.store.SignURL(ctx, key, c.cfg.SignTTL)
	if err != nil {
		return "", fmt.Errorf("%w: sign %s: %w", shot.ErrStoreUnavailable, key, err)
	}
	if c.locators != nil {
		if err := c.locators.SetLocator(ctx, key, u, c.cfg.LocatorTTL); err != nil {
			c.logger.Warn("locator cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return u, nil
}
