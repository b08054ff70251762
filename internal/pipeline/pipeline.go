// Package pipeline orchestrates a screenshot request: cache lookup, admission,
// render on a pooled browser, post-processing, upload and locator production.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/webshot/internal/browser"
	"github.com/JakeFAU/webshot/internal/cache"
	"github.com/JakeFAU/webshot/internal/metrics"
	"github.com/JakeFAU/webshot/internal/shot"
)

const tracerName = "github.com/JakeFAU/webshot/internal/pipeline"

// Pool leases browser sessions.
type Pool interface {
	Acquire(ctx context.Context) (*browser.Lease, error)
	Capacity() int
}

// Renderer captures one request on a leased session.
type Renderer interface {
	Render(ctx context.Context, sess browser.Session, req shot.Request) (shot.RenderResult, error)
}

// Processor turns a raw capture into an encoded artifact.
type Processor interface {
	Process(ctx context.Context, rawPath string, req shot.Request) (shot.Artifact, error)
}

// Config tunes the orchestrator.
type Config struct {
	// MaxConcurrency bounds simultaneous acquire+render sections; <= 0 uses
	// the pool capacity.
	MaxConcurrency int
	// RequestTimeout is the overall deadline of one Shoot call.
	RequestTimeout time.Duration
	// CrashRetries is how many times a browser crash is retried on a fresh
	// lease.
	CrashRetries int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{RequestTimeout: 60 * time.Second, CrashRetries: 1}
}

// Pipeline runs screenshot requests end to end.
type Pipeline struct {
	pool      Pool
	renderer  Renderer
	processor Processor
	cache     *cache.Cache
	hasher    shot.Hasher
	gate      *semaphore.Weighted
	cfg       Config
	logger    *zap.Logger
	tracer    trace.Tracer
}

// New wires a Pipeline.
func New(cfg Config, pool Pool, renderer Renderer, processor Processor, c *cache.Cache, hasher shot.Hasher, logger *zap.Logger) (*Pipeline, error) {
	if pool == nil || renderer == nil || processor == nil || c == nil || hasher == nil {
		return nil, errors.New("pipeline: pool, renderer, processor, cache and hasher are required")
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = pool.Capacity()
	}
	if cfg.CrashRetries < 0 {
		cfg.CrashRetries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		pool:      pool,
		renderer:  renderer,
		processor: processor,
		cache:     c,
		hasher:    hasher,
		gate:      semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		cfg:       cfg,
		logger:    logger.Named("pipeline"),
		tracer:    otel.Tracer(tracerName),
	}, nil
}

// Key returns the blob key req would be stored under.
func (p *Pipeline) Key(req shot.Request) (string, error) {
	fp, err := shot.ComputeFingerprint(p.hasher, req)
	if err != nil {
		return "", err
	}
	return fp.Key(), nil
}

// Shoot serves req from the cache or renders it. A failed upload still
// returns the artifact with Cached=false.
func (p *Pipeline) Shoot(ctx context.Context, req shot.Request) (_ *shot.Result, err error) {
	if p.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.RequestTimeout)
		defer cancel()
	}
	ctx, span := p.tracer.Start(ctx, "webshot.shoot", trace.WithAttributes(
		attribute.String("webshot.url", req.URL()),
		attribute.String("webshot.format", string(req.Format())),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			metrics.ObserveRequest("error")
		}
		span.End()
	}()

	fp, err := shot.ComputeFingerprint(p.hasher, req)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: %w", err)
	}
	key := fp.Key()
	log := p.logger.With(zap.String("key", key), zap.String("url", req.URL()))
	span.SetAttributes(attribute.String("webshot.key", key))

	lookupStart := time.Now()
	loc, hit, lookupErr := p.cache.Lookup(ctx, fp)
	metrics.ObserveStage("lookup", time.Since(lookupStart))
	if lookupErr != nil {
		log.Warn("cache lookup failed, rendering", zap.Error(lookupErr))
	}
	if hit {
		metrics.ObserveRequest("hit")
		span.SetAttributes(attribute.Bool("webshot.cache_hit", true))
		return &shot.Result{Key: key, CacheHit: true, Cached: true, Locator: loc}, nil
	}

	res, err := p.capture(ctx, req)
	if res.RawPath != "" {
		defer func() { _ = os.Remove(res.RawPath) }()
	}
	if err != nil {
		return nil, err
	}
	if len(res.MissingSelectors) > 0 {
		log.Info("captured with missing selectors", zap.Strings("selectors", res.MissingSelectors))
	}

	ppCtx, ppSpan := p.tracer.Start(ctx, "webshot.postprocess")
	ppStart := time.Now()
	art, err := p.processor.Process(ppCtx, res.RawPath, req)
	metrics.ObserveStage("postprocess", time.Since(ppStart))
	endSpan(ppSpan, err)
	if err != nil {
		metrics.ObserveRenderFailure("conversion")
		return nil, err
	}
	metrics.ObserveArtifact(string(req.Format()), len(art.Data))

	result := &shot.Result{Key: key, Artifact: &art}
	result.Cached = p.upload(ctx, log, key, art)
	result.Locator = p.locator(ctx, log, key, art, result.Cached)
	metrics.ObserveRequest("miss")
	return result, nil
}

// capture renders req, retrying once on a fresh lease after a browser crash.
func (p *Pipeline) capture(ctx context.Context, req shot.Request) (shot.RenderResult, error) {
	ctx, span := p.tracer.Start(ctx, "webshot.render")
	start := time.Now()
	var (
		res shot.RenderResult
		err error
	)
	for attempt := 0; ; attempt++ {
		res, err = p.renderOnce(ctx, req)
		if err == nil || !errors.Is(err, shot.ErrBrowserCrash) || attempt >= p.cfg.CrashRetries || ctx.Err() != nil {
			break
		}
		metrics.ObserveCrashRetry()
		p.logger.Warn("browser crashed, retrying on a fresh session",
			zap.String("url", req.URL()), zap.Int("attempt", attempt+1), zap.Error(err))
		if res.RawPath != "" {
			_ = os.Remove(res.RawPath)
			res.RawPath = ""
		}
	}
	metrics.ObserveStage("render", time.Since(start))
	span.SetAttributes(attribute.Int("webshot.status_code", res.StatusCode))
	endSpan(span, err)
	if err != nil {
		metrics.ObserveRenderFailure(failureClass(err))
	}
	return res, err
}

// renderOnce holds the admission gate only across acquire and render so
// post-processing never starves new renders.
func (p *Pipeline) renderOnce(ctx context.Context, req shot.Request) (shot.RenderResult, error) {
	if err := p.gate.Acquire(ctx, 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return shot.RenderResult{}, fmt.Errorf("%w: admission: %w", shot.ErrPoolTimeout, err)
		}
		return shot.RenderResult{}, fmt.Errorf("admission: %w", err)
	}
	defer p.gate.Release(1)

	lease, err := p.pool.Acquire(ctx)
	if err != nil {
		return shot.RenderResult{}, err
	}
	defer lease.Release()

	res, err := p.renderer.Render(ctx, lease.Session(), req)
	if errors.Is(err, shot.ErrBrowserCrash) {
		lease.MarkUnhealthy()
	}
	return res, err
}

func (p *Pipeline) upload(ctx context.Context, log *zap.Logger, key string, art shot.Artifact) bool {
	ctx, span := p.tracer.Start(ctx, "webshot.upload")
	start := time.Now()
	err := p.cache.Store(ctx, key, art)
	metrics.ObserveStage("upload", time.Since(start))
	endSpan(span, err)
	if err != nil {
		metrics.ObserveUploadFailure()
		log.Error("upload failed, serving uncached artifact", zap.Error(err))
		return false
	}
	return true
}

func (p *Pipeline) locator(ctx context.Context, log *zap.Logger, key string, art shot.Artifact, cached bool) *shot.Locator {
	if cached && p.cache.Mode() == shot.LocateRedirect {
		loc, err := p.cache.Locate(ctx, key, art.ContentType, shot.LocateRedirect)
		if err == nil {
			return loc
		}
		log.Warn("signing locator failed, serving bytes", zap.Error(err))
	}
	return &shot.Locator{
		Key:         key,
		ContentType: art.ContentType,
		Body:        io.NopCloser(bytes.NewReader(art.Data)),
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func failureClass(err error) string {
	switch {
	case errors.Is(err, shot.ErrPoolTimeout):
		return "pool_timeout"
	case errors.Is(err, shot.ErrBrowserCrash):
		return "crash"
	case errors.Is(err, shot.ErrNavigation):
		return "navigation"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "other"
	}
}
