// Package render drives one leased browser session through navigation,
// settle waits and a viewport capture.
package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/webshot/internal/browser"
	"github.com/JakeFAU/webshot/internal/shot"
)

// Config controls render timing.
type Config struct {
	NavigationTimeout time.Duration
	SettleDelay       time.Duration
	SelectorTimeout   time.Duration
	CloseTimeout      time.Duration
	PingTimeout       time.Duration
	// TempDir receives raw captures; empty uses the OS default.
	TempDir string
}

// DefaultConfig returns the render timings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		NavigationTimeout: 15 * time.Second,
		SettleDelay:       2 * time.Second,
		SelectorTimeout:   5 * time.Second,
		CloseTimeout:      5 * time.Second,
		PingTimeout:       5 * time.Second,
	}
}

// HostLimiter throttles navigations per target host.
type HostLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Renderer captures screenshots with chromedp.
type Renderer struct {
	cfg     Config
	limiter HostLimiter
	logger  *zap.Logger
}

// NewChromedp creates a renderer. limiter may be nil.
func NewChromedp(cfg Config, limiter HostLimiter, logger *zap.Logger) *Renderer {
	def := DefaultConfig()
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = def.NavigationTimeout
	}
	if cfg.SelectorTimeout <= 0 {
		cfg.SelectorTimeout = def.SelectorTimeout
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = def.CloseTimeout
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = def.PingTimeout
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{cfg: cfg, limiter: limiter, logger: logger.Named("render")}
}

// Render opens a fresh tab on sess, captures the viewport to a temporary PNG
// and closes the tab on every exit path. Errors wrap shot.ErrNavigation or
// shot.ErrBrowserCrash; a caller cancellation is returned as is.
func (r *Renderer) Render(ctx context.Context, sess browser.Session, req shot.Request) (res shot.RenderResult, err error) {
	start := time.Now()
	log := r.logger.With(zap.String("url", req.URL()))

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx, req.URL()); err != nil {
			return res, fmt.Errorf("render %s: %w", req.URL(), err)
		}
	}

	tabCtx, tabCancel := chromedp.NewContext(sess.Context())
	stop := context.AfterFunc(ctx, tabCancel)

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	defer func() {
		stop()
		closeErr := r.closeTab(tabCtx, tabCancel)
		res.RenderDuration = time.Since(start)
		if closeErr == nil {
			return
		}
		log.Warn("tab close failed", zap.Error(closeErr))
		if r.browserDead(sess) {
			if res.RawPath != "" {
				_ = os.Remove(res.RawPath)
				res.RawPath = ""
			}
			res.Success = false
			err = fmt.Errorf("%w: close tab: %w", shot.ErrBrowserCrash, closeErr)
			res.Err = err
		}
	}()

	fail := func(stage string, cause error) (shot.RenderResult, error) {
		res.StatusCode, _ = meta.snapshot()
		res.Err = r.classify(ctx, sess, fmt.Errorf("%s: %w", stage, cause))
		return res, res.Err
	}

	if err := chromedp.Run(tabCtx,
		network.Enable(),
		chromedp.EmulateViewport(int64(req.Width()), int64(req.Height())),
	); err != nil {
		return fail("prepare tab", err)
	}

	navStart := time.Now()
	if err := r.navigate(tabCtx, req.URL()); err != nil {
		return fail("navigate", err)
	}
	res.LoadDuration = time.Since(navStart)

	status, _ := meta.snapshot()
	res.StatusCode = status
	if status >= 400 {
		res.Err = fmt.Errorf("%w: %s returned HTTP %d", shot.ErrNavigation, req.URL(), status)
		return res, res.Err
	}

	if err := sleepCtx(tabCtx, r.cfg.SettleDelay); err != nil {
		return fail("settle", err)
	}

	for _, sel := range req.Selectors() {
		if err := r.waitSelector(tabCtx, sel); err != nil {
			if tabCtx.Err() != nil || sess.Context().Err() != nil {
				return fail("wait selector", err)
			}
			log.Warn("selector not visible, capturing anyway",
				zap.String("selector", sel),
				zap.Error(fmt.Errorf("%w: %w", shot.ErrSelectorTimeout, err)))
			res.MissingSelectors = append(res.MissingSelectors, sel)
		}
	}

	var buf []byte
	if err := chromedp.Run(tabCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return fail("capture", err)
	}
	path, err := r.writeCapture(buf)
	if err != nil {
		res.Err = err
		return res, err
	}
	res.RawPath = path
	res.Success = true

	log.Debug("page captured",
		zap.Int("status", status),
		zap.Duration("load", res.LoadDuration),
		zap.Strings("missing_selectors", res.MissingSelectors))
	return res, nil
}

// navigate waits for the DOM rather than network idle so a page with
// long-polling requests still finishes within the timeout.
func (r *Renderer) navigate(tabCtx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(tabCtx, r.cfg.NavigationTimeout)
	defer cancel()

	return chromedp.Run(navCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, _, errorText, _, err := page.Navigate(url).Do(ctx)
			if err != nil {
				return err
			}
			if errorText != "" {
				return fmt.Errorf("%w: %s", shot.ErrNavigation, errorText)
			}
			return nil
		}),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			// Web fonts swap in after DOM ready; a failure here only costs fidelity.
			var ok bool
			_ = chromedp.Evaluate(`document.fonts.ready.then(() => true)`, &ok,
				func(p *cdpruntime.EvaluateParams) *cdpruntime.EvaluateParams {
					return p.WithAwaitPromise(true)
				}).Do(ctx)
			return nil
		}),
	)
}

func (r *Renderer) waitSelector(tabCtx context.Context, sel string) error {
	selCtx, cancel := context.WithTimeout(tabCtx, r.cfg.SelectorTimeout)
	defer cancel()
	return chromedp.Run(selCtx, chromedp.WaitVisible(sel, chromedp.ByQuery))
}

func (r *Renderer) closeTab(tabCtx context.Context, tabCancel context.CancelFunc) error {
	defer tabCancel()
	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(tabCtx) }()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case <-time.After(r.cfg.CloseTimeout):
		return errors.New("timed out closing tab")
	}
}

func (r *Renderer) writeCapture(buf []byte) (string, error) {
	f, err := os.CreateTemp(r.cfg.TempDir, "webshot-*.png")
	if err != nil {
		return "", fmt.Errorf("create capture file: %w", err)
	}
	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("write capture: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("close capture: %w", err)
	}
	return f.Name(), nil
}

// classify maps a render failure onto the error taxonomy. Caller
// cancellation is never a crash; otherwise a browser that no longer answers
// a ping is.
func (r *Renderer) classify(ctx context.Context, sess browser.Session, err error) error {
	if errors.Is(err, shot.ErrBrowserCrash) || errors.Is(err, shot.ErrNavigation) {
		return err
	}
	if ctx.Err() != nil {
		return fmt.Errorf("render canceled: %w", errors.Join(ctx.Err(), err))
	}
	if IsNetworkError(err) {
		return fmt.Errorf("%w: %w", shot.ErrNavigation, err)
	}
	if r.browserDead(sess) {
		return fmt.Errorf("%w: %w", shot.ErrBrowserCrash, err)
	}
	return fmt.Errorf("%w: %w", shot.ErrNavigation, err)
}

func (r *Renderer) browserDead(sess browser.Session) bool {
	if sess.Context().Err() != nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PingTimeout)
	defer cancel()
	return sess.Ping(ctx) != nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

// capture keeps the first main-document response; later document
// responses belong to iframes or client-side redirects.
func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != 0 && !isRedirect(m.status) {
		return
	}
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshot() (int, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.url
}

func isRedirect(status int) bool {
	return status >= 300 && status < 400
}

// IsNetworkError reports whether a chromedp error text is a Chrome net::ERR_* failure.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "net::err_") ||
		strings.Contains(msg, "dns") ||
		strings.Contains(msg, "connection refused")
}
