package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
)

// Session is one long-lived browser process. Tabs are opened against
// Context with chromedp.NewContext.
type Session interface {
	Context() context.Context
	Ping(ctx context.Context) error
	Close() error
}

// Launcher starts browser sessions. ctx bounds start-up only; the session
// outlives it.
type Launcher interface {
	Launch(ctx context.Context) (Session, error)
}

// ChromeOptions configures the Chrome launcher.
type ChromeOptions struct {
	ExecPath  string
	UserAgent string
	Headless  bool
	NoSandbox bool
}

// ChromeLauncher launches local Chrome processes through chromedp.
type ChromeLauncher struct {
	opts []chromedp.ExecAllocatorOption
}

// NewChromeLauncher builds a launcher with the flags used for screenshot rendering.
func NewChromeLauncher(o ChromeOptions) *ChromeLauncher {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", o.Headless),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-translate", true),
		chromedp.Flag("mute-audio", true),
	)
	if o.NoSandbox {
		opts = append(opts,
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-setuid-sandbox", true),
		)
	}
	if o.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(o.ExecPath))
	}
	if o.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(o.UserAgent))
	}
	return &ChromeLauncher{opts: opts}
}

// Launch starts a new Chrome process and waits until it accepts commands.
func (l *ChromeLauncher) Launch(ctx context.Context) (Session, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// Abort the start-up if the caller gives up; once started the
	// process belongs to the pool.
	stop := context.AfterFunc(ctx, browserCancel)
	err := chromedp.Run(browserCtx)
	aborted := !stop()
	if err != nil || aborted {
		browserCancel()
		allocCancel()
		if aborted && ctx.Err() != nil {
			return nil, fmt.Errorf("start chrome: %w", ctx.Err())
		}
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	return &chromeSession{
		ctx:         browserCtx,
		cancel:      browserCancel,
		allocCancel: allocCancel,
	}, nil
}

type chromeSession struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

func (s *chromeSession) Context() context.Context { return s.ctx }

// Ping asks the browser for its version, the cheapest round trip over CDP.
func (s *chromeSession) Ping(ctx context.Context) error {
	if err := s.ctx.Err(); err != nil {
		return fmt.Errorf("browser context done: %w", err)
	}
	pingCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(pingCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, _, _, _, err := cdpbrowser.GetVersion().Do(ctx)
		return err
	}))
	if err != nil {
		return fmt.Errorf("ping browser: %w", err)
	}
	return nil
}

// Close shuts the browser down gracefully, then kills the allocator.
func (s *chromeSession) Close() error {
	s.closeOnce.Do(func() {
		err := chromedp.Cancel(s.ctx)
		s.cancel()
		s.allocCancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			s.closeErr = fmt.Errorf("close chrome: %w", err)
		}
	})
	return s.closeErr
}
