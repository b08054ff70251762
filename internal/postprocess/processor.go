// Package postprocess rescales raw captures (down only) and encodes them with
// external codecs on a worker pool separate from the render gate.
package postprocess

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/png" // registers the PNG header decoder
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/webshot/internal/shot"
)

// CommandRunner executes an external tool and returns its combined output on failure.
type CommandRunner func(ctx context.Context, name string, args ...string) error

// Config controls the encoder worker pool and codec binaries.
type Config struct {
	Workers        int
	ConvertBinary  string
	CwebpBinary    string
	OptipngBinary  string
	WebPQuality    int
	JPEGQuality    int
	TempDir        string
	CommandTimeout time.Duration
}

// DefaultConfig returns the documented encoder parameters.
func DefaultConfig() Config {
	return Config{
		Workers:        runtime.NumCPU(),
		ConvertBinary:  "convert",
		CwebpBinary:    "cwebp",
		WebPQuality:    75,
		JPEGQuality:    80,
		CommandTimeout: 30 * time.Second,
	}
}

// Processor turns raw captures into encoded artifacts.
type Processor struct {
	cfg      Config
	slots    chan struct{}
	run      CommandRunner
	encoders map[shot.Format]Encoder
	logger   *zap.Logger
}

// Option customizes a Processor.
type Option func(*Processor)

// WithRunner replaces the exec-backed command runner.
func WithRunner(run CommandRunner) Option {
	return func(p *Processor) { p.run = run }
}

// New creates a processor with cfg.Workers encoder slots.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Processor {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.ConvertBinary == "" {
		cfg.ConvertBinary = def.ConvertBinary
	}
	if cfg.CwebpBinary == "" {
		cfg.CwebpBinary = def.CwebpBinary
	}
	if cfg.WebPQuality <= 0 {
		cfg.WebPQuality = def.WebPQuality
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = def.JPEGQuality
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Processor{
		cfg:    cfg,
		slots:  make(chan struct{}, cfg.Workers),
		run:    execRunner,
		logger: logger.Named("postprocess"),
	}
	p.encoders = map[shot.Format]Encoder{
		shot.FormatWebP: WebPEncoder{Binary: cfg.CwebpBinary, Quality: cfg.WebPQuality},
		shot.FormatJPG:  JPEGEncoder{Binary: cfg.ConvertBinary, Quality: cfg.JPEGQuality},
		shot.FormatPNG:  PNGEncoder{Optimizer: cfg.OptipngBinary},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Workers returns the encoder pool size.
func (p *Processor) Workers() int { return cap(p.slots) }

// Process rescales and encodes rawPath for req. Intermediate files are
// removed on every path; rawPath itself belongs to the caller.
func (p *Processor) Process(ctx context.Context, rawPath string, req shot.Request) (shot.Artifact, error) {
	if err := p.acquire(ctx); err != nil {
		return shot.Artifact{}, err
	}
	defer p.release()

	enc, ok := p.encoders[req.Format()]
	if !ok {
		return shot.Artifact{}, fmt.Errorf("%w: %s", shot.ErrInvalidFormat, req.Format())
	}

	w, h, err := Dimensions(rawPath)
	if err != nil {
		return shot.Artifact{}, fmt.Errorf("%w: %w", shot.ErrConversion, err)
	}
	tw, th := Fit(w, h, req.ScaledWidth(), req.ScaledHeight())

	workDir, err := os.MkdirTemp(p.cfg.TempDir, "webshot-encode-*")
	if err != nil {
		return shot.Artifact{}, fmt.Errorf("create work dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			p.logger.Warn("remove work dir", zap.String("dir", workDir), zap.Error(err))
		}
	}()

	src := rawPath
	if tw != w || th != h {
		resized := filepath.Join(workDir, "resized.png")
		if err := p.invoke(ctx, func(ctx context.Context) error {
			return p.run(ctx, p.cfg.ConvertBinary, src, "-resize", fmt.Sprintf("%dx%d!", tw, th), resized)
		}); err != nil {
			return shot.Artifact{}, fmt.Errorf("%w: resize %dx%d to %dx%d: %w", shot.ErrConversion, w, h, tw, th, err)
		}
		src = resized
	}

	dst := filepath.Join(workDir, "out."+string(enc.Format()))
	if err := p.invoke(ctx, func(ctx context.Context) error {
		return enc.Encode(ctx, p.run, src, dst)
	}); err != nil {
		return shot.Artifact{}, fmt.Errorf("%w: encode %s: %w", shot.ErrConversion, enc.Format(), err)
	}

	data, err := os.ReadFile(dst)
	if err != nil {
		return shot.Artifact{}, fmt.Errorf("%w: read encoded output: %w", shot.ErrConversion, err)
	}
	if len(data) == 0 {
		return shot.Artifact{}, fmt.Errorf("%w: encoder produced no output", shot.ErrConversion)
	}

	p.logger.Debug("capture encoded",
		zap.String("format", string(enc.Format())),
		zap.Int("width", tw),
		zap.Int("height", th),
		zap.Int("bytes", len(data)))
	return shot.Artifact{
		Data:        data,
		ContentType: req.Format().ContentType(),
		Width:       tw,
		Height:      th,
	}, nil
}

func (p *Processor) invoke(ctx context.Context, step func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.CommandTimeout)
	defer cancel()
	return step(ctx)
}

func (p *Processor) acquire(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("encoder slot wait canceled: %w", ctx.Err())
	}
}

func (p *Processor) release() {
	select {
	case <-p.slots:
	default:
	}
}

// Fit returns the largest size within sw x sh that keeps the w:h aspect
// ratio and never exceeds the original.
func Fit(w, h, sw, sh int) (int, int) {
	if w <= 0 || h <= 0 {
		return w, h
	}
	if sw <= 0 {
		sw = w
	}
	if sh <= 0 {
		sh = h
	}
	scale := math.Min(1, math.Min(float64(sw)/float64(w), float64(sh)/float64(h)))
	if scale >= 1 {
		return w, h
	}
	return max(1, int(math.Round(float64(w)*scale))), max(1, int(math.Round(float64(h)*scale)))
}

// Dimensions reads width and height from an image header without decoding pixels.
func Dimensions(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open capture: %w", err)
	}
	defer func() { _ = f.Close() }()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, fmt.Errorf("read capture header: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

func execRunner(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%s exited %d: %s", name, exitErr.ExitCode(), strings.TrimSpace(string(output)))
		}
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(output)))
	}
	return nil
}
