package postprocess

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webshot/internal/shot"
)

type call struct {
	name string
	args []string
}

// fakeRunner records invocations and writes a stub output to the last path
// argument, mimicking a successful codec run.
type fakeRunner struct {
	mu     sync.Mutex
	calls  []call
	failOn string
}

func (f *fakeRunner) run(_ context.Context, name string, args ...string) error {
	f.mu.Lock()
	f.calls = append(f.calls, call{name: name, args: slices.Clone(args)})
	f.mu.Unlock()
	if name == f.failOn {
		return errors.New(name + " exited 1: boom")
	}
	out := args[len(args)-1]
	if i := slices.Index(args, "-o"); i >= 0 {
		out = args[i+1]
	}
	if i := slices.Index(args, "-out"); i >= 0 {
		out = args[i+1]
	}
	return os.WriteFile(out, []byte("encoded:"+name), 0o600)
}

func (f *fakeRunner) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.name)
	}
	return out
}

func writePNG(t *testing.T, dir string, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	path := filepath.Join(dir, "raw.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

func newRequest(t *testing.T, p shot.RequestParams) shot.Request {
	t.Helper()
	if p.URL == "" {
		p.URL = "https://example.com"
	}
	req, err := shot.NewRequest(p)
	require.NoError(t, err)
	return req
}

func newProcessor(t *testing.T, runner *fakeRunner, mutate ...func(*Config)) (*Processor, string) {
	t.Helper()
	tmp := t.TempDir()
	cfg := DefaultConfig()
	cfg.TempDir = tmp
	for _, m := range mutate {
		m(&cfg)
	}
	return New(cfg, nil, WithRunner(runner.run)), tmp
}

func assertOnlyRaw(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, "raw.png", e.Name(), "intermediate file left behind")
	}
}

func TestFit(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name         string
		w, h, sw, sh int
		wantW, wantH int
	}{
		{"same size", 800, 450, 800, 450, 800, 450},
		{"half", 800, 450, 400, 225, 400, 225},
		{"width bound", 800, 450, 400, 400, 400, 225},
		{"height bound", 800, 450, 800, 90, 160, 90},
		{"never upscales", 800, 450, 1600, 900, 800, 450},
		{"mixed larger", 800, 450, 1600, 225, 400, 225},
		{"missing target keeps original", 800, 450, 0, 0, 800, 450},
		{"tiny stays positive", 800, 450, 1, 1, 1, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, h := Fit(tc.w, tc.h, tc.sw, tc.sh)
			assert.Equal(t, tc.wantW, w)
			assert.Equal(t, tc.wantH, h)
			assert.LessOrEqual(t, w, tc.w)
			assert.LessOrEqual(t, h, tc.h)
		})
	}
}

func TestProcessWebPWithoutResize(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	p, tmp := newProcessor(t, runner)
	raw := writePNG(t, tmp, 80, 45)

	art, err := p.Process(context.Background(), raw, newRequest(t, shot.RequestParams{Width: 80, Height: 45}))
	require.NoError(t, err)
	assert.Equal(t, "image/webp", art.ContentType)
	assert.Equal(t, []byte("encoded:cwebp"), art.Data)
	assert.Equal(t, 80, art.Width)
	assert.Equal(t, 45, art.Height)

	require.Len(t, runner.calls, 1)
	assert.Equal(t, []string{"-q", "75", "-m", "6", "-af", "-sharp_yuv", raw}, runner.calls[0].args[:7])
	assertOnlyRaw(t, tmp)
	_, err = os.Stat(raw)
	assert.NoError(t, err, "raw capture belongs to the caller")
}

func TestProcessResizesDownOnly(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	p, tmp := newProcessor(t, runner)
	raw := writePNG(t, tmp, 80, 40)

	art, err := p.Process(context.Background(), raw, newRequest(t, shot.RequestParams{
		Width: 80, Height: 40, ScaledWidth: 40, ScaledHeight: 40, Format: "jpg",
	}))
	require.NoError(t, err)
	assert.Equal(t, 40, art.Width)
	assert.Equal(t, 20, art.Height)
	assert.Equal(t, []string{"convert", "convert"}, runner.names())
	assert.Equal(t, "40x20!", runner.calls[0].args[2])
	assert.Contains(t, runner.calls[1].args, "4:2:0")
	assert.Contains(t, runner.calls[1].args, "jpeg:dct-method=float")
	assertOnlyRaw(t, tmp)

	// A larger request than the capture skips the resize step entirely.
	runner2 := &fakeRunner{}
	p2, tmp2 := newProcessor(t, runner2)
	raw2 := writePNG(t, tmp2, 80, 40)
	art, err = p2.Process(context.Background(), raw2, newRequest(t, shot.RequestParams{
		Width: 80, Height: 40, ScaledWidth: 400, ScaledHeight: 200,
	}))
	require.NoError(t, err)
	assert.Equal(t, 80, art.Width)
	assert.Equal(t, 40, art.Height)
	assert.Equal(t, []string{"cwebp"}, runner2.names())
}

func TestProcessPNGCopyAndOptimize(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	p, tmp := newProcessor(t, runner)
	raw := writePNG(t, tmp, 10, 10)
	rawBytes, err := os.ReadFile(raw)
	require.NoError(t, err)

	art, err := p.Process(context.Background(), raw, newRequest(t, shot.RequestParams{Width: 10, Height: 10, Format: "png"}))
	require.NoError(t, err)
	assert.Equal(t, rawBytes, art.Data)
	assert.Equal(t, "image/png", art.ContentType)
	assert.Empty(t, runner.names())

	runner = &fakeRunner{}
	p, tmp = newProcessor(t, runner, func(c *Config) { c.OptipngBinary = "optipng" })
	raw = writePNG(t, tmp, 10, 10)
	art, err = p.Process(context.Background(), raw, newRequest(t, shot.RequestParams{Width: 10, Height: 10, Format: "png"}))
	require.NoError(t, err)
	assert.Equal(t, []byte("encoded:optipng"), art.Data)
	assert.Contains(t, runner.calls[0].args, "-o2")
}

func TestProcessConversionFailureLeavesNothing(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{failOn: "cwebp"}
	p, tmp := newProcessor(t, runner)
	raw := writePNG(t, tmp, 80, 40)

	art, err := p.Process(context.Background(), raw, newRequest(t, shot.RequestParams{Width: 80, Height: 40, ScaledWidth: 40}))
	require.ErrorIs(t, err, shot.ErrConversion)
	assert.Contains(t, err.Error(), "boom")
	assert.Nil(t, art.Data)
	assertOnlyRaw(t, tmp)

	runner = &fakeRunner{failOn: "convert"}
	p, tmp = newProcessor(t, runner)
	raw = writePNG(t, tmp, 80, 40)
	_, err = p.Process(context.Background(), raw, newRequest(t, shot.RequestParams{Width: 80, Height: 40, ScaledWidth: 40}))
	require.ErrorIs(t, err, shot.ErrConversion)
	assert.Equal(t, []string{"convert"}, runner.names(), "encode must not run after a failed resize")
	assertOnlyRaw(t, tmp)
}

func TestProcessRejectsUnreadableCapture(t *testing.T) {
	t.Parallel()

	p, tmp := newProcessor(t, &fakeRunner{})
	bad := filepath.Join(tmp, "raw.png")
	require.NoError(t, os.WriteFile(bad, []byte("not a png"), 0o600))

	_, err := p.Process(context.Background(), bad, newRequest(t, shot.RequestParams{}))
	require.ErrorIs(t, err, shot.ErrConversion)
}

func TestProcessBoundedWorkers(t *testing.T) {
	t.Parallel()

	var (
		active  atomic.Int32
		maxSeen atomic.Int32
	)
	slow := func(_ context.Context, _ string, args ...string) error {
		n := active.Add(1)
		for {
			m := maxSeen.Load()
			if n <= m || maxSeen.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		return os.WriteFile(args[len(args)-1], []byte("x"), 0o600)
	}

	tmp := t.TempDir()
	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.TempDir = tmp
	p := New(cfg, nil, WithRunner(slow))
	require.Equal(t, 2, p.Workers())
	raw := writePNG(t, tmp, 20, 20)
	req := newRequest(t, shot.RequestParams{Width: 20, Height: 20})

	var wg sync.WaitGroup
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Process(context.Background(), raw, req)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, maxSeen.Load(), int32(2))
}

func TestProcessSlotWaitHonorsContext(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Workers = 1
	p := New(cfg, nil, WithRunner((&fakeRunner{}).run))
	require.NoError(t, p.acquire(context.Background()))
	defer p.release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Process(ctx, "unused.png", newRequest(t, shot.RequestParams{}))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
