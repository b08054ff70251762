package postprocess

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/JakeFAU/webshot/internal/shot"
)

// Encoder converts a PNG at src into its target format at dst.
type Encoder interface {
	Format() shot.Format
	Encode(ctx context.Context, run CommandRunner, src, dst string) error
}

// WebPEncoder produces lossy WebP with cwebp.
type WebPEncoder struct {
	Binary  string
	Quality int
}

// Format implements Encoder.
func (WebPEncoder) Format() shot.Format { return shot.FormatWebP }

// Encode implements Encoder.
func (e WebPEncoder) Encode(ctx context.Context, run CommandRunner, src, dst string) error {
	return run(ctx, e.Binary,
		"-q", strconv.Itoa(e.Quality),
		"-m", "6",
		"-af",
		"-sharp_yuv",
		src, "-o", dst)
}

// JPEGEncoder produces progressive 4:2:0 JPEG with ImageMagick.
type JPEGEncoder struct {
	Binary  string
	Quality int
}

// Format implements Encoder.
func (JPEGEncoder) Format() shot.Format { return shot.FormatJPG }

// Encode implements Encoder.
func (e JPEGEncoder) Encode(ctx context.Context, run CommandRunner, src, dst string) error {
	return run(ctx, e.Binary, src,
		"-sampling-factor", "4:2:0",
		"-strip",
		"-interlace", "Plane",
		"-quality", strconv.Itoa(e.Quality),
		"-define", "jpeg:dct-method=float",
		dst)
}

// PNGEncoder optimizes losslessly with optipng, or copies when no
// optimizer is configured.
type PNGEncoder struct {
	Optimizer string
}

// Format implements Encoder.
func (PNGEncoder) Format() shot.Format { return shot.FormatPNG }

// Encode implements Encoder.
func (e PNGEncoder) Encode(ctx context.Context, run CommandRunner, src, dst string) error {
	if e.Optimizer == "" {
		return copyFile(src, dst)
	}
	return run(ctx, e.Optimizer, "-quiet", "-o2", "-strip", "all", "-out", dst, src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dst, err)
	}
	return nil
}
