package shot

import (
	"fmt"
	"math"
	"net/url"
	"path"
	"slices"
	"strings"
)

// Default viewport and dimension limits.
const (
	DefaultWidth  = 800
	DefaultHeight = 450
	MaxDimension  = 8192
)

// Format is an output image encoding.
type Format string

// Supported output formats.
const (
	FormatWebP Format = "webp"
	FormatPNG  Format = "png"
	FormatJPG  Format = "jpg"
)

// ParseFormat normalizes a format name. An empty name yields webp.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), ".")) {
	case "", "webp":
		return FormatWebP, nil
	case "png":
		return FormatPNG, nil
	case "jpg", "jpeg":
		return FormatJPG, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidFormat, name)
	}
}

// FormatFromFilename infers the format from a requested filename extension.
// Filenames without an extension default to webp.
func FormatFromFilename(filename string) (Format, error) {
	return ParseFormat(path.Ext(filename))
}

// ContentType returns the MIME type for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatPNG:
		return "image/png"
	case FormatJPG:
		return "image/jpeg"
	default:
		return "image/webp"
	}
}

// RequestParams carries the loosely-typed inbound fields. Zero values mean
// "not provided".
type RequestParams struct {
	URL          string   `json:"url"`
	Width        int      `json:"width,omitempty"`
	Height       int      `json:"height,omitempty"`
	ScaledWidth  int      `json:"scaled_width,omitempty"`
	ScaledHeight int      `json:"scaled_height,omitempty"`
	Selectors    []string `json:"selectors,omitempty"`
	Format       string   `json:"format,omitempty"`
}

// Request is a validated render request with all defaults resolved.
// It is immutable once constructed.
type Request struct {
	url          string
	width        int
	height       int
	scaledWidth  int
	scaledHeight int
	selectors    []string
	format       Format
}

// NewRequest validates params and resolves every optional field.
func NewRequest(p RequestParams) (Request, error) {
	target, err := normalizeURL(p.URL)
	if err != nil {
		return Request{}, err
	}
	format, err := ParseFormat(p.Format)
	if err != nil {
		return Request{}, err
	}

	width := valueOrDefault(p.Width, DefaultWidth)
	height := valueOrDefault(p.Height, DefaultHeight)
	if !inRange(width) || !inRange(height) {
		return Request{}, fmt.Errorf("%w: viewport %dx%d", ErrInvalidDimensions, width, height)
	}
	if p.ScaledWidth < 0 || p.ScaledHeight < 0 {
		return Request{}, fmt.Errorf("%w: scaled %dx%d", ErrInvalidDimensions, p.ScaledWidth, p.ScaledHeight)
	}

	sw, sh := resolveScaled(width, height, p.ScaledWidth, p.ScaledHeight)
	if !inRange(sw) || !inRange(sh) {
		return Request{}, fmt.Errorf("%w: scaled %dx%d", ErrInvalidDimensions, sw, sh)
	}

	return Request{
		url:          target,
		width:        width,
		height:       height,
		scaledWidth:  sw,
		scaledHeight: sh,
		selectors:    normalizeSelectors(p.Selectors),
		format:       format,
	}, nil
}

// URL returns the target URL.
func (r Request) URL() string { return r.url }

// Width returns the viewport width.
func (r Request) Width() int { return r.width }

// Height returns the viewport height.
func (r Request) Height() int { return r.height }

// ScaledWidth returns the requested output width.
func (r Request) ScaledWidth() int { return r.scaledWidth }

// ScaledHeight returns the requested output height.
func (r Request) ScaledHeight() int { return r.scaledHeight }

// Format returns the output format.
func (r Request) Format() Format { return r.format }

// Selectors returns a copy of the sorted selector list.
func (r Request) Selectors() []string {
	return slices.Clone(r.selectors)
}

// Params converts the request back into its wire form, e.g. for queueing.
func (r Request) Params() RequestParams {
	return RequestParams{
		URL:          r.url,
		Width:        r.width,
		Height:       r.height,
		ScaledWidth:  r.scaledWidth,
		ScaledHeight: r.scaledHeight,
		Selectors:    r.Selectors(),
		Format:       string(r.format),
	}
}

func normalizeURL(raw string) (string, error) {
	target := strings.TrimSpace(raw)
	lower := strings.ToLower(target)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return target, nil
}

// resolveScaled fills in missing scaled dimensions. A single provided
// dimension derives the other from the original aspect ratio.
func resolveScaled(width, height, sw, sh int) (int, int) {
	switch {
	case sw == 0 && sh == 0:
		return width, height
	case sh == 0:
		return sw, max(1, int(math.Round(float64(sw)*float64(height)/float64(width))))
	case sw == 0:
		return max(1, int(math.Round(float64(sh)*float64(width)/float64(height)))), sh
	default:
		return sw, sh
	}
}

func normalizeSelectors(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// SplitSelectors parses a comma-separated selector list.
func SplitSelectors(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func valueOrDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func inRange(v int) bool {
	return v > 0 && v <= MaxDimension
}
