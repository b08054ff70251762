package shot

import (
	"fmt"
	"strconv"
	"strings"
)

// Fingerprint identifies one unique normalized request.
type Fingerprint struct {
	Digest       string
	Width        int
	Height       int
	ScaledWidth  int
	ScaledHeight int
	Format       Format
}

// ComputeFingerprint digests the normalized request fields. It depends only
// on the request value, never on arrival order or wall-clock time.
func ComputeFingerprint(h Hasher, req Request) (Fingerprint, error) {
	fields := make([]string, 0, 7+len(req.selectors))
	fields = append(fields, req.url, strconv.Itoa(len(req.selectors)))
	fields = append(fields, req.selectors...)
	fields = append(fields,
		strconv.Itoa(req.width),
		strconv.Itoa(req.height),
		strconv.Itoa(req.scaledWidth),
		strconv.Itoa(req.scaledHeight),
		string(req.format),
	)
	digest, err := h.HashFields(fields...)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("compute fingerprint: %w", err)
	}
	return Fingerprint{
		Digest:       strings.ToLower(digest),
		Width:        req.width,
		Height:       req.height,
		ScaledWidth:  req.scaledWidth,
		ScaledHeight: req.scaledHeight,
		Format:       req.format,
	}, nil
}

// String renders the fingerprint as <digest>-<W>x<H>-<SW>x<SH>.
func (f Fingerprint) String() string {
	return fmt.Sprintf("%s-%dx%d-%dx%d", f.Digest, f.Width, f.Height, f.ScaledWidth, f.ScaledHeight)
}

// Key returns the blob-store key, {fingerprint}.{format}.
func (f Fingerprint) Key() string {
	return f.String() + "." + string(f.Format)
}
