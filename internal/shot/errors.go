package shot

import (
	"errors"
	"fmt"
)

// Validation errors are returned before any resource is leased.
var (
	ErrValidation        = errors.New("invalid request")
	ErrInvalidURL        = fmt.Errorf("%w: url must start with http or https", ErrValidation)
	ErrInvalidFormat     = fmt.Errorf("%w: unsupported output format", ErrValidation)
	ErrInvalidDimensions = fmt.Errorf("%w: dimensions out of range", ErrValidation)
)

// Pipeline errors.
var (
	// ErrPoolTimeout means the caller waited past its deadline for a browser context.
	ErrPoolTimeout = errors.New("timed out waiting for browser context")
	// ErrNavigation means the target page failed to load; the context stays healthy.
	ErrNavigation = errors.New("navigation failed")
	// ErrBrowserCrash means the browser process died or stopped responding.
	ErrBrowserCrash = errors.New("browser crashed")
	// ErrSelectorTimeout is logged and recorded but never fails a render.
	ErrSelectorTimeout = errors.New("selector wait timed out")
	// ErrConversion means an external codec exited non-zero.
	ErrConversion = errors.New("image conversion failed")
	// ErrStoreUnavailable means the blob store could not be reached.
	ErrStoreUnavailable = errors.New("blob store unavailable")
	// ErrNotFound is returned by blob stores for missing keys.
	ErrNotFound = errors.New("object not found")
)
