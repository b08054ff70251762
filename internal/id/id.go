// Package id produces job identifiers.
package id

import (
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// Func adapts a plain function to shot.IDGenerator.
type Func func() (string, error)

// NewID calls f.
func (f Func) NewID() (string, error) { return f() }

// UUIDv7 returns a time-ordered UUID so queued job IDs sort by submission.
func UUIDv7() (string, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return u.String(), nil
}

// Sequence returns prefix-1, prefix-2, ... for deterministic callers.
func Sequence(prefix string) Func {
	var n atomic.Uint64
	return func() (string, error) {
		return prefix + "-" + strconv.FormatUint(n.Add(1), 10), nil
	}
}
