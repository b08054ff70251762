package browser

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
)

const (
	reservedRAM     = 2 << 30   // left for the OS and the service itself
	perSessionRAM   = 500 << 20 // approximate resident size of one Chrome
	minAutoSize     = 2
	maxAutoSize     = 50
	fallbackRAM     = 8 << 30
	defaultPingWait = 5 * time.Second
)

// Config controls pool sizing and lease behavior.
type Config struct {
	// Size is a positive integer or "auto".
	Size string
	// AcquireTimeout bounds how long Acquire waits; zero waits for the caller's context only.
	AcquireTimeout time.Duration
	// HealthCheckOnAcquire pings an idle session before handing it out.
	HealthCheckOnAcquire bool
	// PingTimeout bounds each health ping.
	PingTimeout time.Duration
	// WarmOnStart provisions up to capacity in the background at startup.
	WarmOnStart bool
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Size:                 "auto",
		AcquireTimeout:       30 * time.Second,
		HealthCheckOnAcquire: true,
		PingTimeout:          defaultPingWait,
		WarmOnStart:          true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.AcquireTimeout < 0 {
		return errors.New("acquire timeout must not be negative")
	}
	if c.PingTimeout < 0 {
		return errors.New("ping timeout must not be negative")
	}
	if strings.EqualFold(strings.TrimSpace(c.Size), "auto") {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(c.Size))
	if err != nil || n <= 0 {
		return fmt.Errorf("pool size must be a positive integer or auto, got %q", c.Size)
	}
	return nil
}

// Capacity resolves Size to a concrete number of sessions.
func (c Config) Capacity() int {
	if n, err := strconv.Atoi(strings.TrimSpace(c.Size)); err == nil && n > 0 {
		return n
	}
	total := uint64(fallbackRAM)
	if v, err := mem.VirtualMemory(); err == nil {
		total = v.Total
	}
	return AutoSize(total)
}

// AutoSize derives capacity from total RAM: (RAM - 2GiB) / 500MiB, clamped to 2..50.
func AutoSize(totalRAM uint64) int {
	if totalRAM <= reservedRAM {
		return minAutoSize
	}
	n := int((totalRAM - reservedRAM) / perSessionRAM)
	return min(max(n, minAutoSize), maxAutoSize)
}
