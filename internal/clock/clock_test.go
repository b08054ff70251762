package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/JakeFAU/webshot/internal/shot"
)

var (
	_ shot.Clock = System{}
	_ shot.Clock = (*Fixed)(nil)
)

func TestSystemNowIsUTC(t *testing.T) {
	t.Parallel()

	before := time.Now().Add(-time.Second)
	got := System{}.Now()
	assert.Equal(t, time.UTC, got.Location())
	assert.WithinRange(t, got, before, time.Now().Add(time.Second))
}

func TestFixedAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	c := NewFixed(start)
	assert.True(t, c.Now().Equal(start))
	assert.Equal(t, time.UTC, c.Now().Location())

	c.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second).UTC(), c.Now())
}
