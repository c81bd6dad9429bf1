package fingerprint

import (
	"fmt"
	"testing"
	"time"

	"github.com/chirino/contentpool/internal/clock"
	"github.com/stretchr/testify/assert"
)

func TestLocalCacheExpires(t *testing.T) {
	clk := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewLocalCache(clk, 10, 30*time.Minute)

	c.Set("a", "entry-a")
	clk.Advance(29 * time.Minute)
	got, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "entry-a", got)

	clk.Advance(time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestLocalCacheEvictsOldestFirst(t *testing.T) {
	clk := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewLocalCache(clk, 3, time.Hour)

	for i := 0; i < 3; i++ {
		c.Set(fmt.Sprintf("k%d", i), fmt.Sprintf("e%d", i))
	}
	// Refreshing k0 makes k1 the oldest.
	c.Set("k0", "e0")
	c.Set("k3", "e3")

	_, ok := c.Get("k1")
	assert.False(t, ok)
	for _, k := range []string{"k0", "k2", "k3"} {
		_, ok := c.Get(k)
		assert.True(t, ok, k)
	}
	st := c.Stats()
	assert.Equal(t, 3, st.Size)
	assert.EqualValues(t, 1, st.Evictions)
	assert.EqualValues(t, 3, st.Hits)
	assert.EqualValues(t, 1, st.Misses)
}

func TestLocalCacheInstancesAreIndependent(t *testing.T) {
	a := NewLocalCache(nil, 10, time.Hour)
	b := NewLocalCache(nil, 10, time.Hour)
	a.Set("k", "e")
	_, ok := b.Get("k")
	assert.False(t, ok)
}
