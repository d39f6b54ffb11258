package clock

import (
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDPrefix(t *testing.T) {
	m := NewMinter()

	id := m.NewID(PrefixOrder)
	assert.True(t, strings.HasPrefix(id, "ord_"))

	bare := m.NewID("")
	assert.NotContains(t, bare, "_")
}

func TestNewIDUnique(t *testing.T) {
	m := NewMinter()

	seen := make(map[string]bool)
	for i := 0; i < 10000; i++ {
		id := m.NewID(PrefixEvent)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestIDsSortByCreationTime(t *testing.T) {
	m := NewMinter()

	first := m.NewID("")
	// KSUID timestamps have one-second resolution; ids minted across a
	// second boundary must sort in mint order.
	time.Sleep(1100 * time.Millisecond)
	second := m.NewID("")

	ids := []string{second, first}
	sort.Strings(ids)
	assert.Equal(t, []string{first, second}, ids)
}

func TestSystemClockMonotonic(t *testing.T) {
	c := NewSystem()

	start := c.Instant()
	time.Sleep(10 * time.Millisecond)
	elapsed := c.Since(start)

	assert.GreaterOrEqual(t, elapsed, 10*time.Millisecond)
	assert.Equal(t, time.UTC, c.Now().Location())
}
