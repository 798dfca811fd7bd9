package dedup

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWindow_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewWindow(0)
	require.EqualError(t, err, "invalid capacity: must be greater than 0")

	_, err = NewWindow(-1)
	require.Error(t, err)

	w, err := NewWindow(3)
	require.NoError(t, err)
	require.Equal(t, 3, w.Capacity())
	require.Equal(t, 0, w.Len())
}

func TestWindow_AddRejectsDuplicates(t *testing.T) {
	t.Parallel()

	w, err := NewWindow(4)
	require.NoError(t, err)

	require.True(t, w.Add("abc"))
	require.False(t, w.Add("abc"))
	require.True(t, w.Contains("abc"))
	require.Equal(t, 1, w.Len())
}

func TestWindow_EvictsOldest(t *testing.T) {
	t.Parallel()

	w, err := NewWindow(3)
	require.NoError(t, err)

	for _, id := range []string{"a", "b", "c"} {
		require.True(t, w.Add(id))
	}
	require.True(t, w.Add("d"))

	assert.False(t, w.Contains("a"), "oldest entry should be evicted")
	assert.True(t, w.Contains("b"))
	assert.True(t, w.Contains("c"))
	assert.True(t, w.Contains("d"))
	assert.Equal(t, 3, w.Len())

	// After the window wraps, an evicted identifier is accepted again.
	require.True(t, w.Add("a"))
	assert.False(t, w.Contains("b"))
}

func TestWindow_ConcurrentAdd(t *testing.T) {
	t.Parallel()

	w, err := NewWindow(1000)
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if w.Add(fmt.Sprintf("tx-%d", i)) {
					mu.Lock()
					accepted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 100, accepted, "each identifier must be accepted exactly once")
	require.Equal(t, 100, w.Len())
}

func TestWindow_RemoveReleasesClaim(t *testing.T) {
	t.Parallel()

	w, err := NewWindow(3)
	require.NoError(t, err)

	for _, id := range []string{"a", "b", "c"} {
		require.True(t, w.Add(id))
	}
	require.True(t, w.Remove("b"))
	require.False(t, w.Remove("b"))
	assert.False(t, w.Contains("b"))
	assert.Equal(t, 2, w.Len())

	// Re-adding takes a new slot; wrapping over the old slot must not evict it.
	require.True(t, w.Add("b"))
	require.True(t, w.Add("d"))
	assert.True(t, w.Contains("b"))
	assert.True(t, w.Contains("c"))
	assert.True(t, w.Contains("d"))
	assert.False(t, w.Contains("a"))
	assert.Equal(t, 3, w.Len())

	require.True(t, w.Add("e"))
	assert.True(t, w.Contains("b"), "re-added b is younger than c")
	assert.False(t, w.Contains("c"))
}
