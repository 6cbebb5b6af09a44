package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapCache(t *testing.T) {
	c := NewMapCache[[]float64]("test")
	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Put("a", []float64{1, 2})
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, []float64{1, 2}, v)
	assert.Equal(t, 1, c.Size())

	var _ Cache[[]float64] = c
}

func TestGetOrLoad(t *testing.T) {
	c := NewMapCache[int]("test")
	var calls atomic.Int32
	load := func() (int, error) {
		calls.Add(1)
		return 42, nil
	}

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetOrLoad("k", load)
			assert.NoError(t, err)
			assert.Equal(t, 42, v)
		}()
	}
	wg.Wait()

	v, err := c.GetOrLoad("k", load)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.LessOrEqual(t, calls.Load(), int32(16))
	before := calls.Load()
	_, _ = c.GetOrLoad("k", load)
	assert.Equal(t, before, calls.Load())
}

func TestGetOrLoadError(t *testing.T) {
	c := NewMapCache[string]("test")
	boom := errors.New("boom")
	_, err := c.GetOrLoad("k", func() (string, error) { return "", boom })
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, c.Size())

	v, err := c.GetOrLoad("k", func() (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}
