package expressions

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgramCache_CompilesOnce(t *testing.T) {
	c := newProgramCache[string]()
	var calls atomic.Int32
	compile := func(src string) (string, error) {
		calls.Add(1)
		return "compiled:" + src, nil
	}

	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := c.get("a + b", compile)
			assert.NoError(t, err)
			assert.Equal(t, "compiled:a + b", p)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, c.len())
}

func TestProgramCache_ErrorsNotCached(t *testing.T) {
	c := newProgramCache[int]()
	boom := errors.New("boom")
	fail := true
	compile := func(string) (int, error) {
		if fail {
			return 0, boom
		}
		return 7, nil
	}

	_, err := c.get("x", compile)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.len())

	fail = false
	v, err := c.get("x", compile)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}
