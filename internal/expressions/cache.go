package expressions

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// programCache memoises compiled programs by source text. Concurrent misses
// on the same source compile once. Failed compilations are not cached.
type programCache[T any] struct {
	mu       sync.RWMutex
	programs map[string]T
	group    singleflight.Group
}

func newProgramCache[T any]() *programCache[T] {
	return &programCache[T]{programs: make(map[string]T)}
}

func (c *programCache[T]) get(source string, compile func(string) (T, error)) (T, error) {
	c.mu.RLock()
	p, ok := c.programs[source]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	v, err, _ := c.group.Do(source, func() (any, error) {
		p, err := compile(source)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.programs[source] = p
		c.mu.Unlock()
		return p, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

func (c *programCache[T]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.programs)
}
