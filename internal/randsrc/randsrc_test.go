package randsrc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeterministicUnderSeed(t *testing.T) {
	a, b := New(42), New(42)
	for i := 0; i < 100; i++ {
		assert.Equal(t, a.IntN(1000), b.IntN(1000))
	}
}

func TestBounds(t *testing.T) {
	s := New(7)
	for i := 0; i < 1000; i++ {
		v := s.IntN(3)
		assert.GreaterOrEqual(t, v, 0)
		assert.Less(t, v, 3)
	}
}

func TestConcurrentUse(t *testing.T) {
	s := New(1)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				s.IntN(10)
			}
		}()
	}
	wg.Wait()
}
