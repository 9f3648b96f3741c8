package helpers

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAtomicError(t *testing.T) {
	t.Parallel()

	var ae AtomicError
	err, set := ae.Load()
	assert.NoError(t, err)
	assert.False(t, set)

	first := fmt.Errorf("eof")
	err, set = ae.StoreOnce(first)
	assert.NoError(t, err)
	assert.False(t, set)
	err, set = ae.StoreOnce(fmt.Errorf("closing"))
	assert.Equal(t, first, err)
	assert.True(t, set)
	err, _ = ae.Load()
	assert.Equal(t, first, err)
}

func TestSignal(t *testing.T) {
	t.Parallel()

	ch := make(chan struct{}, 1)
	Signal(ch)
	Signal(ch)
	assert.Len(t, ch, 1)
}

func TestWithLock(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	n := 0
	wg := sync.WaitGroup{}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			WithLock(&mu, func() { n++ })
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, n)
	assert.EqualError(t, WithLockError(&mu, func() error { return fmt.Errorf("x") }), "x")
}

func TestTimeDefaults(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 5*time.Second, IntSecondDefault(0, 5*time.Second))
	assert.Equal(t, 2*time.Second, IntSecondDefault(2, 5*time.Second))
	assert.Equal(t, 7*time.Millisecond, IntMillisecondDefault(7, time.Second))
	begin := time.Unix(100, 0)
	assert.Equal(t, float32(1500), MillisSince(begin, begin.Add(1500*time.Millisecond)))
}
