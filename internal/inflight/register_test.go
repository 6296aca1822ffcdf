package inflight

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	t.Run("counts duplicates", func(t *testing.T) {
		r := New()
		r.Start("a")
		r.Start("a")
		r.Start("b")
		assert.Equal(t, 3, r.Total())

		r.Finish("a")
		assert.ElementsMatch(t, []string{"a", "b"}, r.Snapshot())
	})

	t.Run("finish of unknown qualifier is a no-op", func(t *testing.T) {
		r := New()
		r.Start("a")
		r.Finish("zzz")
		assert.Equal(t, 1, r.Total())
	})

	t.Run("wait on empty register returns immediately", func(t *testing.T) {
		awaited, err := New().Wait(time.Millisecond)
		require.NoError(t, err)
		assert.Empty(t, awaited)
	})

	t.Run("wait resolves with the awaited qualifiers", func(t *testing.T) {
		r := New()
		r.Start("a")
		r.Start("b")

		go func() {
			time.Sleep(10 * time.Millisecond)
			r.Finish("a")
			r.Finish("b")
		}()

		awaited, err := r.Wait(0)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b"}, awaited)
	})

	t.Run("wait times out with remaining qualifiers", func(t *testing.T) {
		r := New()
		r.Start("a")
		r.Start("b")
		r.Finish("a")

		awaited, err := r.Wait(20 * time.Millisecond)
		var timeoutErr *WaitTimeoutError
		require.True(t, errors.As(err, &timeoutErr))
		assert.Equal(t, []string{"b"}, awaited)
		assert.Equal(t, []string{"b"}, timeoutErr.Remaining)
		assert.Equal(t, 20*time.Millisecond, timeoutErr.Timeout)
	})

	t.Run("concurrent waiters are all released", func(t *testing.T) {
		r := New()
		r.Start("a")

		var wg sync.WaitGroup
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := r.Wait(time.Second)
				assert.NoError(t, err)
			}()
		}
		time.Sleep(10 * time.Millisecond)
		r.Finish("a")
		wg.Wait()
	})
}
