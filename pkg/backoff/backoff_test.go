package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	t.Run("exponential", func(t *testing.T) {
		b := New(0, time.Second, time.Minute)

		wait := b.nextWait()
		assert.GreaterOrEqual(t, wait, time.Second)
		assert.LessOrEqual(t, wait, 1100*time.Millisecond)
		b.lastBackoff = time.Second

		wait = b.nextWait()
		assert.GreaterOrEqual(t, wait, 2*time.Second)
		assert.LessOrEqual(t, wait, 2200*time.Millisecond)
	})

	t.Run("max backoff", func(t *testing.T) {
		b := New(0, time.Second, 5*time.Second)
		b.lastBackoff = 4 * time.Second

		wait := b.nextWait()
		assert.GreaterOrEqual(t, wait, 5*time.Second)
		assert.LessOrEqual(t, wait, 5500*time.Millisecond)
	})

	t.Run("retries", func(t *testing.T) {
		b := New(2, time.Millisecond, time.Millisecond)

		assert.True(t, b.Wait(context.Background()))
		assert.True(t, b.Wait(context.Background()))
		assert.False(t, b.Wait(context.Background()))
		assert.Equal(t, 2, b.Attempts())

		b.Reset()
		assert.Equal(t, 0, b.Attempts())
		assert.True(t, b.Wait(context.Background()))
	})

	t.Run("cancelled", func(t *testing.T) {
		b := New(0, time.Hour, time.Hour)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		assert.False(t, b.Wait(ctx))
	})
}
