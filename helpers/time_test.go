package helpers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIntSecondDefault(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 15*time.Second, IntSecondDefault(0, 15*time.Second))
	assert.Equal(t, 3*time.Second, IntSecondDefault(3, 15*time.Second))
	assert.Equal(t, 100*time.Millisecond, IntMillisecondDefault(0, 100*time.Millisecond))
	assert.Equal(t, 7*time.Millisecond, IntMillisecondDefault(7, 100*time.Millisecond))
}

func TestSleepContext(t *testing.T) {
	t.Parallel()
	assert.NoError(t, SleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	begin := time.Now()
	assert.Equal(t, context.Canceled, SleepContext(ctx, time.Hour))
	assert.True(t, time.Since(begin) < time.Second)
}
