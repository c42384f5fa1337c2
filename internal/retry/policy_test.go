package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/outreach/pkg/schema"
)

func TestDecide_LinearBackoff(t *testing.T) {
	p := NewPolicy(3, time.Second)

	d := p.Decide(1, schema.ErrorKindTransient)
	assert.True(t, d.Retry)
	assert.Equal(t, 1*time.Second, d.Delay)

	d = p.Decide(2, schema.ErrorKindTransient)
	assert.True(t, d.Retry)
	assert.Equal(t, 2*time.Second, d.Delay)
}

func TestDecide_CapReached(t *testing.T) {
	p := NewPolicy(3, time.Second)
	assert.False(t, p.Decide(3, schema.ErrorKindTransient).Retry)
	assert.False(t, p.Decide(4, schema.ErrorKindQuality).Retry)
}

func TestDecide_QualityRetriedLikeTransient(t *testing.T) {
	p := NewPolicy(3, 10*time.Millisecond)
	assert.Equal(t, p.Decide(2, schema.ErrorKindTransient), p.Decide(2, schema.ErrorKindQuality))
}

func TestDecide_ConfigurationNeverRetried(t *testing.T) {
	p := NewPolicy(3, time.Second)
	assert.Equal(t, Decision{}, p.Decide(1, schema.ErrorKindConfiguration))
}

func TestDecide_Defaults(t *testing.T) {
	var p Policy
	assert.Equal(t, DefaultMaxAttempts, p.Attempts())
	d := p.Decide(1, schema.ErrorKindTransient)
	assert.True(t, d.Retry)
	assert.Equal(t, DefaultBaseDelay, d.Delay)
	assert.False(t, p.Decide(DefaultMaxAttempts, schema.ErrorKindTransient).Retry)
}

func TestDecide_MaxDelayCap(t *testing.T) {
	p := Policy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 3 * time.Second}
	assert.Equal(t, 3*time.Second, p.Decide(7, schema.ErrorKindTransient).Delay)
}

func TestDecide_IsPure(t *testing.T) {
	p := NewPolicy(5, 50*time.Millisecond)
	for i := 0; i < 3; i++ {
		assert.Equal(t, Decision{Retry: true, Delay: 150 * time.Millisecond}, p.Decide(3, schema.ErrorKindTransient))
	}
}

func TestWait_Completes(t *testing.T) {
	start := time.Now()
	assert.NoError(t, Wait(context.Background(), 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestWait_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	err := Wait(ctx, 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
