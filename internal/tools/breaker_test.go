package tools

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreaker(t *testing.T) (*Breaker, *time.Time) {
	t.Helper()
	now := time.Now()
	b := NewBreaker("catalog", 5, 30*time.Second)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := testBreaker(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Allow(), "failure %d should still pass", i)
		b.Failure()
	}
	assert.Equal(t, "open", b.State())

	err := b.Allow()
	var coe *CircuitOpenError
	require.ErrorAs(t, err, &coe)
	assert.Equal(t, "catalog", coe.Dependency)
}

func TestBreakerOpenFailsFast(t *testing.T) {
	b, _ := testBreaker(t)
	for i := 0; i < 5; i++ {
		b.Failure()
	}

	start := time.Now()
	for i := 0; i < 1000; i++ {
		var coe *CircuitOpenError
		require.ErrorAs(t, b.Allow(), &coe)
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond, "open circuit must reject without blocking")
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := testBreaker(t)

	for i := 0; i < 4; i++ {
		b.Failure()
	}
	b.Success()
	for i := 0; i < 4; i++ {
		b.Failure()
	}
	assert.Equal(t, "closed", b.State(), "non-consecutive failures must not open the circuit")
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	b, now := testBreaker(t)
	for i := 0; i < 5; i++ {
		b.Failure()
	}
	require.Equal(t, "open", b.State())

	*now = now.Add(31 * time.Second)

	// Exactly one concurrent caller wins the trial.
	var wg sync.WaitGroup
	allowed := make(chan struct{}, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Allow() == nil {
				allowed <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(allowed)

	var n int
	for range allowed {
		n++
	}
	assert.Equal(t, 1, n)
	assert.Equal(t, "half-open", b.State())
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	b, now := testBreaker(t)
	for i := 0; i < 5; i++ {
		b.Failure()
	}
	*now = now.Add(31 * time.Second)

	require.NoError(t, b.Allow())
	b.Success()
	assert.Equal(t, "closed", b.State())
	require.NoError(t, b.Allow())
}

func TestBreakerHalfOpenFailureReopensAndResetsCoolDown(t *testing.T) {
	b, now := testBreaker(t)
	for i := 0; i < 5; i++ {
		b.Failure()
	}
	*now = now.Add(31 * time.Second)

	require.NoError(t, b.Allow())
	b.Failure()
	assert.Equal(t, "open", b.State())

	// Cool-down restarted at the trial failure: 20s later still open.
	*now = now.Add(20 * time.Second)
	var coe *CircuitOpenError
	require.ErrorAs(t, b.Allow(), &coe)

	// Full cool-down after the trial failure grants a new trial.
	*now = now.Add(11 * time.Second)
	require.NoError(t, b.Allow())
}

func TestBreakerDefaults(t *testing.T) {
	b := NewBreaker("catalog", 0, 0)
	assert.Equal(t, int32(DefaultFailureThreshold), b.threshold)
	assert.Equal(t, DefaultCoolDown, b.coolDown)
}
