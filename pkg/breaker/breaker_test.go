package breaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 10, 16, 12, 0, 0, 0, time.UTC)}
	b := New(cfg)
	b.now = clock.Now
	return b, clock
}

var errBoom = errors.New("503 service unavailable")

func fail() error { return errBoom }
func ok() error   { return nil }

func TestBreaker_OpensAfterFifthConsecutiveFailure(t *testing.T) {
	b, _ := newTestBreaker(DefaultConfig())

	for i := 1; i <= 4; i++ {
		assert.ErrorIs(t, b.Execute(fail), errBoom)
		assert.Equal(t, StateClosed, b.State(), "after failure %d", i)
	}

	assert.ErrorIs(t, b.Execute(fail), errBoom)
	assert.Equal(t, StateOpen, b.State())

	calls := 0
	err := b.Execute(func() error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.Zero(t, calls, "open circuit must not run the call")
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(DefaultConfig())

	for i := 0; i < 4; i++ {
		_ = b.Execute(fail)
	}
	require.NoError(t, b.Execute(ok))
	for i := 0; i < 4; i++ {
		_ = b.Execute(fail)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clock := newTestBreaker(DefaultConfig())
	for i := 0; i < 5; i++ {
		_ = b.Execute(fail)
	}

	clock.Advance(29 * time.Second)
	assert.ErrorIs(t, b.Execute(ok), ErrOpen)

	clock.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(ok))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clock := newTestBreaker(DefaultConfig())
	for i := 0; i < 5; i++ {
		_ = b.Execute(fail)
	}

	clock.Advance(30 * time.Second)
	assert.ErrorIs(t, b.Execute(fail), errBoom)
	assert.Equal(t, StateOpen, b.State())

	clock.Advance(10 * time.Second)
	assert.ErrorIs(t, b.Execute(ok), ErrOpen)
}

func TestBreaker_SingleProbeInFlight(t *testing.T) {
	b, clock := newTestBreaker(DefaultConfig())
	for i := 0; i < 5; i++ {
		_ = b.Execute(fail)
	}
	clock.Advance(30 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(func() error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	assert.ErrorIs(t, b.Execute(ok), ErrOpen, "second caller rejected while probe runs")
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_IsFailureFiltersErrors(t *testing.T) {
	permanent := errors.New("400 bad request")
	b, _ := newTestBreaker(Config{
		Threshold:     2,
		BreakDuration: time.Second,
		IsFailure:     func(err error) bool { return !errors.Is(err, permanent) },
	})

	for i := 0; i < 10; i++ {
		_ = b.Execute(func() error { return permanent })
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_OnStateChange(t *testing.T) {
	var transitions []string
	b, clock := newTestBreaker(Config{
		Threshold:     1,
		BreakDuration: time.Second,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	_ = b.Execute(fail)
	clock.Advance(time.Second)
	_ = b.Execute(ok)

	assert.Equal(t, []string{"closed->open", "open->half_open", "half_open->closed"}, transitions)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestBreaker_IgnoredErrorClosesHalfOpenCircuit(t *testing.T) {
	errThrottled := errors.New("429 too many requests")
	b, clock := newTestBreaker(Config{
		Threshold:     1,
		BreakDuration: 30 * time.Second,
		IsFailure:     func(err error) bool { return !errors.Is(err, errThrottled) },
	})

	require.ErrorIs(t, b.Execute(fail), errBoom)
	require.Equal(t, StateOpen, b.State())

	clock.Advance(30 * time.Second)

	// The server answered, so the probe counts as alive even though the
	// call itself failed.
	err := b.Execute(func() error { return errThrottled })
	assert.ErrorIs(t, err, errThrottled)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_IgnoredErrorResetsFailureCount(t *testing.T) {
	errThrottled := errors.New("429 too many requests")
	b, _ := newTestBreaker(Config{
		Threshold:     2,
		BreakDuration: 30 * time.Second,
		IsFailure:     func(err error) bool { return !errors.Is(err, errThrottled) },
	})

	_ = b.Execute(fail)
	_ = b.Execute(func() error { return errThrottled })
	_ = b.Execute(fail)
	assert.Equal(t, StateClosed, b.State())

	_ = b.Execute(fail)
	assert.Equal(t, StateOpen, b.State())
}
