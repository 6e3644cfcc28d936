package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errWrite = errors.New("write failed")

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newBreaker(settings Settings) (*Breaker, *clock) {
	c := &clock{now: time.Unix(1000, 0)}
	b := New("test", settings)
	b.now = c.Now
	return b, c
}

func fail() error    { return errWrite }
func succeed() error { return nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b, _ := newBreaker(Settings{Threshold: 3, Cooldown: time.Second})

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, b.Do(fail), errWrite)
		assert.Equal(t, StateClosed, b.State())
	}
	assert.ErrorIs(t, b.Do(fail), errWrite)
	assert.Equal(t, StateOpen, b.State())

	assert.ErrorIs(t, b.Do(succeed), ErrCircuitOpen)
	assert.Equal(t, uint32(1), b.Counts().Rejected)
}

func TestBreakerSuccessResetsStreak(t *testing.T) {
	b, _ := newBreaker(Settings{Threshold: 2})

	require.Error(t, b.Do(fail))
	require.NoError(t, b.Do(succeed))
	require.Error(t, b.Do(fail))

	assert.Equal(t, StateClosed, b.State())
	counts := b.Counts()
	assert.Equal(t, uint32(1), counts.Successes)
	assert.Equal(t, uint32(2), counts.Failures)
	assert.Equal(t, uint32(1), counts.ConsecutiveFailures)
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	tests := []struct {
		name  string
		probe func() error
		want  State
	}{
		{"probe succeeds", succeed, StateClosed},
		{"probe fails", fail, StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, c := newBreaker(Settings{Threshold: 1, Cooldown: time.Second})
			require.Error(t, b.Do(fail))
			require.Equal(t, StateOpen, b.State())

			c.Advance(time.Second)
			assert.Equal(t, StateHalfOpen, b.State())

			_ = b.Do(tt.probe)
			assert.Equal(t, tt.want, b.State())
		})
	}
}

func TestBreakerSingleProbe(t *testing.T) {
	b, c := newBreaker(Settings{Threshold: 1, Cooldown: time.Second})
	require.Error(t, b.Do(fail))
	c.Advance(time.Second)

	inProbe := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(func() error {
			close(inProbe)
			<-release
			return nil
		})
	}()

	<-inProbe
	assert.ErrorIs(t, b.Do(succeed), ErrTooManyRequests)
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerCallbacks(t *testing.T) {
	var transitions []string
	b, c := newBreaker(Settings{
		Threshold: 1,
		Cooldown:  time.Second,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})

	require.Error(t, b.Do(fail))
	c.Advance(time.Second)
	require.NoError(t, b.Do(succeed))

	assert.Equal(t, []string{
		"test:closed->open",
		"test:open->half-open",
		"test:half-open->closed",
	}, transitions)
	assert.Equal(t, "unknown", State(9).String())
}

func TestBreakerRecordsPanicAsFailure(t *testing.T) {
	b, _ := newBreaker(Settings{Threshold: 1})

	assert.Panics(t, func() {
		_ = b.Do(func() error { panic("boom") })
	})
	assert.Equal(t, StateOpen, b.State())
}
