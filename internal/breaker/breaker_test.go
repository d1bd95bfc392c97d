package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_Breaker_ClosedAllowsCalls(t *testing.T) {
	b := New(3, 10*time.Millisecond)
	assert.True(t, b.Allow())
	assert.Equal(t, Closed, b.CurrentState())
}

func Test_Breaker_TripsAfterMaxFailures(t *testing.T) {
	b := New(3, 10*time.Millisecond)

	b.Failure()
	b.Failure()
	assert.Equal(t, Closed, b.CurrentState())

	b.Failure()
	assert.Equal(t, Open, b.CurrentState())
	assert.False(t, b.Allow())
}

func Test_Breaker_HalfOpenAfterTimeout(t *testing.T) {
	b := New(1, 5*time.Millisecond)

	b.Failure()
	assert.Equal(t, Open, b.CurrentState())
	assert.False(t, b.Allow())

	time.Sleep(10 * time.Millisecond)

	assert.True(t, b.Allow())
	assert.Equal(t, HalfOpen, b.CurrentState())
	assert.True(t, b.Allow(), "half-open keeps allowing until the probe's outcome lands")
	assert.Equal(t, HalfOpen, b.CurrentState(), "open->half-open transition fires once per open period")
}

func Test_Breaker_HalfOpenSuccessCloses(t *testing.T) {
	b := New(1, 5*time.Millisecond)

	b.Failure()
	time.Sleep(10 * time.Millisecond)
	assert.True(t, b.Allow())

	b.Success()
	assert.Equal(t, Closed, b.CurrentState())
	assert.True(t, b.Allow())
}

func Test_Breaker_HalfOpenFailureReopens(t *testing.T) {
	b := New(1, 5*time.Millisecond)

	b.Failure()
	time.Sleep(10 * time.Millisecond)
	assert.True(t, b.Allow())

	b.Failure()
	assert.Equal(t, Open, b.CurrentState())
	assert.False(t, b.Allow())
}

func Test_Breaker_SuccessResetsFailureCount(t *testing.T) {
	b := New(3, 10*time.Millisecond)

	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()

	assert.Equal(t, Closed, b.CurrentState())
}

func Test_State_String(t *testing.T) {
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "open", Open.String())
	assert.Equal(t, "half_open", HalfOpen.String())
}
