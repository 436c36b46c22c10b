package fetch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAdaptiveThrottleStartsAtFloor(t *testing.T) {
	a := newAdaptiveThrottle(100*time.Millisecond, 5*time.Second, 10)
	assert.Equal(t, 100*time.Millisecond, a.delayFor())
}

func TestAdaptiveThrottleBackoffCapsAtMax(t *testing.T) {
	a := newAdaptiveThrottle(100*time.Millisecond, 1*time.Second, 10)
	for i := 0; i < 10; i++ {
		a.onThrottled()
	}
	assert.Equal(t, 1*time.Second, a.delayFor())
}

func TestAdaptiveThrottleResetsOnFirstNonThrottledResponse(t *testing.T) {
	a := newAdaptiveThrottle(100*time.Millisecond, 5*time.Second, 10)
	a.onThrottled()
	assert.Greater(t, a.delayFor(), 100*time.Millisecond)

	a.onResponse(10*time.Millisecond, 1)
	assert.Equal(t, 100*time.Millisecond, a.delayFor())
}

func TestAdaptiveThrottleNeverBelowFloor(t *testing.T) {
	a := newAdaptiveThrottle(200*time.Millisecond, 5*time.Second, 100)
	a.onResponse(time.Microsecond, 1)
	assert.Equal(t, 200*time.Millisecond, a.delayFor())
}
