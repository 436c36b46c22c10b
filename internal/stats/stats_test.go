package stats

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAllMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(mfs), 10)
}

func TestCounterValueReflectsIncrements(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New(reg)

	s.Bumped.Inc()
	s.Bumped.Inc()

	assert.Equal(t, float64(2), counterValue(s.Bumped))
}

func TestReportStopsOnContextCancel(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New(reg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Report(ctx, log.NewNopLogger(), s, time.Millisecond, func() int { return 0 })
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Report did not stop after context cancellation")
	}
}
