package bmetrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveRequestIncrementsByOp(t *testing.T) {
	c := New("crossfs")
	c.ObserveRequest("lookup")
	c.ObserveRequest("lookup")
	c.ObserveRequest("readdir")

	assert.Equal(t, float64(2), testutil.ToFloat64(c.requests.WithLabelValues("lookup")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.requests.WithLabelValues("readdir")))
}

func TestObserveMutationIncrements(t *testing.T) {
	c := New("etcfs")
	c.ObserveMutation()
	c.ObserveMutation()

	assert.Equal(t, float64(2), testutil.ToFloat64(c.mutations))
}

func TestObserveServiceCacheSplitsHitMiss(t *testing.T) {
	c := New("crossfs")
	c.ObserveServiceCache(true)
	c.ObserveServiceCache(false)
	c.ObserveServiceCache(true)

	assert.Equal(t, float64(2), testutil.ToFloat64(c.serviceCacheHits.WithLabelValues("hit")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.serviceCacheHits.WithLabelValues("miss")))
}

func TestObserveOverrideAppliedByOutcome(t *testing.T) {
	c := New("etcfs")
	c.ObserveOverrideApplied("applied")
	c.ObserveOverrideApplied("debounced")
	c.ObserveOverrideApplied("applied")

	assert.Equal(t, float64(2), testutil.ToFloat64(c.overrideApplies.WithLabelValues("applied")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.overrideApplies.WithLabelValues("debounced")))
}

func TestServeNoopOnZeroPort(t *testing.T) {
	c := New("crossfs")
	assert.NoError(t, c.Serve(context.Background(), 0))
}

func TestServeStartsAndShutsDown(t *testing.T) {
	c := New("crossfs")
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := c.Serve(ctx, 19876)
	assert.NoError(t, err)
}
