package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestBackendObserverCountsByResult(t *testing.T) {
	observe := BackendObserver("recognize")
	before := testutil.ToFloat64(backendCallsTotal.WithLabelValues("recognize", "baidu", "failure"))

	observe("baidu", errors.New("timeout"), 10*time.Millisecond)
	observe("baidu", nil, 5*time.Millisecond)

	assert.Equal(t, before+1, testutil.ToFloat64(backendCallsTotal.WithLabelValues("recognize", "baidu", "failure")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(backendCallsTotal.WithLabelValues("recognize", "baidu", "success")), 1.0)
}

func TestMustRegisterIsIdempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		MustRegister()
		MustRegister()
	})
}

func TestQueueDepthGauge(t *testing.T) {
	SetQueueDepth(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(queueDepth))
	SetQueueDepth(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(queueDepth))
}
