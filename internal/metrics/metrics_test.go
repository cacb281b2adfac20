// SPDX-License-Identifier: MIT

package metrics_test

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"

	"github.com/kilocode/cloudagent/internal/metrics"
)

func TestPromhttpExposure(t *testing.T) {
	srv := httptest.NewServer(promhttp.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
}

func TestCollectorsRegistered(t *testing.T) {
	// Touching every collector must not panic on duplicate registration or
	// label arity.
	metrics.ExecutionsStarted.Inc()
	metrics.ExecutionsTerminal.WithLabelValues("completed").Inc()
	metrics.LeaseConflicts.Inc()
	metrics.IngestEvents.WithLabelValues("output").Inc()
	metrics.IngestParseFallbacks.Inc()
	metrics.StreamSubscribers.Set(0)
	metrics.StreamDroppedFrames.Inc()
	metrics.CallbackDeliveries.WithLabelValues("success").Inc()
	metrics.CallbackAttempts.Observe(1)
}
