// SPDX-License-Identifier: MIT

package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pizzapi/relay/internal/metrics"
)

func TestPromhttpExposure(t *testing.T) {
	srv := httptest.NewServer(promhttp.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSocketGaugeBalances(t *testing.T) {
	before := testutil.ToFloat64(metrics.SocketsActive.WithLabelValues(metrics.NamespaceViewer))

	metrics.SocketConnected(metrics.NamespaceViewer)
	metrics.SocketConnected(metrics.NamespaceViewer)
	metrics.SocketDisconnected(metrics.NamespaceViewer)

	after := testutil.ToFloat64(metrics.SocketsActive.WithLabelValues(metrics.NamespaceViewer))
	assert.Equal(t, before+1, after)
}

func TestFanoutIgnoresNonPositive(t *testing.T) {
	before := testutil.ToFloat64(metrics.EventsFannedOut.WithLabelValues("local"))
	metrics.IncEventFanout("local", 0)
	metrics.IncEventFanout("local", -3)
	metrics.IncEventFanout("local", 2)
	after := testutil.ToFloat64(metrics.EventsFannedOut.WithLabelValues("local"))
	assert.Equal(t, before+2, after)
}

func TestObserveSweep(t *testing.T) {
	before := testutil.ToFloat64(metrics.SweptSessions)
	metrics.ObserveSweep("ok", 10*time.Millisecond, 3)
	metrics.ObserveSweep("error", time.Millisecond, 0)
	after := testutil.ToFloat64(metrics.SweptSessions)
	assert.Equal(t, before+3, after)
}
