package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsExposure(t *testing.T) {
	m := New()
	m.QueueDepth.WithLabelValues(LaneLive).Set(3)
	m.QueueDepth.WithLabelValues(LaneBacklog).Set(7)
	m.BufferBytes.Set(512 << 20)
	m.Downloads.WithLabelValues(ResultOK).Inc()
	m.Downloads.WithLabelValues(ResultRetry).Add(2)
	m.Uploads.WithLabelValues(ResultOK).Inc()
	m.UploadedBytes.Add(1 << 20)
	m.Reconnects.Inc()
	m.Purged.Add(5)
	m.LedgerRows.Set(1234)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	out := string(body)
	assert.Contains(t, out, `upb_event_queue_depth{lane="live"} 3`)
	assert.Contains(t, out, `upb_event_queue_depth{lane="backlog"} 7`)
	assert.Contains(t, out, `upb_downloads_total{result="retry"} 2`)
	assert.Contains(t, out, `upb_ledger_rows 1234`)
	assert.Contains(t, out, `upb_purged_events_total 5`)
}
