package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.RecordOperation("read")
	m.RecordOperation("read")
	m.RecordOperation("create")
	m.RecordError("read")
	m.RecordCreate("file")
	m.RecordEviction("file")
	m.RecordBytesRead(4)
	m.RecordBytesRead(0)
	m.RecordBytesRead(-2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.operations.WithLabelValues("read")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("create")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errors.WithLabelValues("read")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.created.WithLabelValues("file")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.evicted.WithLabelValues("file")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.bytesRead))
}

func TestLiveRecordsGauge(t *testing.T) {
	m := New()
	live := 3.0
	require.NoError(t, m.RegisterLiveRecords(func() float64 { return live }))

	// A second gauge with the same name is rejected.
	assert.Error(t, m.RegisterLiveRecords(func() float64 { return 0 }))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "fibfs_live_records 3"), "body:\n%s", body)
}
