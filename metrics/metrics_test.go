package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_ObserveExecution(t *testing.T) {
	r := New()

	r.ObserveExecution("/dev/hidraw0", "QPIGS", 1, 200*time.Millisecond, nil)
	r.ObserveExecution("/dev/hidraw0", "QPIGS", 3, 2*time.Second, nil)
	r.ObserveExecution("/dev/hidraw0", "QPIGS", 10, 12*time.Second, errors.New("no answer"))

	assert.Equal(t, 2.0, testutil.ToFloat64(r.executions.WithLabelValues("/dev/hidraw0", "QPIGS", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.executions.WithLabelValues("/dev/hidraw0", "QPIGS", "failed")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.attempts))
	assert.Equal(t, 1, testutil.CollectAndCount(r.duration))

	expected := `
# HELP mpp_command_executions_total Commands executed against an inverter, by result.
# TYPE mpp_command_executions_total counter
mpp_command_executions_total{command="QPIGS",device="/dev/hidraw0",result="failed"} 1
mpp_command_executions_total{command="QPIGS",device="/dev/hidraw0",result="ok"} 2
`
	assert.NoError(t, testutil.CollectAndCompare(r.executions, strings.NewReader(expected)))
}

func TestRecorder_ObservePoll(t *testing.T) {
	r := New()
	at := time.Unix(1700000000, 0)

	r.ObservePoll("TEST", at)

	assert.Equal(t, 1700000000.0, testutil.ToFloat64(r.lastPoll.WithLabelValues("TEST")))
}

func TestRecorder_Handler(t *testing.T) {
	r := New()
	r.ObserveExecution("TEST", "QID", 1, time.Millisecond, nil)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `mpp_command_executions_total{command="QID",device="TEST",result="ok"} 1`)
}
