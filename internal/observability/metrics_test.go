package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/danmuck/pvagate/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)

	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("pvactl", "GET", "/health", 200, 12*time.Millisecond)
	RecordBeacon("")
	RecordBeaconSent()
	RecordSearchSent("udp", 3)
	RecordSearchReply("resolved")
	SetSearchPending(4)
	RecordSessionOpened("client")
	RecordSessionClosed("client", "closed")
	RecordRequest("get", 3*time.Millisecond, nil)
	RecordRequest("put", time.Millisecond, errors.New("boom"))

	if got := testutil.ToFloat64(searchPending); got != 4 {
		t.Fatalf("search pending gauge = %v", got)
	}
	if got := testutil.ToFloat64(beacons.WithLabelValues("routine")); got < 1 {
		t.Fatalf("routine beacon counter = %v", got)
	}
}
