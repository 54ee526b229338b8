package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testhelpers "github.com/liteclaw/devicegate/test/helpers"
)

type recorder struct {
	mu      sync.Mutex
	reports []map[string]string
	block   chan struct{}
}

func (r *recorder) ReportProperties(props map[string]string) bool {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, props)
	return true
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

func TestCapacityProperties(t *testing.T) {
	props := Capacity(3, 4, map[string]string{"host": "gw1"})
	assert.Equal(t, EventCapacity, props["event"])
	assert.Equal(t, "75.00", props["percent"])
	assert.Equal(t, "false", props["exhausted"])
	assert.Equal(t, "gw1", props["host"])

	assert.Equal(t, "true", Capacity(5, 4, nil)["exhausted"])
	assert.Equal(t, "0.00", Capacity(5, 0, nil)["percent"])
}

func TestSessionEventsPairByUniqueID(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	start := SessionStart("123_456", 2, now, "u-1")
	end := SessionEnd("123_456", "u-1", now, map[string]string{"bytesIn": "42"})

	assert.Equal(t, start["tcpUniqueId"], end["tcpUniqueId"])
	assert.Equal(t, "1700000000000", start["startTime"])
	assert.Equal(t, "42", end["bytesIn"])
	assert.Equal(t, EventSessionEnd, end["event"])
}

func TestAsyncReporter_DeliversAndDrains(t *testing.T) {
	rec := &recorder{}
	r := NewAsyncReporter(rec, 16, zerolog.Nop())

	for i := 0; i < 10; i++ {
		assert.True(t, r.ReportProperties(map[string]string{"event": EventFlow}))
	}
	require.NoError(t, r.Close(context.Background()))
	assert.Equal(t, 10, rec.count())

	assert.False(t, r.ReportProperties(map[string]string{"event": EventFlow}))
	assert.Equal(t, int64(1), r.Dropped())
}

func TestAsyncReporter_DropsWhenFull(t *testing.T) {
	rec := &recorder{block: make(chan struct{})}
	r := NewAsyncReporter(rec, 1, zerolog.Nop())

	// The worker takes the first report and blocks; the second fills the
	// queue; the rest are dropped without blocking the caller.
	assert.True(t, r.ReportProperties(map[string]string{"n": "1"}))
	assert.Eventually(t, func() bool { return len(r.queue) == 0 }, time.Second, time.Millisecond)
	assert.True(t, r.ReportProperties(map[string]string{"n": "2"}))
	assert.False(t, r.ReportProperties(map[string]string{"n": "3"}))
	assert.False(t, r.ReportProperties(map[string]string{"n": "4"}))
	assert.Equal(t, int64(2), r.Dropped())

	close(rec.block)
	require.NoError(t, r.Close(context.Background()))
	assert.Equal(t, 2, rec.count())
}

func TestHTTPReporter(t *testing.T) {
	ms := testhelpers.NewMockServer()
	defer ms.Close()
	ms.HandleJSON(http.MethodPost, "/report", http.StatusOK, `{}`)

	r := NewHTTPReporter(ms.URL+"/report", "devicegate", time.Second, zerolog.Nop())
	assert.True(t, r.ReportProperties(map[string]string{"event": EventCapacity}))

	reqs := ms.Requests()
	require.Len(t, reqs, 1)
	var body map[string]string
	require.NoError(t, json.Unmarshal(reqs[0].Body, &body))
	assert.Equal(t, "devicegate", body["service"])
	assert.Equal(t, EventCapacity, body["event"])

	bad := NewHTTPReporter(ms.URL+"/missing", "", time.Second, zerolog.Nop())
	assert.False(t, bad.ReportProperties(map[string]string{"event": EventFlow}))
}
