package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollector(t *testing.T) {
	var c *Collector

	// None of these may panic
	c.FetchAttempt("vehicle positions", "direct-default", "ok")
	c.FetchObserve("vehicle positions", time.Second)
	c.RefreshCycle("trip updates", "applied")
	c.Entities("trip updates", 12)
	c.IndexReload("ok")
	c.IndexInstalled(10, time.Now())
	c.Lookup()
	c.LookupResult("hit", 3)

	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rr.Code)
}

func TestCollector(t *testing.T) {
	c := NewCollector()

	c.FetchAttempt("vehicle positions", "dev-proxy", "failed")
	c.FetchAttempt("vehicle positions", "direct-default", "ok")
	c.FetchAttempt("vehicle positions", "direct-default", "ok")
	c.Entities("vehicle positions", 42)
	c.IndexInstalled(1234, time.Unix(1700000000, 0))
	c.LookupResult("hit", 3)
	c.LookupResult("missing", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.FetchAttempts.WithLabelValues("vehicle positions", "dev-proxy", "failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.FetchAttempts.WithLabelValues("vehicle positions", "direct-default", "ok")))
	assert.Equal(t, 42.0, testutil.ToFloat64(c.FeedEntities.WithLabelValues("vehicle positions")))
	assert.Equal(t, 1234.0, testutil.ToFloat64(c.IndexSize))
	assert.Equal(t, 1700000000.0, testutil.ToFloat64(c.IndexLoadedAt))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.LookupIDs.WithLabelValues("hit")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.LookupIDs.WithLabelValues("missing")))

	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rr.Code)
	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "gtfslive_feed_fetch_attempts_total")
	assert.Contains(t, string(body), "gtfslive_stop_index_size 1234")
}
