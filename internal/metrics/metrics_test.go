package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounters(t *testing.T) {
	c := NewCollector()
	c.TaskFinished(3, time.Millisecond, 2*time.Millisecond, nil)
	c.TaskFinished(3, time.Millisecond, 2*time.Millisecond, errors.New("boom"))
	c.QueueDepth(3, 7)
	c.SessionExpired()
	c.ClientDisconnected()
	c.WillPublished(nil)
	c.WillPublished(errors.New("no payload"))
	c.SetPendingWills(4)

	require.Equal(t, 1.0, testutil.ToFloat64(c.taskFailures.WithLabelValues("3")))
	require.Equal(t, 7.0, testutil.ToFloat64(c.queueDepth.WithLabelValues("3")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.sessionsExp))
	require.Equal(t, 1.0, testutil.ToFloat64(c.disconnects))
	require.Equal(t, 1.0, testutil.ToFloat64(c.willsSent))
	require.Equal(t, 1.0, testutil.ToFloat64(c.willsFailed))
	require.Equal(t, 4.0, testutil.ToFloat64(c.willsPending))
}

func TestServerHandler(t *testing.T) {
	c := NewCollector()
	c.SessionExpired()
	c.ObserveSubscriptions(func() int { return 12 })
	s := NewServer("127.0.0.1:0", c)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "mqtt_persistence_sessions_expired_total 1"))
	require.True(t, strings.Contains(rec.Body.String(), "mqtt_persistence_subscriptions_topic_index_entries 12"))

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, "OK\n", rec.Body.String())
}
