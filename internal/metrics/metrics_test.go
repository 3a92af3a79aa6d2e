package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestInitIsIdempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		Init()
		Init()
	})
}

func TestObservers(t *testing.T) {
	Init()

	before := testutil.ToFloat64(cyclesTotal.WithLabelValues("ok"))
	ObserveCycle("ok", 2*time.Second)
	assert.InDelta(t, before+1, testutil.ToFloat64(cyclesTotal.WithLabelValues("ok")), 0)

	before = testutil.ToFloat64(newListingsTotal)
	AddNewListings(3)
	AddNewListings(0)
	AddNewListings(-1)
	assert.InDelta(t, before+3, testutil.ToFloat64(newListingsTotal), 0)

	SetRegisteredQueries(7)
	assert.InDelta(t, 7, testutil.ToFloat64(registeredQueries), 0)

	before = testutil.ToFloat64(notificationsTotal.WithLabelValues("sent"))
	ObserveNotification("sent")
	assert.InDelta(t, before+1, testutil.ToFloat64(notificationsTotal.WithLabelValues("sent")), 0)

	before = testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "/v1/cycles", "202"))
	ObserveHTTPRequest("POST", "/v1/cycles", 202)
	assert.InDelta(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "/v1/cycles", "202")), 0)

	before = testutil.ToFloat64(pagesTotal.WithLabelValues("error"))
	ObservePage("error")
	ObserveQueryOutcome("fetch_error")
	ObserveRateLimitDelay(time.Second)
	assert.InDelta(t, before+1, testutil.ToFloat64(pagesTotal.WithLabelValues("error")), 0)
}
