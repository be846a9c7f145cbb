package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordAdapterCall(t *testing.T) {
	before := testutil.ToFloat64(adapterCalls.WithLabelValues("metrics-test", "ok"))
	droppedBefore := testutil.ToFloat64(adapterDropped.WithLabelValues("metrics-test"))

	RecordAdapterCall("metrics-test", "ok", 120*time.Millisecond, 3)
	RecordAdapterCall("metrics-test", "skipped", 0, 0)

	assert.Equal(t, before+1, testutil.ToFloat64(adapterCalls.WithLabelValues("metrics-test", "ok")))
	assert.Equal(t, droppedBefore+3, testutil.ToFloat64(adapterDropped.WithLabelValues("metrics-test")))
	assert.Equal(t, 1.0, testutil.ToFloat64(adapterCalls.WithLabelValues("metrics-test", "skipped")))
}

func TestRecordJob(t *testing.T) {
	before := testutil.ToFloat64(jobsTotal.WithLabelValues("DONE"))
	RecordJob("DONE", 3*time.Second)
	assert.Equal(t, before+1, testutil.ToFloat64(jobsTotal.WithLabelValues("DONE")))
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/sourcing/jobs/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	before := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/sourcing/jobs/{id}", "404"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sourcing/jobs/abc", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/sourcing/jobs/{id}", "404")))
}
