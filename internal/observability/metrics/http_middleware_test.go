package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHTTPMetricsUsesRoutePattern(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/help-requests/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	h := HTTPMetricsMiddleware(mux)

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "GET /api/help-requests/{id}", "404"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/help-requests/abc", nil))
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "GET /api/help-requests/{id}", "404"))

	if after-before != 1 {
		t.Fatalf("expected one request recorded under the route pattern, got %v", after-before)
	}
}

func TestSetPresenceClampsNegative(t *testing.T) {
	SetPresence(-1, 3)
	if got := testutil.ToFloat64(liveSessions); got != 0 {
		t.Fatalf("live sessions = %v, want 0", got)
	}
	if got := testutil.ToFloat64(onlineUsers); got != 3 {
		t.Fatalf("online users = %v, want 3", got)
	}
}
