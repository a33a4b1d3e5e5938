package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	return rr.Body.String()
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx)
	req = req.WithContext(ctx)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rr.Code)
	}

	body := scrape(t, metrics)
	if !strings.Contains(body, "stockledger_http_requests_total{code=\"418\",route=\"/test\"} 1") {
		t.Fatalf("expected metrics to record request, got: %s", body)
	}
	if !strings.Contains(body, "stockledger_http_request_duration_seconds_bucket{route=\"/test\"") {
		t.Fatalf("expected duration histogram to be present, got: %s", body)
	}
}

func TestMovementMetricsShareRegistry(t *testing.T) {
	metrics := NewMetrics()
	movements := NewMovementMetrics(metrics.Registerer())

	movements.ObserveTransition("post", "OK")
	movements.ObserveTransition("post", "INSUFFICIENT_STOCK")
	movements.ObservePosting(120*time.Millisecond, 3, "OK")
	movements.ObservePosting(40*time.Millisecond, 2, "INSUFFICIENT_STOCK")

	body := scrape(t, metrics)
	for _, want := range []string{
		`stockledger_movement_transitions_total{action="post",outcome="OK"} 1`,
		`stockledger_movement_transitions_total{action="post",outcome="INSUFFICIENT_STOCK"} 1`,
		`stockledger_posting_duration_seconds_count{outcome="OK"} 1`,
		`stockledger_posting_lines_count 1`,
		`stockledger_posting_lines_sum 3`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in: %s", want, body)
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var movements *MovementMetrics
	movements.ObserveTransition("post", "OK")
	movements.ObservePosting(time.Second, 1, "OK")

	var metrics *Metrics
	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	if metrics.Middleware(next) == nil {
		t.Fatal("nil metrics must pass requests through")
	}
}
