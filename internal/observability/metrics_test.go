package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func TestMetricsHandlerExposesPrometheusMetrics(t *testing.T) {
	metrics := NewMetrics()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	metrics.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}

	body := rr.Body.String()
	if !strings.Contains(body, "audit_write_failures_total 0") {
		t.Fatalf("expected body to contain audit_write_failures_total, got: %s", body)
	}
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

	metricsRR := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(metricsRR, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	metricsBody := metricsRR.Body.String()
	if !strings.Contains(metricsBody, "http_requests_total{code=\"418\",route=\"/test\"} 1") {
		t.Fatalf("expected metrics to record request, got: %s", metricsBody)
	}
	if !strings.Contains(metricsBody, "http_request_duration_seconds_bucket{route=\"/test\"") {
		t.Fatalf("expected duration histogram to be present, got: %s", metricsBody)
	}
}

func TestMetricsRecordPermissionDecisions(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveDecision("sales.refund", true, nil, 2*time.Millisecond)
	metrics.ObserveDecision("sales.refund", false, nil, time.Millisecond)
	metrics.ObserveDecision("sales.refund", false, errors.New("timeout"), time.Second)
	metrics.AuditWriteFailed()
	metrics.SecurityEventRecorded("failed_login", "medium")
	metrics.Jobs().Track("audit_retention").End(nil)

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()

	for _, want := range []string{
		`workshop_permission_decisions_total{permission="sales.refund",result="allowed"} 1`,
		`workshop_permission_decisions_total{permission="sales.refund",result="denied"} 1`,
		`workshop_permission_decisions_total{permission="sales.refund",result="error"} 1`,
		`audit_write_failures_total 1`,
		`workshop_security_events_total{severity="medium",type="failed_login"} 1`,
		`workshop_jobs_total{job="audit_retention",status="success"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected metrics to contain %s, got: %s", want, body)
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var metrics *Metrics
	metrics.ObserveDecision("x.y", true, nil, 0)
	metrics.AuditWriteFailed()
	metrics.SecurityEventRecorded("a", "b")
	if metrics.Jobs() != nil {
		t.Fatal("expected nil job metrics")
	}
}
