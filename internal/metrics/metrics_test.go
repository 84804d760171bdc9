package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddlewareCountsByRouteAndStatus(t *testing.T) {
	m := New()
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/extract" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	for _, p := range []string{"/api/extract", "/health", "/wp-admin", "/etc/passwd"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	if got := testutil.ToFloat64(m.requestTotal.WithLabelValues("GET", "/api/extract", "400")); got != 1 {
		t.Fatalf("extract 400 count = %v", got)
	}
	if got := testutil.ToFloat64(m.requestTotal.WithLabelValues("GET", "other", "200")); got != 2 {
		t.Fatalf("unknown paths should collapse into one label, got %v", got)
	}
	if got := testutil.ToFloat64(m.requestInFlight); got != 0 {
		t.Fatalf("in-flight gauge should return to zero, got %v", got)
	}
}

func TestObserveAttachmentAndLLM(t *testing.T) {
	m := New()
	m.ObserveAttachment("pdf_digital", "success", 2*time.Second)
	m.ObserveAttachment("", "error", time.Second)
	m.ObserveLLM("summarize_text", "ok", 1200)
	m.ObserveEmail("success")

	if got := testutil.ToFloat64(m.attachmentsTotal.WithLabelValues("pdf_digital", "success")); got != 1 {
		t.Fatalf("attachments counter = %v", got)
	}
	if got := testutil.ToFloat64(m.attachmentsTotal.WithLabelValues("unknown", "error")); got != 1 {
		t.Fatalf("empty kind should be recorded as unknown, got %v", got)
	}
	if got := testutil.ToFloat64(m.llmRequestsTotal.WithLabelValues("summarize_text", "ok")); got != 1 {
		t.Fatalf("llm counter = %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "mailatt_mail_emails_total") {
		t.Fatalf("exposition missing email counter:\n%s", rec.Body.String())
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveAttachment("image", "success", time.Second)
	m.ObserveLLM("describe_image", "error", 0)
	m.ObserveEmail("error")

	called := false
	h := m.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	if !called {
		t.Fatalf("nil metrics middleware must pass through")
	}
}
