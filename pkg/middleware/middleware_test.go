package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestAuth(t *testing.T) {
	h := Auth([]string{"s3cret"})(okHandler)
	tests := []struct {
		name   string
		method string
		header map[string]string
		want   int
	}{
		{"read passes", http.MethodGet, nil, http.StatusOK},
		{"missing token", http.MethodPost, nil, http.StatusUnauthorized},
		{"bearer token", http.MethodPost, map[string]string{"Authorization": "Bearer s3cret"}, http.StatusOK},
		{"api key", http.MethodPost, map[string]string{"X-API-Key": "s3cret"}, http.StatusOK},
		{"wrong token", http.MethodPost, map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"basic scheme", http.MethodPost, map[string]string{"Authorization": "Basic s3cret"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/v1/runs", nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestAuthDisabledWithoutTokens(t *testing.T) {
	h := Auth(nil)(okHandler)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/runs", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(2, time.Hour)(okHandler)
	post := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := post("10.0.0.1:1234"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := post("10.0.0.1:5678")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
	if rec := post("10.0.0.2:1234"); rec.Code != http.StatusOK {
		t.Fatalf("other caller: expected 200, got %d", rec.Code)
	}

	get := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	get.RemoteAddr = "10.0.0.1:1234"
	getRec := httptest.NewRecorder()
	h.ServeHTTP(getRec, get)
	if getRec.Code != http.StatusOK {
		t.Fatalf("reads are not limited, got %d", getRec.Code)
	}
}

func TestMetricsCountsRejections(t *testing.T) {
	m := metrics.NewNop()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	h := Metrics(m)(Auth([]string{"s3cret"})(mux))

	unauth := httptest.NewRequest(http.MethodPost, "/api/v1/runs", nil)
	h.ServeHTTP(httptest.NewRecorder(), unauth)

	busy := httptest.NewRequest(http.MethodPost, "/api/v1/runs", nil)
	busy.Header.Set("X-API-Key", "s3cret")
	h.ServeHTTP(httptest.NewRecorder(), busy)

	if got := testutil.ToFloat64(m.APIRejectionsTotal.WithLabelValues("unrouted", "unauthorized")); got != 1 {
		t.Fatalf("unauthorized rejections = %v", got)
	}
	if got := testutil.ToFloat64(m.APIRejectionsTotal.WithLabelValues("POST /api/v1/runs", "run_active")); got != 1 {
		t.Fatalf("run_active rejections = %v", got)
	}
}
