package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveHTTPRequestExposed(t *testing.T) {
	ObserveHTTPRequest("/api/v1/scores", http.MethodGet, http.StatusOK, 15*time.Millisecond)
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("/api/v1/scores", http.MethodGet, "200")); got < 1 {
		t.Fatalf("expected request counter, got %v", got)
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "eigentrust_http_requests_total") {
		t.Fatalf("metrics output missing request counter")
	}
}

func TestObserveRoundUpdatesGauges(t *testing.T) {
	ObserveRound("converged", 12, 40, 7, time.Second)
	if got := testutil.ToFloat64(currentRound); got != 12 {
		t.Fatalf("expected published round 12, got %v", got)
	}
	ObserveRound("failed", 13, 1000, 0, time.Second)
	if got := testutil.ToFloat64(currentRound); got != 12 {
		t.Fatalf("failed round must not move the gauge, got %v", got)
	}
}
