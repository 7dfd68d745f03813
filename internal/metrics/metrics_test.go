package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestBlockProcessedIncrementsCounter(t *testing.T) {
	r := New()
	r.BlockProcessed("uniswap_v2", "ethereum")
	r.BlockProcessed("uniswap_v2", "ethereum")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, `tycho_blocks_processed_total{chain="ethereum",extractor="uniswap_v2"} 2`) {
		t.Fatalf("expected counter at 2, got:\n%s", body)
	}
}

func TestSetStreamStaleTogglesGauge(t *testing.T) {
	r := New()
	r.SetStreamStale("uniswap_v2", true)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.Handler().ServeHTTP(rec, req)
	if !strings.Contains(rec.Body.String(), `tycho_synchronizer_stream_stale{extractor="uniswap_v2"} 1`) {
		t.Fatalf("expected stale gauge 1, got:\n%s", rec.Body.String())
	}

	r.SetStreamStale("uniswap_v2", false)
	rec = httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)
	if !strings.Contains(rec.Body.String(), `tycho_synchronizer_stream_stale{extractor="uniswap_v2"} 0`) {
		t.Fatalf("expected stale gauge 0, got:\n%s", rec.Body.String())
	}
}
