package metrics

import (
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DrC0ns0le/net-speedtest/internal/measure/target"
	"github.com/DrC0ns0le/net-speedtest/internal/results"
	"github.com/DrC0ns0le/net-speedtest/pkg/logging"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func record() results.Record {
	return results.Record{
		ID:        "run-1",
		Timestamp: time.Unix(1700000000, 0),
		Protocols: []target.Protocol{target.TCP, target.UDP},
		Servers:   map[string]string{"download_tcp": "a:5121", "upload_tcp": "a:5121", "download_udp": "b:5121"},
		Results: results.Set{
			"download_tcp":    results.Float(93.5),
			"upload_tcp":      results.Float(20),
			"latency_tcp":     results.Float(11),
			"jitter_tcp":      results.Float(1),
			"packet_loss_tcp": results.Float(0),
			"download_udp":    results.Float(50),
			"upload_udp":      nil,
		},
	}
}

func TestObserve(t *testing.T) {
	e := NewExporter()
	e.Observe(record())

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"download tcp", testutil.ToFloat64(e.speed.WithLabelValues("tcp", "download")), 93.5},
		{"latency tcp", testutil.ToFloat64(e.latency.WithLabelValues("tcp")), 11},
		{"download udp", testutil.ToFloat64(e.speed.WithLabelValues("udp", "download")), 50},
		{"status upload tcp", testutil.ToFloat64(e.status.WithLabelValues("tcp", "upload")), 1},
		{"status upload udp", testutil.ToFloat64(e.status.WithLabelValues("udp", "upload")), 0},
		{"incomplete runs", testutil.ToFloat64(e.runs.WithLabelValues("incomplete")), 1},
		{"last run", testutil.ToFloat64(e.lastRun), 1700000000},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Fatalf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}

	if v := testutil.ToFloat64(e.speed.WithLabelValues("udp", "upload")); !math.IsNaN(v) {
		t.Fatalf("absent upload_udp exported as %v, want NaN", v)
	}
	if v := testutil.ToFloat64(e.jitter.WithLabelValues("udp")); !math.IsNaN(v) {
		t.Fatalf("missing jitter_udp exported as %v, want NaN", v)
	}
}

func TestServer(t *testing.T) {
	e := NewExporter()
	s := NewServer(":0", e, logging.Discard())

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	if w := get("/hello"); w.Code != http.StatusOK || w.Body.String() != "hello" {
		t.Fatalf("/hello = %d %q", w.Code, w.Body.String())
	}
	if w := get("/results"); w.Code != http.StatusNotFound {
		t.Fatalf("/results before any run = %d, want 404", w.Code)
	}

	e.Observe(record())

	w := get("/results")
	if w.Code != http.StatusOK {
		t.Fatalf("/results = %d", w.Code)
	}
	var rec results.Record
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decode /results: %v", err)
	}
	if rec.ID != "run-1" {
		t.Fatalf("/results id = %q", rec.ID)
	}

	w = get("/metrics")
	body, _ := io.ReadAll(w.Body)
	if w.Code != http.StatusOK || !strings.Contains(string(body), `speedtest_bandwidth_mbps{direction="download",type="tcp"} 93.5`) {
		t.Fatalf("/metrics missing bandwidth gauge:\n%s", body)
	}
}
