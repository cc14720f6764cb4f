package scraper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"

	"github.com/obsidianstack/alertflow/agent/internal/config"
)

// nodeMetrics is a realistic subset of a node exporter's /metrics output.
const nodeMetrics = `
# HELP node_cpu_utilisation CPU busy percentage.
# TYPE node_cpu_utilisation gauge
node_cpu_utilisation{cpu="0"} 42
node_cpu_utilisation{cpu="1"} 88

# HELP node_filesystem_used_pct Filesystem usage percentage.
# TYPE node_filesystem_used_pct gauge
node_filesystem_used_pct{mountpoint="/",fstype="ext4"} 81.5
node_filesystem_used_pct{mountpoint="/data",fstype="xfs"} 97

# HELP http_requests_total Requests served.
# TYPE http_requests_total counter
http_requests_total{code="200"} 1200
http_requests_total{code="500"} 30

# HELP build_info Build metadata.
# TYPE build_info untyped
build_info{version="1.4.2"} 1

# HELP request_seconds Latency.
# TYPE request_seconds histogram
request_seconds_bucket{le="1"} 3
request_seconds_bucket{le="+Inf"} 4
request_seconds_sum 2.5
request_seconds_count 4
`

func serve(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPromScraper_Scrape(t *testing.T) {
	srv := serve(t, nodeMetrics)
	s := &promScraper{
		src:    config.Source{ID: "node", Type: "prometheus", Endpoint: srv.URL},
		client: srv.Client(),
	}

	res, err := s.Scrape(context.Background())
	if err != nil {
		t.Fatalf("Scrape() error = %v", err)
	}
	if res.Err != nil {
		t.Fatalf("res.Err = %v", res.Err)
	}
	if res.SourceID != "node" || res.ScrapedAt.IsZero() {
		t.Errorf("result header: %+v", res)
	}

	cpu, ok := res.Values("node_cpu_utilisation", nil)
	sort.Float64s(cpu)
	if !ok || len(cpu) != 2 || cpu[0] != 42 || cpu[1] != 88 {
		t.Errorf("cpu values = %v (ok %v), want [42 88]", cpu, ok)
	}

	data, _ := res.Values("node_filesystem_used_pct", map[string]string{"mountpoint": "/data"})
	if len(data) != 1 || data[0] != 97 {
		t.Errorf("/data values = %v, want [97]", data)
	}

	errs, _ := res.Values("http_requests_total", map[string]string{"code": "500"})
	if len(errs) != 1 || errs[0] != 30 {
		t.Errorf("5xx counter = %v, want [30]", errs)
	}

	if v, _ := res.Values("build_info", nil); len(v) != 1 || v[0] != 1 {
		t.Errorf("untyped = %v, want [1]", v)
	}
	if v, ok := res.Values("request_seconds", nil); !ok || len(v) != 0 {
		t.Errorf("histogram should be present but yield no values, got %v (ok %v)", v, ok)
	}
}

func TestValues_MissingFamilyAndLabels(t *testing.T) {
	srv := serve(t, nodeMetrics)
	s := &promScraper{src: config.Source{ID: "node", Endpoint: srv.URL}, client: srv.Client()}
	res, _ := s.Scrape(context.Background())

	if _, ok := res.Values("node_load1", nil); ok {
		t.Error("absent family reported as present")
	}
	v, ok := res.Values("node_filesystem_used_pct", map[string]string{"mountpoint": "/", "fstype": "xfs"})
	if !ok || len(v) != 0 {
		t.Errorf("partial label match should select nothing, got %v", v)
	}
	v, _ = res.Values("node_filesystem_used_pct", map[string]string{"device": "sda1"})
	if len(v) != 0 {
		t.Errorf("unknown label should select nothing, got %v", v)
	}
}

func TestPromScraper_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := &promScraper{src: config.Source{ID: "down", Endpoint: srv.URL}, client: srv.Client()}
	res, err := s.Scrape(context.Background())
	if err != nil {
		t.Fatalf("Scrape() should not return err, got: %v", err)
	}
	if res.Err == nil {
		t.Fatal("res.Err should be set on a non-200 response")
	}
}

func TestPromScraper_ConnectFailure(t *testing.T) {
	s := &promScraper{
		src:    config.Source{ID: "prom-down", Endpoint: "http://127.0.0.1:1"},
		client: &http.Client{},
	}
	res, err := s.Scrape(context.Background())
	if err != nil {
		t.Fatalf("Scrape() should not return err, got: %v", err)
	}
	if res.Err == nil {
		t.Fatal("res.Err should be set when endpoint is unreachable")
	}
}

func TestNew_APIKeyHeader(t *testing.T) {
	t.Setenv("SCRAPE_KEY", "k-123")
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Scrape-Key")
		_, _ = w.Write([]byte("up 1\n"))
	}))
	defer srv.Close()

	s, err := New(config.Source{
		ID:       "keyed",
		Endpoint: srv.URL,
		Auth:     config.AuthConfig{Mode: "apikey", Header: "X-Scrape-Key", KeyEnv: "SCRAPE_KEY"},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	res, _ := s.Scrape(context.Background())
	if res.Err != nil {
		t.Fatalf("res.Err = %v", res.Err)
	}
	if got != "k-123" {
		t.Errorf("api key header = %q, want k-123", got)
	}
}

func TestNew_UnsupportedType(t *testing.T) {
	if _, err := New(config.Source{ID: "x", Type: "loki", Endpoint: "http://x"}); err == nil {
		t.Fatal("expected error for unsupported type")
	}
}
