package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/obsidianstack/alertflow/agent/internal/config"
	"github.com/obsidianstack/alertflow/pkg/types"
)

func tlsSource(t *testing.T) (config.Source, time.Time) {
	t.Helper()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	t.Cleanup(srv.Close)
	notAfter := srv.Certificate().NotAfter
	return config.Source{ID: "secure", Endpoint: srv.URL + "/metrics"}, notAfter
}

func TestCheck_Valid(t *testing.T) {
	src, notAfter := tlsSource(t)
	now := notAfter.Add(-100 * 24 * time.Hour)

	ev := Check(context.Background(), src, 14, now)
	if ev == nil {
		t.Fatal("Check returned nil for a TLS endpoint")
	}
	if ev.Source != types.SourceSecurityFinding || ev.State != types.StateOK {
		t.Errorf("event: source %q state %q", ev.Source, ev.State)
	}
	if ev.AlarmName != "cert-expiry:secure" || ev.Threshold != 14 {
		t.Errorf("event identity: %+v", ev)
	}
	if ev.Value < 99 || ev.Value > 100 {
		t.Errorf("days left: got %v, want ~100", ev.Value)
	}
}

func TestCheck_ExpiringSoon(t *testing.T) {
	src, notAfter := tlsSource(t)
	now := notAfter.Add(-5 * 24 * time.Hour)

	ev := Check(context.Background(), src, 14, now)
	if ev == nil || ev.State != types.StateAlarm {
		t.Fatalf("expiring cert: %+v", ev)
	}
	if !strings.Contains(ev.Description, "expires in") {
		t.Errorf("description: %q", ev.Description)
	}
}

func TestCheck_Expired(t *testing.T) {
	src, notAfter := tlsSource(t)
	now := notAfter.Add(48 * time.Hour)

	ev := Check(context.Background(), src, 14, now)
	if ev == nil || ev.State != types.StateAlarm {
		t.Fatalf("expired cert: %+v", ev)
	}
	if !strings.Contains(ev.Description, "expired") {
		t.Errorf("description: %q", ev.Description)
	}
}

func TestCheck_PlainHTTP(t *testing.T) {
	src := config.Source{ID: "plain", Endpoint: "http://localhost:9100/metrics"}
	if ev := Check(context.Background(), src, 14, time.Now()); ev != nil {
		t.Errorf("plain http: got %+v, want nil", ev)
	}
}

func TestCheck_Unreachable(t *testing.T) {
	src := config.Source{ID: "gone", Endpoint: "https://127.0.0.1:1/metrics"}
	if ev := Check(context.Background(), src, 14, time.Now()); ev != nil {
		t.Errorf("unreachable: got %+v, want nil", ev)
	}
}
