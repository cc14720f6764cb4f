package security

import (
	"context"
	"crypto/tls"
	"fmt"
	"math"
	"net"
	"net/url"
	"time"

	"github.com/obsidianstack/alertflow/agent/internal/config"
	"github.com/obsidianstack/alertflow/pkg/types"
)

const dialTimeout = 10 * time.Second

// Check dials the TLS endpoint of src and reports its leaf certificate as a
// SecurityFinding event: ALARM when the certificate has expired or expires
// within warnDays of now, OK otherwise. The server drops repeats of an
// unchanged state.
//
// Returns nil for non-HTTPS endpoints and for endpoints that cannot be
// reached; the scrape itself already reports unreachable sources.
func Check(ctx context.Context, src config.Source, warnDays int, now time.Time) *types.AlertEvent {
	u, err := url.Parse(src.Endpoint)
	if err != nil || u.Scheme != "https" {
		return nil
	}

	host := u.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		// No explicit port in the URL; use the HTTPS default.
		host = net.JoinHostPort(host, "443")
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{},
		Config: &tls.Config{
			// Expired certificates must still be inspected.
			InsecureSkipVerify: true, //nolint:gosec
		},
	}
	netConn, err := dialer.DialContext(dialCtx, "tcp", host)
	if err != nil {
		return nil
	}
	conn := netConn.(*tls.Conn)
	defer conn.Close()

	peerCerts := conn.ConnectionState().PeerCertificates
	if len(peerCerts) == 0 {
		return nil
	}

	leaf := peerCerts[0]
	daysLeft := math.Floor(leaf.NotAfter.Sub(now).Hours() / 24)

	ev := &types.AlertEvent{
		Source:     types.SourceSecurityFinding,
		State:      types.StateOK,
		AlarmName:  "cert-expiry:" + src.ID,
		MetricName: "CertificateDaysLeft",
		Dimensions: types.Dimensions{
			{Name: "Source", Value: src.ID},
			{Name: "Endpoint", Value: u.Host},
		},
		Value:              daysLeft,
		Threshold:          float64(warnDays),
		ComparisonOperator: types.LessThanOrEqualToThreshold,
		Timestamp:          now,
		ResourceTags: map[string]string{
			"issuer":    leaf.Issuer.CommonName,
			"not_after": leaf.NotAfter.UTC().Format(time.RFC3339),
		},
	}

	switch {
	case daysLeft <= 0:
		ev.State = types.StateAlarm
		ev.Description = fmt.Sprintf("TLS certificate of %s expired on %s",
			src.Endpoint, leaf.NotAfter.UTC().Format(time.DateOnly))
	case daysLeft <= float64(warnDays):
		ev.State = types.StateAlarm
		ev.Description = fmt.Sprintf("TLS certificate of %s expires in %.0f days",
			src.Endpoint, daysLeft)
	default:
		ev.Description = fmt.Sprintf("TLS certificate of %s is valid for %.0f days",
			src.Endpoint, daysLeft)
	}
	return ev
}
