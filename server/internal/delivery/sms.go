package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/obsidianstack/alertflow/pkg/types"
)

// codeNotConfirmed is the provider error code for a phone number that has
// not opted in.
const codeNotConfirmed = "subscription_not_confirmed"

var e164 = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// SMSConfig points at the provider's send-message API.
type SMSConfig struct {
	URL    string
	Token  string
	Sender string
}

// SMS sends a short text through an HTTP provider API.
type SMS struct {
	cfg    SMSConfig
	client *http.Client
}

// NewSMS returns an SMS adapter.
func NewSMS(cfg SMSConfig, client *http.Client) *SMS {
	if client == nil {
		client = http.DefaultClient
	}
	return &SMS{cfg: cfg, client: client}
}

type smsRequest struct {
	To      string `json:"to"`
	From    string `json:"from,omitempty"`
	Message string `json:"message"`
}

type smsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Send texts ev's summary to the E.164 number in endpoint.
func (s *SMS) Send(ctx context.Context, endpoint string, ev types.EnrichedEvent) error {
	if !e164.MatchString(endpoint) {
		return Permanent(fmt.Errorf("malformed phone number %q", endpoint))
	}

	body, _ := json.Marshal(smsRequest{To: endpoint, From: s.cfg.Sender, Message: smsText(ev)})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms post: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	var perr smsError
	_ = json.Unmarshal(raw, &perr)
	if perr.Code == codeNotConfirmed || resp.StatusCode == http.StatusForbidden {
		return Permanent(fmt.Errorf("sms provider: %s: %s", codeNotConfirmed, strings.TrimSpace(perr.Message)))
	}
	return classifyHTTP(resp.StatusCode, strings.TrimSpace(string(raw)))
}

const smsMaxChars = 160

// smsText keeps the message within a single 160 character segment. It cuts
// on rune boundaries.
func smsText(ev types.EnrichedEvent) string {
	name := ev.AlarmName
	if name == "" {
		name = ev.MetricName
	}
	msg := fmt.Sprintf("[%s] %s %s (was %s)", strings.ToUpper(string(ev.Severity)), name, ev.State, ev.PreviousState)
	if ev.RunbookURL != "" {
		msg += " " + ev.RunbookURL
	}
	if utf8.RuneCountInString(msg) > smsMaxChars {
		runes := []rune(msg)
		msg = string(runes[:smsMaxChars-3]) + "..."
	}
	return msg
}
