package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obsidianstack/alertflow/pkg/types"
)

const (
	// MessageTypeHeader tells the receiver what kind of POST this is.
	MessageTypeHeader = "X-Alertflow-Message-Type"

	messageConfirmation = "SubscriptionConfirmation"
	messageNotification = "Notification"

	defaultConfirmTimeout = 10 * time.Second
	maxResponseBody       = 4096
)

// confirmation is both the challenge sent and the response expected.
type confirmation struct {
	Type  string `json:"type,omitempty"`
	Token string `json:"token"`
}

// Webhook POSTs Payload JSON to HTTP(S) endpoints.
//
// Endpoints registered with RequireConfirmation must echo a challenge token
// before the first notification is sent to them. Other endpoints are assumed
// to have been confirmed out of band.
type Webhook struct {
	client         *http.Client
	confirmTimeout time.Duration
	newToken       func() string

	mu      sync.Mutex
	targets map[string]*confirmState
}

type confirmState struct {
	mu        sync.Mutex
	confirmed bool
}

// NewWebhook returns a webhook adapter. The per-attempt deadline comes from
// the context passed to Send; confirmTimeout bounds the handshake.
func NewWebhook(client *http.Client, confirmTimeout time.Duration) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if confirmTimeout <= 0 {
		confirmTimeout = defaultConfirmTimeout
	}
	return &Webhook{
		client:         client,
		confirmTimeout: confirmTimeout,
		newToken:       uuid.NewString,
		targets:        make(map[string]*confirmState),
	}
}

// RequireConfirmation marks endpoint as needing the handshake on first
// contact.
func (w *Webhook) RequireConfirmation(endpoint string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.targets[endpoint]; !ok {
		w.targets[endpoint] = &confirmState{}
	}
}

// Confirmed reports whether endpoint needs no further handshake.
func (w *Webhook) Confirmed(endpoint string) bool {
	w.mu.Lock()
	st, ok := w.targets[endpoint]
	w.mu.Unlock()
	if !ok {
		return true
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.confirmed
}

// Send delivers ev to endpoint, confirming the endpoint first if required.
func (w *Webhook) Send(ctx context.Context, endpoint string, ev types.EnrichedEvent) error {
	if err := validateURL(endpoint); err != nil {
		return Permanent(err)
	}
	if err := w.ensureConfirmed(ctx, endpoint); err != nil {
		return err
	}

	body, err := json.Marshal(NewPayload(ev))
	if err != nil {
		return Permanent(fmt.Errorf("marshal payload: %w", err))
	}
	resp, err := w.post(ctx, endpoint, messageNotification, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	return classifyHTTP(resp.StatusCode, string(detail))
}

// ensureConfirmed runs the handshake once per endpoint. Concurrent first
// sends to the same endpoint wait for a single handshake.
func (w *Webhook) ensureConfirmed(ctx context.Context, endpoint string) error {
	w.mu.Lock()
	st, ok := w.targets[endpoint]
	w.mu.Unlock()
	if !ok {
		return nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.confirmed {
		return nil
	}
	if err := w.handshake(ctx, endpoint); err != nil {
		slog.Warn("delivery: webhook confirmation failed", "endpoint", endpoint, "err", err)
		return Permanent(fmt.Errorf("confirm %s: %w", endpoint, err))
	}
	st.confirmed = true
	slog.Info("delivery: webhook endpoint confirmed", "endpoint", endpoint)
	return nil
}

func (w *Webhook) handshake(ctx context.Context, endpoint string) error {
	ctx, cancel := context.WithTimeout(ctx, w.confirmTimeout)
	defer cancel()

	token := w.newToken()
	body, _ := json.Marshal(confirmation{Type: messageConfirmation, Token: token})
	resp, err := w.post(ctx, endpoint, messageConfirmation, body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return fmt.Errorf("confirmation timed out after %s", w.confirmTimeout)
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("confirmation returned HTTP %d", resp.StatusCode)
	}
	var reply confirmation
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&reply); err != nil {
		return fmt.Errorf("decode confirmation reply: %w", err)
	}
	if reply.Token != token {
		return errors.New("confirmation token mismatch")
	}
	return nil
}

func (w *Webhook) post(ctx context.Context, endpoint, msgType string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(MessageTypeHeader, msgType)

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http post: %w", err)
	}
	return resp, nil
}

func validateURL(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("malformed endpoint %q: %w", endpoint, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("malformed endpoint %q: want http(s)://host/...", endpoint)
	}
	return nil
}
