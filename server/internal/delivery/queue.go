package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/obsidianstack/alertflow/pkg/types"
)

// Publisher publishes raw bytes to a subject. The router's aggregate path
// uses the same interface.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NATSPublisher publishes over a NATS connection. With JetStream enabled
// every publish waits for the stream's ack; otherwise the connection is
// flushed so the server has the message before Publish returns.
type NATSPublisher struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// DialNATS connects to url.
func DialNATS(url string, jetstream bool) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("alertflow-server"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	p := &NATSPublisher{conn: conn}
	if jetstream {
		js, err := conn.JetStream()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("nats jetstream: %w", err)
		}
		p.js = js
	}
	return p, nil
}

// Publish sends data to subject.
func (p *NATSPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	if p.js != nil {
		if _, err := p.js.Publish(subject, data, nats.Context(ctx)); err != nil {
			return fmt.Errorf("jetstream publish %s: %w", subject, err)
		}
		return nil
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	return nil
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() {
	if p.conn != nil {
		p.conn.Drain() //nolint:errcheck
		p.conn.Close()
	}
}

// Queue enqueues the wire Payload on the subject named by the endpoint.
// Delivery is at-least-once; consumers dedup on the payload id.
type Queue struct {
	pub Publisher
}

// NewQueue returns a queue adapter over pub.
func NewQueue(pub Publisher) *Queue {
	return &Queue{pub: pub}
}

// Send publishes ev to subject.
func (q *Queue) Send(ctx context.Context, subject string, ev types.EnrichedEvent) error {
	if err := ValidSubject(subject); err != nil {
		return Permanent(err)
	}
	data, err := json.Marshal(NewPayload(ev))
	if err != nil {
		return Permanent(fmt.Errorf("marshal payload: %w", err))
	}
	err = q.pub.Publish(ctx, subject, data)
	if errors.Is(err, nats.ErrBadSubject) || errors.Is(err, nats.ErrMaxPayload) {
		return Permanent(err)
	}
	return err
}

// ValidSubject rejects subjects NATS would refuse: empty, containing
// whitespace, or with empty tokens.
func ValidSubject(subject string) error {
	if subject == "" {
		return errors.New("empty subject")
	}
	if strings.ContainsAny(subject, " \t\r\n") {
		return fmt.Errorf("subject %q contains whitespace", subject)
	}
	for _, tok := range strings.Split(subject, ".") {
		if tok == "" {
			return fmt.Errorf("subject %q has an empty token", subject)
		}
	}
	return nil
}
