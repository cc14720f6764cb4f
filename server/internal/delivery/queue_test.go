package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/nats-io/nats.go"
)

type fakePublisher struct {
	subject string
	data    []byte
	err     error
}

func (f *fakePublisher) Publish(_ context.Context, subject string, data []byte) error {
	f.subject, f.data = subject, data
	return f.err
}

func TestQueue_Send(t *testing.T) {
	pub := &fakePublisher{}
	if err := NewQueue(pub).Send(context.Background(), "alerts.warning", testEvent()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if pub.subject != "alerts.warning" {
		t.Errorf("subject: got %q", pub.subject)
	}
	var p Payload
	if err := json.Unmarshal(pub.data, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.ID != "evt-1" || p.Dimensions["InstanceId"] != "i-123" {
		t.Errorf("payload: %+v", p)
	}
}

func TestQueue_Errors(t *testing.T) {
	if err := NewQueue(&fakePublisher{}).Send(context.Background(), "alerts..x", testEvent()); !IsPermanent(err) {
		t.Errorf("bad subject: got %v, want permanent", err)
	}

	pub := &fakePublisher{err: fmt.Errorf("publish: %w", nats.ErrBadSubject)}
	if err := NewQueue(pub).Send(context.Background(), "alerts", testEvent()); !IsPermanent(err) {
		t.Errorf("server bad subject: got %v, want permanent", err)
	}

	pub = &fakePublisher{err: nats.ErrTimeout}
	err := NewQueue(pub).Send(context.Background(), "alerts", testEvent())
	if err == nil || IsPermanent(err) || !errors.Is(err, nats.ErrTimeout) {
		t.Errorf("timeout: got %v, want transient", err)
	}
}

func TestValidSubject(t *testing.T) {
	for _, s := range []string{"alerts", "alerts.critical", "a.b.>"} {
		if err := ValidSubject(s); err != nil {
			t.Errorf("ValidSubject(%q): %v", s, err)
		}
	}
	for _, s := range []string{"", ".alerts", "alerts.", "a b"} {
		if err := ValidSubject(s); err == nil {
			t.Errorf("ValidSubject(%q): want error", s)
		}
	}
}
