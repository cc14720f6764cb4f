package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/obsidianstack/alertflow/pkg/types"
	"github.com/obsidianstack/alertflow/server/internal/deadletter"
	"github.com/obsidianstack/alertflow/server/internal/dedup"
	"github.com/obsidianstack/alertflow/server/internal/delivery"
)

const (
	aggregateTimeout  = 5 * time.Second
	deadLetterTimeout = 5 * time.Second
)

// Observer receives every DeliveryResult the router produces. Observers are
// called synchronously and must not block.
type Observer func(types.DeliveryResult)

// Config is the routing part of the engine configuration.
type Config struct {
	Subscriptions []Subscription
	Retry         RetryPolicy
	// AggregateSubject enables the aggregate path when non-empty.
	AggregateSubject string
}

// Router delivers enriched events to subscriptions. Router is safe for
// concurrent use.
type Router struct {
	routes   []*route
	adapters map[types.ChannelType]delivery.Adapter
	retry    RetryPolicy

	dedup       dedup.Cache
	deadLetters deadletter.Sink

	aggregate        delivery.Publisher
	aggregateSubject string
	aggregates       sync.WaitGroup

	mu        sync.RWMutex
	observers []Observer

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(time.Duration) time.Duration
}

// New validates cfg against the available adapters and returns a Router.
// cache and aggregate may be nil; sink is required.
func New(cfg Config, adapters map[types.ChannelType]delivery.Adapter, cache dedup.Cache, sink deadletter.Sink, aggregate delivery.Publisher) (*Router, error) {
	if sink == nil {
		return nil, errors.New("router: dead-letter sink is required")
	}
	r := &Router{
		adapters:         adapters,
		retry:            cfg.Retry.withDefaults(),
		dedup:            cache,
		deadLetters:      sink,
		aggregate:        aggregate,
		aggregateSubject: cfg.AggregateSubject,
		now:              time.Now,
		sleep:            sleepCtx,
		jitter:           quarterJitter,
	}
	for i, s := range cfg.Subscriptions {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("subscription %d: %w", i, err)
		}
		if _, ok := adapters[s.Channel]; !ok {
			return nil, fmt.Errorf("subscription %d: %w: no adapter configured for channel %s", i, ErrMalformedSubscription, s.Channel)
		}
		r.routes = append(r.routes, newRoute(s))
	}
	if cfg.AggregateSubject != "" && aggregate == nil {
		return nil, errors.New("router: aggregate subject set but no publisher configured")
	}
	return r, nil
}

// Observe registers o for every future result.
func (r *Router) Observe(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Publish hands res to every observer. The engine uses it for results that
// do not come from routing, such as Held or Dropped.
func (r *Router) Publish(res types.DeliveryResult) {
	r.mu.RLock()
	obs := r.observers
	r.mu.RUnlock()
	for _, o := range obs {
		o(res)
	}
}

// Subscriptions returns the subscriptions for sev.
func (r *Router) Subscriptions(sev types.Severity) []Subscription {
	var out []Subscription
	for _, rt := range r.routes {
		if rt.Severity == sev {
			out = append(out, rt.Subscription)
		}
	}
	return out
}

// Route delivers ev to every subscription of its severity and returns one
// final result per subscription, in configuration order. Route blocks until
// all deliveries have either succeeded or been dead-lettered.
func (r *Router) Route(ctx context.Context, ev types.EnrichedEvent) []types.DeliveryResult {
	var matched []*route
	for _, rt := range r.routes {
		if rt.Severity == ev.Severity {
			matched = append(matched, rt)
		}
	}

	if r.dedup != nil {
		first, err := r.dedup.Claim(ctx, dedup.Key(ev.AlertEvent))
		if err != nil {
			// A broken cache must not swallow alerts.
			slog.Warn("router: dedup cache unavailable, routing anyway", "event_id", ev.ID, "err", err)
			first = true
		}
		if !first {
			slog.Debug("router: duplicate event skipped", "event_id", ev.ID, "alarm", ev.AlarmName)
			results := make([]types.DeliveryResult, 0, len(matched))
			for _, rt := range matched {
				res := r.result(ev, rt, types.StatusSkippedDeduped, 0, "")
				r.Publish(res)
				results = append(results, res)
			}
			return results
		}
	}

	r.publishAggregate(ev)

	if len(matched) == 0 {
		slog.Debug("router: no subscriptions for severity", "severity", ev.Severity, "event_id", ev.ID)
		return nil
	}

	results := make([]types.DeliveryResult, len(matched))
	var wg sync.WaitGroup
	for i, rt := range matched {
		wg.Add(1)
		go func(i int, rt *route) {
			defer wg.Done()
			results[i] = r.deliver(ctx, rt, ev)
			r.Publish(results[i])
		}(i, rt)
	}
	wg.Wait()
	return results
}

// deliver runs the retry loop for one subscription.
func (r *Router) deliver(ctx context.Context, rt *route, ev types.EnrichedEvent) types.DeliveryResult {
	adapter := r.adapters[rt.Channel]
	bo := newBackoff(r.retry.BackoffBase, r.retry.BackoffMax, r.jitter)

	var (
		history []deadletter.Attempt
		lastErr error
		attempt int
	)
	for attempt = 1; attempt <= r.retry.MaxAttempts; attempt++ {
		if rt.limiter != nil {
			if err := rt.limiter.Wait(ctx); err != nil {
				lastErr = fmt.Errorf("rate limit wait: %w", err)
				attempt--
				break
			}
		}

		actx, cancel := context.WithTimeout(ctx, r.retry.AttemptTimeout)
		err := adapter.Send(actx, rt.Endpoint, ev)
		cancel()
		if err == nil {
			slog.Debug("router: delivered", "event_id", ev.ID, "subscription", rt.String(), "attempts", attempt)
			return r.result(ev, rt, types.StatusDelivered, attempt, "")
		}

		lastErr = err
		history = append(history, deadletter.Attempt{N: attempt, Error: err.Error(), At: r.now()})

		if delivery.IsPermanent(err) {
			slog.Error("router: permanent delivery failure",
				"event_id", ev.ID, "subscription", rt.String(), "attempt", attempt, "err", err)
			break
		}
		if attempt == r.retry.MaxAttempts {
			break
		}

		wait := bo.next()
		slog.Warn("router: delivery failed, will retry",
			"event_id", ev.ID, "subscription", rt.String(), "attempt", attempt, "retry_in", wait, "err", err)
		r.Publish(r.result(ev, rt, types.StatusRetrying, attempt, err.Error()))

		if err := r.sleep(ctx, wait); err != nil {
			lastErr = fmt.Errorf("%v; abandoned: %w", lastErr, err)
			break
		}
	}

	reason := "unknown"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	r.writeDeadLetter(ctx, deadletter.Record{
		EventID:  ev.ID,
		Channel:  rt.Channel,
		Endpoint: rt.Endpoint,
		Reason:   reason,
		Attempts: attempt,
		Event:    ev,
		History:  history,
	})
	return r.result(ev, rt, types.StatusDeadLettered, attempt, reason)
}

// DeadLetter records an event that never reached routing, such as an
// unclassifiable one.
func (r *Router) DeadLetter(ctx context.Context, ev types.EnrichedEvent, reason string) {
	r.writeDeadLetter(ctx, deadletter.Record{EventID: ev.ID, Reason: reason, Event: ev})
}

func (r *Router) writeDeadLetter(ctx context.Context, rec deadletter.Record) {
	// The record must land even if the caller's context is done.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deadLetterTimeout)
	defer cancel()
	if err := r.deadLetters.Write(wctx, rec); err != nil {
		slog.Error("router: dead-letter write failed",
			"event_id", rec.EventID, "channel", rec.Channel, "reason", rec.Reason, "err", err)
		return
	}
	slog.Warn("router: event dead-lettered",
		"event_id", rec.EventID, "channel", rec.Channel, "endpoint", rec.Endpoint,
		"attempts", rec.Attempts, "reason", rec.Reason)
}

func (r *Router) publishAggregate(ev types.EnrichedEvent) {
	if r.aggregate == nil || r.aggregateSubject == "" {
		return
	}
	data, err := json.Marshal(delivery.NewPayload(ev))
	if err != nil {
		slog.Error("router: aggregate marshal failed", "event_id", ev.ID, "err", err)
		return
	}
	r.aggregates.Add(1)
	go func() {
		defer r.aggregates.Done()
		ctx, cancel := context.WithTimeout(context.Background(), aggregateTimeout)
		defer cancel()
		if err := r.aggregate.Publish(ctx, r.aggregateSubject, data); err != nil {
			slog.Error("router: aggregate publish failed",
				"subject", r.aggregateSubject, "event_id", ev.ID, "err", err)
		}
	}()
}

// Wait blocks until in-flight aggregate publishes have finished.
func (r *Router) Wait() {
	r.aggregates.Wait()
}

func (r *Router) result(ev types.EnrichedEvent, rt *route, status types.DeliveryStatus, attempts int, lastErr string) types.DeliveryResult {
	return types.DeliveryResult{
		EventID:   ev.ID,
		AlarmName: ev.AlarmName,
		Severity:  ev.Severity,
		Channel:   rt.Channel,
		Endpoint:  rt.Endpoint,
		Status:    status,
		Attempts:  attempts,
		LastError: lastErr,
		At:        r.now(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
