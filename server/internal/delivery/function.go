package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/sony/gobreaker"

	"github.com/obsidianstack/alertflow/pkg/types"
)

// Invoker is the subset of *lambda.Client the function adapter uses.
type Invoker interface {
	Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// FunctionConfig tunes the function adapter.
type FunctionConfig struct {
	Timeout         time.Duration // per-invoke deadline
	BreakerFailures uint32        // consecutive failures that open the breaker
	BreakerTimeout  time.Duration // how long the breaker stays open
}

// Function invokes a downstream Lambda synchronously. Each function name
// has its own circuit breaker; an open breaker is a transient failure.
type Function struct {
	client Invoker
	cfg    FunctionConfig

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewFunction returns a function adapter over client.
func NewFunction(client Invoker, cfg FunctionConfig) *Function {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	return &Function{client: client, cfg: cfg, breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

// Send invokes the function named by endpoint with the wire Payload.
func (f *Function) Send(ctx context.Context, endpoint string, ev types.EnrichedEvent) error {
	if endpoint == "" {
		return Permanent(errors.New("empty function name"))
	}
	data, err := json.Marshal(NewPayload(ev))
	if err != nil {
		return Permanent(fmt.Errorf("marshal payload: %w", err))
	}

	_, err = f.breaker(endpoint).Execute(func() (interface{}, error) {
		return nil, f.invoke(ctx, endpoint, data)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("function %s: %w", endpoint, err)
	}
	var notFound *lambdatypes.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return Permanent(fmt.Errorf("function %s: %w", endpoint, err))
	}
	return err
}

func (f *Function) invoke(ctx context.Context, name string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	out, err := f.client.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(name),
		InvocationType: lambdatypes.InvocationTypeRequestResponse,
		Payload:        payload,
	})
	if err != nil {
		return fmt.Errorf("invoke %s: %w", name, err)
	}
	if out.StatusCode < 200 || out.StatusCode >= 300 {
		return fmt.Errorf("invoke %s: status %d", name, out.StatusCode)
	}
	if out.FunctionError != nil {
		return fmt.Errorf("invoke %s: function error %s: %s", name, aws.ToString(out.FunctionError), truncate(out.Payload, 256))
	}
	return nil
}

func (f *Function) breaker(name string) *gobreaker.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cb, ok := f.breakers[name]; ok {
		return cb
	}
	failures := f.cfg.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     f.cfg.BreakerTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			var notFound *lambdatypes.ResourceNotFoundException
			return err == nil || errors.As(err, &notFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("delivery: function breaker state change",
				"function", name, "from", from.String(), "to", to.String())
		},
	})
	f.breakers[name] = cb
	return cb
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
