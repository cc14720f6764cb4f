package router

import (
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/obsidianstack/alertflow/pkg/types"
)

// ErrMalformedSubscription is returned for subscriptions that cannot be
// routed: unknown tier or channel, empty endpoint, autoConfirm on a
// non-webhook channel, or no adapter for the channel.
var ErrMalformedSubscription = errors.New("router: malformed subscription")

// Subscription is one configured delivery target.
type Subscription struct {
	Severity    types.Severity
	Channel     types.ChannelType
	Endpoint    string
	AutoConfirm bool
	// RateLimit is the maximum sends per second; zero means unlimited.
	RateLimit float64
}

// Validate checks the subscription's fields.
func (s Subscription) Validate() error {
	switch {
	case !s.Severity.Valid():
		return fmt.Errorf("%w: unknown severity %q", ErrMalformedSubscription, s.Severity)
	case !s.Channel.Valid():
		return fmt.Errorf("%w: unknown channel %q", ErrMalformedSubscription, s.Channel)
	case s.Endpoint == "":
		return fmt.Errorf("%w: %s subscription has no endpoint", ErrMalformedSubscription, s.Channel)
	case s.AutoConfirm && s.Channel != types.ChannelWebhook:
		return fmt.Errorf("%w: autoConfirm is only valid for webhook, got %s", ErrMalformedSubscription, s.Channel)
	case s.RateLimit < 0:
		return fmt.Errorf("%w: negative rate limit", ErrMalformedSubscription)
	}
	return nil
}

func (s Subscription) String() string {
	return fmt.Sprintf("%s->%s:%s", s.Severity, s.Channel, s.Endpoint)
}

// RetryPolicy bounds delivery attempts.
type RetryPolicy struct {
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy is three attempts starting at one second.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:    3,
	BackoffBase:    time.Second,
	BackoffMax:     30 * time.Second,
	AttemptTimeout: 10 * time.Second,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = DefaultRetryPolicy.BackoffBase
	}
	if p.BackoffMax < p.BackoffBase {
		p.BackoffMax = p.BackoffBase
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = DefaultRetryPolicy.AttemptTimeout
	}
	return p
}

// route is a subscription plus its runtime limiter.
type route struct {
	Subscription
	limiter *rate.Limiter
}

func newRoute(s Subscription) *route {
	r := &route{Subscription: s}
	if s.RateLimit > 0 {
		burst := int(math.Ceil(s.RateLimit))
		r.limiter = rate.NewLimiter(rate.Limit(s.RateLimit), burst)
	}
	return r
}
