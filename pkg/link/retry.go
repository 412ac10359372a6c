package link

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/noodlenet/pkg/mesh"
)

// RetryPolicy bounds the retries of transient transport errors.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// MetricSink receives one MetricRetryCount per retry, when set.
	MetricSink metrics.MetricSink
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   10 * time.Second,
	}
}

func (p RetryPolicy) backoff(ctx context.Context) backoff.BackOff {
	base := p.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	maxDelay := p.MaxDelay
	if maxDelay < base {
		maxDelay = base
	}

	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(base),
		backoff.WithMaxInterval(maxDelay),
		backoff.WithMaxElapsedTime(0),
	)
	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}

// Retry runs fn until it succeeds, returns a non transient error, or the
// policy gives up. Only errors for which Transient is true are retried. A
// cancelled context yields mesh.ErrOperationCancelled.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	attempt := 0
	op := func() error {
		if attempt > 0 && policy.MetricSink != nil {
			policy.MetricSink.IncrCounter(MetricRetryCount, 1.0)
		}
		attempt++
		err := fn(ctx)
		if err != nil && !Transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(op, policy.backoff(ctx))
	if err != nil && ctx.Err() != nil && (err == ctx.Err() || !Transient(err)) {
		return mesh.Cancelled(ctx.Err())
	}
	return err
}
