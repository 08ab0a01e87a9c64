package loader

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/louisbranch/projectiond/internal/platform/retry"
	"github.com/louisbranch/projectiond/internal/services/projector/event"
)

// Resilient retries transient failures of an inner PageLoader. The page
// returned on success is exactly what the inner loader produced.
type Resilient struct {
	inner  PageLoader
	policy retry.Policy
	logf   func(format string, args ...any)
}

// NewResilient wraps inner with policy.
func NewResilient(inner PageLoader, policy retry.Policy, logf func(format string, args ...any)) (*Resilient, error) {
	if inner == nil {
		return nil, fmt.Errorf("inner loader is required")
	}
	if logf == nil {
		logf = log.Printf
	}
	return &Resilient{inner: inner, policy: policy, logf: logf}, nil
}

// Load delegates to the inner loader; after the policy is exhausted the last
// error is returned unchanged.
func (r *Resilient) Load(ctx context.Context, req Request) (event.Page, error) {
	policy := r.policy
	notify := policy.Notify
	policy.Notify = func(err error, next time.Duration) {
		r.logf("loader: retrying page (%d,%d] in %s: %v", req.Floor, req.HighWater, next, err)
		if notify != nil {
			notify(err, next)
		}
	}
	return retry.Do(ctx, policy, func(ctx context.Context) (event.Page, error) {
		return r.inner.Load(ctx, req)
	})
}
