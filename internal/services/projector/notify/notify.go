// Package notify forwards shard state notifications from the daemon hub to
// external brokers. Delivery is best effort: a failed publish is logged and
// the next notification is still attempted.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/louisbranch/projectiond/internal/platform/retry"
	"github.com/louisbranch/projectiond/internal/platform/timeouts"
	"github.com/louisbranch/projectiond/internal/services/projector/daemon"
)

// Source hands out hub subscriptions.
type Source interface {
	Subscribe() (<-chan daemon.ShardState, func())
}

// PublishFunc delivers one notification.
type PublishFunc func(ctx context.Context, state daemon.ShardState) error

// Encode renders a notification as the JSON body sent to brokers.
func Encode(state daemon.ShardState) ([]byte, error) {
	body, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode shard state: %w", err)
	}
	return body, nil
}

// Pump subscribes to source and publishes every notification until ctx is
// done or the hub closes. Each delivery is retried under policy.
func Pump(ctx context.Context, source Source, policy retry.Policy, publish PublishFunc, logf func(format string, args ...any)) error {
	if logf == nil {
		logf = log.Printf
	}
	if policy.Retryable == nil {
		policy.Retryable = func(err error) bool {
			return !errors.Is(err, context.Canceled)
		}
	}
	updates, cancel := source.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case state, ok := <-updates:
			if !ok {
				return nil
			}
			err := retry.Run(ctx, policy, func(ctx context.Context) error {
				sendCtx, cancel := context.WithTimeout(ctx, timeouts.Publish)
				defer cancel()
				return publish(sendCtx, state)
			})
			if err != nil && ctx.Err() == nil {
				logf("notify: publish %s %s: %v", state.Shard, state.Action, err)
			}
		}
	}
}
