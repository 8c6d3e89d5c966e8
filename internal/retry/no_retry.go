package retry

import (
	"context"
)

// NoRetryStrategy makes a single attempt. Failed relays are picked up again by the
// pending queue on the next poll cycle instead.
type NoRetryStrategy struct{}

func NewNoRetryStrategy() *NoRetryStrategy {
	return &NoRetryStrategy{}
}

// Execute runs the operation once. An already cancelled ctx skips the attempt.
func (s *NoRetryStrategy) Execute(ctx context.Context, operation Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return operation()
}

func (s *NoRetryStrategy) Name() string {
	return "NoRetry"
}
