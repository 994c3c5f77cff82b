package logging

import (
	"context"
	"time"
)

// DetachContextWithTimeout returns a context that keeps parent's values but
// not its cancellation, bounded by its own timeout.
// Journal writes use it so a turn whose deadline already fired is still
// recorded.
//
//	jctx, cancel := logging.DetachContextWithTimeout(ctx, 5*time.Second)
//	defer cancel()
//	err := journal.Append(jctx, record)
func DetachContextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}
