package pipeline

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// graceContext derives a context that survives parent's cancellation by
// grace, so an in-flight transfer gets a bounded chance to finish during
// shutdown. The returned cancel must be called to release the watcher.
func graceContext(parent context.Context, grace time.Duration, clock clockwork.Clock) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(parent, func() {
		clock.AfterFunc(grace, cancel)
	})
	return ctx, func() {
		stop()
		cancel()
	}
}
