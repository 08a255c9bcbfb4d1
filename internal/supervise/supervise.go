// Package supervise restarts actor goroutines that return an error or panic,
// so a bug in one Manager, the Buffer, or an ingest consumer doesn't take the
// whole process down. A restart calls the same body again, so an actor keeps
// whatever state its value already holds.
package supervise

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// restartInterval is constant rather than exponential: actor state is
// cheap to rebuild (an empty subscription table, a fresh connection), so
// there's no backing-off resource to protect, only a crash loop to slow
// down enough for the log to be readable.
const restartInterval = 3 * time.Second

// Run calls body repeatedly, recovering from panics and restarting on any
// returned error, until ctx is canceled. body returning nil ends the
// supervision loop (a clean, intentional stop).
func Run(ctx context.Context, name string, logger *zap.Logger, body func(ctx context.Context) error) error {
	logger = logger.Named("supervise").With(zap.String("actor", name))
	return backoff.Retry(func() error {
		err := runOnce(ctx, body)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		logger.Error("actor failed, restarting", zap.Error(err))
		return err
	}, backoff.WithContext(backoff.NewConstantBackOff(restartInterval), ctx))
}

// runOnce invokes body, converting a panic into an error so Run's retry loop
// can treat a crash exactly like any other failure.
func runOnce(ctx context.Context, body func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("actor panicked: %v", r)
		}
	}()
	return body(ctx)
}
