package deploy

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/erd2dataverse/pkg/schema"
)

// waitForEntities polls every new table concurrently until its metadata is
// readable. A table that is still not visible after the timeout only
// produces a warning; the deployment continues optimistically.
func (r *run) waitForEntities(ctx context.Context, created []schema.EntityDefinition) error {
	if len(created) == 0 {
		return nil
	}
	if err := r.checkStop(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range created {
		g.Go(func() error {
			return r.pollEntity(gctx, e.LogicalName)
		})
	}
	return g.Wait()
}

// pollEntity returns nil when the table is ready or the timeout passed, and
// an error only when ctx is done. Elapsed time is counted in poll intervals
// so a replaced Sleep keeps the same number of attempts.
func (r *run) pollEntity(ctx context.Context, logicalName string) error {
	interval := r.o.config.ReadinessInterval
	timeout := r.o.config.ReadinessTimeout

	var waited time.Duration
	for {
		ok, err := r.api.EntityExists(ctx, logicalName)
		if err == nil && ok {
			r.logger.Debug("Entity ready",
				zap.String("entity", logicalName),
				zap.Duration("waited", waited))
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if waited >= timeout {
			r.logger.Warn("Entity not ready before timeout, continuing",
				zap.String("entity", logicalName),
				zap.Duration("timeout", timeout),
				zap.Error(err))
			r.addWarning("entity %s was not confirmed ready after %s", logicalName, timeout)
			return nil
		}
		if err := r.o.config.Sleep(ctx, interval); err != nil {
			return err
		}
		waited += interval
	}
}
