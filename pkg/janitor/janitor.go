// Package janitor runs scheduled maintenance: purging expired personal
// access tokens and keeping the active-token gauge fresh.
package janitor

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mlflow-oidc/gatekeeper/pkg/observability"
	"github.com/mlflow-oidc/gatekeeper/pkg/store"
)

// DefaultSchedule purges once an hour.
const DefaultSchedule = "@hourly"

// Janitor owns the maintenance cron.
type Janitor struct {
	store   *store.Store
	logger  *observability.Logger
	metrics *observability.Metrics
	cron    *cron.Cron
}

// New builds a Janitor. Start must be called to begin the schedule.
func New(st *store.Store, logger *observability.Logger, metrics *observability.Metrics) *Janitor {
	return &Janitor{
		store:   st,
		logger:  logger,
		metrics: metrics,
		cron:    cron.New(),
	}
}

// Start registers the purge job on the given cron schedule and starts
// the scheduler. It runs one purge immediately so restarts do not defer
// cleanup by a full interval.
func (j *Janitor) Start(ctx context.Context, schedule string) error {
	if _, err := j.cron.AddFunc(schedule, func() {
		j.RunOnce(ctx)
	}); err != nil {
		return err
	}
	j.cron.Start()
	j.RunOnce(ctx)
	return nil
}

// Stop halts the scheduler and waits for a running job to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// RunOnce performs a single maintenance pass.
func (j *Janitor) RunOnce(ctx context.Context) {
	now := time.Now().UTC()

	purged, err := j.store.PurgeExpiredTokens(ctx, now)
	if err != nil {
		j.logger.WithError(err).Error("token purge failed")
	} else if purged > 0 {
		j.logger.WithField("purged", purged).Info("purged expired access tokens")
	}

	active, err := j.store.CountActiveTokens(ctx, now)
	if err != nil {
		j.logger.WithError(err).Error("token count failed")
		return
	}
	j.metrics.AccessTokensActive.Set(float64(active))
}
