package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tenantgate/pkg/storage"
)

// PlanCounter reports how many workspaces are on each plan
type PlanCounter interface {
	CountWorkspacesByPlan(ctx context.Context) (map[storage.Plan]int, error)
}

// PlanGaugeRefresher periodically copies plan counts into the workspace gauge
type PlanGaugeRefresher struct {
	counter PlanCounter
	metrics *Metrics
	logger  logrus.FieldLogger
	cron    *cron.Cron
	timeout time.Duration
}

// NewPlanGaugeRefresher schedules the refresh with a cron spec such as "@every 1m"
func NewPlanGaugeRefresher(counter PlanCounter, metrics *Metrics, schedule string, logger logrus.FieldLogger) (*PlanGaugeRefresher, error) {
	r := &PlanGaugeRefresher{
		counter: counter,
		metrics: metrics,
		logger:  logger,
		cron:    cron.New(),
		timeout: 10 * time.Second,
	}
	if _, err := r.cron.AddFunc(schedule, r.run); err != nil {
		return nil, fmt.Errorf("invalid plan gauge schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Start refreshes once and then on schedule
func (r *PlanGaugeRefresher) Start() {
	r.run()
	r.cron.Start()
}

// Stop waits for a running refresh to finish or ctx to expire
func (r *PlanGaugeRefresher) Stop(ctx context.Context) error {
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *PlanGaugeRefresher) run() {
	defer RecoverPanic(r.logger, "plan gauge refresh")

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.Refresh(ctx); err != nil {
		r.logger.WithError(err).Warn("failed to refresh workspace plan gauge")
	}
}

// Refresh updates the gauge immediately
func (r *PlanGaugeRefresher) Refresh(ctx context.Context) error {
	counts, err := r.counter.CountWorkspacesByPlan(ctx)
	if err != nil {
		return err
	}
	r.metrics.SetWorkspacesByPlan(counts)
	return nil
}
