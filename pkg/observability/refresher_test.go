package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tenantgate/pkg/storage"
)

var _ PlanCounter = (*storage.MemoryDirectory)(nil)

type stubCounter struct {
	counts map[storage.Plan]int
	err    error
	panics bool
}

func (s *stubCounter) CountWorkspacesByPlan(ctx context.Context) (map[storage.Plan]int, error) {
	if s.panics {
		panic("boom")
	}
	return s.counts, s.err
}

func TestPlanGaugeRefresher(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	logger, hook := test.NewNullLogger()
	counter := &stubCounter{counts: map[storage.Plan]int{storage.PlanFree: 3, storage.PlanPro: 1}}

	r, err := NewPlanGaugeRefresher(counter, metrics, "@every 1h", logger)
	require.NoError(t, err)
	r.Start()
	defer r.Stop(context.Background())

	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.WorkspacesByPlan.WithLabelValues("free")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.WorkspacesByPlan.WithLabelValues("pro")))

	counter.err = errors.New("db down")
	r.run()
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.WorkspacesByPlan.WithLabelValues("free")), "gauge keeps last good value")

	counter.panics = true
	assert.NotPanics(t, r.run)
	assert.Equal(t, "PANIC recovered", hook.LastEntry().Message)
}

func TestPlanGaugeRefresher_BadSchedule(t *testing.T) {
	logger, _ := test.NewNullLogger()
	_, err := NewPlanGaugeRefresher(&stubCounter{}, NewMetrics(prometheus.NewRegistry()), "whenever", logger)
	assert.Error(t, err)
}
