package server

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeperRunOnce(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	metrics := NewMetrics()
	s := NewSweeper(time.Minute, func() time.Time { return now }, metrics, discardLogger())

	var seen time.Time
	require.NoError(t, s.Register("nonces", func(_ context.Context, at time.Time) (int, error) {
		seen = at
		return 3, nil
	}))
	require.NoError(t, s.Register("broken", func(context.Context, time.Time) (int, error) {
		return 0, errors.New("store offline")
	}))
	require.NoError(t, s.Register("panicky", func(context.Context, time.Time) (int, error) {
		panic("boom")
	}))

	s.RunOnce()
	s.RunOnce()

	assert.Equal(t, now, seen)
	assert.Equal(t, 6.0, testutil.ToFloat64(metrics.Swept.WithLabelValues("nonces")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.Swept.WithLabelValues("broken")))
	for _, task := range s.tasks {
		assert.EqualValues(t, 2, task.ExecTimes, task.name)
	}
}

func TestSweeperRejectsDuplicateTask(t *testing.T) {
	s := NewSweeper(time.Minute, nil, nil, discardLogger())
	noop := func(context.Context, time.Time) (int, error) { return 0, nil }

	require.NoError(t, s.Register("sessions", noop))
	err := s.Register("sessions", noop)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "duplicate"))
}

func TestSweeperStartStop(t *testing.T) {
	s := NewSweeper(0, nil, nil, discardLogger())
	assert.Equal(t, "@every "+DefaultSweepInterval.String(), s.schedule)

	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}

func TestMetricsLoginResults(t *testing.T) {
	m := NewMetrics()
	m.LoginStarted("sso_login", nil)
	m.LoginStarted("sso_login", errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.LoginsStarted.WithLabelValues("sso_login", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LoginsStarted.WithLabelValues("sso_login", "error")))
}
