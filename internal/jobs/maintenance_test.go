package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type mockSweeper struct {
	calls   atomic.Int32
	maxIdle atomic.Int64
	evicted int
}

func (m *mockSweeper) Sweep(maxIdle time.Duration) int {
	m.calls.Add(1)
	m.maxIdle.Store(int64(maxIdle))
	return m.evicted
}

type mockRotator struct {
	calls atomic.Int32
	err   error
}

func (m *mockRotator) RotateIfDue(ctx context.Context) (bool, error) {
	m.calls.Add(1)
	if m.err != nil {
		return false, m.err
	}
	return true, nil
}

func TestMaintenanceJob(t *testing.T) {
	t.Run("runs once on start", func(t *testing.T) {
		sweeper := &mockSweeper{evicted: 2}
		rotator := &mockRotator{}
		job := NewMaintenanceJob(sweeper, rotator, time.Hour, time.Hour)

		job.Start()
		defer job.Stop()

		assert.Eventually(t, func() bool {
			return sweeper.calls.Load() == 1 && rotator.calls.Load() == 1
		}, time.Second, 10*time.Millisecond)
		assert.Equal(t, int64(time.Hour), sweeper.maxIdle.Load())
	})

	t.Run("repeats on interval", func(t *testing.T) {
		sweeper := &mockSweeper{}
		rotator := &mockRotator{}
		job := NewMaintenanceJob(sweeper, rotator, time.Minute, 10*time.Millisecond)

		job.Start()
		defer job.Stop()

		assert.Eventually(t, func() bool {
			return sweeper.calls.Load() >= 3 && rotator.calls.Load() >= 3
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("rotation failure does not stop sweeping", func(t *testing.T) {
		sweeper := &mockSweeper{}
		rotator := &mockRotator{err: errors.New("database unavailable")}
		job := NewMaintenanceJob(sweeper, rotator, time.Minute, 10*time.Millisecond)

		job.Start()
		defer job.Stop()

		assert.Eventually(t, func() bool {
			return sweeper.calls.Load() >= 2
		}, time.Second, 5*time.Millisecond)
	})
}
