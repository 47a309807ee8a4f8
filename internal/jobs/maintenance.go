package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// SessionSweeper evicts sessions idle longer than maxIdle.
type SessionSweeper interface {
	Sweep(maxIdle time.Duration) int
}

// KeyRotator replaces the server key pair once its rotation interval passed.
type KeyRotator interface {
	RotateIfDue(ctx context.Context) (bool, error)
}

// MaintenanceJob runs the periodic housekeeping of a chat server: idle
// session eviction and server key rotation. Both run once on start.
type MaintenanceJob struct {
	sessions SessionSweeper
	keys     KeyRotator
	idle     time.Duration
	interval time.Duration
	done     chan struct{}
}

func NewMaintenanceJob(sessions SessionSweeper, keys KeyRotator, idle, interval time.Duration) *MaintenanceJob {
	return &MaintenanceJob{
		sessions: sessions,
		keys:     keys,
		idle:     idle,
		interval: interval,
		done:     make(chan struct{}),
	}
}

func (j *MaintenanceJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Dur("idleTimeout", j.idle).Msg("maintenance job started")
}

func (j *MaintenanceJob) Stop() {
	close(j.done)
	log.Info().Msg("maintenance job stopped")
}

func (j *MaintenanceJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.maintain()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.maintain()
		}
	}
}

func (j *MaintenanceJob) maintain() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	j.runTask(ctx, "idle sessions", func(context.Context) (int64, error) {
		return int64(j.sessions.Sweep(j.idle)), nil
	})
	j.runTask(ctx, "server key", func(ctx context.Context) (int64, error) {
		rotated, err := j.keys.RotateIfDue(ctx)
		if rotated {
			return 1, err
		}
		return 0, err
	})
}

func (j *MaintenanceJob) runTask(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("maintenance of %s failed", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msgf("maintained %s", name)
	}
}
