// Package dispatcher manages worker fan-out over the scan job queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/a11yops/scan-engine/internal/coordinator"
	"github.com/a11yops/scan-engine/internal/metrics"
	"github.com/a11yops/scan-engine/internal/scan"
)

// Config controls Dispatcher behavior.
//   - Workers: number of concurrent claim loops (default 4).
//   - PollInterval: sleep between claim attempts on an empty queue.
//   - StaleClaimAge: claims older than this are released by the sweeper.
//   - StaleSweepInterval: how often the sweeper runs; zero disables it.
type Config struct {
	Workers            int
	PollInterval       time.Duration
	StaleClaimAge      time.Duration
	StaleSweepInterval time.Duration
	WorkerIDPrefix     string
}

// Dispatcher runs a pool of workers that claim jobs from the queue and hand
// them to the coordinator, plus a background sweeper that releases stale
// claims left behind by crashed workers.
type Dispatcher struct {
	queue  scan.JobQueue
	coord  *coordinator.Coordinator
	cfg    Config
	logger *zap.Logger
}

// New creates a Dispatcher.
func New(queue scan.JobQueue, coord *coordinator.Coordinator, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.WorkerIDPrefix == "" {
		cfg.WorkerIDPrefix = "worker"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:  queue,
		coord:  coord,
		cfg:    cfg,
		logger: logger,
	}
}

// Run starts all workers and the stale-claim sweeper, blocking until the
// context finishes and every worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s-%d", d.cfg.WorkerIDPrefix, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.claimLoop(ctx, workerID)
		}()
	}
	if d.cfg.StaleSweepInterval > 0 && d.cfg.StaleClaimAge > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.sweepLoop(ctx)
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) claimLoop(ctx context.Context, workerID string) {
	logger := d.logger.With(zap.String("worker_id", workerID))
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := d.queue.Claim(ctx, workerID)
		if err != nil {
			if errors.Is(err, scan.ErrNoJob) {
				metrics.ObserveClaimMiss()
				d.sleep(ctx, d.cfg.PollInterval)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			logger.Error("claim failed", zap.Error(err))
			d.sleep(ctx, d.cfg.PollInterval)
			continue
		}

		logger.Debug("claimed job",
			zap.String("job_id", job.ID),
			zap.String("scan_id", job.ScanID),
			zap.Int("attempt", job.Attempts),
		)
		metrics.IncActiveWorkers()
		d.coord.Execute(ctx, job)
		metrics.DecActiveWorkers()
	}
}

func (d *Dispatcher) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.StaleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released, err := d.queue.ReleaseStale(ctx, d.cfg.StaleClaimAge)
			if err != nil {
				d.logger.Error("stale claim sweep failed", zap.Error(err))
				continue
			}
			if released > 0 {
				d.logger.Warn("released stale claims", zap.Int("count", released))
			}
		}
	}
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
