package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sendolabs/custody-engine/internal/domain"
	"github.com/sendolabs/custody-engine/internal/observability"
	"github.com/sendolabs/custody-engine/internal/service"
)

// SweepWorker runs the scheduled sweep cycle in the configured mode.
type SweepWorker struct {
	svc      *service.SweepService
	mode     string
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewSweepWorker constructs a worker; mode is fixed at startup.
func NewSweepWorker(svc *service.SweepService, mode string) *SweepWorker {
	return &SweepWorker{
		svc:      svc,
		mode:     mode,
		interval: 6 * time.Hour,
		stopCh:   make(chan struct{}),
	}
}

// WithInterval updates the run interval.
func (w *SweepWorker) WithInterval(interval time.Duration) *SweepWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

// Start blocks and runs sweep cycles at the configured interval. In
// disabled mode it returns immediately; manual triggers stay available.
func (w *SweepWorker) Start(ctx context.Context) {
	if w.mode == domain.SweepModeDisabled {
		zap.L().Info("sweep worker disabled by configuration")
		return
	}
	zap.L().Info("sweep worker starting",
		zap.String("mode", w.mode),
		zap.Duration("interval", w.interval))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("sweep worker context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("sweep worker stop signal received")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// Stop stops the running worker loop.
func (w *SweepWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// Run starts the worker in a goroutine and returns a stop function.
func (w *SweepWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

func (w *SweepWorker) runOnce(ctx context.Context) {
	var (
		results []service.SweepResult
		err     error
	)
	if w.mode == domain.SweepModeSmart {
		results, err = w.svc.SmartSweep(ctx)
	} else {
		results, err = w.svc.CheckAndSweep(ctx)
	}
	if err != nil {
		observability.IncrementWorkerRun("sweep", "failed")
		zap.L().Error("sweep cycle failed", zap.Error(err))
		return
	}

	var swept int
	for _, r := range results {
		if r.Swept {
			swept++
		}
	}
	observability.IncrementWorkerRun("sweep", "success")
	zap.L().Info("sweep cycle finished",
		zap.String("mode", w.mode),
		zap.Int("attempted", len(results)),
		zap.Int("swept", swept))
}
