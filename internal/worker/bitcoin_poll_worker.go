package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sendolabs/custody-engine/internal/observability"
	"github.com/sendolabs/custody-engine/internal/service"
)

// BitcoinPollWorker drives the Bitcoin deposit detection loop on a fixed
// timer, independent of the EVM event subscription.
type BitcoinPollWorker struct {
	svc      *service.MonitorService
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewBitcoinPollWorker constructs a worker with a default one-minute poll.
func NewBitcoinPollWorker(svc *service.MonitorService) *BitcoinPollWorker {
	return &BitcoinPollWorker{
		svc:      svc,
		interval: time.Minute,
		stopCh:   make(chan struct{}),
	}
}

// WithInterval updates the poll interval.
func (w *BitcoinPollWorker) WithInterval(interval time.Duration) *BitcoinPollWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

// Start blocks and polls at the configured interval.
func (w *BitcoinPollWorker) Start(ctx context.Context) {
	zap.L().Info("bitcoin poll worker starting", zap.Duration("interval", w.interval))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Run once immediately at startup.
	w.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("bitcoin poll worker context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("bitcoin poll worker stop signal received")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// Stop stops the running worker loop.
func (w *BitcoinPollWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// Run starts the worker in a goroutine and returns a stop function.
func (w *BitcoinPollWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

func (w *BitcoinPollWorker) runOnce(ctx context.Context) {
	if err := w.svc.PollBitcoinOnce(ctx); err != nil {
		observability.IncrementWorkerRun("bitcoin_poll", "failed")
		zap.L().Error("bitcoin poll run failed", zap.Error(err))
		return
	}
	observability.IncrementWorkerRun("bitcoin_poll", "success")
}
