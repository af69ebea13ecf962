package changes

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldsync/fieldsync/internal/clock"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/middleware"
)

// Pruner runs PruneStale on a fixed interval with a retention window.
type Pruner struct {
	detector  *Detector
	interval  time.Duration
	retention time.Duration
	clock     clock.Clock
	logger    *slog.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewPruner(detector *Detector, interval, retention time.Duration, clk clock.Clock, logger *slog.Logger) *Pruner {
	if interval <= 0 {
		interval = time.Hour
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{
		detector:  detector,
		interval:  interval,
		retention: retention,
		clock:     clk,
		logger:    logger,
	}
}

// RunOnce prunes everything last checked before now minus the retention.
func (p *Pruner) RunOnce(ctx context.Context) (int, error) {
	return p.detector.PruneStale(ctx, p.clock.Now().Add(-p.retention))
}

func (p *Pruner) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("pruner already running")
	}
	p.running = true
	p.stopChan = make(chan struct{})

	p.wg.Add(1)
	go p.run(ctx)
	return nil
}

func (p *Pruner) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopChan)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Pruner) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopChan:
			return
		case <-ticker.C:
			tickCtx := middleware.WithRequestID(ctx, uuid.NewString())
			if _, err := p.RunOnce(tickCtx); err != nil {
				p.logger.ErrorContext(tickCtx, "baseline pruning failed", logging.Error(err))
			}
		}
	}
}
