package perp

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jasonlvhit/gocron"
	"go.uber.org/zap"
)

// Scheduler drives the liquidation and funding checks on fixed intervals.
// gocron ticks once a second, so intervals are whole seconds.
type Scheduler struct {
	app         *App
	liquidation time.Duration
	funding     time.Duration

	mu      sync.Mutex
	cron    *gocron.Scheduler
	stop    chan bool
	running bool
}

func newScheduler(app *App, liquidation, funding time.Duration) *Scheduler {
	return &Scheduler{app: app, liquidation: liquidation, funding: funding}
}

func seconds(d time.Duration) uint64 {
	if s := uint64(d / time.Second); s > 0 {
		return s
	}
	return 1
}

// Start registers both jobs and begins ticking. The jobs stop on Stop or
// when ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler already running")
	}

	s.cron = gocron.NewScheduler()
	s.cron.Every(seconds(s.liquidation)).Seconds().Do(s.app.RunLiquidations, ctx)
	s.cron.Every(seconds(s.funding)).Seconds().Do(s.app.RunFunding, ctx)
	s.stop = s.cron.Start()
	s.running = true

	s.app.logger.Info("scheduler_started",
		zap.Duration("liquidation_interval", s.liquidation),
		zap.Duration("funding_check_interval", s.funding),
	)

	go func(stop chan bool) {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stop:
		}
	}(s.stop)
	return nil
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cron.Clear()
	close(s.stop)
	s.running = false
	s.app.logger.Info("scheduler_stopped")
}
