// Package maintenance runs the periodic sweeps a long-lived vmm.Context
// needs: TLB-spidered flag clears, page-cache reclaim passes, and
// (optionally) a full process table refresh. A cron.Cron instance drives
// the schedule, with a running-job map that enforces no-overlap
// execution per sweep name.
package maintenance

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"memvmm/internal/vmm"
)

// RefreshFunc performs a full process-table enumeration refresh; it is
// supplied by the caller because walking the live process list is
// OS-specific and left to an external collaborator.
type RefreshFunc func(ctx context.Context, vctx *vmm.Context) error

// Config configures the scheduler's cron expressions. Empty strings
// disable the corresponding sweep.
type Config struct {
	TLBClearCron     string
	CacheReclaimCron string
	ProcessRefresh   string
	ProcessRefreshFn RefreshFunc
	JobTimeout       time.Duration
}

// DefaultConfig runs a TLB clear every 5 minutes and a cache reclaim
// sweep every minute; process refresh is disabled unless the caller
// supplies both a cron expression and a RefreshFunc.
func DefaultConfig() Config {
	return Config{
		TLBClearCron:     "0 */5 * * * *",
		CacheReclaimCron: "0 * * * * *",
		JobTimeout:       time.Minute,
	}
}

// ConfigFromInterval derives a Config whose cache-reclaim sweep runs
// every interval and whose TLB clear runs at five times that period,
// for callers that only want to tune vmm.Config's single
// MaintenanceInterval knob rather than hand-author cron expressions.
// interval <= 0 falls back to DefaultConfig.
func ConfigFromInterval(interval time.Duration) Config {
	if interval <= 0 {
		return DefaultConfig()
	}
	return Config{
		TLBClearCron:     fmt.Sprintf("@every %s", interval*5),
		CacheReclaimCron: fmt.Sprintf("@every %s", interval),
		JobTimeout:       interval,
	}
}

type jobExecution struct {
	startTime time.Time
	cancel    context.CancelFunc
}

// Scheduler drives background maintenance for a vmm.Context.
type Scheduler struct {
	ctx    *vmm.Context
	cfg    Config
	logger *log.Logger

	cron *cron.Cron

	mu      sync.Mutex
	running map[string]*jobExecution
}

// New builds a Scheduler for vctx. logger defaults to vctx.Logger.
func New(vctx *vmm.Context, cfg Config) *Scheduler {
	logger := vctx.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{
		ctx:     vctx,
		cfg:     cfg,
		logger:  logger,
		cron:    cron.New(cron.WithSeconds()),
		running: make(map[string]*jobExecution),
	}
}

// Start registers and starts every configured sweep.
func (s *Scheduler) Start() error {
	if s.cfg.TLBClearCron != "" {
		if _, err := s.cron.AddFunc(s.cfg.TLBClearCron, func() { s.run("tlb-clear", s.sweepTLBClear) }); err != nil {
			return fmt.Errorf("maintenance: schedule tlb-clear: %w", err)
		}
	}
	if s.cfg.CacheReclaimCron != "" {
		if _, err := s.cron.AddFunc(s.cfg.CacheReclaimCron, func() { s.run("cache-reclaim", s.sweepCacheReclaim) }); err != nil {
			return fmt.Errorf("maintenance: schedule cache-reclaim: %w", err)
		}
	}
	if s.cfg.ProcessRefresh != "" && s.cfg.ProcessRefreshFn != nil {
		if _, err := s.cron.AddFunc(s.cfg.ProcessRefresh, func() { s.run("process-refresh", s.sweepProcessRefresh) }); err != nil {
			return fmt.Errorf("maintenance: schedule process-refresh: %w", err)
		}
	}
	s.cron.Start()
	return nil
}

// Stop stops the cron scheduler and waits for sweeps already running to
// return, then cancels the context of any sweep still recorded as
// running.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, exec := range s.running {
		s.logger.Printf("maintenance: canceling in-flight sweep %q", name)
		exec.cancel()
	}
}

func (s *Scheduler) run(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	if _, inFlight := s.running[name]; inFlight {
		s.mu.Unlock()
		s.logger.Printf("maintenance: sweep %q already running, skipping", name)
		return
	}
	timeout := s.cfg.JobTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	s.running[name] = &jobExecution{startTime: time.Now(), cancel: cancel}
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.running, name)
		s.mu.Unlock()
	}()

	if err := fn(ctx); err != nil {
		s.logger.Printf("maintenance: sweep %q failed: %v", name, err)
	}
}

func (s *Scheduler) sweepTLBClear(ctx context.Context) error {
	s.ctx.ClearTLB(ctx)
	return nil
}

func (s *Scheduler) sweepCacheReclaim(ctx context.Context) error {
	s.ctx.Phys.Clear()
	s.ctx.Paging.Clear()
	return nil
}

func (s *Scheduler) sweepProcessRefresh(ctx context.Context) error {
	if s.cfg.ProcessRefreshFn == nil {
		return nil
	}
	return s.cfg.ProcessRefreshFn(ctx, s.ctx)
}
