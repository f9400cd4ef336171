// Package vmm ties the acquisition backend, translator, page caches,
// process table, and worker pool together behind a single Context,
// constructed once and torn down deterministically.
package vmm

import (
	"context"
	"fmt"
	"log"
	"time"

	"memvmm/internal/device"
	"memvmm/internal/model"
	"memvmm/internal/pagecache"
	"memvmm/internal/proctable"
	"memvmm/internal/scatterio"
	"memvmm/internal/semmap"
	"memvmm/internal/workerpool"
)

// Context is the engine's global handle: every cache, table, and pool a
// caller needs lives here, constructed once and torn down with Close.
type Context struct {
	cfg Config

	Dev        device.Backend
	Translator model.Translator

	Phys   *pagecache.Table
	TLB    *pagecache.Table
	Paging *pagecache.Table

	Pipeline *scatterio.Pipeline

	Processes *proctable.Table
	Pool      *workerpool.Pool

	System *semmap.SystemMaps

	Logger *log.Logger
}

// New constructs a Context over the given acquisition backend and
// translator. logger may be nil, in which case log.Default() is used —
// the Context never reaches for a package-level logging global itself.
func New(cfg Config, dev device.Backend, translator model.Translator, logger *log.Logger) (*Context, error) {
	if dev == nil {
		return nil, fmt.Errorf("vmm: New: device.Backend must not be nil")
	}
	if translator == nil {
		return nil, fmt.Errorf("vmm: New: model.Translator must not be nil")
	}
	if logger == nil {
		logger = log.Default()
	}

	c := &Context{
		cfg:        cfg,
		Dev:        dev,
		Translator: translator,
		Phys:       pagecache.New(pagecache.PHYS, int64(cfg.PhysCacheEntries)),
		TLB:        pagecache.New(pagecache.TLB, int64(cfg.TLBCacheEntries)),
		Paging:     pagecache.New(pagecache.PAGING, int64(cfg.PagingCacheEntries)),
		Processes:  proctable.New(cfg.ProcessTableCapacity),
		Pool:       workerpool.New(cfg.WorkerPoolSize, cfg.WorkerQueueCapacity),
		System:     semmap.NewSystemMaps(),
		Logger:     logger,
	}
	c.Pipeline = scatterio.New(c.Phys, c.TLB, c.Paging, dev, logger)
	c.Processes.TokenInitializer = c.initOneToken
	return c, nil
}

// VerifyDTB resolves dtb through the translation/page-cache stack and
// structurally verifies it, for use as proctable.Table.CreateEntry's
// verifyDTB callback.
func (c *Context) VerifyDTB(ctx context.Context, dtb uint64) bool {
	page, ok := c.Pipeline.GetPageTable(ctx, c.Translator, dtb, c.cfg.Is64Bit, false)
	if ok {
		page.Release(c.TLB)
	}
	return ok
}

// ClearTLB clears the TLB page cache and the per-process "spidered"
// flags that gate re-walking a process's page tables, so the next
// access to each process re-walks its page tables from scratch.
func (c *Context) ClearTLB(ctx context.Context) {
	c.TLB.Clear()
	var prev *proctable.Process
	for {
		p, ok := c.Processes.GetNext(ctx, prev, proctable.IncludeTerminated)
		if prev != nil {
			prev.Release()
		}
		if !ok {
			break
		}
		p.SetSpidered(false)
		prev = p
	}
}

// initOneToken is the default per-process token initializer wired into
// proctable.Table.TokenInitializer for GetNext(ForceTokenInit) callers.
// It is a stand-in for OS-specific SID/session recovery, which this
// engine leaves to an external collaborator; it only demonstrates the
// batched/parallel plumbing proctable expects.
func (c *Context) initOneToken(ctx context.Context, p *proctable.Process) {
	p.Token.Get(func() (proctable.Token, error) {
		return proctable.Token{Valid: true, SessionID: 0}, nil
	})
}

// RefreshTokens runs proctable's batched token initialization over every
// process that hasn't been initialized yet, fanning the per-process work
// out with workerpool.ParallelForEach on goroutines of its own, at most
// as many as the worker pool's size; the pool's workers do not run it.
func (c *Context) RefreshTokens(ctx context.Context) {
	c.Processes.InitializeTokens(ctx, func(ctx context.Context, pending []*proctable.Process) {
		workerpool.ParallelForEach(ctx, pending, c.Pool.Stats().Size, func(ctx context.Context, p *proctable.Process) error {
			c.initOneToken(ctx, p)
			return nil
		})
	})
}

// Stats aggregates counters from every sub-component for the
// diagnostics endpoint.
type Stats struct {
	Phys      pagecache.Stats
	TLB       pagecache.Stats
	Paging    pagecache.Stats
	IO        scatterio.Stats
	Pool      workerpool.Stats
	Processes int
}

// Stats returns a snapshot of every sub-component's counters.
func (c *Context) Stats() Stats {
	return Stats{
		Phys:      c.Phys.Stats(),
		TLB:       c.TLB.Stats(),
		Paging:    c.Paging.Stats(),
		IO:        c.Pipeline.Stats(),
		Pool:      c.Pool.Stats(),
		Processes: c.Processes.Count(),
	}
}

// Close shuts down the worker pool and releases the page caches and
// translator. It is safe to call once; a second call is a no-op beyond
// re-running the same teardown steps.
func (c *Context) Close() error {
	var firstErr error
	if err := c.Pool.Shutdown(c.shutdownTimeout()); err != nil && firstErr == nil {
		firstErr = err
	}
	c.Phys.Close()
	c.TLB.Close()
	c.Paging.Close()
	if err := c.Translator.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (c *Context) shutdownTimeout() time.Duration {
	if c.cfg.ShutdownTimeout <= 0 {
		return 5 * time.Second
	}
	return c.cfg.ShutdownTimeout
}
