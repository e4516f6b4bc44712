// Package discovery keeps the service table current: it probes candidate
// hosts from configured address ranges against known service signatures and
// merges in mDNS and SSDP announcements, on a fixed interval and on demand.
package discovery

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/camtun/camtun/internal/config"
	"github.com/camtun/camtun/internal/svctable"
	"github.com/camtun/camtun/internal/util"
)

const diffBacklog = 16 // buffered diffs awaiting the control channel

// Engine runs scan cycles and applies the results to the service table.
type Engine struct {
	cfg   config.Config
	table *svctable.Table
	clk   clock.Clock

	trigger chan struct{}
	diffs   chan svctable.Diff
}

// New creates an engine bound to the given table. clk is injectable for
// tests; pass clock.New() in production.
func New(cfg config.Config, table *svctable.Table, clk clock.Clock) *Engine {
	return &Engine{
		cfg:     cfg,
		table:   table,
		clk:     clk,
		trigger: make(chan struct{}, 1),
		diffs:   make(chan svctable.Diff, diffBacklog),
	}
}

// Diffs returns the channel of non-empty table diffs produced by scan
// cycles, in the order they were applied.
func (e *Engine) Diffs() <-chan svctable.Diff {
	return e.diffs
}

// TriggerScan requests an immediate out-of-schedule scan cycle. Duplicate
// requests while one is already pending are coalesced.
func (e *Engine) TriggerScan() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run executes scan cycles until ctx is cancelled. The first cycle starts
// immediately.
func (e *Engine) Run(ctx context.Context) {
	ticker := e.clk.Ticker(e.cfg.ScanInterval)
	defer ticker.Stop()

	e.cycle(ctx)
	for {
		select {
		case <-ticker.C:
			e.cycle(ctx)
		case <-e.trigger:
			e.cycle(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// cycle runs one scan, applies the diff, and forwards it when non-empty.
func (e *Engine) cycle(ctx context.Context) {
	candidates := e.Scan(ctx)
	if ctx.Err() != nil {
		return
	}
	diff := e.table.Update(candidates)
	if diff.Empty() {
		return
	}
	util.LogInfo("discovery: %d added/changed, %d removed (table now %d services)",
		len(diff.Added), len(diff.Removed), e.table.Len())
	select {
	case e.diffs <- diff:
	case <-ctx.Done():
	}
}

// Scan produces this cycle's candidate set. Probes run with bounded
// concurrency and per-probe timeouts; unreachable hosts are dropped
// silently. The candidate set is not yet diffed against the table.
func (e *Engine) Scan(ctx context.Context) []svctable.Entry {
	var (
		mu         sync.Mutex
		candidates []svctable.Entry
	)
	add := func(entry svctable.Entry) {
		mu.Lock()
		candidates = append(candidates, entry)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.ProbeConcurrency)

	hosts := expandRanges(e.cfg.ScanRanges, e.cfg.MaxProbeHosts)
	for _, host := range hosts {
		for _, spec := range e.cfg.Probes {
			host, spec := host, spec
			g.Go(func() error {
				if entry, ok := probeHost(gctx, host, spec, e.cfg.ProbeTimeout); ok {
					add(entry)
				}
				return nil
			})
		}
	}

	if e.cfg.EnableMDNS {
		g.Go(func() error {
			for _, entry := range browseMDNS(gctx, e.cfg.ProbeTimeout) {
				add(entry)
			}
			return nil
		})
	}
	if e.cfg.EnableSSDP {
		g.Go(func() error {
			for _, entry := range searchSSDP(e.cfg.ProbeTimeout) {
				add(entry)
			}
			return nil
		})
	}

	g.Wait()
	return candidates
}
