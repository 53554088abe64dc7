// Package supervisor implements the Supervisor Core (spec.md §4.6): the
// long-running daemon that owns the Instance Table and Monitor Registry,
// binds the network client endpoint and the local worker endpoint, spawns
// Worker Runtime processes on run(), and drives the periodic deadline
// sweeps and progress broadcast.
//
// Concurrency model grounded on spec.md §5's single-threaded cooperative
// event loop: every Instance Table mutation is funneled through one
// goroutine via a command channel, since pkg/instance.Table itself holds
// no lock of its own (the same role pkg/manager/fsm.go's single
// Apply(*raft.Log) call plays for the teacher's cluster state, with the
// replicated Raft log replaced by a local channel since spec.md's
// Non-goals exclude multi-node clustering). pkg/monitor.Registry is
// already internally synchronized and may be called from any goroutine.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/ridersdiscount/bend/pkg/catalogue"
	"github.com/ridersdiscount/bend/pkg/config"
	"github.com/ridersdiscount/bend/pkg/instance"
	"github.com/ridersdiscount/bend/pkg/log"
	"github.com/ridersdiscount/bend/pkg/monitor"
	"github.com/ridersdiscount/bend/pkg/types"
	"github.com/ridersdiscount/bend/pkg/wire"
	"github.com/robfig/cron/v3"
)

// WorkerLauncher spawns the Worker Runtime process for one instance and
// returns its OS pid. Abstracted so tests can substitute a fake without
// execing a real binary; cmd/supervisord wires the production
// implementation, grounded on cmd/warren/main.go's pattern of the
// manager re-execing a dedicated subcommand for worker-side processes.
type WorkerLauncher interface {
	Launch(desc types.WorkerDescriptor, inst types.Instance, scratchDir string) (pid int, err error)
}

// Core is the Supervisor Core: the process-wide singleton spec.md §9
// calls out explicitly ("construct once at main, hand it to all
// handlers").
type Core struct {
	cfg      config.Config
	table    *instance.Table
	monitor  *monitor.Registry
	cat      *catalogue.Catalogue
	launcher WorkerLauncher

	cmds chan func()
	cron *cron.Cron

	clientSrv *wire.Server
	workerSrv *wire.Server

	stopped chan struct{}
}

// New constructs a Core. Call Run to bind listeners and begin serving.
func New(cfg config.Config, sink instance.EventSink, launcher WorkerLauncher) *Core {
	c := &Core{
		cfg:      cfg,
		cat:      catalogue.New(cfg.RunPrefix, cfg.CatalogueScanCron),
		launcher: launcher,
		cmds:     make(chan func(), 64),
		stopped:  make(chan struct{}),
	}
	c.monitor = monitor.New(nil)
	c.table = instance.New(cfg.Deadlines, sink, c.monitor, cfg.TmpPrefix)
	c.monitor.SetProvider(c.table)
	return c
}

// List returns a snapshot of every tracked instance, satisfying
// pkg/statusapi.InstanceLister. Routed through exec since pkg/instance.
// Table holds no lock of its own.
func (c *Core) List() []types.Instance {
	var out []types.Instance
	c.exec(func() { out = c.table.List() })
	return out
}

// exec submits fn to the single command-loop goroutine and blocks until
// it has run, serializing access to c.table (spec.md §5).
func (c *Core) exec(fn func()) {
	done := make(chan struct{})
	c.cmds <- func() {
		fn()
		close(done)
	}
	<-done
}

// Run binds both endpoints, starts the catalogue and periodic sweeps,
// and blocks until ctx is canceled.
func (c *Core) Run(ctx context.Context) error {
	if err := c.cat.Start(); err != nil {
		return fmt.Errorf("supervisor: starting catalogue: %w", err)
	}

	clientLis, err := net.Listen("tcp", c.cfg.ClientAddr)
	if err != nil {
		return fmt.Errorf("supervisor: binding client endpoint: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.cfg.WorkerSocket), 0o755); err != nil {
		return fmt.Errorf("supervisor: creating worker socket dir: %w", err)
	}
	os.Remove(c.cfg.WorkerSocket)
	workerLis, err := net.Listen("unix", c.cfg.WorkerSocket)
	if err != nil {
		return fmt.Errorf("supervisor: binding worker endpoint: %w", err)
	}

	c.clientSrv = wire.NewServer(clientLis, c.acceptClient)
	c.workerSrv = wire.NewServer(workerLis, c.acceptWorker)

	go c.loop()
	c.startCron()
	go c.relayCatalogueEvents(ctx)

	go func() {
		if err := c.clientSrv.Start(ctx); err != nil {
			log.Logger.Warn().Err(err).Msg("client endpoint accept loop stopped")
		}
	}()
	go func() {
		if err := c.workerSrv.Start(ctx); err != nil {
			log.Logger.Warn().Err(err).Msg("worker endpoint accept loop stopped")
		}
	}()

	<-ctx.Done()
	return c.Stop()
}

// Stop halts the cron schedule, both listeners, and the catalogue, in
// that order, then unblocks the command loop.
func (c *Core) Stop() error {
	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
	var firstErr error
	if c.clientSrv != nil {
		if err := c.clientSrv.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.workerSrv != nil {
		if err := c.workerSrv.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.cat.Stop()
	close(c.stopped)
	return firstErr
}

func (c *Core) loop() {
	for {
		select {
		case fn := <-c.cmds:
			fn()
		case <-c.stopped:
			return
		}
	}
}

// startCron registers the periodic deadline sweeps and progress
// broadcast of spec.md §4.6. Sweep cadence is independent of the
// configured deadlines themselves — a 1s tick is fine resolution against
// deadlines measured in seconds.
func (c *Core) startCron() {
	c.cron = cron.New()
	const everySecond = "@every 1s"
	c.mustAddFunc(everySecond, func() { c.exec(func() { c.table.SweepStartDeadlines(context.Background()) }) })
	c.mustAddFunc(everySecond, func() { c.exec(func() { c.table.SweepWorkDeadlines(context.Background()) }) })
	c.mustAddFunc(everySecond, func() { c.exec(func() { c.table.SweepFinishing(context.Background()) }) })
	c.mustAddFunc(everySecond, func() { c.exec(func() { c.table.SweepTerminating(context.Background()) }) })
	c.mustAddFunc(everySecond, c.broadcastProgress)
	c.cron.Start()
}

func (c *Core) mustAddFunc(spec string, fn func()) {
	if _, err := c.cron.AddFunc(spec, fn); err != nil {
		log.Logger.Error().Err(err).Str("spec", spec).Msg("supervisor: bad cron expression, task disabled")
	}
}

// broadcastProgress re-announces the current progress of every WORKING
// instance at the normal (~1s) cadence, for subscribers that only asked
// for periodic updates rather than every raw buffer.
func (c *Core) broadcastProgress() {
	var snapshot []types.Instance
	c.exec(func() { snapshot = c.table.List() })
	for _, inst := range snapshot {
		if inst.State == types.StateWorking {
			c.monitor.BroadcastProgress(context.Background(), inst.Name, inst.ID, inst.Progress)
		}
	}
}

// relayCatalogueEvents forwards Catalogue add/modify/remove events to
// wildcard monitor subscribers as monitor_modified/monitor_deleted
// (spec.md §4.7). Added events have no corresponding public verb (the
// name only becomes interesting to subscribers once it can run).
func (c *Core) relayCatalogueEvents(ctx context.Context) {
	for {
		select {
		case ev := <-c.cat.Events():
			verb := catalogueVerb(ev.Kind)
			if verb != "" {
				c.monitor.BroadcastCatalogueEvent(ctx, verb, ev.Name)
			}
		case <-ctx.Done():
			return
		}
	}
}

func catalogueVerb(kind catalogue.EventKind) string {
	switch kind {
	case catalogue.Modified:
		return "monitor_modified"
	case catalogue.Removed:
		return "monitor_deleted"
	default:
		return ""
	}
}
