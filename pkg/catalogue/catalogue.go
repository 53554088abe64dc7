// Package catalogue keeps the set of known Worker Descriptors current by
// periodically (and on demand) walking a backing directory tree, and
// publishing added/modified/removed events to the Supervisor Core
// (spec.md §4.1). Loop shape grounded on pkg/reconciler/reconciler.go's
// ticker-driven Start/Stop/run; robfig/cron replaces the teacher's bare
// time.Ticker so the scan cadence is a configurable schedule expression
// rather than a fixed interval.
package catalogue

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ridersdiscount/bend/pkg/log"
	"github.com/ridersdiscount/bend/pkg/metrics"
	"github.com/ridersdiscount/bend/pkg/types"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// EventKind distinguishes the three events the catalogue emits.
type EventKind int

const (
	Added EventKind = iota
	Modified
	Removed
)

// Event is published to the Supervisor Core on every scan that changes
// the published set.
type Event struct {
	Kind EventKind
	Name string
}

// nameGrammar matches spec.md §3.1: dot-separated identifier, each
// segment starting alphanumeric and continuing alphanumeric/underscore.
var nameGrammar = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_]*(\.[A-Za-z0-9][A-Za-z0-9_]*)*$`)

// ValidName reports whether name satisfies the catalogue's name grammar.
func ValidName(name string) bool {
	return name != "" && nameGrammar.MatchString(name)
}

// declarativeFile is the on-disk shape of a declarative descriptor: a
// YAML file naming a literal command string. The loader that produces
// it from disk is out of scope (spec.md §1 Non-goals); the catalogue
// only consumes the resulting WorkerDescriptor.
type declarativeFile struct {
	Title   string `yaml:"title"`
	Desc    string `yaml:"desc"`
	Command string `yaml:"command"`
}

const (
	declarativeSuffix = ".worker.yaml"
	executableEntry   = "run"
)

// Catalogue holds the currently published set of Worker Descriptors and
// periodically reconciles it against RunPrefix.
type Catalogue struct {
	runPrefix string
	cronExpr  string

	mu      sync.RWMutex
	entries map[string]types.WorkerDescriptor

	logger  zerolog.Logger
	events  chan Event
	cron    *cron.Cron
	rescan  chan chan struct{}
	stopped chan struct{}
}

// New constructs a Catalogue rooted at runPrefix, scanning on cronExpr
// (a robfig/cron schedule expression, e.g. "@every 5m").
func New(runPrefix, cronExpr string) *Catalogue {
	return &Catalogue{
		runPrefix: runPrefix,
		cronExpr:  cronExpr,
		entries:   make(map[string]types.WorkerDescriptor),
		logger:    log.WithComponent("catalogue"),
		events:    make(chan Event, 64),
		rescan:    make(chan chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// Events returns the channel the Supervisor Core drains for
// added/modified/removed notifications.
func (c *Catalogue) Events() <-chan Event { return c.events }

// Start performs an initial synchronous scan, then begins the cron-driven
// rescan loop in the background.
func (c *Catalogue) Start() error {
	if err := c.scan(); err != nil {
		c.logger.Error().Err(err).Msg("initial catalogue scan failed")
	}

	c.cron = cron.New()
	if _, err := c.cron.AddFunc(c.cronExpr, c.scanLogged); err != nil {
		return fmt.Errorf("catalogue: bad cron expression %q: %w", c.cronExpr, err)
	}
	c.cron.Start()

	go c.run()
	return nil
}

// Stop halts the cron schedule and the rescan-request loop.
func (c *Catalogue) Stop() {
	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
	close(c.stopped)
}

func (c *Catalogue) run() {
	for {
		select {
		case done := <-c.rescan:
			c.scanLogged()
			close(done)
		case <-c.stopped:
			return
		}
	}
}

func (c *Catalogue) scanLogged() {
	if err := c.scan(); err != nil {
		c.logger.Error().Err(err).Msg("catalogue scan failed; retaining previous set")
	}
}

// Rescan triggers an immediate out-of-band scan and blocks until it
// completes.
func (c *Catalogue) Rescan() {
	done := make(chan struct{})
	select {
	case c.rescan <- done:
		<-done
	case <-c.stopped:
	}
}

// List returns a synchronous snapshot of known worker names.
func (c *Catalogue) List() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	return names
}

// Get returns the descriptor for name, or an error if it's unknown.
func (c *Catalogue) Get(name string) (types.WorkerDescriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.entries[name]
	if !ok {
		return types.WorkerDescriptor{}, fmt.Errorf("catalogue: unknown worker %q", name)
	}
	return d, nil
}

// scan walks runPrefix, loads every valid entry, and diffs the result
// against the currently published set, emitting added/modified/removed
// events for the differences (spec.md §4.1).
func (c *Catalogue) scan() error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CatalogueScanDuration)

	found, err := c.walk()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for name, desc := range found {
		prev, existed := c.entries[name]
		switch {
		case !existed:
			c.entries[name] = desc
			c.publish(Event{Kind: Added, Name: name})
		case !prev.Mtime.Equal(desc.Mtime):
			c.entries[name] = desc
			c.publish(Event{Kind: Modified, Name: name})
		}
	}
	for name := range c.entries {
		if _, ok := found[name]; !ok {
			delete(c.entries, name)
			c.publish(Event{Kind: Removed, Name: name})
		}
	}
	return nil
}

// publish queues events in the buffered channel; once the buffer is
// full it logs a warning and blocks the scan until the Supervisor Core
// drains the channel.
func (c *Catalogue) publish(e Event) {
	select {
	case c.events <- e:
	default:
		c.logger.Warn().Str("name", e.Name).Msg("catalogue event channel full, blocking until drained")
		c.events <- e
	}
}

// walk classifies every directory segment under runPrefix matching the
// name grammar as declarative or executable, and loads its descriptor.
// Executable descriptors shadow declarative ones sharing the same name.
func (c *Catalogue) walk() (map[string]types.WorkerDescriptor, error) {
	entries, err := os.ReadDir(c.runPrefix)
	if err != nil {
		return nil, fmt.Errorf("catalogue: reading %s: %w", c.runPrefix, err)
	}

	declarative := map[string]types.WorkerDescriptor{}
	executable := map[string]types.WorkerDescriptor{}

	for _, entry := range entries {
		fullName := entry.Name()
		if entry.IsDir() {
			if !ValidName(fullName) {
				continue
			}
			runPath := filepath.Join(c.runPrefix, fullName, executableEntry)
			info, err := os.Stat(runPath)
			if err != nil || info.IsDir() {
				continue
			}
			if info.Mode()&0o111 == 0 {
				c.logger.Warn().Str("name", fullName).Msg("run file is not executable, skipping")
				continue
			}
			executable[fullName] = types.WorkerDescriptor{
				Name:  fullName,
				Title: fullName,
				Kind:  types.KindExecutable,
				Path:  runPath,
				Mtime: info.ModTime(),
			}
			continue
		}

		if filepath.Ext(fullName) == "" {
			continue
		}
		name, ok := stripDeclarativeSuffix(fullName)
		if !ok || !ValidName(name) {
			continue
		}
		path := filepath.Join(c.runPrefix, fullName)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		desc, err := loadDeclarative(path, name, info.ModTime())
		if err != nil {
			c.logger.Warn().Err(err).Str("name", name).Msg("invalid declarative descriptor, skipping")
			continue
		}
		declarative[name] = desc
	}

	for name, desc := range executable {
		declarative[name] = desc
	}
	return declarative, nil
}

func stripDeclarativeSuffix(fileName string) (string, bool) {
	if len(fileName) <= len(declarativeSuffix) {
		return "", false
	}
	if fileName[len(fileName)-len(declarativeSuffix):] != declarativeSuffix {
		return "", false
	}
	return fileName[:len(fileName)-len(declarativeSuffix)], true
}

func loadDeclarative(path, name string, mtime time.Time) (types.WorkerDescriptor, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return types.WorkerDescriptor{}, err
	}
	var df declarativeFile
	if err := yaml.Unmarshal(b, &df); err != nil {
		return types.WorkerDescriptor{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	if df.Command == "" {
		return types.WorkerDescriptor{}, fmt.Errorf("%s: missing command", path)
	}
	return types.WorkerDescriptor{
		Name:    name,
		Title:   df.Title,
		Desc:    df.Desc,
		Kind:    types.KindDeclarative,
		Command: df.Command,
		Mtime:   mtime,
	}, nil
}
