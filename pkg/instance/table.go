// Package instance implements the Instance Table & state machine
// (spec.md §4.2): instance creation, registration token issuance and
// validation, the allowed state transitions, deadline sweeps, and the
// observable side effects (Event Sink rows, Monitor Registry fan-out,
// scratch directory cleanup) each transition triggers.
//
// A Table is not internally synchronized: spec.md §5 and the
// supervisor's command-channel event loop are what serialize access,
// the same way the teacher's single manager goroutine owns cluster
// state in pkg/manager/manager.go. Token issuance is grounded on
// pkg/manager/token.go's crypto/rand + hex pattern, simplified since an
// instance's token is single-use and never needs listing or revocation
// independent of the instance it was issued for.
package instance

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ridersdiscount/bend/pkg/log"
	"github.com/ridersdiscount/bend/pkg/metrics"
	"github.com/ridersdiscount/bend/pkg/monitor"
	"github.com/ridersdiscount/bend/pkg/procwatch"
	"github.com/ridersdiscount/bend/pkg/syslogparser"
	"github.com/ridersdiscount/bend/pkg/types"
	"github.com/ridersdiscount/bend/pkg/wire"
)

// EventSink is the append-only recorder the Instance Table writes
// lifecycle rows to (spec.md §1 treats the concrete sink, sqlite here,
// as an opaque collaborator).
type EventSink interface {
	RecordStarted(id int64, name string, started time.Time) error
	RecordFinished(id int64, exitCode int, finished time.Time) error
}

var idCounter int64

func nextID() int64 {
	return atomic.AddInt64(&idCounter, 1)
}

func newToken() (string, error) {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("instance: generating token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Table owns every Instance, indexed by id and, for the singleton-run
// invariant, by worker name.
type Table struct {
	deadlines types.Deadlines
	sink      EventSink
	monitor   *monitor.Registry
	tmpPrefix string

	instances        map[int64]*types.Instance
	byName           map[string]int64
	peers            map[int64]*wire.Peer
	terminatingSince map[int64]time.Time
}

// New constructs an empty Table. tmpPrefix is the root directory under
// which each instance gets a scratch directory (spec.md §4.2 "On
// leaving the running set, scratch directories are removed").
func New(deadlines types.Deadlines, sink EventSink, registry *monitor.Registry, tmpPrefix string) *Table {
	return &Table{
		deadlines:        deadlines,
		sink:             sink,
		monitor:          registry,
		tmpPrefix:        tmpPrefix,
		instances:        make(map[int64]*types.Instance),
		byName:           make(map[string]int64),
		peers:            make(map[int64]*wire.Peer),
		terminatingSince: make(map[int64]time.Time),
	}
}

// Get returns a snapshot copy of instance id.
func (t *Table) Get(id int64) (types.Instance, bool) {
	inst, ok := t.instances[id]
	if !ok {
		return types.Instance{}, false
	}
	return *inst, true
}

// List returns a snapshot of every tracked instance.
func (t *Table) List() []types.Instance {
	out := make([]types.Instance, 0, len(t.instances))
	for _, inst := range t.instances {
		out = append(out, *inst)
	}
	return out
}

// Snapshot implements monitor.StateProvider: the catch-up payload a
// fresh subscription receives.
func (t *Table) Snapshot(target types.SubscriptionTarget) []types.Instance {
	switch target.Kind {
	case types.TargetInstance:
		if inst, ok := t.instances[target.InstanceID]; ok {
			return []types.Instance{*inst}
		}
		return nil
	case types.TargetWorker:
		var out []types.Instance
		for _, inst := range t.instances {
			if inst.Name == target.Name {
				out = append(out, *inst)
			}
		}
		return out
	default:
		return t.List()
	}
}

// Run creates a new instance of desc in STARTING, unless one is already
// non-terminal (spec.md §4.2 tie-break: AlreadyRunning{existing_id}).
// The caller is responsible for actually spawning the child process and
// recording its pid via SetPID.
func (t *Table) Run(ctx context.Context, desc types.WorkerDescriptor, args []string, debug bool) (types.Instance, error) {
	if existingID, ok := t.byName[desc.Name]; ok {
		return types.Instance{}, &wire.AlreadyRunning{ExistingID: existingID}
	}

	token, err := newToken()
	if err != nil {
		return types.Instance{}, err
	}

	now := time.Now()
	inst := &types.Instance{
		ID:      nextID(),
		Name:    desc.Name,
		Args:    args,
		Debug:   debug,
		State:   types.StateStarting,
		Started: now,
		Token:   token,
	}
	t.instances[inst.ID] = inst
	t.byName[inst.Name] = inst.ID

	if err := t.sink.RecordStarted(inst.ID, inst.Name, now); err != nil {
		log.Logger.Warn().Err(err).Int64("instance_id", inst.ID).Msg("event sink record-started failed")
	}
	metrics.RunsTotal.WithLabelValues("accepted").Inc()
	t.monitor.BroadcastState(ctx, *inst, inst.Name)

	return *inst, nil
}

// Peer returns the worker-side capability registered for id, if any.
// Used by the Supervisor Core to invoke set_update_interval on realtime
// switchover (spec.md §4.3).
func (t *Table) Peer(id int64) (*wire.Peer, bool) {
	p, ok := t.peers[id]
	return p, ok
}

// SetPID records the OS pid the supervisor's own exec assigned to the
// instance's Worker Runtime process, before it has registered.
func (t *Table) SetPID(id int64, pid int) error {
	inst, ok := t.instances[id]
	if !ok {
		return wire.ErrUnknownInstance
	}
	inst.PID = pid
	return nil
}

// Register matches a Worker Runtime's registration against a tracked
// STARTING instance by (name, token). A mismatch is rejected with
// ErrTerminateProcess, which the caller propagates back to the Worker
// Runtime as a directive to exit (spec.md §4.2).
func (t *Table) Register(ctx context.Context, name, token string, pid int, peer *wire.Peer) (types.Instance, error) {
	id, ok := t.byName[name]
	if !ok {
		return types.Instance{}, wire.ErrTerminateProcess
	}
	inst, ok := t.instances[id]
	if !ok || inst.State != types.StateStarting || inst.Token != token {
		return types.Instance{}, wire.ErrTerminateProcess
	}

	inst.State = types.StateWorking
	inst.PID = pid
	inst.Registered = time.Now()
	inst.Updated = inst.Registered
	inst.Handle = types.PeerRef(peer.Ref())
	t.peers[id] = peer

	t.monitor.BroadcastState(ctx, *inst, inst.Name)
	return *inst, nil
}

// Update applies a heartbeat: refreshes Updated, extracts progress from
// the stdlog buffer if present, and relays raw buffers to REALTIME
// subscribers immediately. A parse failure leaves Progress untouched
// and is returned to the caller, but does not block the realtime relay
// (spec.md §4.5).
func (t *Table) Update(ctx context.Context, id int64, buffers types.Buffers) error {
	inst, ok := t.instances[id]
	if !ok {
		return wire.ErrUnknownInstance
	}
	if inst.State != types.StateWorking {
		return wire.ErrNotRegistered
	}
	inst.Updated = time.Now()

	var parseErr error
	if stdlog := buffers[types.Stdlog]; len(stdlog) > 0 {
		if p, err := syslogparser.ExtractProgress(stdlog); err == nil {
			inst.Progress = p
		} else {
			parseErr = wire.ErrParseError
		}
	}

	if t.monitor.IsRealtime(id) {
		t.monitor.BroadcastRealtime(ctx, inst.Name, id, inst.Progress, buffers)
	}
	return parseErr
}

// Finish moves a WORKING (or already-TERMINATING) instance to FINISHED
// on the Worker Runtime's finish() call. exitCode arrives already decoded
// by the Worker Runtime (negative for death by signal) and is stored as
// given.
func (t *Table) Finish(ctx context.Context, id int64, exitCode int) error {
	inst, ok := t.instances[id]
	if !ok {
		return wire.ErrUnknownInstance
	}
	if inst.State != types.StateWorking && inst.State != types.StateTerminating {
		return fmt.Errorf("instance: finish rejected from state %s", inst.State)
	}

	inst.State = types.StateFinished
	inst.Finished = time.Now()
	inst.ExitCode = exitCode

	if err := t.sink.RecordFinished(inst.ID, inst.ExitCode, inst.Finished); err != nil {
		log.Logger.Warn().Err(err).Int64("instance_id", id).Msg("event sink record-finished failed")
	}
	t.monitor.BroadcastState(ctx, *inst, inst.Name)
	return nil
}

// Terminate moves a STARTING or WORKING instance to TERMINATING,
// invoking the worker's terminate RPC if it has already registered, or
// signaling the OS process directly otherwise.
func (t *Table) Terminate(ctx context.Context, id int64, reason string) error {
	inst, ok := t.instances[id]
	if !ok {
		return wire.ErrUnknownInstance
	}
	if inst.State != types.StateStarting && inst.State != types.StateWorking {
		return fmt.Errorf("instance: terminate rejected from state %s", inst.State)
	}

	inst.State = types.StateTerminating
	t.terminatingSince[id] = time.Now()
	metrics.TerminationsTotal.WithLabelValues(reason).Inc()

	if peer, ok := t.peers[id]; ok {
		if _, err := peer.Invoke(ctx, "terminate", nil); err != nil {
			log.Logger.Debug().Err(err).Int64("instance_id", id).Msg("terminate RPC failed, falling back to signal")
			t.signalTerm(inst)
		}
	} else {
		t.signalTerm(inst)
	}

	t.monitor.BroadcastState(ctx, *inst, inst.Name)
	return nil
}

func (t *Table) signalTerm(inst *types.Instance) {
	if inst.PID > 0 {
		_ = procwatch.Signal(inst.PID, syscall.SIGTERM)
	}
}

// SweepStartDeadlines terminates STARTING instances that have exceeded
// the start deadline without registering.
func (t *Table) SweepStartDeadlines(ctx context.Context) {
	now := time.Now()
	for id, inst := range t.instances {
		if inst.State == types.StateStarting && now.Sub(inst.Started) > t.deadlines.Start {
			_ = t.Terminate(ctx, id, "start_deadline")
		}
	}
}

// SweepWorkDeadlines terminates WORKING instances whose last update
// predates the work deadline.
func (t *Table) SweepWorkDeadlines(ctx context.Context) {
	now := time.Now()
	for id, inst := range t.instances {
		if inst.State == types.StateWorking && now.Sub(inst.Updated) > t.deadlines.Work {
			_ = t.Terminate(ctx, id, "work_deadline")
		}
	}
}

// SweepFinishing reaps FINISHED instances whose pid has actually gone
// away, moving them to NOT_RUNNING, and escalates to SIGKILL once the
// finish_kill deadline elapses.
func (t *Table) SweepFinishing(ctx context.Context) {
	now := time.Now()
	for id, inst := range t.instances {
		if inst.State != types.StateFinished {
			continue
		}
		if !procwatch.Alive(inst.PID) {
			t.reap(ctx, id, inst)
			continue
		}
		if now.Sub(inst.Finished) > t.deadlines.FinishKill {
			_ = procwatch.Signal(inst.PID, syscall.SIGKILL)
		}
	}
}

// SweepTerminating reaps TERMINATING instances whose pid has gone away
// (TERMINATED -> NOT_RUNNING), and escalates to SIGKILL once the
// term_kill deadline elapses.
func (t *Table) SweepTerminating(ctx context.Context) {
	now := time.Now()
	for id, inst := range t.instances {
		if inst.State != types.StateTerminating {
			continue
		}
		if !procwatch.Alive(inst.PID) {
			inst.State = types.StateTerminated
			inst.Terminated = now
			t.monitor.BroadcastState(ctx, *inst, inst.Name)
			t.reap(ctx, id, inst)
			continue
		}
		if since, ok := t.terminatingSince[id]; ok && now.Sub(since) > t.deadlines.TermKill {
			_ = procwatch.Signal(inst.PID, syscall.SIGKILL)
		}
	}
}

// reap finalizes an instance leaving the running set: NOT_RUNNING
// transition, scratch directory removal, and bookkeeping cleanup
// (spec.md §4.2 "On leaving the running set, scratch directories are
// removed").
func (t *Table) reap(ctx context.Context, id int64, inst *types.Instance) {
	inst.Reaped = true
	inst.State = types.StateNotRunning
	t.monitor.BroadcastState(ctx, *inst, inst.Name)

	if t.tmpPrefix != "" {
		dir := t.scratchDir(id)
		if err := os.RemoveAll(dir); err != nil {
			log.Logger.Warn().Err(err).Str("dir", dir).Msg("scratch directory removal failed")
		}
	}

	delete(t.instances, id)
	delete(t.peers, id)
	delete(t.terminatingSince, id)
	if t.byName[inst.Name] == id {
		delete(t.byName, inst.Name)
	}
}

// ScratchDir returns (creating if necessary) the scratch directory for
// a newly-starting instance.
func (t *Table) ScratchDir(id int64) (string, error) {
	dir := t.scratchDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("instance: creating scratch dir: %w", err)
	}
	return dir, nil
}

func (t *Table) scratchDir(id int64) string {
	return filepath.Join(t.tmpPrefix, fmt.Sprintf("%d", id))
}
