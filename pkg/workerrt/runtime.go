// Package workerrt implements the Worker Runtime (spec.md §4.4): the
// process that runs inside each spawned child, owns the real program's
// stdout/stderr/stdlog streams, and reports lifecycle events back to the
// Supervisor Core over pkg/wire.
//
// Heartbeat/executor ticker-pair shape grounded on
// pkg/worker/worker.go's heartbeatLoop + containerExecutorLoop, and the
// per-concern goroutine-with-stopCh idiom grounded on
// pkg/worker/health_monitor.go's monitorLoop. The child is waited on
// through os/exec; pkg/procwatch backs the pidfile guard, signal delivery
// and exit-status decoding.
package workerrt

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ridersdiscount/bend/pkg/log"
	"github.com/ridersdiscount/bend/pkg/procwatch"
	"github.com/ridersdiscount/bend/pkg/types"
	"github.com/ridersdiscount/bend/pkg/wire"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultUpdateInterval is the heartbeat cadence absent a
// set_update_interval call (spec.md §4.4).
const DefaultUpdateInterval = time.Second

// Config describes one Worker Runtime invocation.
type Config struct {
	Name       string
	Args       []string
	Path       string // program executed directly with Args; no shell is involved
	SocketPath string // supervisor worker endpoint; "" = standalone, no telemetry
	Token      string
	RunDir     string // holds the pidfile
	TmpDir     string
	VarDir     string
	Debug      bool // disables pidfile reuse-refusal
}

// buffers accumulates the three output streams between heartbeats.
type buffers struct {
	mu                     sync.Mutex
	stdout, stderr, stdlog bytes.Buffer
}

func (b *buffers) write(stream types.OutputStream, p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch stream {
	case types.Stdout:
		b.stdout.Write(p)
	case types.Stderr:
		b.stderr.Write(p)
	case types.Stdlog:
		b.stdlog.Write(p)
	}
}

// swap returns the accumulated buffers and resets them.
func (b *buffers) swap() types.Buffers {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := types.Buffers{}
	if b.stdout.Len() > 0 {
		out[types.Stdout] = append([]byte(nil), b.stdout.Bytes()...)
		b.stdout.Reset()
	}
	if b.stderr.Len() > 0 {
		out[types.Stderr] = append([]byte(nil), b.stderr.Bytes()...)
		b.stderr.Reset()
	}
	if b.stdlog.Len() > 0 {
		out[types.Stdlog] = append([]byte(nil), b.stdlog.Bytes()...)
		b.stdlog.Reset()
	}
	return out
}

// Runtime drives one child process through its whole lifecycle.
type Runtime struct {
	cfg Config

	conn       *wire.Conn
	instanceID int64

	bufs           buffers
	updateInterval atomic.Int64 // nanoseconds

	controlW *os.File // write end the runtime polls; child reads its peer
	process  *os.Process

	pidPath string
}

type registerArgs struct {
	Name  string
	Token string
	PID   int
}

type registerReply struct {
	InstanceID int64
}

type updateArgs struct {
	InstanceID int64
}

type finishArgs struct {
	InstanceID int64
	ExitCode   int
}

type setIntervalArgs struct {
	Millis int64
}

// New constructs a Runtime for cfg. Call Run to execute it.
func New(cfg Config) *Runtime {
	r := &Runtime{cfg: cfg}
	r.updateInterval.Store(int64(DefaultUpdateInterval))
	if cfg.RunDir != "" {
		r.pidPath = filepath.Join(cfg.RunDir, cfg.Name+".pid")
	}
	return r
}

// Run executes the full lifecycle: pidfile guard, connect, spawn,
// heartbeat, completion. It returns the child's decoded exit code.
func (r *Runtime) Run(ctx context.Context) (int, error) {
	if err := r.guardPidfile(); err != nil {
		return -1, err
	}
	if r.pidPath != "" {
		if err := r.writePidfile(); err != nil {
			return -1, err
		}
		defer os.Remove(r.pidPath)
	}

	if r.cfg.SocketPath != "" {
		conn, err := wire.Dial(ctx, "unix", r.cfg.SocketPath)
		if err != nil {
			log.Logger.Warn().Err(err).Str("worker", r.cfg.Name).Msg("supervisor unreachable, running standalone")
		} else {
			r.conn = conn
			r.conn.Handle("terminate", r.handleTerminate)
			r.conn.Handle("set_update_interval", r.handleSetInterval)
			go r.conn.Serve(ctx)
		}
	}

	cmd, stdoutR, stderrR, stdlogR, controlR, err := r.buildCommand()
	if err != nil {
		return -1, err
	}
	r.controlW = controlR.peerWrite
	defer r.controlW.Close()

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("workerrt: starting child: %w", err)
	}
	r.process = cmd.Process

	// Close the child's copies in the parent so the read ends observe
	// EOF once the child exits, rather than staying open against the
	// parent's own duplicate descriptor.
	stdoutR.peerWrite.Close()
	stderrR.peerWrite.Close()
	stdlogR.peerWrite.Close()
	controlR.readEnd.Close()

	if r.conn != nil {
		if err := r.register(ctx, cmd.Process.Pid); err != nil {
			log.Logger.Warn().Err(err).Str("worker", r.cfg.Name).Msg("registration rejected, terminating child")
			_ = cmd.Process.Kill()
			_, _ = cmd.Process.Wait()
			return -1, err
		}
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go r.pump(&wg, stdoutR.readEnd, types.Stdout)
	go r.pump(&wg, stderrR.readEnd, types.Stderr)
	go r.pump(&wg, stdlogR.readEnd, types.Stdlog)

	heartbeatDone := make(chan struct{})
	go r.heartbeatLoop(ctx, heartbeatDone)

	waitErr := cmd.Wait()
	close(heartbeatDone)
	wg.Wait()

	exitCode := procwatch.ExitCodeFromState(cmd.ProcessState)
	if waitErr != nil {
		log.Logger.Debug().Err(waitErr).Str("worker", r.cfg.Name).Msg("child exited non-zero")
	}

	if r.conn != nil {
		r.flushAndFinish(ctx, exitCode)
		r.conn.Close()
	}

	return exitCode, nil
}

// guardPidfile refuses to start if a live process already owns this
// worker's pidfile (spec.md §4.4 step 1), unless Debug disables the
// check.
func (r *Runtime) guardPidfile() error {
	if r.cfg.Debug || r.pidPath == "" {
		return nil
	}
	data, err := os.ReadFile(r.pidPath)
	if err != nil {
		return nil
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return nil
	}
	if procwatch.Alive(pid) && procwatch.CmdlineContains(pid, r.cfg.Name) {
		return fmt.Errorf("workerrt: pidfile %s held by live pid %d running %s", r.pidPath, pid, r.cfg.Name)
	}
	return nil
}

func (r *Runtime) writePidfile() error {
	if err := os.MkdirAll(filepath.Dir(r.pidPath), 0o755); err != nil {
		return fmt.Errorf("workerrt: creating run dir: %w", err)
	}
	return os.WriteFile(r.pidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0o644)
}

// pipePair is a read end owned by the runtime and a write end handed to
// the child (or vice versa for the control pipe).
type pipePair struct {
	readEnd   *os.File
	peerWrite *os.File
}

// buildCommand wires the child's fd 1/2 (stdout/stderr), fd 3 (stdlog,
// ExtraFiles[0]), and fd 4 (control read end, ExtraFiles[1]) — the
// "explicit poll message on fd 3's companion control pipe" redesign
// (spec.md §9) in place of SIGINT-as-status-poll.
func (r *Runtime) buildCommand() (*exec.Cmd, pipePair, pipePair, pipePair, pipePair, error) {
	stdout, err := newPipePair()
	if err != nil {
		return nil, pipePair{}, pipePair{}, pipePair{}, pipePair{}, err
	}
	stderr, err := newPipePair()
	if err != nil {
		return nil, pipePair{}, pipePair{}, pipePair{}, pipePair{}, err
	}
	stdlog, err := newPipePair()
	if err != nil {
		return nil, pipePair{}, pipePair{}, pipePair{}, pipePair{}, err
	}
	control, err := newControlPipe()
	if err != nil {
		return nil, pipePair{}, pipePair{}, pipePair{}, pipePair{}, err
	}

	cmd := exec.Command(r.cfg.Path, r.cfg.Args...)
	cmd.Stdout = stdout.peerWrite
	cmd.Stderr = stderr.peerWrite
	cmd.ExtraFiles = []*os.File{stdlog.peerWrite, control.readEnd}
	cmd.Env = append(os.Environ(),
		"BEND_TMP_DIR="+r.cfg.TmpDir,
		"BEND_VAR_DIR="+r.cfg.VarDir,
	)

	return cmd, stdout, stderr, stdlog, control, nil
}

func newPipePair() (pipePair, error) {
	readEnd, writeEnd, err := os.Pipe()
	if err != nil {
		return pipePair{}, fmt.Errorf("workerrt: creating pipe: %w", err)
	}
	return pipePair{readEnd: readEnd, peerWrite: writeEnd}, nil
}

// newControlPipe returns {readEnd: the child's fd, peerWrite: what the
// runtime writes "poll" messages into}.
func newControlPipe() (pipePair, error) {
	readEnd, writeEnd, err := os.Pipe()
	if err != nil {
		return pipePair{}, fmt.Errorf("workerrt: creating control pipe: %w", err)
	}
	return pipePair{readEnd: readEnd, peerWrite: writeEnd}, nil
}

func (r *Runtime) pump(wg *sync.WaitGroup, f *os.File, stream types.OutputStream) {
	defer wg.Done()
	defer f.Close()
	buf := make([]byte, 4096)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			r.bufs.write(stream, buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (r *Runtime) register(ctx context.Context, pid int) error {
	reply, err := r.conn.Call(ctx, "register", registerArgs{Name: r.cfg.Name, Token: r.cfg.Token, PID: pid}, nil)
	if err != nil {
		return err
	}
	var out registerReply
	if err := reply.DecodeArgs(&out); err != nil {
		return fmt.Errorf("workerrt: decoding register reply: %w", err)
	}
	r.instanceID = out.InstanceID
	return nil
}

func (r *Runtime) heartbeatLoop(ctx context.Context, done <-chan struct{}) {
	for {
		interval := time.Duration(r.updateInterval.Load())
		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
			r.sendUpdate(ctx)
			r.sendPoll()
		case <-done:
			timer.Stop()
			return
		}
	}
}

func (r *Runtime) sendUpdate(ctx context.Context) {
	if r.conn == nil {
		r.bufs.swap()
		return
	}
	snapshot := r.bufs.swap()
	if len(snapshot) == 0 {
		return
	}
	payload := encodeBuffers(snapshot)
	_, err := r.conn.CallPayload(ctx, "update", updateArgs{InstanceID: r.instanceID}, payload, nil)
	if err != nil {
		log.Logger.Debug().Err(err).Str("worker", r.cfg.Name).Msg("update call failed")
	}
}

// sendPoll writes the status-poll control message the child is expected
// to treat as "emit a progress line to fd 3 and continue."
func (r *Runtime) sendPoll() {
	if r.controlW == nil {
		return
	}
	_, _ = r.controlW.Write([]byte("poll\n"))
}

func (r *Runtime) flushAndFinish(ctx context.Context, exitCode int) {
	r.sendUpdate(ctx)
	_, err := r.conn.Call(ctx, "finish", finishArgs{InstanceID: r.instanceID, ExitCode: exitCode}, nil)
	if err != nil {
		log.Logger.Debug().Err(err).Str("worker", r.cfg.Name).Msg("finish call failed")
	}
}

func (r *Runtime) handleTerminate(ctx context.Context, args msgpack.RawMessage, payload []byte, handles []wire.PeerRef) (interface{}, []wire.PeerRef, error) {
	log.Logger.Info().Str("worker", r.cfg.Name).Msg("terminate requested, signaling child")
	if r.process != nil {
		_ = procwatch.Signal(r.process.Pid, syscall.SIGTERM)
	}
	return nil, nil, nil
}

func (r *Runtime) handleSetInterval(ctx context.Context, args msgpack.RawMessage, payload []byte, handles []wire.PeerRef) (interface{}, []wire.PeerRef, error) {
	var in setIntervalArgs
	if err := (&wire.Envelope{Args: args}).DecodeArgs(&in); err != nil {
		return nil, nil, fmt.Errorf("workerrt: decoding set_update_interval: %w", err)
	}
	if in.Millis > 0 {
		r.updateInterval.Store(int64(time.Duration(in.Millis) * time.Millisecond))
	}
	return nil, nil, nil
}

func encodeBuffers(b types.Buffers) []byte {
	out, err := wire.EncodeArgs(b)
	if err != nil {
		return nil
	}
	return out
}
