package supervisor

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ridersdiscount/bend/pkg/config"
	"github.com/ridersdiscount/bend/pkg/types"
	"github.com/ridersdiscount/bend/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

type fakeSink struct{}

func (fakeSink) RecordStarted(id int64, name string, started time.Time) error   { return nil }
func (fakeSink) RecordFinished(id int64, exitCode int, finished time.Time) error { return nil }

type launchCall struct {
	desc types.WorkerDescriptor
	inst types.Instance
}

type fakeLauncher struct {
	pid   int
	err   error
	calls []launchCall
}

func (f *fakeLauncher) Launch(desc types.WorkerDescriptor, inst types.Instance, scratchDir string) (int, error) {
	f.calls = append(f.calls, launchCall{desc: desc, inst: inst})
	if f.err != nil {
		return 0, f.err
	}
	return f.pid, nil
}

// writeDescriptor drops a minimal declarative worker descriptor under
// dir so the catalogue's scan picks it up.
func writeDescriptor(t *testing.T, dir, name string) {
	t.Helper()
	content := "title: " + name + "\ncommand: /bin/true\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".worker.yaml"), []byte(content), 0o644))
}

func newTestCore(t *testing.T, workerNames ...string) (*Core, *fakeLauncher) {
	t.Helper()
	runPrefix := t.TempDir()
	for _, name := range workerNames {
		writeDescriptor(t, runPrefix, name)
	}

	cfg := config.Config{
		Name:              "test",
		ClientAddr:        "127.0.0.1:0",
		WorkerSocket:      filepath.Join(t.TempDir(), "worker.sock"),
		RunPrefix:         runPrefix,
		TmpPrefix:         t.TempDir(),
		LogLevel:          "info",
		CatalogueScanCron: "@every 1h",
		Deadlines:         types.DefaultDeadlines(),
	}

	launcher := &fakeLauncher{pid: 4242}
	core := New(cfg, fakeSink{}, launcher)
	require.NoError(t, core.cat.Start())
	t.Cleanup(core.cat.Stop)

	go core.loop()
	t.Cleanup(func() { close(core.stopped) })

	return core, launcher
}

// harness dials a pair of in-memory connections wired to the
// core's acceptClient/acceptWorker handlers, the way a real TCP/Unix
// connection would be after accept.
type harness struct {
	client *wire.Conn
	worker *wire.Conn
	cancel context.CancelFunc
}

func newHarness(t *testing.T, core *Core) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	ca, cb := net.Pipe()
	serverClientConn := wire.NewConn(ca)
	clientConn := wire.NewConn(cb)
	go core.acceptClient(ctx, serverClientConn)
	go clientConn.Serve(ctx)

	wa, wb := net.Pipe()
	serverWorkerConn := wire.NewConn(wa)
	workerConn := wire.NewConn(wb)
	go core.acceptWorker(ctx, serverWorkerConn)
	go workerConn.Serve(ctx)

	h := &harness{client: clientConn, worker: workerConn, cancel: cancel}
	t.Cleanup(func() {
		cancel()
		clientConn.Close()
		workerConn.Close()
	})
	return h
}

func callInto(t *testing.T, conn *wire.Conn, verb string, args, reply interface{}) error {
	t.Helper()
	env, err := conn.Call(context.Background(), verb, args, nil)
	if err != nil {
		return err
	}
	if reply != nil {
		require.NoError(t, env.DecodeArgs(reply))
	}
	return nil
}

func TestListAndQueryWorkers(t *testing.T) {
	core, _ := newTestCore(t, "build.deploy")
	h := newHarness(t, core)

	var names []string
	require.NoError(t, callInto(t, h.client, "list_workers", nil, &names))
	assert.Equal(t, []string{"build.deploy"}, names)

	var fields map[string]interface{}
	require.NoError(t, callInto(t, h.client, "query_worker", queryWorkerArgs{Name: "build.deploy", Keys: []string{"kind"}}, &fields))
	assert.Equal(t, "declarative", fields["kind"])
}

func TestRunRegisterUpdateFinishHappyPath(t *testing.T) {
	core, launcher := newTestCore(t, "build.deploy")
	h := newHarness(t, core)

	var reply runReply
	require.NoError(t, callInto(t, h.client, "run", runArgs{Name: "build.deploy"}, &reply))
	require.NotZero(t, reply.InstanceID)
	require.Len(t, launcher.calls, 1)

	token := launcher.calls[0].inst.Token
	require.NotEmpty(t, token)

	var regReply registerReply
	require.NoError(t, callInto(t, h.worker, "register", registerArgs{
		Name: "build.deploy", Token: token, PID: 9999,
	}, &regReply))
	assert.Equal(t, reply.InstanceID, regReply.InstanceID)

	var inst types.Instance
	core.exec(func() { inst, _ = core.table.Get(regReply.InstanceID) })
	assert.Equal(t, types.StateWorking, inst.State)
	assert.Equal(t, 9999, inst.PID)

	require.NoError(t, callInto(t, h.worker, "update", updateArgs{InstanceID: regReply.InstanceID}, nil))

	require.NoError(t, callInto(t, h.worker, "finish", finishArgs{InstanceID: regReply.InstanceID, ExitCode: 0}, nil))
	core.exec(func() { inst, _ = core.table.Get(regReply.InstanceID) })
	assert.Equal(t, types.StateFinished, inst.State)
	assert.Equal(t, 0, inst.ExitCode)
}

func TestRunRejectsDuplicateWithAlreadyRunning(t *testing.T) {
	core, _ := newTestCore(t, "build.deploy")
	h := newHarness(t, core)

	var first runReply
	require.NoError(t, callInto(t, h.client, "run", runArgs{Name: "build.deploy"}, &first))

	err := callInto(t, h.client, "run", runArgs{Name: "build.deploy"}, nil)
	var already *wire.AlreadyRunning
	require.ErrorAs(t, err, &already)
	assert.Equal(t, first.InstanceID, already.ExistingID)
}

func TestRunRejectsUnknownWorker(t *testing.T) {
	core, _ := newTestCore(t)
	h := newHarness(t, core)

	err := callInto(t, h.client, "run", runArgs{Name: "nobody.home"}, nil)
	assert.ErrorIs(t, err, wire.ErrUnknownWorker)
}

func TestTerminateMovesToTerminating(t *testing.T) {
	core, _ := newTestCore(t, "build.deploy")
	h := newHarness(t, core)

	var reply runReply
	require.NoError(t, callInto(t, h.client, "run", runArgs{Name: "build.deploy"}, &reply))

	require.NoError(t, callInto(t, h.client, "terminate", terminateArgs{InstanceID: reply.InstanceID}, nil))

	var inst types.Instance
	core.exec(func() { inst, _ = core.table.Get(reply.InstanceID) })
	assert.Equal(t, types.StateTerminating, inst.State)
}

func TestSubscribeInstanceRealtimeSwitchesWorkerCadence(t *testing.T) {
	core, launcher := newTestCore(t, "build.deploy")
	h := newHarness(t, core)

	var reply runReply
	require.NoError(t, callInto(t, h.client, "run", runArgs{Name: "build.deploy"}, &reply))
	token := launcher.calls[0].inst.Token

	gotInterval := make(chan int64, 1)
	h.worker.Handle("set_update_interval", func(ctx context.Context, args msgpack.RawMessage, payload []byte, handles []wire.PeerRef) (interface{}, []wire.PeerRef, error) {
		var in setIntervalArgs
		if err := (&wire.Envelope{Args: args}).DecodeArgs(&in); err == nil {
			gotInterval <- in.Millis
		}
		return nil, nil, nil
	})

	var regReply registerReply
	require.NoError(t, callInto(t, h.worker, "register", registerArgs{
		Name: "build.deploy", Token: token, PID: 9999,
	}, &regReply))

	_, err := h.client.Call(context.Background(), "subscribe_instance",
		subscribeInstanceArgs{InstanceID: regReply.InstanceID, Type: string(types.Realtime)},
		[]wire.PeerRef{1})
	require.NoError(t, err)

	assert.True(t, core.monitor.IsRealtime(regReply.InstanceID))
	select {
	case millis := <-gotInterval:
		assert.Equal(t, int64(realtimeInterval/time.Millisecond), millis)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for set_update_interval")
	}

	_, err = h.client.Call(context.Background(), "unsubscribe_instance",
		terminateArgs{InstanceID: regReply.InstanceID}, []wire.PeerRef{1})
	require.NoError(t, err)

	assert.False(t, core.monitor.IsRealtime(regReply.InstanceID))
	select {
	case millis := <-gotInterval:
		assert.Equal(t, int64(defaultCadence/time.Millisecond), millis)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for set_update_interval reset")
	}
}
