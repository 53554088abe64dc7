package instance

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ridersdiscount/bend/pkg/monitor"
	"github.com/ridersdiscount/bend/pkg/types"
	"github.com/ridersdiscount/bend/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	started  []int64
	finished []int64
}

func (f *fakeSink) RecordStarted(id int64, name string, started time.Time) error {
	f.started = append(f.started, id)
	return nil
}

func (f *fakeSink) RecordFinished(id int64, exitCode int, finished time.Time) error {
	f.finished = append(f.finished, id)
	return nil
}

func newTestTable(t *testing.T) (*Table, *fakeSink) {
	t.Helper()
	sink := &fakeSink{}
	reg := monitor.New(nil)
	tbl := New(types.DefaultDeadlines(), sink, reg, t.TempDir())
	return tbl, sink
}

func testPeer(t *testing.T, ref wire.PeerRef) (*wire.Peer, func()) {
	t.Helper()
	a, b := net.Pipe()
	ca, cb := wire.NewConn(a), wire.NewConn(b)
	ctx, cancel := context.WithCancel(context.Background())
	go ca.Serve(ctx)
	go cb.Serve(ctx)
	cb.Handle("terminate", func(ctx context.Context, args, payload []byte, handles []wire.PeerRef) (interface{}, []wire.PeerRef, error) {
		return nil, nil, nil
	})
	peer := wire.NewPeer(ca, ref)
	return peer, func() {
		cancel()
		ca.Close()
		cb.Close()
	}
}

func TestRunCreatesStartingInstance(t *testing.T) {
	tbl, sink := newTestTable(t)
	desc := types.WorkerDescriptor{Name: "build.deploy"}

	inst, err := tbl.Run(context.Background(), desc, nil, false)
	require.NoError(t, err)
	assert.Equal(t, types.StateStarting, inst.State)
	assert.NotEmpty(t, inst.Token)
	assert.Equal(t, []int64{inst.ID}, sink.started)
}

func TestRunRejectsDuplicateWithAlreadyRunning(t *testing.T) {
	tbl, _ := newTestTable(t)
	desc := types.WorkerDescriptor{Name: "build.deploy"}

	first, err := tbl.Run(context.Background(), desc, nil, false)
	require.NoError(t, err)

	_, err = tbl.Run(context.Background(), desc, nil, false)
	var already *wire.AlreadyRunning
	require.ErrorAs(t, err, &already)
	assert.Equal(t, first.ID, already.ExistingID)
}

func TestRegisterMatchesByNameAndToken(t *testing.T) {
	tbl, _ := newTestTable(t)
	desc := types.WorkerDescriptor{Name: "build.deploy"}
	inst, err := tbl.Run(context.Background(), desc, nil, false)
	require.NoError(t, err)

	peer, cleanup := testPeer(t, 1)
	defer cleanup()

	got, err := tbl.Register(context.Background(), inst.Name, inst.Token, 4242, peer)
	require.NoError(t, err)
	assert.Equal(t, types.StateWorking, got.State)
	assert.Equal(t, 4242, got.PID)
}

func TestRegisterRejectsUnknownName(t *testing.T) {
	tbl, _ := newTestTable(t)
	peer, cleanup := testPeer(t, 1)
	defer cleanup()

	_, err := tbl.Register(context.Background(), "nobody.home", "whatever", 1, peer)
	assert.ErrorIs(t, err, wire.ErrTerminateProcess)
}

func TestRegisterRejectsWrongToken(t *testing.T) {
	tbl, _ := newTestTable(t)
	desc := types.WorkerDescriptor{Name: "build.deploy"}
	inst, err := tbl.Run(context.Background(), desc, nil, false)
	require.NoError(t, err)

	peer, cleanup := testPeer(t, 1)
	defer cleanup()

	_, err = tbl.Register(context.Background(), inst.Name, "wrong-token", 1, peer)
	assert.ErrorIs(t, err, wire.ErrTerminateProcess)
}

func TestUpdateExtractsProgressFromStdlog(t *testing.T) {
	tbl, _ := newTestTable(t)
	desc := types.WorkerDescriptor{Name: "build.deploy"}
	inst, err := tbl.Run(context.Background(), desc, nil, false)
	require.NoError(t, err)

	peer, cleanup := testPeer(t, 1)
	defer cleanup()
	_, err = tbl.Register(context.Background(), inst.Name, inst.Token, 1, peer)
	require.NoError(t, err)

	line := []byte(`<14>1 2026-07-31T00:00:00Z host build.deploy 1 - [status@ridersdiscount progress="0.42"] halfway`)
	err = tbl.Update(context.Background(), inst.ID, types.Buffers{types.Stdlog: line})
	require.NoError(t, err)

	got, ok := tbl.Get(inst.ID)
	require.True(t, ok)
	assert.InDelta(t, 0.42, got.Progress, 0.0001)
}

func TestUpdateRejectsBeforeRegistration(t *testing.T) {
	tbl, _ := newTestTable(t)
	desc := types.WorkerDescriptor{Name: "build.deploy"}
	inst, err := tbl.Run(context.Background(), desc, nil, false)
	require.NoError(t, err)

	err = tbl.Update(context.Background(), inst.ID, types.Buffers{})
	assert.ErrorIs(t, err, wire.ErrNotRegistered)
}

func TestFinishRecordsExitCodeAndSink(t *testing.T) {
	tbl, sink := newTestTable(t)
	desc := types.WorkerDescriptor{Name: "build.deploy"}
	inst, err := tbl.Run(context.Background(), desc, nil, false)
	require.NoError(t, err)

	peer, cleanup := testPeer(t, 1)
	defer cleanup()
	_, err = tbl.Register(context.Background(), inst.Name, inst.Token, 1, peer)
	require.NoError(t, err)

	err = tbl.Finish(context.Background(), inst.ID, 0)
	require.NoError(t, err)

	got, ok := tbl.Get(inst.ID)
	require.True(t, ok)
	assert.Equal(t, types.StateFinished, got.State)
	assert.Equal(t, 0, got.ExitCode)
	assert.Equal(t, []int64{inst.ID}, sink.finished)
}

func TestTerminateMovesStartingToTerminating(t *testing.T) {
	tbl, _ := newTestTable(t)
	desc := types.WorkerDescriptor{Name: "build.deploy"}
	inst, err := tbl.Run(context.Background(), desc, nil, false)
	require.NoError(t, err)

	err = tbl.Terminate(context.Background(), inst.ID, "requested")
	require.NoError(t, err)

	got, ok := tbl.Get(inst.ID)
	require.True(t, ok)
	assert.Equal(t, types.StateTerminating, got.State)
}

func TestSweepStartDeadlinesTerminatesStaleStarting(t *testing.T) {
	tbl, _ := newTestTable(t)
	deadlines := types.DefaultDeadlines()
	deadlines.Start = time.Millisecond
	tbl.deadlines = deadlines

	desc := types.WorkerDescriptor{Name: "build.deploy"}
	inst, err := tbl.Run(context.Background(), desc, nil, false)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	tbl.SweepStartDeadlines(context.Background())

	got, ok := tbl.Get(inst.ID)
	require.True(t, ok)
	assert.Equal(t, types.StateTerminating, got.State)
}

func TestSnapshotByWorkerName(t *testing.T) {
	tbl, _ := newTestTable(t)
	desc := types.WorkerDescriptor{Name: "build.deploy"}
	inst, err := tbl.Run(context.Background(), desc, nil, false)
	require.NoError(t, err)

	snap := tbl.Snapshot(types.SubscriptionTarget{Kind: types.TargetWorker, Name: "build.deploy"})
	require.Len(t, snap, 1)
	assert.Equal(t, inst.ID, snap[0].ID)
}
