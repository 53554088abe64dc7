package supervisor

import (
	"context"
	"time"

	"github.com/ridersdiscount/bend/pkg/catalogue"
	"github.com/ridersdiscount/bend/pkg/log"
	"github.com/ridersdiscount/bend/pkg/metrics"
	"github.com/ridersdiscount/bend/pkg/types"
	"github.com/ridersdiscount/bend/pkg/wire"
	"github.com/vmihailenco/msgpack/v5"
)

// realtimeInterval is the fast heartbeat cadence requested of a worker
// once any REALTIME subscriber attaches to its instance (spec.md §4.3
// seed case (e)).
const realtimeInterval = 200 * time.Millisecond

// acceptClient wires the network client endpoint's verb surface onto a
// freshly accepted connection (spec.md §4.7).
func (c *Core) acceptClient(ctx context.Context, conn *wire.Conn) {
	conn.Handle("list_workers", c.timed("list_workers", c.handleListWorkers))
	conn.Handle("query_worker", c.timed("query_worker", c.handleQueryWorker))
	conn.Handle("query_workers", c.timed("query_workers", c.handleQueryWorkers))
	conn.Handle("run", c.timed("run", c.handleRun(conn)))
	conn.Handle("terminate", c.timed("terminate", c.handleTerminate))
	conn.Handle("subscribe_worker", c.timed("subscribe_worker", c.handleSubscribeWorker(conn)))
	conn.Handle("subscribe_workers", c.timed("subscribe_workers", c.handleSubscribeWorkers(conn)))
	conn.Handle("subscribe_instance", c.timed("subscribe_instance", c.handleSubscribeInstance(conn)))
	conn.Handle("unsubscribe_worker", c.timed("unsubscribe_worker", c.handleUnsubscribeWorker(conn)))
	conn.Handle("unsubscribe_workers", c.timed("unsubscribe_workers", c.handleUnsubscribeWorkers(conn)))
	conn.Handle("unsubscribe_instance", c.timed("unsubscribe_instance", c.handleUnsubscribeInstance(conn)))
	_ = conn.Serve(ctx)
}

// acceptWorker wires the local worker endpoint's verb surface (spec.md
// §4.7 "worker-facing verbs").
func (c *Core) acceptWorker(ctx context.Context, conn *wire.Conn) {
	conn.Handle("register", c.timed("register", c.handleRegister(conn)))
	conn.Handle("update", c.timed("update", c.handleUpdate))
	conn.Handle("finish", c.timed("finish", c.handleFinish))
	_ = conn.Serve(ctx)
}

// timed wraps a handler with spec.md §5's RPC duration metric.
func (c *Core) timed(verb string, fn wire.HandlerFunc) wire.HandlerFunc {
	return func(ctx context.Context, args msgpack.RawMessage, payload []byte, handles []wire.PeerRef) (interface{}, []wire.PeerRef, error) {
		timer := metrics.NewTimer()
		defer timer.ObserveDurationVec(metrics.RPCDuration, verb)
		return fn(ctx, args, payload, handles)
	}
}

func decodeArgs(args msgpack.RawMessage, v interface{}) error {
	return (&wire.Envelope{Args: args}).DecodeArgs(v)
}

// --- client endpoint ---------------------------------------------------

func (c *Core) handleListWorkers(ctx context.Context, args msgpack.RawMessage, payload []byte, handles []wire.PeerRef) (interface{}, []wire.PeerRef, error) {
	return c.cat.List(), nil, nil
}

type queryWorkerArgs struct {
	Name string
	Keys []string
}

func (c *Core) handleQueryWorker(ctx context.Context, args msgpack.RawMessage, payload []byte, handles []wire.PeerRef) (interface{}, []wire.PeerRef, error) {
	var in queryWorkerArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, nil, err
	}
	desc, err := c.cat.Get(in.Name)
	if err != nil {
		return nil, nil, wire.ErrUnknownWorker
	}
	return workerFields(desc, in.Keys), nil, nil
}

type queryWorkersArgs struct {
	Names []string
	Keys  []string
}

func (c *Core) handleQueryWorkers(ctx context.Context, args msgpack.RawMessage, payload []byte, handles []wire.PeerRef) (interface{}, []wire.PeerRef, error) {
	var in queryWorkersArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, nil, err
	}
	names := in.Names
	if len(names) == 0 {
		names = c.cat.List()
	}
	out := make(map[string]map[string]interface{}, len(names))
	for _, name := range names {
		desc, err := c.cat.Get(name)
		if err != nil {
			out[name] = nil
			continue
		}
		out[name] = workerFields(desc, in.Keys)
	}
	return out, nil, nil
}

// workerFields projects desc onto the requested keys, or every known
// field when keys is empty.
func workerFields(desc types.WorkerDescriptor, keys []string) map[string]interface{} {
	all := map[string]interface{}{
		"title":   desc.Title,
		"desc":    desc.Desc,
		"kind":    string(desc.Kind),
		"command": desc.Command,
		"path":    desc.Path,
		"mtime":   desc.Mtime,
	}
	if len(keys) == 0 {
		return all
	}
	out := make(map[string]interface{}, len(keys))
	for _, k := range keys {
		out[k] = all[k]
	}
	return out
}

type runArgs struct {
	Name        string
	Args        []string
	Debug       bool
	MonitorType string // "" = no monitor attached, else "PROGRESS"/"REALTIME"
}

type runReply struct {
	InstanceID int64
}

func (c *Core) handleRun(conn *wire.Conn) wire.HandlerFunc {
	return func(ctx context.Context, args msgpack.RawMessage, payload []byte, handles []wire.PeerRef) (interface{}, []wire.PeerRef, error) {
		var in runArgs
		if err := decodeArgs(args, &in); err != nil {
			return nil, nil, err
		}
		if !catalogue.ValidName(in.Name) {
			return nil, nil, wire.ErrInvalidName
		}
		desc, err := c.cat.Get(in.Name)
		if err != nil {
			return nil, nil, wire.ErrUnknownWorker
		}

		var inst types.Instance
		var runErr error
		c.exec(func() { inst, runErr = c.table.Run(ctx, desc, in.Args, in.Debug) })
		if runErr != nil {
			return nil, nil, runErr
		}

		if in.MonitorType != "" && len(handles) > 0 {
			peer := wire.NewPeer(conn, handles[0])
			c.monitor.SubscribeInstance(ctx, inst.ID, types.MonitorType(in.MonitorType), peer)
		}

		scratchDir, err := c.table.ScratchDir(inst.ID)
		if err != nil {
			log.Logger.Warn().Err(err).Int64("instance_id", inst.ID).Msg("scratch dir creation failed")
		}

		pid, err := c.launcher.Launch(desc, inst, scratchDir)
		if err != nil {
			log.Logger.Warn().Err(err).Str("worker", desc.Name).Msg("launching worker runtime failed")
			c.exec(func() { _ = c.table.Terminate(ctx, inst.ID, "launch_failed") })
			return nil, nil, err
		}
		c.exec(func() { _ = c.table.SetPID(inst.ID, pid) })

		return runReply{InstanceID: inst.ID}, nil, nil
	}
}

type terminateArgs struct {
	InstanceID int64
}

func (c *Core) handleTerminate(ctx context.Context, args msgpack.RawMessage, payload []byte, handles []wire.PeerRef) (interface{}, []wire.PeerRef, error) {
	var in terminateArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, nil, err
	}
	var termErr error
	c.exec(func() { termErr = c.table.Terminate(ctx, in.InstanceID, "client_request") })
	return nil, nil, termErr
}

type subscribeWorkerArgs struct {
	Name string
	Type string
}

func (c *Core) handleSubscribeWorker(conn *wire.Conn) wire.HandlerFunc {
	return func(ctx context.Context, args msgpack.RawMessage, payload []byte, handles []wire.PeerRef) (interface{}, []wire.PeerRef, error) {
		var in subscribeWorkerArgs
		if err := decodeArgs(args, &in); err != nil {
			return nil, nil, err
		}
		if len(handles) == 0 {
			return nil, nil, wire.ErrPeerGone
		}
		peer := wire.NewPeer(conn, handles[0])
		c.monitor.SubscribeWorker(ctx, in.Name, types.MonitorType(in.Type), peer)
		return nil, nil, nil
	}
}

type subscribeWorkersArgs struct {
	Type string
}

func (c *Core) handleSubscribeWorkers(conn *wire.Conn) wire.HandlerFunc {
	return func(ctx context.Context, args msgpack.RawMessage, payload []byte, handles []wire.PeerRef) (interface{}, []wire.PeerRef, error) {
		var in subscribeWorkersArgs
		if err := decodeArgs(args, &in); err != nil {
			return nil, nil, err
		}
		if types.MonitorType(in.Type) != types.Progress {
			return nil, nil, wire.ErrInvalidName
		}
		if len(handles) == 0 {
			return nil, nil, wire.ErrPeerGone
		}
		peer := wire.NewPeer(conn, handles[0])
		c.monitor.SubscribeAll(ctx, peer)
		return nil, nil, nil
	}
}

type subscribeInstanceArgs struct {
	InstanceID int64
	Type       string
}

func (c *Core) handleSubscribeInstance(conn *wire.Conn) wire.HandlerFunc {
	return func(ctx context.Context, args msgpack.RawMessage, payload []byte, handles []wire.PeerRef) (interface{}, []wire.PeerRef, error) {
		var in subscribeInstanceArgs
		if err := decodeArgs(args, &in); err != nil {
			return nil, nil, err
		}
		if len(handles) == 0 {
			return nil, nil, wire.ErrPeerGone
		}
		peer := wire.NewPeer(conn, handles[0])
		typ := types.MonitorType(in.Type)
		switchToFast := c.monitor.SubscribeInstance(ctx, in.InstanceID, typ, peer)
		if switchToFast {
			c.requestCadence(ctx, in.InstanceID, realtimeInterval)
		}
		return nil, nil, nil
	}
}

func (c *Core) handleUnsubscribeWorker(conn *wire.Conn) wire.HandlerFunc {
	return func(ctx context.Context, args msgpack.RawMessage, payload []byte, handles []wire.PeerRef) (interface{}, []wire.PeerRef, error) {
		var in subscribeWorkerArgs
		if err := decodeArgs(args, &in); err != nil {
			return nil, nil, err
		}
		if len(handles) == 0 {
			return nil, nil, wire.ErrPeerGone
		}
		peer := wire.NewPeer(conn, handles[0])
		c.monitor.UnsubscribeWorker(in.Name, peer)
		return nil, nil, nil
	}
}

func (c *Core) handleUnsubscribeWorkers(conn *wire.Conn) wire.HandlerFunc {
	return func(ctx context.Context, args msgpack.RawMessage, payload []byte, handles []wire.PeerRef) (interface{}, []wire.PeerRef, error) {
		if len(handles) == 0 {
			return nil, nil, wire.ErrPeerGone
		}
		peer := wire.NewPeer(conn, handles[0])
		c.monitor.UnsubscribeAll(peer)
		return nil, nil, nil
	}
}

func (c *Core) handleUnsubscribeInstance(conn *wire.Conn) wire.HandlerFunc {
	return func(ctx context.Context, args msgpack.RawMessage, payload []byte, handles []wire.PeerRef) (interface{}, []wire.PeerRef, error) {
		var in terminateArgs // {InstanceID int64} — same shape
		if err := decodeArgs(args, &in); err != nil {
			return nil, nil, err
		}
		if len(handles) == 0 {
			return nil, nil, wire.ErrPeerGone
		}
		peer := wire.NewPeer(conn, handles[0])
		switchToNormal := c.monitor.UnsubscribeInstance(in.InstanceID, peer)
		if switchToNormal {
			c.requestCadence(ctx, in.InstanceID, 0)
		}
		return nil, nil, nil
	}
}

// defaultCadence is the Worker Runtime's own normal heartbeat interval
// (pkg/workerrt.DefaultUpdateInterval); requestCadence sends it
// explicitly on switchover back to normal, since handleSetInterval
// ignores non-positive values rather than resetting to it.
const defaultCadence = time.Second

// requestCadence invokes set_update_interval on the instance's
// registered worker, if any (spec.md §4.3 realtime switchover).
type setIntervalArgs struct {
	Millis int64
}

func (c *Core) requestCadence(ctx context.Context, id int64, interval time.Duration) {
	var peer *wire.Peer
	var ok bool
	c.exec(func() { peer, ok = c.table.Peer(id) })
	if !ok {
		return
	}
	if interval <= 0 {
		interval = defaultCadence
	}
	millis := int64(interval / time.Millisecond)
	if _, err := peer.Invoke(ctx, "set_update_interval", setIntervalArgs{Millis: millis}); err != nil {
		log.Logger.Debug().Err(err).Int64("instance_id", id).Msg("set_update_interval failed")
	}
}

// --- worker endpoint -----------------------------------------------------

type registerArgs struct {
	Name  string
	Token string
	PID   int
}

type registerReply struct {
	InstanceID int64
}

func (c *Core) handleRegister(conn *wire.Conn) wire.HandlerFunc {
	return func(ctx context.Context, args msgpack.RawMessage, payload []byte, handles []wire.PeerRef) (interface{}, []wire.PeerRef, error) {
		var in registerArgs
		if err := decodeArgs(args, &in); err != nil {
			return nil, nil, err
		}
		peer := wire.NewPeer(conn, 0)

		var inst types.Instance
		var regErr error
		c.exec(func() { inst, regErr = c.table.Register(ctx, in.Name, in.Token, in.PID, peer) })
		if regErr != nil {
			return nil, nil, regErr
		}

		if c.monitor.IsRealtime(inst.ID) {
			c.requestCadence(ctx, inst.ID, realtimeInterval)
		}

		return registerReply{InstanceID: inst.ID}, nil, nil
	}
}

type updateArgs struct {
	InstanceID int64
}

func (c *Core) handleUpdate(ctx context.Context, args msgpack.RawMessage, payload []byte, handles []wire.PeerRef) (interface{}, []wire.PeerRef, error) {
	var in updateArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, nil, err
	}
	var buffers types.Buffers
	if len(payload) > 0 {
		if err := msgpack.Unmarshal(payload, &buffers); err != nil {
			return nil, nil, wire.ErrParseError
		}
	}
	var updErr error
	c.exec(func() { updErr = c.table.Update(ctx, in.InstanceID, buffers) })
	return nil, nil, updErr
}

type finishArgs struct {
	InstanceID int64
	ExitCode   int
}

func (c *Core) handleFinish(ctx context.Context, args msgpack.RawMessage, payload []byte, handles []wire.PeerRef) (interface{}, []wire.PeerRef, error) {
	var in finishArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, nil, err
	}
	var finErr error
	c.exec(func() { finErr = c.table.Finish(ctx, in.InstanceID, in.ExitCode) })
	return nil, nil, finErr
}
