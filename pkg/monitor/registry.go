// Package monitor implements the Monitor Registry & fan-out engine
// (spec.md §4.3): a three-axis subscription map (by instance id, by
// worker name, by wildcard) that multiplexes state-change and progress
// notifications out to any number of subscribing clients over
// pkg/wire capabilities.
//
// Shape grounded on pkg/events/events.go's Broker (subscribe/unsubscribe/
// broadcast over a map guarded by one mutex); channels are replaced with
// wire.Peer.Invoke calls since subscribers are remote, not in-process.
package monitor

import (
	"context"
	"sync"

	"github.com/ridersdiscount/bend/pkg/log"
	"github.com/ridersdiscount/bend/pkg/metrics"
	"github.com/ridersdiscount/bend/pkg/types"
	"github.com/ridersdiscount/bend/pkg/wire"
	"github.com/vmihailenco/msgpack/v5"
)

// StateProvider supplies the catch-up snapshot a new subscription
// receives immediately (spec.md §4.3: "the registry immediately sends
// the peer a catch-up message").
type StateProvider interface {
	Snapshot(target types.SubscriptionTarget) []types.Instance
}

type subscriber struct {
	peer *wire.Peer
	typ  types.MonitorType
}

// key identifies one of the three fan-out axes.
type key struct {
	kind types.TargetKind
	id   int64
	name string
}

func keyFor(t types.SubscriptionTarget) key {
	switch t.Kind {
	case types.TargetInstance:
		return key{kind: types.TargetInstance, id: t.InstanceID}
	case types.TargetWorker:
		return key{kind: types.TargetWorker, name: t.Name}
	default:
		return key{kind: types.TargetAll}
	}
}

// Registry is the Monitor Registry: subscriptions indexed by target,
// with realtime-subscriber counts tracked per instance for the
// switchover rule (spec.md §4.3 "Realtime switchover").
type Registry struct {
	mu       sync.Mutex
	subs     map[key]map[wire.PeerRef]subscriber
	realtime map[int64]int // instance id -> live REALTIME subscriber count

	provider StateProvider
}

// New constructs an empty Registry backed by provider for catch-up
// snapshots.
func New(provider StateProvider) *Registry {
	return &Registry{
		subs:     make(map[key]map[wire.PeerRef]subscriber),
		realtime: make(map[int64]int),
		provider: provider,
	}
}

// SetProvider attaches the catch-up snapshot source after construction,
// for callers with a circular dependency between the Registry and its
// StateProvider (the Instance Table needs a *Registry to broadcast
// through, and the Registry needs the Table as its StateProvider).
func (r *Registry) SetProvider(provider StateProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.provider = provider
}

func (r *Registry) add(k key, ref wire.PeerRef, sub subscriber) {
	m, ok := r.subs[k]
	if !ok {
		m = make(map[wire.PeerRef]subscriber)
		r.subs[k] = m
	}
	m[ref] = sub
}

// SubscribeInstance registers peer against a single instance id. Returns
// whether this subscription newly requires a fast (realtime) update
// cadence on the worker (the caller is responsible for invoking
// set_update_interval accordingly).
func (r *Registry) SubscribeInstance(ctx context.Context, id int64, typ types.MonitorType, peer *wire.Peer) (switchToFast bool) {
	target := types.SubscriptionTarget{Kind: types.TargetInstance, InstanceID: id}
	return r.subscribe(ctx, target, typ, peer)
}

// SubscribeWorker registers peer against every instance of a named
// worker, present and future.
func (r *Registry) SubscribeWorker(ctx context.Context, name string, typ types.MonitorType, peer *wire.Peer) (switchToFast bool) {
	target := types.SubscriptionTarget{Kind: types.TargetWorker, Name: name}
	return r.subscribe(ctx, target, typ, peer)
}

// SubscribeAll registers peer against every instance. Only PROGRESS is
// permitted with the wildcard (spec.md §4.3); callers must reject
// REALTIME before calling this.
func (r *Registry) SubscribeAll(ctx context.Context, peer *wire.Peer) {
	target := types.SubscriptionTarget{Kind: types.TargetAll}
	r.subscribe(ctx, target, types.Progress, peer)
}

func (r *Registry) subscribe(ctx context.Context, target types.SubscriptionTarget, typ types.MonitorType, peer *wire.Peer) (switchToFast bool) {
	r.mu.Lock()
	k := keyFor(target)
	r.add(k, peer.Ref(), subscriber{peer: peer, typ: typ})
	if typ == types.Realtime && target.Kind == types.TargetInstance {
		r.realtime[target.InstanceID]++
		switchToFast = r.realtime[target.InstanceID] == 1
	}
	r.mu.Unlock()

	if r.provider != nil {
		for _, inst := range r.provider.Snapshot(target) {
			r.sendCatchup(ctx, peer, inst)
		}
	}
	return switchToFast
}

func (r *Registry) sendCatchup(ctx context.Context, peer *wire.Peer, inst types.Instance) {
	verb := monitorVerb(inst.State)
	if verb == "" {
		return
	}
	_, err := peer.Invoke(ctx, verb, monitorArgs(inst))
	if err != nil {
		log.Logger.Debug().Err(err).Int64("instance_id", inst.ID).Msg("catch-up delivery failed")
	}
}

// UnsubscribeInstance removes peer's subscription to id. Returns whether
// the last REALTIME subscriber on this instance just left (the caller
// must then invoke set_update_interval(normal)).
func (r *Registry) UnsubscribeInstance(id int64, peer *wire.Peer) (switchToNormal bool) {
	target := types.SubscriptionTarget{Kind: types.TargetInstance, InstanceID: id}
	return r.unsubscribe(target, peer)
}

// UnsubscribeWorker removes peer's subscription to name.
func (r *Registry) UnsubscribeWorker(name string, peer *wire.Peer) {
	target := types.SubscriptionTarget{Kind: types.TargetWorker, Name: name}
	r.unsubscribe(target, peer)
}

// UnsubscribeAll removes peer's wildcard subscription.
func (r *Registry) UnsubscribeAll(peer *wire.Peer) {
	target := types.SubscriptionTarget{Kind: types.TargetAll}
	r.unsubscribe(target, peer)
}

func (r *Registry) unsubscribe(target types.SubscriptionTarget, peer *wire.Peer) (switchToNormal bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := keyFor(target)
	m, ok := r.subs[k]
	if !ok {
		return false
	}
	sub, ok := m[peer.Ref()]
	if !ok {
		return false
	}
	delete(m, peer.Ref())
	if len(m) == 0 {
		delete(r.subs, k)
	}
	if sub.typ == types.Realtime && target.Kind == types.TargetInstance {
		r.realtime[target.InstanceID]--
		if r.realtime[target.InstanceID] <= 0 {
			delete(r.realtime, target.InstanceID)
			switchToNormal = true
		}
	}
	return switchToNormal
}

// DropPeer removes every subscription held by peer, across all targets.
// Nothing in the supervisor calls it; dead subscribers are otherwise
// removed after the broadcast walks.
func (r *Registry) DropPeer(peer *wire.Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, m := range r.subs {
		if sub, ok := m[peer.Ref()]; ok {
			delete(m, peer.Ref())
			if len(m) == 0 {
				delete(r.subs, k)
			}
			if sub.typ == types.Realtime && k.kind == types.TargetInstance {
				r.realtime[k.id]--
				if r.realtime[k.id] <= 0 {
					delete(r.realtime, k.id)
				}
			}
		}
	}
}

// IsRealtime reports whether instance id currently has any live REALTIME
// subscriber made directly on the instance id. REALTIME subscriptions made
// by worker name are not counted.
func (r *Registry) IsRealtime(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.realtime[id] > 0
}

// BroadcastState fans monitor_{state}(inst) out to every peer matching
// inst's id, worker name, and the wildcard.
func (r *Registry) BroadcastState(ctx context.Context, inst types.Instance, workerName string) {
	verb := monitorVerb(inst.State)
	if verb == "" {
		return
	}
	r.broadcast(ctx, inst.ID, workerName, types.Progress, verb, monitorArgs(inst))
	r.broadcast(ctx, inst.ID, workerName, types.Realtime, verb, monitorArgs(inst))
}

// progressArgs is the payload of monitor_update (spec.md §4.3).
type progressArgs struct {
	Name     string
	ID       int64
	Progress float64
}

// BroadcastProgress sends monitor_update(name, id, progress) to every
// PROGRESS and REALTIME subscriber matching id/name/wildcard, at the
// normal (~1s) cadence.
func (r *Registry) BroadcastProgress(ctx context.Context, name string, id int64, progress float64) {
	args := progressArgs{Name: name, ID: id, Progress: progress}
	r.broadcast(ctx, id, name, types.Progress, "monitor_update", args)
	r.broadcast(ctx, id, name, types.Realtime, "monitor_update", args)
}

// BroadcastRealtime sends the finer-grained realtime update, including
// raw buffers carried in the envelope Payload, to REALTIME subscribers
// only.
func (r *Registry) BroadcastRealtime(ctx context.Context, name string, id int64, progress float64, buffers types.Buffers) {
	args := progressArgs{Name: name, ID: id, Progress: progress}
	r.broadcastPayload(ctx, id, name, types.Realtime, "monitor_update", args, encodeBuffers(buffers))
}

func (r *Registry) broadcast(ctx context.Context, id int64, name string, typ types.MonitorType, verb string, args interface{}) {
	r.broadcastPayload(ctx, id, name, typ, verb, args, nil)
}

// catalogueArgs is the payload of monitor_modified/monitor_deleted
// (spec.md §4.7).
type catalogueArgs struct {
	Name string
}

// BroadcastCatalogueEvent sends monitor_modified(name) or
// monitor_deleted(name) to every wildcard (PROGRESS-only) subscriber,
// for Catalogue changes unrelated to any one instance.
func (r *Registry) BroadcastCatalogueEvent(ctx context.Context, verb, name string) {
	r.mu.Lock()
	m := r.subs[key{kind: types.TargetAll}]
	peers := make([]*wire.Peer, 0, len(m))
	for _, sub := range m {
		if sub.typ == types.Progress {
			peers = append(peers, sub.peer)
		}
	}
	r.mu.Unlock()

	args := catalogueArgs{Name: name}
	for _, p := range peers {
		if _, err := p.Invoke(ctx, verb, args); err != nil {
			log.Logger.Debug().Err(err).Str("name", name).Str("verb", verb).Msg("catalogue event delivery failed")
		}
	}
}

// broadcastPayload walks the three fan-out keys for typ, invoking verb
// on every matching peer. Dead peers are collected during the walk and
// removed afterward, per spec.md §4.3's "removal is applied after the
// walk completes."
func (r *Registry) broadcastPayload(ctx context.Context, id int64, name string, typ types.MonitorType, verb string, args interface{}, payload []byte) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.FanoutDuration, string(typ))

	keys := []key{{kind: types.TargetInstance, id: id}, {kind: types.TargetAll}}
	if name != "" {
		keys = append(keys, key{kind: types.TargetWorker, name: name})
	}

	type target struct {
		k   key
		ref wire.PeerRef
		p   *wire.Peer
	}
	var targets []target

	r.mu.Lock()
	for _, k := range keys {
		for ref, sub := range r.subs[k] {
			if sub.typ != typ {
				continue
			}
			targets = append(targets, target{k: k, ref: ref, p: sub.peer})
		}
	}
	r.mu.Unlock()

	var dead []target
	for _, t := range targets {
		var err error
		if len(payload) > 0 {
			_, err = t.p.InvokePayload(ctx, verb, args, payload)
		} else {
			_, err = t.p.Invoke(ctx, verb, args)
		}
		if err != nil {
			dead = append(dead, t)
		}
	}

	if len(dead) == 0 {
		return
	}
	r.mu.Lock()
	for _, t := range dead {
		if m, ok := r.subs[t.k]; ok {
			delete(m, t.ref)
			if len(m) == 0 {
				delete(r.subs, t.k)
			}
		}
		if typ == types.Realtime && t.k.kind == types.TargetInstance {
			r.realtime[t.k.id]--
			if r.realtime[t.k.id] <= 0 {
				delete(r.realtime, t.k.id)
			}
		}
	}
	r.mu.Unlock()
	metrics.DeadPeersTotal.WithLabelValues(string(typ)).Add(float64(len(dead)))
}

// encodeBuffers msgpack-encodes the buffer map into the envelope's raw
// Payload field, which conn.go transparently zstd-compresses above its
// size threshold (spec.md §6).
func encodeBuffers(b types.Buffers) []byte {
	if len(b) == 0 {
		return nil
	}
	out, err := msgpack.Marshal(b)
	if err != nil {
		return nil
	}
	return out
}

func monitorArgs(inst types.Instance) interface{} {
	return inst
}

func monitorVerb(state types.InstanceState) string {
	switch state {
	case types.StateStarting:
		return "monitor_starting"
	case types.StateWorking:
		return "monitor_working"
	case types.StateFinished:
		return "monitor_finished"
	case types.StateTerminating:
		return "monitor_terminating"
	case types.StateTerminated:
		return "monitor_terminated"
	case types.StateNotRunning:
		return "monitor_notrunning"
	default:
		return ""
	}
}
