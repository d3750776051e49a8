package dcp

import (
	"bytes"
	"context"
	"runtime"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/enesacikoglu/analytics-dcp-client/internal/logging"
	"github.com/enesacikoglu/analytics-dcp-client/internal/settings"
)

// ChannelFactory dials and fully connects a DcpChannel to node. It is
// the seam Fixer uses to create replacement channels during repair
// without owning connect policy itself -- Conductor supplies the
// closure, keeping handler/credential/settings wiring in one place.
type ChannelFactory func(node NodeConfig) (*DcpChannel, error)

// Fixer is the single long-lived reactor of spec.md §4.5. Events route
// to one of a small pool of worker goroutines, sharded so all events
// for a given partition land on the same worker (preserving
// per-partition ordering) while different partitions repair
// concurrently -- the pool is golang.org/x/sync/errgroup with
// SetLimit-equivalent fixed sharding, per SPEC_FULL.md's
// implementation note.
type Fixer struct {
	registry *ChannelRegistry
	session  *SessionState
	config   ConfigProvider
	dial     ChannelFactory
	settings settings.Config

	systemHandler SystemEventHandler

	events chan Event

	started   chan struct{}
	startOnce sync.Once
	stopped   chan struct{}
	stopOnce  sync.Once

	retryPolicy       RetryPolicy
	maxRepairAttempts int

	repairMu       sync.Mutex
	repairAttempts map[uint16]int

	configMu   sync.Mutex
	lastConfig *BucketConfig

	workerGIDs sync.Map
}

// NewFixer constructs a Fixer bound to registry/session/config/dial.
// The Fixer does not start consuming events until Run is called.
func NewFixer(registry *ChannelRegistry, session *SessionState, config ConfigProvider, dial ChannelFactory, cfg settings.Config, systemHandler SystemEventHandler, retryPolicy RetryPolicy) *Fixer {
	cfg = cfg.Clone()
	return &Fixer{
		registry:          registry,
		session:           session,
		config:            config,
		dial:              dial,
		settings:          cfg,
		systemHandler:     systemHandler,
		events:            make(chan Event, 4096),
		started:           make(chan struct{}),
		stopped:           make(chan struct{}),
		retryPolicy:       retryPolicy,
		maxRepairAttempts: cfg.SetDefault("maxChannelRepairAttempts", 10)["maxChannelRepairAttempts"].Int(),
		repairAttempts:    make(map[uint16]int),
	}
}

// Post enqueues e, per spec.md §4.5's "unbounded queue" (approximated
// here by a large buffer; genuine unboundedness would let a stalled
// Fixer consume unbounded memory, which is strictly worse). Post never
// blocks past Fixer shutdown.
func (f *Fixer) Post(e Event) {
	select {
	case f.events <- e:
	case <-f.stopped:
	}
}

// Poison requests graceful shutdown, per spec.md §4.5's poison().
func (f *Fixer) Poison() { f.Post(poisonPill()) }

// WaitTillStarted gates Conductor.establishDcpConnections on the
// reactor being ready to consume events, per spec.md §4.5.
func (f *Fixer) WaitTillStarted(timeout time.Duration) error {
	select {
	case <-f.started:
		return nil
	case <-time.After(timeout):
		return ErrTimedOut
	}
}

// InWorkerGoroutine reports whether the calling goroutine is one of
// this Fixer's worker goroutines -- true for anything a worker runs,
// including the SystemEventHandler callbacks and the ChannelFactory
// the Fixer itself invokes. Conductor
// uses this to satisfy spec.md §4.5's reentrancy requirement ("if the
// embedder calls disconnect() from inside a fixer-invoked callback,
// the Conductor must not join() itself").
func (f *Fixer) InWorkerGoroutine() bool {
	_, ok := f.workerGIDs.Load(goroutineID())
	return ok
}

// Run drives the reactor until a PoisonPill is processed or ctx is
// canceled. It returns once every worker has drained its shard.
func (f *Fixer) Run(ctx context.Context) error {
	numWorkers := f.settings.SetDefault("fixerWorkers", 8)["fixerWorkers"].Int()
	if numWorkers < 2 {
		numWorkers = 2
	}
	shards := make([]chan Event, numWorkers)
	for i := range shards {
		shards[i] = make(chan Event, 1024)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for i := range shards {
		i := i
		eg.Go(func() error {
			f.workerLoop(egCtx, shards[i])
			return nil
		})
	}

	f.startOnce.Do(func() { close(f.started) })

	for {
		select {
		case e := <-f.events:
			if e.Kind == EventPoisonPill {
				for _, s := range shards {
					s <- poisonPill()
				}
				for _, s := range shards {
					close(s)
				}
				f.stopOnce.Do(func() { close(f.stopped) })
				return eg.Wait()
			}
			shards[f.shardFor(e, numWorkers)] <- e
		case <-ctx.Done():
			for _, s := range shards {
				close(s)
			}
			f.stopOnce.Do(func() { close(f.stopped) })
			eg.Wait()
			return ctx.Err()
		}
	}
}

// shardFor routes ChannelDropped/ConfigRevision (which each span many
// partitions) to a single reserved lane so topology-wide repairs never
// race each other, and everything else by partition id.
func (f *Fixer) shardFor(e Event, numWorkers int) int {
	switch e.Kind {
	case EventChannelDropped, EventConfigRevision:
		return 0
	default:
		return 1 + int(e.Partition)%(numWorkers-1)
	}
}

func (f *Fixer) workerLoop(ctx context.Context, ch chan Event) {
	f.workerGIDs.Store(goroutineID(), struct{}{})
	defer f.workerGIDs.Delete(goroutineID())
	for e := range ch {
		if e.Kind == EventPoisonPill {
			return
		}
		f.dispatch(e)
	}
}

func (f *Fixer) dispatch(e Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Errorf("fixer: panic handling %v event: %v\n%s", e.Kind, r, logging.StackTrace())
		}
	}()
	switch e.Kind {
	case EventChannelDropped:
		f.handleChannelDropped(e)
	case EventNotMyVbucket:
		f.handleNotMyVbucket(e)
	case EventConfigRevision:
		f.handleConfigRevision(e)
	case EventStreamEnd:
		f.handleStreamEnd(e)
	case EventRollback:
		f.handleRollback(e)
	case EventFatal:
		f.handleFatal(e)
	}
}

func (f *Fixer) handleChannelDropped(e Event) {
	if e.Channel == nil {
		return
	}
	key := f.registry.KeyForNode(e.Channel.Node())
	partitions := f.registry.PartitionsOf(key)
	f.registry.Remove(key)
	logging.Warnf("fixer: channel %s dropped (%v), repairing %d partitions", key, e.Cause, len(partitions))
	for _, p := range partitions {
		f.schedulePartitionRepair(p, e.Cause)
	}
}

func (f *Fixer) handleNotMyVbucket(e Event) {
	cfg, err := f.config.Refresh(f.retryPolicy)
	if err != nil {
		f.notifyFatal(e.Partition, err)
		return
	}
	f.applyConfig(cfg)
}

func (f *Fixer) handleConfigRevision(e Event) {
	f.applyConfig(e.Config)
}

// applyConfig diffs newCfg against the last applied revision, per
// spec.md §4.5's ConfigRevisionEvent handling: reroute partitions whose
// master changed, disconnect channels to nodes no longer present.
func (f *Fixer) applyConfig(newCfg *BucketConfig) {
	if newCfg == nil {
		return
	}
	f.configMu.Lock()
	old := f.lastConfig
	if old != nil && newCfg.Rev <= old.Rev {
		f.configMu.Unlock()
		return
	}
	f.lastConfig = newCfg
	f.configMu.Unlock()

	useFF := f.settings["useFastForwardMap"].Bool()
	for p := 0; p < newCfg.Partitions; p++ {
		pid := uint16(p)
		idx, err := newCfg.MasterOf(pid, useFF)
		if err != nil {
			continue
		}
		newNode := newCfg.Nodes[idx]
		curKey, owned := f.registry.OwnerKey(pid)
		if owned && curKey == newNode.Hostname {
			continue
		}
		if owned {
			if ch, ok := f.registry.Get(curKey); ok {
				_ = ch.CloseStream(pid)
			}
		}
		f.resetRepairAttempts(pid)
		f.schedulePartitionRepair(pid, nil)
	}

	if old != nil {
		stillPresent := make(map[string]bool, len(newCfg.Nodes))
		for _, n := range newCfg.Nodes {
			stillPresent[n.Hostname] = true
		}
		for _, n := range old.Nodes {
			if !stillPresent[n.Hostname] {
				if ch := f.registry.Remove(n.Hostname); ch != nil {
					_ = ch.Close(false)
				}
			}
		}
	}
}

func (f *Fixer) handleStreamEnd(e Event) {
	if e.Reason == StreamEndOK || e.Reason == StreamEndClosedByClient {
		return
	}
	if ch, ok := f.registry.OwnerChannel(e.Partition); ok {
		if err := ch.OpenStream(e.Partition); err == nil {
			return
		}
	}
	f.schedulePartitionRepair(e.Partition, nil)
}

func (f *Fixer) handleRollback(e Event) {
	if ch, ok := f.registry.OwnerChannel(e.Partition); ok {
		if err := ch.OpenStream(e.Partition); err == nil {
			return
		}
	}
	f.schedulePartitionRepair(e.Partition, nil)
}

func (f *Fixer) handleFatal(e Event) {
	if IsTransient(e.Err) {
		f.schedulePartitionRepair(e.Partition, e.Err)
		return
	}
	f.notifyFatal(e.Partition, e.Err)
}

// schedulePartitionRepair resolves the partition's current master and
// (re)opens a stream on it, retrying under retryPolicy up to
// maxRepairAttempts times before giving up and leaving the partition
// DISCONNECTED (the Open Question decision recorded in DESIGN.md: a
// revived-but-unusable channel is strictly worse than an honestly
// dead one).
func (f *Fixer) schedulePartitionRepair(p uint16, cause error) {
	partition := f.session.Partition(p)
	if partition == nil {
		return
	}
	attempts := f.bumpRepairAttempts(p)
	if attempts > f.maxRepairAttempts {
		partition.Disconnect()
		f.notifyFatal(p, &CannotRetryError{Cause: cause, Attempts: attempts - 1})
		return
	}
	if cause != nil {
		verdict := f.retryPolicy.Next(attempts, cause)
		if !verdict.Retry {
			partition.Disconnect()
			f.notifyFatal(p, verdict.Err)
			return
		}
		time.Sleep(verdict.Delay)
	}

	cfg := f.config.Config()
	if cfg == nil {
		var err error
		cfg, err = f.config.Refresh(f.retryPolicy)
		if err != nil {
			f.notifyFatal(p, err)
			return
		}
	}
	idx, err := cfg.MasterOf(p, f.settings["useFastForwardMap"].Bool())
	if err != nil {
		f.notifyFatal(p, err)
		return
	}
	node := cfg.Nodes[idx]
	ch, err := f.ensureChannel(node)
	if err != nil {
		f.schedulePartitionRepair(p, err)
		return
	}
	f.registry.AssignPartition(p, f.registry.KeyForNode(node))
	partition.SetState(StreamConnecting)
	if err := ch.OpenStream(p); err != nil {
		f.schedulePartitionRepair(p, err)
		return
	}
	f.resetRepairAttempts(p)
}

func (f *Fixer) ensureChannel(node NodeConfig) (*DcpChannel, error) {
	key := f.registry.KeyForNode(node)
	if ch, ok := f.registry.Get(key); ok {
		return ch, nil
	}
	ch, err := f.dial(node)
	if err != nil {
		return nil, err
	}
	f.registry.Put(key, ch)
	return ch, nil
}

func (f *Fixer) notifyFatal(p uint16, err error) {
	if partition := f.session.Partition(p); partition != nil {
		partition.Disconnect()
	}
	f.systemHandler.OnEvent(SystemMessage{Kind: SystemPartitionFatal, Partition: p, Err: err})
}

func (f *Fixer) bumpRepairAttempts(p uint16) int {
	f.repairMu.Lock()
	defer f.repairMu.Unlock()
	f.repairAttempts[p]++
	return f.repairAttempts[p]
}

func (f *Fixer) resetRepairAttempts(p uint16) {
	f.repairMu.Lock()
	delete(f.repairAttempts, p)
	f.repairMu.Unlock()
}

// goroutineID extracts the runtime-assigned id of the calling
// goroutine from its stack trace header. It exists solely to back
// InWorkerGoroutine's reentrancy check above; nothing else in this
// module depends on goroutine identity.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}
