package dcp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/enesacikoglu/analytics-dcp-client/internal/logging"
	"github.com/enesacikoglu/analytics-dcp-client/internal/settings"
)

// StreamRequest is the value type an embedder hands to
// Conductor.StartStreamForPartition, per spec.md §3.
type StreamRequest struct {
	Partition          uint16
	VBucketUUID        uint64
	StartSeqno         uint64
	EndSeqno           uint64
	SnapshotStartSeqno uint64
	SnapshotEndSeqno   uint64
	CollectionIDs      []uint32
}

// Conductor is the public façade of spec.md §4.6: it owns the channels
// map, the session state, and the Fixer's lifecycle, and routes every
// per-partition operation to the partition's current master channel.
type Conductor struct {
	bucket   string
	settings settings.Config
	creds    CredentialSource

	dataHandler    DataEventHandler
	systemHandler  SystemEventHandler
	controlHandler ControlEventHandler

	config ConfigProvider

	mu        sync.Mutex
	session   *SessionState
	registry  *ChannelRegistry
	fixer     *Fixer
	fixerDone chan struct{}
	fixerCtx  context.CancelFunc
	connected bool

	retryPolicy RetryPolicy
}

// NewConductor constructs a Conductor bound to config and the
// embedder's handlers. It does not connect until Connect is called.
func NewConductor(bucket string, cfg settings.Config, creds CredentialSource, config ConfigProvider, dataHandler DataEventHandler, systemHandler SystemEventHandler, controlHandler ControlEventHandler) *Conductor {
	if dataHandler == nil {
		dataHandler = NopDataHandler{}
	}
	if systemHandler == nil {
		systemHandler = NopSystemHandler{}
	}
	if controlHandler == nil {
		controlHandler = NopControlHandler{}
	}
	return &Conductor{
		bucket:         bucket,
		settings:       cfg,
		creds:          creds,
		dataHandler:    dataHandler,
		systemHandler:  systemHandler,
		controlHandler: controlHandler,
		config:         config,
		registry:       NewChannelRegistry(),
		retryPolicy: RetryPolicy{
			MaxAttempts: cfg.SetDefault("maxRetryAttempts", 5)["maxRetryAttempts"].Int(),
			Delay: ExponentialDelay(
				cfg.SetDefault("retryBaseDelay", 100*time.Millisecond)["retryBaseDelay"].Duration(),
				cfg.SetDefault("retryMaxDelay", 10*time.Second)["retryMaxDelay"].Duration(),
			),
		},
	}
}

// Connect fetches the initial config and creates the session, per
// spec.md §4.6's connect() contract.
func (c *Conductor) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}
	cfg, err := c.config.Refresh(c.retryPolicy)
	if err != nil {
		return fmt.Errorf("dcp: initial config fetch: %w", err)
	}
	if c.session == nil {
		c.session = NewSessionState(cfg.Partitions)
	}
	c.session.SetConnected()
	c.connected = true
	return nil
}

func (c *Conductor) dialChannel(node NodeConfig) (*DcpChannel, error) {
	ch := NewDcpChannel(node, c.bucket, c.settings, c.creds, c.session, c.dataHandler, c.systemHandler, c.controlHandler, c.fixer.events)
	if err := ch.Connect(c.retryPolicy); err != nil {
		return nil, err
	}
	return ch, nil
}

// EstablishDcpConnections starts the Fixer and opens one channel per
// master node with primary partitions, per spec.md §4.6.
func (c *Conductor) EstablishDcpConnections() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrSessionDisconnected
	}
	cfg := c.config.Config()
	fixer := NewFixer(c.registry, c.session, c.config, c.dialChannel, c.settings, c.systemHandler, c.retryPolicy)
	c.fixer = fixer
	ctx, cancel := context.WithCancel(context.Background())
	c.fixerCtx = cancel
	c.fixerDone = make(chan struct{})
	c.mu.Unlock()

	configUpdates := make(chan *BucketConfig, 8)
	c.config.Subscribe(configUpdates)
	go func() {
		for update := range configUpdates {
			fixer.Post(configRevisionEvent(update))
		}
	}()

	go func() {
		defer close(c.fixerDone)
		if err := fixer.Run(ctx); err != nil && err != context.Canceled {
			logging.Warnf("dcp: fixer exited: %v", err)
		}
	}()

	waitTimeout := c.settings.SetDefault("streamOpenTimeout", 30*time.Second)["streamOpenTimeout"].Duration()
	if err := fixer.WaitTillStarted(waitTimeout); err != nil {
		return err
	}

	useFF := c.settings["useFastForwardMap"].Bool()
	nodesNeeded := make(map[int][]uint16)
	for p := 0; p < cfg.Partitions; p++ {
		idx, err := cfg.MasterOf(uint16(p), useFF)
		if err != nil {
			continue
		}
		nodesNeeded[idx] = append(nodesNeeded[idx], uint16(p))
	}
	for idx, partitions := range nodesNeeded {
		node := cfg.Nodes[idx]
		ch, err := c.dialChannel(node)
		if err != nil {
			return fmt.Errorf("dcp: connecting to %s: %w", node.Hostname, err)
		}
		key := c.registry.KeyForNode(node)
		c.registry.Put(key, ch)
		for _, p := range partitions {
			c.registry.AssignPartition(p, key)
		}
	}
	return nil
}

// masterChannelByPartition is the routing primitive of spec.md §4.6.
func (c *Conductor) masterChannelByPartition(p uint16) (*DcpChannel, error) {
	ch, ok := c.registry.OwnerChannel(p)
	if !ok {
		return nil, &InvariantViolationError{Reason: fmt.Sprintf("no channel owns partition %d", p)}
	}
	return ch, nil
}

// StartStreamForPartition opens the stream described by req against
// its partition's current master channel, per spec.md §4.6. A
// NotMyVbucket response is rerouted by the Fixer; this call itself
// only dispatches the request.
func (c *Conductor) StartStreamForPartition(req StreamRequest) error {
	partition := c.session.Partition(req.Partition)
	if partition == nil {
		return &InvariantViolationError{Reason: "start-stream for unknown partition"}
	}
	partition.Open(req.StartSeqno, req.EndSeqno, req.SnapshotStartSeqno, req.SnapshotEndSeqno)
	ch, err := c.masterChannelByPartition(req.Partition)
	if err != nil {
		return err
	}
	return ch.OpenStream(req.Partition)
}

// StopStreamForPartition closes the stream and waits (bounded by
// closeStreamTimeout) for the partition to settle DISCONNECTED, per
// spec.md §4.6.
func (c *Conductor) StopStreamForPartition(p uint16) error {
	partition := c.session.Partition(p)
	if partition == nil {
		return &InvariantViolationError{Reason: "stop-stream for unknown partition"}
	}
	ch, err := c.masterChannelByPartition(p)
	if err != nil {
		return err
	}
	if err := ch.CloseStream(p); err != nil {
		return err
	}
	timeout := c.settings.SetDefault("closeStreamTimeout", 15*time.Second)["closeStreamTimeout"].Duration()
	return partition.Wait(StreamDisconnected, timeout)
}

// GetSeqnos refreshes every partition's currentVBucketSeqno from one
// representative channel per node, per spec.md §4.6. Nodes are queried
// concurrently; the call returns once every node has answered or the
// per-node timeout elapses.
func (c *Conductor) GetSeqnos() error {
	timeout := c.settings.SetDefault("getSeqnosTimeout", 60*time.Second)["getSeqnosTimeout"].Duration()
	channels := c.registry.All()
	var wg sync.WaitGroup
	errs := make([]error, len(channels))
	for i, ch := range channels {
		i, ch := i, ch
		wg.Add(1)
		go func() {
			defer wg.Done()
			seqnos, err := ch.GetSeqnos(timeout)
			if err != nil {
				errs[i] = err
				return
			}
			for _, sn := range seqnos {
				if p := c.session.Partition(sn.VBucket); p != nil {
					p.SetCurrentVBucketSeqno(sn.Seqno)
				}
			}
		}()
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// GetFailoverLog refreshes partition p's failover log, per spec.md
// §4.6.
func (c *Conductor) GetFailoverLog(p uint16) error {
	partition := c.session.Partition(p)
	if partition == nil {
		return &InvariantViolationError{Reason: "get-failover-log for unknown partition"}
	}
	ch, err := c.masterChannelByPartition(p)
	if err != nil {
		return err
	}
	if err := ch.GetFailoverLog(p); err != nil {
		return err
	}
	timeout := c.settings.SetDefault("getFailoverLogTimeout", 60*time.Second)["getFailoverLogTimeout"].Duration()
	return partition.WaitTillFailoverUpdated(timeout)
}

// Disconnect tears the whole subsystem down, per spec.md §4.6 and §5's
// reentrancy requirement: if called from inside a Fixer-invoked
// callback, it must not join the Fixer goroutine (that would
// deadlock).
func (c *Conductor) Disconnect(wait bool) error {
	c.mu.Lock()
	fixer := c.fixer
	cancel := c.fixerCtx
	done := c.fixerDone
	session := c.session
	c.connected = false
	c.mu.Unlock()

	if fixer != nil {
		fixer.Poison()
	}
	for _, ch := range c.registry.All() {
		_ = ch.Close(wait)
	}
	if session != nil {
		session.SetDisconnected()
	}
	if cancel != nil {
		cancel()
	}
	if wait && fixer != nil && done != nil && !fixer.InWorkerGoroutine() {
		<-done
	}
	return nil
}
