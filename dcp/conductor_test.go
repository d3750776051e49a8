package dcp

import (
	"context"
	"testing"
	"time"

	"github.com/enesacikoglu/analytics-dcp-client/internal/settings"
)

func testConductorSettings() settings.Config {
	cfg := settings.DefaultConfig()
	cfg.Set("streamOpenTimeout", 500*time.Millisecond)
	cfg.Set("closeStreamTimeout", 500*time.Millisecond)
	cfg.Set("fixerWorkers", 2)
	cfg.Set("maxRetryAttempts", 2)
	cfg.Set("retryBaseDelay", time.Millisecond)
	cfg.Set("retryMaxDelay", 5*time.Millisecond)
	return cfg
}

// A stub *DcpChannel substitute is not possible since DcpChannel has no
// interface seam; instead these tests drive the Conductor against a
// StaticConfigProvider and real DcpChannels built by
// newRoutingOnlyChannel, which are never connected and are registered
// by hand -- exercising Conductor's routing and bookkeeping logic
// without a live TCP peer.

func newRoutingOnlyChannel(node NodeConfig, session *SessionState, events chan Event) *DcpChannel {
	cfg := settings.DefaultConfig()
	return NewDcpChannel(node, "bucket", cfg, func(string) (string, string, error) { return "u", "p", nil }, session, NopDataHandler{}, NopSystemHandler{}, NopControlHandler{}, events)
}

func TestConductorConnectCreatesSession(t *testing.T) {
	cfg := testBucketConfig(2, []string{"n1", "n2"})
	provider := NewStaticConfigProvider(cfg)
	c := NewConductor("bucket", testConductorSettings(), CBAuthCredentials, provider, nil, nil, nil)

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.session == nil || c.session.NumPartitions() != 2 {
		t.Fatalf("expected a 2-partition session, got %+v", c.session)
	}
	if !c.session.Connected() {
		t.Fatalf("expected session connected")
	}
}

func TestConductorMasterChannelByPartitionUnowned(t *testing.T) {
	cfg := testBucketConfig(1, []string{"n1"})
	provider := NewStaticConfigProvider(cfg)
	c := NewConductor("bucket", testConductorSettings(), CBAuthCredentials, provider, nil, nil, nil)
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := c.masterChannelByPartition(0); err == nil {
		t.Fatalf("expected an error routing to a partition with no registered channel")
	}
}

func TestConductorMasterChannelByPartitionResolvesRegistered(t *testing.T) {
	cfg := testBucketConfig(1, []string{"n1"})
	provider := NewStaticConfigProvider(cfg)
	c := NewConductor("bucket", testConductorSettings(), CBAuthCredentials, provider, nil, nil, nil)
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	events := make(chan Event, 16)
	ch := newRoutingOnlyChannel(cfg.Nodes[0], c.session, events)
	key := c.registry.KeyForNode(cfg.Nodes[0])
	c.registry.Put(key, ch)
	c.registry.AssignPartition(0, key)

	resolved, err := c.masterChannelByPartition(0)
	if err != nil {
		t.Fatalf("masterChannelByPartition: %v", err)
	}
	if resolved != ch {
		t.Fatalf("expected to resolve the registered channel")
	}
}

func TestConductorSessionStoresCurrentVBucketSeqno(t *testing.T) {
	cfg := testBucketConfig(1, []string{"n1"})
	provider := NewStaticConfigProvider(cfg)
	c := NewConductor("bucket", testConductorSettings(), CBAuthCredentials, provider, nil, nil, nil)
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.session.Partition(0).SetCurrentVBucketSeqno(7)
	if c.session.Partition(0).CurrentVBucketSeqno() != 7 {
		t.Fatalf("expected seqno 7")
	}
}

func TestConductorDisconnectIsReentrant(t *testing.T) {
	cfg := testBucketConfig(1, []string{"n1"})
	provider := NewStaticConfigProvider(cfg)
	sysHandler := &recordingSystemHandler{}
	c := NewConductor("bucket", testConductorSettings(), CBAuthCredentials, provider, nil, sysHandler, nil)
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Wire a Fixer directly against a stub dial, skipping
	// EstablishDcpConnections' real network dial -- this test is only
	// exercising the reentrancy guarantee, not connection setup.
	registry := NewChannelRegistry()
	retryPolicy := RetryPolicy{MaxAttempts: 2, Delay: func(int) time.Duration { return time.Millisecond }}
	fixer := NewFixer(registry, c.session, provider, func(NodeConfig) (*DcpChannel, error) { return nil, errBoom }, testConductorSettings(), sysHandler, retryPolicy)
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		fixer.Run(ctx)
	}()
	if err := fixer.WaitTillStarted(time.Second); err != nil {
		t.Fatalf("fixer did not start: %v", err)
	}
	c.mu.Lock()
	c.fixer = fixer
	c.registry = registry
	c.fixerCtx = cancel
	c.fixerDone = runDone
	c.mu.Unlock()
	defer func() {
		cancel()
		<-runDone
	}()

	// A fixer-invoked callback that itself calls Disconnect(true) must
	// not deadlock -- this is the reentrancy guarantee spec.md §4.5
	// requires and Fixer.InWorkerGoroutine backs.
	disconnectDone := make(chan struct{})
	go func() {
		// Simulate a SystemEventHandler callback (invoked from a Fixer
		// worker goroutine via notifyFatal) calling back into
		// Disconnect -- Fixer.InWorkerGoroutine must report true here so
		// Disconnect skips joining the Fixer goroutine it is itself
		// running on.
		fixer.workerGIDs.Store(goroutineID(), struct{}{})
		defer fixer.workerGIDs.Delete(goroutineID())
		c.Disconnect(true)
		close(disconnectDone)
	}()

	select {
	case <-disconnectDone:
	case <-time.After(time.Second):
		t.Fatalf("Disconnect from within a worker goroutine deadlocked")
	}
	if c.session.Connected() {
		t.Fatalf("expected session disconnected")
	}
}
