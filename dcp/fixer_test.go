package dcp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/enesacikoglu/analytics-dcp-client/internal/settings"
)

func testBucketConfig(rev int64, nodes []string) *BucketConfig {
	cfg := &BucketConfig{
		Rev:        rev,
		Bucket:     "bucket",
		Partitions: len(nodes),
		VBucketMap: make([][]int, len(nodes)),
	}
	for i, host := range nodes {
		cfg.Nodes = append(cfg.Nodes, NodeConfig{Hostname: host})
		cfg.VBucketMap[i] = []int{i}
	}
	return cfg
}

type recordingSystemHandler struct {
	mu  sync.Mutex
	got []SystemMessage
}

func (r *recordingSystemHandler) OnEvent(m SystemMessage) {
	r.mu.Lock()
	r.got = append(r.got, m)
	r.mu.Unlock()
}

func (r *recordingSystemHandler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func newTestFixer(t *testing.T, cfg *BucketConfig, dial ChannelFactory, sysHandler SystemEventHandler) (*Fixer, *SessionState, func()) {
	t.Helper()
	session := NewSessionState(cfg.Partitions)
	session.SetConnected()
	registry := NewChannelRegistry()
	provider := NewStaticConfigProvider(cfg)
	settingsCfg := settings.DefaultConfig()
	settingsCfg.Set("fixerWorkers", 2)
	settingsCfg.Set("maxChannelRepairAttempts", 2)
	retryPolicy := RetryPolicy{MaxAttempts: 2, Delay: func(int) time.Duration { return time.Millisecond }}
	fixer := NewFixer(registry, session, provider, dial, settingsCfg, sysHandler, retryPolicy)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		fixer.Run(ctx)
	}()
	if err := fixer.WaitTillStarted(time.Second); err != nil {
		t.Fatalf("fixer did not start: %v", err)
	}
	return fixer, session, func() {
		cancel()
		<-runDone
	}
}

func TestFixerPoisonStopsReactor(t *testing.T) {
	cfg := testBucketConfig(1, []string{"n1"})
	fixer, _, stop := newTestFixer(t, cfg, func(NodeConfig) (*DcpChannel, error) { return nil, nil }, NopSystemHandler{})
	defer stop()

	done := make(chan struct{})
	go func() {
		fixer.Poison()
		<-fixer.stopped
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("poison did not complete in time")
	}
}

func TestFixerSchedulePartitionRepairExhaustsAndNotifiesFatal(t *testing.T) {
	cfg := testBucketConfig(1, []string{"n1"})
	sysHandler := &recordingSystemHandler{}
	dialErr := errBoom
	fixer, session, stop := newTestFixer(t, cfg, func(NodeConfig) (*DcpChannel, error) { return nil, dialErr }, sysHandler)
	defer stop()

	fixer.Post(fatalEvent(0, Transient(dialErr)))

	deadline := time.After(2 * time.Second)
	for sysHandler.count() == 0 {
		select {
		case <-deadline:
			t.Fatalf("expected a SystemPartitionFatal notification after repair attempts are exhausted")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if session.Partition(0).State() != StreamDisconnected {
		t.Fatalf("expected partition left DISCONNECTED after exhausting repair attempts")
	}
}

func TestFixerInWorkerGoroutine(t *testing.T) {
	cfg := testBucketConfig(1, []string{"n1"})
	var sawInsideWorker bool
	var mu sync.Mutex
	sysHandler := systemHandlerFunc(func(m SystemMessage) {})
	fixer, _, stop := newTestFixer(t, cfg, func(NodeConfig) (*DcpChannel, error) { return nil, errBoom }, sysHandler)
	defer stop()

	checked := make(chan struct{})
	origDial := func(NodeConfig) (*DcpChannel, error) {
		mu.Lock()
		sawInsideWorker = fixer.InWorkerGoroutine()
		mu.Unlock()
		close(checked)
		return nil, errBoom
	}
	fixer.dial = origDial

	if fixer.InWorkerGoroutine() {
		t.Fatalf("main goroutine must not be mistaken for a worker goroutine")
	}

	fixer.Post(fatalEvent(0, Transient(errBoom)))
	select {
	case <-checked:
	case <-time.After(time.Second):
		t.Fatalf("dial was never invoked from a worker")
	}
	mu.Lock()
	defer mu.Unlock()
	if !sawInsideWorker {
		t.Fatalf("expected InWorkerGoroutine to report true from inside a Fixer-dispatched callback")
	}
}

type systemHandlerFunc func(SystemMessage)

func (f systemHandlerFunc) OnEvent(m SystemMessage) { f(m) }

var errBoom = &InvariantViolationError{Reason: "boom"}
