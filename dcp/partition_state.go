package dcp

import (
	"sync"
	"time"

	"github.com/enesacikoglu/analytics-dcp-client/dcp/transport"
)

// StreamState is PartitionState.state's value set, per spec.md §3.
type StreamState int

const (
	StreamDisconnected StreamState = iota
	StreamConnecting
	StreamConnected
	StreamDisconnecting
)

func (s StreamState) String() string {
	switch s {
	case StreamDisconnected:
		return "DISCONNECTED"
	case StreamConnecting:
		return "CONNECTING"
	case StreamConnected:
		return "CONNECTED"
	case StreamDisconnecting:
		return "DISCONNECTING"
	default:
		return "UNKNOWN"
	}
}

// EndSeqnoInfinite is the "follow forever" end-seqno sentinel, per
// spec.md §3.
const EndSeqnoInfinite uint64 = 0xFFFFFFFFFFFFFFFF

// PartitionState is one per-vbucket record, per spec.md §3. All
// exported methods are thread-safe; only the owning DcpChannel's
// reader goroutine (or the Fixer, never concurrently with that
// channel -- spec.md §5) mutates startSeqno/snapshot fields.
type PartitionState struct {
	mu sync.Mutex

	id uint16

	state StreamState

	startSeqno uint64
	endSeqno   uint64

	snapshotStartSeqno uint64
	snapshotEndSeqno   uint64

	vbucketUUID uint64
	failoverLog []transport.FailoverEntry

	currentVBucketSeqno uint64

	pendingFailoverRequest bool
	pendingSeqRequest      bool

	endReason StreamEndReason

	failoverUpdated    *sync.Cond
	currentSeqUpdated  *sync.Cond
	streamStateChanged *sync.Cond

	disconnected     bool
	disconnectedOnce sync.Once
	disconnectedCh   chan struct{}
}

// NewPartitionState constructs a partition record at rest
// (DISCONNECTED, no failover log yet).
func NewPartitionState(id uint16) *PartitionState {
	p := &PartitionState{id: id, disconnectedCh: make(chan struct{})}
	p.failoverUpdated = sync.NewCond(&p.mu)
	p.currentSeqUpdated = sync.NewCond(&p.mu)
	p.streamStateChanged = sync.NewCond(&p.mu)
	return p
}

func (p *PartitionState) ID() uint16 { return p.id }

// State returns the current stream state.
func (p *PartitionState) State() StreamState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetState transitions the partition and signals streamStateChanged,
// per spec.md §4.2.
func (p *PartitionState) SetState(s StreamState) {
	p.mu.Lock()
	p.state = s
	p.streamStateChanged.Broadcast()
	p.mu.Unlock()
}

// FailoverRequest marks a failover-log fetch as pending and clears the
// failoverUpdated signal until the response arrives, per spec.md §4.2.
func (p *PartitionState) FailoverRequest() {
	p.mu.Lock()
	p.pendingFailoverRequest = true
	p.mu.Unlock()
}

// CurrentSeqRequest marks a get-seqnos fetch as pending.
func (p *PartitionState) CurrentSeqRequest() {
	p.mu.Lock()
	p.pendingSeqRequest = true
	p.mu.Unlock()
}

// SetFailoverLog stores the failover log, signals waiters, and clears
// the pending flag.
func (p *PartitionState) SetFailoverLog(log []transport.FailoverEntry) {
	p.mu.Lock()
	p.failoverLog = log
	if len(log) > 0 {
		p.vbucketUUID = log[0].VBucketUUID
	}
	p.pendingFailoverRequest = false
	p.failoverUpdated.Broadcast()
	p.mu.Unlock()
}

// FailoverLog returns a copy of the current failover log.
func (p *PartitionState) FailoverLog() []transport.FailoverEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]transport.FailoverEntry, len(p.failoverLog))
	copy(out, p.failoverLog)
	return out
}

// SetCurrentVBucketSeqno stores the last observed high seqno (from
// get-seqnos) and signals waiters.
func (p *PartitionState) SetCurrentVBucketSeqno(seqno uint64) {
	p.mu.Lock()
	p.currentVBucketSeqno = seqno
	p.pendingSeqRequest = false
	p.currentSeqUpdated.Broadcast()
	p.mu.Unlock()
}

func (p *PartitionState) CurrentVBucketSeqno() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentVBucketSeqno
}

// waitCond blocks on cond until predicate holds, disconnected becomes
// true, or timeout elapses. Must be called with p.mu held; it releases
// and re-acquires the lock the way sync.Cond.Wait always does.
func (p *PartitionState) waitCond(cond *sync.Cond, timeout time.Duration, predicate func() bool) error {
	if predicate() {
		return nil
	}
	if p.disconnected {
		return ErrSessionDisconnected
	}
	done := make(chan struct{})
	timer := time.AfterFunc(timeout, func() {
		close(done)
		// Wake every waiter on this cond so the timed-out one (and
		// only it) observes done closed and returns; others re-check
		// their own predicate and go back to waiting.
		p.mu.Lock()
		cond.Broadcast()
		p.mu.Unlock()
	})
	defer timer.Stop()

	for !predicate() && !p.disconnected {
		select {
		case <-done:
			return ErrTimedOut
		default:
		}
		cond.Wait()
	}
	if p.disconnected && !predicate() {
		return ErrSessionDisconnected
	}
	return nil
}

// WaitTillFailoverUpdated blocks until SetFailoverLog has been called
// since the last FailoverRequest, or timeout elapses.
func (p *PartitionState) WaitTillFailoverUpdated(timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitCond(p.failoverUpdated, timeout, func() bool { return !p.pendingFailoverRequest })
}

// WaitTillCurrentSeqUpdated blocks until SetCurrentVBucketSeqno has
// been called since the last CurrentSeqRequest, or timeout elapses.
func (p *PartitionState) WaitTillCurrentSeqUpdated(timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitCond(p.currentSeqUpdated, timeout, func() bool { return !p.pendingSeqRequest })
}

// Wait blocks until state == expected or timeout elapses.
func (p *PartitionState) Wait(expected StreamState, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitCond(p.streamStateChanged, timeout, func() bool { return p.state == expected })
}

// Disconnect marks the partition DISCONNECTED and wakes every blocked
// waiter with ErrSessionDisconnected, per spec.md §5.
func (p *PartitionState) Disconnect() {
	p.mu.Lock()
	p.disconnected = true
	p.state = StreamDisconnected
	p.failoverUpdated.Broadcast()
	p.currentSeqUpdated.Broadcast()
	p.streamStateChanged.Broadcast()
	p.mu.Unlock()
	p.disconnectedOnce.Do(func() { close(p.disconnectedCh) })
}

// Reconnect clears the disconnected flag so a reused SessionState can
// serve a fresh connect() after a prior disconnect(), per spec.md §3
// "Lifecycle".
func (p *PartitionState) Reconnect() {
	p.mu.Lock()
	p.disconnected = false
	p.disconnectedCh = make(chan struct{})
	p.disconnectedOnce = sync.Once{}
	p.mu.Unlock()
}

// Open sets the requested stream window ahead of issuing a
// STREAM_REQ, per spec.md §4.2's useStreamRequest precondition.
func (p *PartitionState) Open(startSeqno, endSeqno, snapshotStart, snapshotEnd uint64) {
	p.mu.Lock()
	p.startSeqno = startSeqno
	p.endSeqno = endSeqno
	p.snapshotStartSeqno = snapshotStart
	p.snapshotEndSeqno = snapshotEnd
	p.state = StreamConnecting
	p.streamStateChanged.Broadcast()
	p.mu.Unlock()
}

// UseStreamRequest builds a transport.StreamRequestFrame from the
// partition's current fields, selecting the most recent failover-log
// entry whose seqno <= startSeqno as the vbucketUuid, per spec.md
// §4.2. If none exists, entry 0 (the most recent) is used and the
// server is expected to answer with a rollback.
func (p *PartitionState) UseStreamRequest(opaque uint32) transport.StreamRequestFrame {
	p.mu.Lock()
	defer p.mu.Unlock()

	uuid := p.vbucketUUID
	if len(p.failoverLog) > 0 {
		uuid = p.failoverLog[0].VBucketUUID
		for _, e := range p.failoverLog {
			if e.Seqno <= p.startSeqno {
				uuid = e.VBucketUUID
				break
			}
		}
	}

	return transport.StreamRequestFrame{
		VBucket:            p.id,
		Opaque:             opaque,
		StartSeqno:         p.startSeqno,
		EndSeqno:           p.endSeqno,
		VBucketUUID:        uuid,
		SnapshotStartSeqno: p.snapshotStartSeqno,
		SnapshotEndSeqno:   p.snapshotEndSeqno,
	}
}

// AdvanceSnapshot opens a new snapshot window, per spec.md §4.2.
func (p *PartitionState) AdvanceSnapshot(start, end uint64) {
	p.mu.Lock()
	p.snapshotStartSeqno = start
	p.snapshotEndSeqno = end
	p.mu.Unlock()
}

// AdvanceSeqno records delivery of a mutation at seqno s, transitioning
// to DISCONNECTED with OK_END_OF_STREAM when s == endSeqno, per spec.md
// §4.2. It does not check s against snapshotEnd: a seqno past the open
// snapshot window is stored as given and the window is left unchanged.
func (p *PartitionState) AdvanceSeqno(s uint64) (endOfStream bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startSeqno = s
	if s == p.endSeqno {
		p.state = StreamDisconnected
		p.endReason = StreamEndOK
		p.streamStateChanged.Broadcast()
		return true
	}
	return false
}

// Snapshot returns a consistent, read-only view of the partition's
// resume point -- exactly the tuple spec.md §6 says the embedder is
// responsible for persisting.
type Snapshot struct {
	VBucketUUID        uint64
	StartSeqno         uint64
	SnapshotStartSeqno uint64
	SnapshotEndSeqno   uint64
	State              StreamState
}

func (p *PartitionState) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		VBucketUUID:        p.vbucketUUID,
		StartSeqno:         p.startSeqno,
		SnapshotStartSeqno: p.snapshotStartSeqno,
		SnapshotEndSeqno:   p.snapshotEndSeqno,
		State:              p.state,
	}
}

// RollbackTo updates the resume point after a server-directed rollback,
// per spec.md §4.3's ROLLBACK handling: start/snapshotStart/snapshotEnd
// all collapse to the rollback seqno.
func (p *PartitionState) RollbackTo(seqno uint64) {
	p.mu.Lock()
	p.startSeqno = seqno
	p.snapshotStartSeqno = seqno
	p.snapshotEndSeqno = seqno
	p.mu.Unlock()
}

// EndReason returns the reason the stream last ended.
func (p *PartitionState) EndReason() StreamEndReason {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endReason
}

func (p *PartitionState) setEndReason(r StreamEndReason) {
	p.mu.Lock()
	p.endReason = r
	p.mu.Unlock()
}
