package dcp

import (
	"testing"
	"time"

	"github.com/enesacikoglu/analytics-dcp-client/dcp/transport"
)

func TestPartitionStateOpenAndAdvance(t *testing.T) {
	p := NewPartitionState(3)
	p.Open(100, EndSeqnoInfinite, 90, 100)
	if p.State() != StreamConnecting {
		t.Fatalf("expected CONNECTING after Open, got %v", p.State())
	}
	p.SetState(StreamConnected)
	if end := p.AdvanceSeqno(150); end {
		t.Fatalf("did not expect end-of-stream before endSeqno")
	}
	snap := p.Snapshot()
	if snap.StartSeqno != 150 {
		t.Fatalf("expected startSeqno to advance to 150, got %d", snap.StartSeqno)
	}
}

func TestPartitionStateEndOfStream(t *testing.T) {
	p := NewPartitionState(1)
	p.Open(0, 10, 0, 10)
	p.SetState(StreamConnected)
	if end := p.AdvanceSeqno(10); !end {
		t.Fatalf("expected end-of-stream when seqno reaches endSeqno")
	}
	if p.State() != StreamDisconnected {
		t.Fatalf("expected DISCONNECTED after reaching endSeqno, got %v", p.State())
	}
	if p.EndReason() != StreamEndOK {
		t.Fatalf("expected StreamEndOK, got %v", p.EndReason())
	}
}

func TestPartitionStateWaitTimesOut(t *testing.T) {
	p := NewPartitionState(0)
	err := p.Wait(StreamConnected, 10*time.Millisecond)
	if err != ErrTimedOut {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
}

func TestPartitionStateWaitWakesOnStateChange(t *testing.T) {
	p := NewPartitionState(0)
	done := make(chan error, 1)
	go func() { done <- p.Wait(StreamConnected, time.Second) }()
	time.Sleep(10 * time.Millisecond)
	p.SetState(StreamConnected)
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPartitionStateDisconnectWakesAllWaiters(t *testing.T) {
	p := NewPartitionState(0)
	done := make(chan error, 1)
	go func() { done <- p.Wait(StreamConnected, time.Second) }()
	time.Sleep(10 * time.Millisecond)
	p.Disconnect()
	if err := <-done; err != ErrSessionDisconnected {
		t.Fatalf("expected ErrSessionDisconnected, got %v", err)
	}
}

func TestPartitionStateUseStreamRequestPicksFailoverEntry(t *testing.T) {
	p := NewPartitionState(5)
	p.SetFailoverLog([]transport.FailoverEntry{
		{VBucketUUID: 2, Seqno: 200},
		{VBucketUUID: 1, Seqno: 0},
	})
	p.Open(150, EndSeqnoInfinite, 100, 150)
	frame := p.UseStreamRequest(42)
	if frame.VBucketUUID != 1 {
		t.Fatalf("expected to pick the entry whose seqno <= startSeqno, got uuid %d", frame.VBucketUUID)
	}
}

func TestPartitionStateRollbackTo(t *testing.T) {
	p := NewPartitionState(0)
	p.Open(500, EndSeqnoInfinite, 400, 500)
	p.RollbackTo(300)
	snap := p.Snapshot()
	if snap.StartSeqno != 300 || snap.SnapshotStartSeqno != 300 || snap.SnapshotEndSeqno != 300 {
		t.Fatalf("expected rollback to collapse all three seqnos to 300, got %+v", snap)
	}
}

func TestPartitionStateReconnectClearsDisconnected(t *testing.T) {
	p := NewPartitionState(0)
	p.Disconnect()
	if err := p.Wait(StreamConnected, time.Millisecond); err != ErrSessionDisconnected {
		t.Fatalf("expected disconnected wait to fail fast")
	}
	p.Reconnect()
	err := p.Wait(StreamConnected, 10*time.Millisecond)
	if err != ErrTimedOut {
		t.Fatalf("expected a live timeout after Reconnect, got %v", err)
	}
}
