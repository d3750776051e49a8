package dcp

import "testing"

func TestSessionStateConnectDisconnect(t *testing.T) {
	s := NewSessionState(4)
	if s.NumPartitions() != 4 {
		t.Fatalf("expected 4 partitions, got %d", s.NumPartitions())
	}
	s.SetConnected()
	if !s.Connected() {
		t.Fatalf("expected session connected")
	}
	s.SetDisconnected()
	if s.Connected() {
		t.Fatalf("expected session disconnected")
	}
	for _, p := range s.Partitions() {
		if p.State() != StreamDisconnected {
			t.Fatalf("expected every partition DISCONNECTED, got %v for partition %d", p.State(), p.ID())
		}
	}
}

func TestSessionStatePartitionOutOfRange(t *testing.T) {
	s := NewSessionState(2)
	if p := s.Partition(5); p != nil {
		t.Fatalf("expected nil for out-of-range partition id")
	}
}

func TestSessionStateReconnectRevivesPartitions(t *testing.T) {
	s := NewSessionState(2)
	s.SetConnected()
	s.SetDisconnected()
	s.SetConnected()
	for _, p := range s.Partitions() {
		if p.State() != StreamDisconnected {
			t.Fatalf("reconnect should not itself open streams, only clear the disconnected latch")
		}
	}
}
