package dcp

import "sync"

// SessionState is the vector of PartitionStates indexed by partition id,
// per spec.md §3. A SessionState is created on first successful
// connect() and reused across reconnects, preserving progress -- only
// its connected/disconnected flags toggle.
type SessionState struct {
	mu          sync.RWMutex
	partitions  []*PartitionState
	connected   bool
}

// NewSessionState allocates a SessionState for numPartitions vbuckets.
func NewSessionState(numPartitions int) *SessionState {
	s := &SessionState{partitions: make([]*PartitionState, numPartitions)}
	for i := range s.partitions {
		s.partitions[i] = NewPartitionState(uint16(i))
	}
	return s
}

func (s *SessionState) NumPartitions() int { return len(s.partitions) }

// Partition returns the PartitionState for id, or nil if out of range.
func (s *SessionState) Partition(id uint16) *PartitionState {
	if int(id) >= len(s.partitions) {
		return nil
	}
	return s.partitions[id]
}

func (s *SessionState) Partitions() []*PartitionState {
	out := make([]*PartitionState, len(s.partitions))
	copy(out, s.partitions)
	return out
}

// SetConnected marks the session connected (idempotent) and brings
// every partition out of the disconnected state it's latched in.
func (s *SessionState) SetConnected() {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	for _, p := range s.partitions {
		p.Reconnect()
	}
}

// SetDisconnected marks the session disconnected; every PartitionState
// transitions to DISCONNECTED and all its condition variables are
// signaled, per spec.md §3.
func (s *SessionState) SetDisconnected() {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	for _, p := range s.partitions {
		p.Disconnect()
	}
}

func (s *SessionState) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}
