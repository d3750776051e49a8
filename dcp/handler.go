package dcp

import "github.com/enesacikoglu/analytics-dcp-client/dcp/transport"

// DataMessageKind distinguishes the payloads DataEventHandler.OnEvent
// receives, per spec.md §6 and the collections/seqno-advanced
// supplement SPEC_FULL.md adds on top of it.
type DataMessageKind int

const (
	MessageMutation DataMessageKind = iota
	MessageDeletion
	MessageExpiration
	// MessageSystemEvent and MessageSeqnoAdvanced carry the supplemented
	// DCP_SYSTEM_EVENT/DCP_SEQNO_ADVANCED opcodes. They interleave with
	// mutations in per-partition seqno order, so they ride the same
	// handler and Ack path rather than a separate one.
	MessageSystemEvent
	MessageSeqnoAdvanced
)

// DataMessage is one data-plane frame delivered to DataEventHandler,
// per spec.md §6: "onEvent(channel, message) — invoked per
// mutation/deletion/expiration; embedder must call ack(bytes) when
// done to release flow control." Ack is always non-nil. For
// MessageMutation/MessageDeletion/MessageExpiration it credits the
// channel's flow-control window; the two supplemented kinds are
// metadata-sized and pre-credited by the channel, so their Ack is a
// harmless no-op kept only so callers can treat all five kinds
// uniformly.
type DataMessage struct {
	VBucket  uint16
	Kind     DataMessageKind
	Key      []byte
	Value    []byte
	Cas      uint64
	BySeqno  uint64
	RevSeqno uint64
	Flags    uint32
	Expiry   uint32
	Datatype uint8

	// CollectionEvent/CollectionVersion are populated only for
	// MessageSystemEvent (collection/scope create-drop-flush).
	CollectionEvent   uint32
	CollectionVersion uint8

	Ack func(bytes int)
}

type DataEventHandler interface {
	OnEvent(msg DataMessage)
}

// SystemMessageKind enumerates the session-level notifications
// SystemEventHandler surfaces, per spec.md §6 ("topology, failure,
// rollback") -- distinct from the wire DCP_SYSTEM_EVENT opcode, which
// is collections metadata delivered via DataEventHandler instead.
type SystemMessageKind int

const (
	SystemTopologyChanged SystemMessageKind = iota
	SystemChannelFailed
	SystemRollback
	SystemPartitionFatal
)

type SystemMessage struct {
	Kind          SystemMessageKind
	Partition     uint16
	Node          string
	RollbackSeqno uint64
	Err           error
}

type SystemEventHandler interface {
	OnEvent(msg SystemMessage)
}

// ControlMessageKind enumerates snapshot markers and stream-end
// notices, per spec.md §6.
type ControlMessageKind int

const (
	ControlMessageSnapshotMarker ControlMessageKind = iota
	ControlMessageStreamEnd
)

type ControlMessage struct {
	Kind    ControlMessageKind
	VBucket uint16
	Marker  transport.SnapshotMarker
	Reason  StreamEndReason
}

type ControlEventHandler interface {
	OnEvent(msg ControlMessage)
}

// NopDataHandler, NopSystemHandler and NopControlHandler discard
// everything; useful for tests exercising only connection-management
// behavior.
type NopDataHandler struct{}

func (NopDataHandler) OnEvent(DataMessage) {}

type NopSystemHandler struct{}

func (NopSystemHandler) OnEvent(SystemMessage) {}

type NopControlHandler struct{}

func (NopControlHandler) OnEvent(ControlMessage) {}
