// Package transport holds the byte-layout details spec.md §6 exposes on
// top of github.com/couchbase/gomemcached: DCP-specific extras layouts
// (mutation metadata, snapshot markers, failover logs), HELO feature
// codes, control-setting key names, and the 24-byte header read/write
// in frame.go, which is hand-written on top of gomemcached's
// MCRequest/MCResponse structs rather than delegated to gomemcached —
// this is deliberately the thin byte-layout seam spec.md §1 scopes the
// framing codec down to.
package transport

import "github.com/couchbase/gomemcached"

// Opcode aliases the DCP subset of gomemcached's CommandCode, named the
// way spec.md §6 names them (spec.md's hex values match gomemcached's
// historical UPR_ constants byte for byte, DCP having been named UPR
// internally before its public rename).
const (
	OpcodeOpenConnection     = gomemcached.UPR_OPEN
	OpcodeAddStream          = gomemcached.UPR_ADDSTREAM
	OpcodeCloseStream        = gomemcached.UPR_CLOSESTREAM
	OpcodeStreamRequest      = gomemcached.UPR_STREAMREQ
	OpcodeGetFailoverLog     = gomemcached.UPR_FAILOVERLOG
	OpcodeStreamEnd          = gomemcached.UPR_STREAMEND
	OpcodeSnapshotMarker     = gomemcached.UPR_SNAPSHOT
	OpcodeMutation           = gomemcached.UPR_MUTATION
	OpcodeDeletion           = gomemcached.UPR_DELETION
	OpcodeExpiration         = gomemcached.UPR_EXPIRATION
	OpcodeFlush              = gomemcached.UPR_FLUSH
	OpcodeSetVBucketState    = gomemcached.UPR_SETVBUCKET
	OpcodeNoop               = gomemcached.UPR_NOOP
	OpcodeBufferAck          = gomemcached.UPR_BUFFERACK
	OpcodeControl            = gomemcached.UPR_CONTROL
	OpcodeHELO               = gomemcached.HELLO
	OpcodeSASLAuth           = gomemcached.SASL_AUTH
	OpcodeSASLListMechs      = gomemcached.SASL_LIST_MECHS
	OpcodeSASLStep           = gomemcached.SASL_STEP
	OpcodeSelectBucket       = gomemcached.SELECT_BUCKET
	OpcodeGetAllVBSeqnos     = gomemcached.GET_ALL_VB_SEQNOS

	// The following three are supplemented opcodes (SPEC_FULL.md's
	// collections/OSO-backfill supplement) that predate gomemcached's
	// own UPR_* const block in this module's pinned version, so they're
	// given directly as gomemcached.CommandCode values rather than
	// aliased from it, using the values Couchbase's binary protocol
	// documentation assigns them.
	OpcodeSystemEvent   = gomemcached.CommandCode(0x5f)
	OpcodeSeqnoAdvanced = gomemcached.CommandCode(0x64)
	OpcodeOSOSnapshot   = gomemcached.CommandCode(0x65)
)

// Status aliases the subset of gomemcached.Status values DcpChannel's
// per-opcode dispatch distinguishes between.
const (
	StatusSuccess      = gomemcached.SUCCESS
	StatusRollback     = gomemcached.ROLLBACK
	StatusNotMyVBucket = gomemcached.NOT_MY_VBUCKET
	StatusTmpFail      = gomemcached.ETMPFAIL
	StatusBusy         = gomemcached.EBUSY
	StatusAuthError    = gomemcached.AUTH_ERROR
	StatusUnknownCmd   = gomemcached.UNKNOWN_COMMAND
)

// Feature is a HELO feature code negotiated at connect time (step 4 of
// spec.md §4.3's connect sequence).
type Feature uint16

const (
	FeatureTLS           Feature = 0x02
	FeatureTCPNoDelay    Feature = 0x03
	FeatureMutationSeqno Feature = 0x04
	FeatureXattr         Feature = 0x06
	FeatureXerror        Feature = 0x07
	FeatureSnappy        Feature = 0x0a
	FeatureJSON          Feature = 0x0b
	FeatureCollections   Feature = 0x12
)

// Control setting keys sent via OpcodeControl, per spec.md §4.3 step 6.
const (
	ControlConnectionBufferSize              = "connection_buffer_size"
	ControlEnableNoop                        = "enable_noop"
	ControlSetNoopInterval                   = "set_noop_interval"
	ControlSetPriority                       = "set_priority"
	ControlEnableExtMetadata                 = "enable_ext_metadata"
	ControlEnableStreamEndOnClientCloseStream = "enable_stream_end_on_client_close_stream"
	ControlSendStreamEndOnClientCloseStream   = "send_stream_end_on_client_close_stream"
)
