package transport

import (
	"encoding/binary"
	"fmt"
)

// MutationExtras is the extras block that follows the header on
// MUTATION/DELETION/EXPIRATION frames, per spec.md §6: 31 bytes when
// every field is present (bySeqno 8, revSeqno 8, flags 4, expiry 4,
// lockTime 4, metadataSize 2, nru 1), shorter on frames that omit the
// trailing fields.
type MutationExtras struct {
	BySeqno      uint64
	RevSeqno     uint64
	Flags        uint32
	Expiry       uint32
	LockTime     uint32
	MetadataSize uint16
	Nru          uint8
}

// ParseMutationExtras decodes the fixed-layout mutation extras block.
// Deletion frames omit Flags/Expiry/LockTime/Nru in some protocol
// revisions; callers pass the raw extras slice and get back whatever
// fields that length actually carries, zero-valued otherwise.
func ParseMutationExtras(extras []byte) (MutationExtras, error) {
	var m MutationExtras
	if len(extras) < 16 {
		return m, fmt.Errorf("transport: mutation extras too short: %d bytes", len(extras))
	}
	m.BySeqno = binary.BigEndian.Uint64(extras[0:8])
	m.RevSeqno = binary.BigEndian.Uint64(extras[8:16])
	if len(extras) >= 24 {
		m.Flags = binary.BigEndian.Uint32(extras[16:20])
		m.Expiry = binary.BigEndian.Uint32(extras[20:24])
	}
	if len(extras) >= 28 {
		m.LockTime = binary.BigEndian.Uint32(extras[24:28])
	}
	if len(extras) >= 30 {
		m.MetadataSize = binary.BigEndian.Uint16(extras[28:30])
	}
	if len(extras) >= 31 {
		m.Nru = extras[30]
	}
	return m, nil
}

// SnapshotMarker is the extras block on a SNAPSHOT_MARKER frame.
type SnapshotMarker struct {
	StartSeqno uint64
	EndSeqno   uint64
	Flags      uint32
}

func ParseSnapshotMarker(extras []byte) (SnapshotMarker, error) {
	var s SnapshotMarker
	if len(extras) < 20 {
		return s, fmt.Errorf("transport: snapshot marker extras too short: %d bytes", len(extras))
	}
	s.StartSeqno = binary.BigEndian.Uint64(extras[0:8])
	s.EndSeqno = binary.BigEndian.Uint64(extras[8:16])
	s.Flags = binary.BigEndian.Uint32(extras[16:20])
	return s, nil
}

// FailoverEntry is one (vbucketUuid, seqno) pair from a GET_FAILOVER_LOG
// response body, most-recent-first per spec.md §3.
type FailoverEntry struct {
	VBucketUUID uint64
	Seqno       uint64
}

// ParseFailoverLog decodes the repeated 16-byte (uuid, seqno) pairs in a
// GET_FAILOVER_LOG response body.
func ParseFailoverLog(body []byte) ([]FailoverEntry, error) {
	if len(body)%16 != 0 {
		return nil, fmt.Errorf("transport: failover log body length %d not a multiple of 16", len(body))
	}
	n := len(body) / 16
	log := make([]FailoverEntry, n)
	for i := 0; i < n; i++ {
		off := i * 16
		log[i] = FailoverEntry{
			VBucketUUID: binary.BigEndian.Uint64(body[off : off+8]),
			Seqno:       binary.BigEndian.Uint64(body[off+8 : off+16]),
		}
	}
	return log, nil
}

// RollbackSeqno decodes an 8-byte ROLLBACK response body.
func RollbackSeqno(body []byte) (uint64, error) {
	if len(body) != 8 {
		return 0, fmt.Errorf("transport: rollback body length %d != 8", len(body))
	}
	return binary.BigEndian.Uint64(body), nil
}

// SystemEventExtras is the extras block on a DCP_SYSTEM_EVENT frame:
// bySeqno(8) + event type(4) + version(1), per the supplemented
// collections opcode set SPEC_FULL.md adds.
type SystemEventExtras struct {
	BySeqno uint64
	Event   uint32
	Version uint8
}

func ParseSystemEventExtras(extras []byte) (SystemEventExtras, error) {
	var e SystemEventExtras
	if len(extras) < 13 {
		return e, fmt.Errorf("transport: system event extras too short: %d bytes", len(extras))
	}
	e.BySeqno = binary.BigEndian.Uint64(extras[0:8])
	e.Event = binary.BigEndian.Uint32(extras[8:12])
	e.Version = extras[12]
	return e, nil
}

// ParseSeqnoAdvancedExtras decodes the 8-byte bySeqno extras of a
// DCP_SEQNO_ADVANCED frame.
func ParseSeqnoAdvancedExtras(extras []byte) (uint64, error) {
	if len(extras) < 8 {
		return 0, fmt.Errorf("transport: seqno-advanced extras too short: %d bytes", len(extras))
	}
	return binary.BigEndian.Uint64(extras[0:8]), nil
}

// VBucketSeqno is one entry of a GET_ALL_VB_SEQNOS response body: a
// vbucket id followed by its current high seqno.
type VBucketSeqno struct {
	VBucket uint16
	Seqno   uint64
}

func ParseAllVBSeqnos(body []byte) ([]VBucketSeqno, error) {
	if len(body)%10 != 0 {
		return nil, fmt.Errorf("transport: get-all-vb-seqnos body length %d not a multiple of 10", len(body))
	}
	n := len(body) / 10
	out := make([]VBucketSeqno, n)
	for i := 0; i < n; i++ {
		off := i * 10
		out[i] = VBucketSeqno{
			VBucket: binary.BigEndian.Uint16(body[off : off+2]),
			Seqno:   binary.BigEndian.Uint64(body[off+2 : off+10]),
		}
	}
	return out, nil
}
