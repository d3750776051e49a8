package transport

import (
	"encoding/binary"

	"github.com/couchbase/gomemcached"
)

// StreamRequestFrame is the wire-level shape of spec.md §3's
// StreamRequest value type: everything needed to build a STREAM_REQ
// request body, including the per-request opaque and flags that
// dcp.StreamRequest does not carry. It is a separate type so this
// package stays free of any dependency on the dcp package.
type StreamRequestFrame struct {
	VBucket            uint16
	Opaque             uint32
	Flags              uint32
	StartSeqno         uint64
	EndSeqno           uint64
	VBucketUUID        uint64
	SnapshotStartSeqno uint64
	SnapshotEndSeqno   uint64
	CollectionIDs      []uint32
}

// EncodeStreamRequest builds the STREAM_REQ request for a
// StreamRequestFrame, per spec.md §6's body layout (extras = flags(4)
// reserved(4) startSeqno(8) endSeqno(8) vbucketUuid(8)
// snapshotStartSeqno(8) snapshotEndSeqno(8)), optionally followed by a
// collections-filter value body when CollectionIDs is non-empty.
func EncodeStreamRequest(f StreamRequestFrame) *gomemcached.MCRequest {
	extras := make([]byte, 48)
	binary.BigEndian.PutUint32(extras[0:4], f.Flags)
	binary.BigEndian.PutUint32(extras[4:8], 0) // reserved
	binary.BigEndian.PutUint64(extras[8:16], f.StartSeqno)
	binary.BigEndian.PutUint64(extras[16:24], f.EndSeqno)
	binary.BigEndian.PutUint64(extras[24:32], f.VBucketUUID)
	binary.BigEndian.PutUint64(extras[32:40], f.SnapshotStartSeqno)
	binary.BigEndian.PutUint64(extras[40:48], f.SnapshotEndSeqno)

	req := &gomemcached.MCRequest{
		Opcode:  OpcodeStreamRequest,
		VBucket: f.VBucket,
		Opaque:  f.Opaque,
		Extras:  extras,
	}
	if len(f.CollectionIDs) > 0 {
		req.Body = encodeCollectionsFilter(f.CollectionIDs)
	}
	return req
}

func encodeCollectionsFilter(ids []uint32) []byte {
	// {"collections":["<hex-cid>", ...]} — the JSON collections-filter
	// body DCP_STREAMREQ expects when the connection negotiated the
	// collections feature.
	buf := []byte(`{"collections":[`)
	for i, id := range ids {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '"')
		buf = appendHex32(buf, id)
		buf = append(buf, '"')
	}
	buf = append(buf, ']', '}')
	return buf
}

func appendHex32(buf []byte, v uint32) []byte {
	const hexDigits = "0123456789abcdef"
	started := false
	for shift := 28; shift >= 0; shift -= 4 {
		nibble := (v >> uint(shift)) & 0xf
		if nibble != 0 || started || shift == 0 {
			buf = append(buf, hexDigits[nibble])
			started = true
		}
	}
	return buf
}

// DecodeStreamRequest is the inverse of EncodeStreamRequest, used by
// tests asserting the round-trip property in spec.md §8.
func DecodeStreamRequest(req *gomemcached.MCRequest) StreamRequestFrame {
	f := StreamRequestFrame{
		VBucket: req.VBucket,
		Opaque:  req.Opaque,
	}
	if len(req.Extras) >= 48 {
		f.Flags = binary.BigEndian.Uint32(req.Extras[0:4])
		f.StartSeqno = binary.BigEndian.Uint64(req.Extras[8:16])
		f.EndSeqno = binary.BigEndian.Uint64(req.Extras[16:24])
		f.VBucketUUID = binary.BigEndian.Uint64(req.Extras[24:32])
		f.SnapshotStartSeqno = binary.BigEndian.Uint64(req.Extras[32:40])
		f.SnapshotEndSeqno = binary.BigEndian.Uint64(req.Extras[40:48])
	}
	return f
}
