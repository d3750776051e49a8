package dcp

import (
	"bufio"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/couchbase/gomemcached"

	"github.com/enesacikoglu/analytics-dcp-client/dcp/transport"
	"github.com/enesacikoglu/analytics-dcp-client/internal/settings"
)

// fakeServer drives the server side of a net.Pipe() connection,
// answering handshake requests the way a real DCP producer would, per
// spec.md §4.3's connect sequence. Tests grab it to inject further
// frames (mutations, snapshot markers, stream-end) after connect.
type fakeServer struct {
	t    *testing.T
	conn net.Conn
}

func newFakeServer(t *testing.T, conn net.Conn) *fakeServer {
	return &fakeServer{t: t, conn: conn}
}

func (f *fakeServer) recvRequest() *gomemcached.MCRequest {
	f.t.Helper()
	req, _, err := transport.ReadFrame(f.conn)
	if err != nil {
		f.t.Fatalf("fake server: read request: %v", err)
	}
	if req == nil {
		f.t.Fatalf("fake server: expected a request frame")
	}
	return req
}

func (f *fakeServer) reply(req *gomemcached.MCRequest, status gomemcached.Status, body []byte) {
	f.t.Helper()
	res := &gomemcached.MCResponse{Opcode: req.Opcode, Opaque: req.Opaque, Status: status, Body: body}
	if err := transport.WriteResponse(f.conn, res); err != nil {
		f.t.Fatalf("fake server: write response: %v", err)
	}
}

// runHandshake answers the fixed sequence of handshake requests
// Connect issues: SASL auth, select bucket, HELO, open connection,
// then one reply per control setting sendControls sends.
func (f *fakeServer) runHandshake(numControls int) {
	f.reply(f.recvRequest(), transport.StatusSuccess, nil) // SASL auth
	f.reply(f.recvRequest(), transport.StatusSuccess, nil) // select bucket
	f.reply(f.recvRequest(), transport.StatusSuccess, nil) // HELO
	f.reply(f.recvRequest(), transport.StatusSuccess, nil) // open connection
	for i := 0; i < numControls; i++ {
		f.reply(f.recvRequest(), transport.StatusSuccess, nil)
	}
}

func TestDcpChannelHandshakeAndOpenStream(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	server := newFakeServer(t, serverConn)

	session := NewSessionState(4)
	session.SetConnected()
	events := make(chan Event, 16)
	cfg := settings.DefaultConfig()
	ch := NewDcpChannel(NodeConfig{Hostname: "node1"}, "bucket", cfg, func(string) (string, string, error) {
		return "user", "pass", nil
	}, session, NopDataHandler{}, NopSystemHandler{}, NopControlHandler{}, events)

	ch.conn = clientConn
	ch.reader = bufio.NewReader(clientConn)

	done := make(chan error, 1)
	go func() {
		done <- func() error {
			if err := ch.authenticate(); err != nil {
				return err
			}
			if err := ch.selectBucket(); err != nil {
				return err
			}
			if err := ch.negotiateFeatures(); err != nil {
				return err
			}
			if err := ch.openConnection(); err != nil {
				return err
			}
			return ch.sendControls()
		}()
	}()

	server.runHandshake(6)
	if err := <-done; err != nil {
		t.Fatalf("handshake failed: %v", err)
	}

	p := session.Partition(0)
	p.Open(0, EndSeqnoInfinite, 0, 0)

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		req := server.recvRequest()
		if req.Opcode != transport.OpcodeStreamRequest {
			t.Errorf("expected STREAM_REQ, got opcode 0x%02x", byte(req.Opcode))
			return
		}
		log := make([]byte, 16)
		binary.BigEndian.PutUint64(log[0:8], 111)
		binary.BigEndian.PutUint64(log[8:16], 0)
		server.reply(req, transport.StatusSuccess, log)
	}()

	if err := ch.OpenStream(0); err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	// net.Pipe is unbuffered: the server's reply write only completes
	// once this side reads it, so read before waiting on serverDone.
	_, res, err := transport.ReadFrame(ch.reader)
	if err != nil {
		t.Fatalf("read stream-req response: %v", err)
	}
	<-serverDone
	ch.handleResponse(res)

	if p.State() != StreamConnected {
		t.Fatalf("expected CONNECTED after successful stream-req, got %v", p.State())
	}
	if len(p.FailoverLog()) != 1 || p.FailoverLog()[0].VBucketUUID != 111 {
		t.Fatalf("expected failover log to be parsed from the response body")
	}
}

func TestDcpChannelMutationDeliveryAndAck(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	session := NewSessionState(1)
	session.SetConnected()
	session.Partition(0).Open(0, EndSeqnoInfinite, 0, 100)
	session.Partition(0).SetState(StreamConnected)

	received := make(chan DataMessage, 1)
	handler := dataHandlerFunc(func(m DataMessage) { received <- m })

	events := make(chan Event, 16)
	cfg := settings.DefaultConfig()
	cfg.Set("connectionBufferSize", 1000)
	cfg.Set("ackWatermarkPercent", 1)
	ch := NewDcpChannel(NodeConfig{Hostname: "node1"}, "bucket", cfg, func(string) (string, string, error) {
		return "u", "p", nil
	}, session, handler, NopSystemHandler{}, NopControlHandler{}, events)
	ch.conn = clientConn
	ch.reader = bufio.NewReader(clientConn)

	go func() {
		extras := make([]byte, 16)
		binary.BigEndian.PutUint64(extras[0:8], 5)
		req := &gomemcached.MCRequest{Opcode: transport.OpcodeMutation, VBucket: 0, Extras: extras, Key: []byte("k"), Body: []byte("v")}
		transport.WriteRequest(serverConn, req)
	}()

	req, _, err := transport.ReadFrame(ch.reader)
	if err != nil {
		t.Fatalf("read mutation: %v", err)
	}
	ch.handleInboundRequest(req)

	// Crediting this many bytes crosses the watermark, so creditAck
	// writes a BUFFER_ACKNOWLEDGEMENT request back down clientConn.
	// net.Pipe is unbuffered, so that write blocks until something
	// reads serverConn -- drain it concurrently before calling Ack.
	ackFrame := make(chan *gomemcached.MCRequest, 1)
	go func() {
		req, _, err := transport.ReadFrame(serverConn)
		if err != nil {
			t.Errorf("reading buffer-ack frame: %v", err)
			return
		}
		ackFrame <- req
	}()

	select {
	case m := <-received:
		if m.Kind != MessageMutation || m.BySeqno != 5 {
			t.Fatalf("unexpected message: %+v", m)
		}
		m.Ack(len(m.Key) + len(m.Value) + transport.HeaderSize)
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for mutation delivery")
	}

	select {
	case req := <-ackFrame:
		if req.Opcode != transport.OpcodeBufferAck {
			t.Fatalf("expected a BUFFER_ACKNOWLEDGEMENT frame, got opcode 0x%02x", byte(req.Opcode))
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for buffer-ack frame")
	}

	if session.Partition(0).Snapshot().StartSeqno != 5 {
		t.Fatalf("expected partition seqno to advance to 5")
	}
}

type dataHandlerFunc func(DataMessage)

func (f dataHandlerFunc) OnEvent(m DataMessage) { f(m) }
