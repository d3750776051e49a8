package dcp

import (
	"bufio"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchbase/cbauth"
	"github.com/couchbase/gomemcached"
	"github.com/google/uuid"

	"github.com/enesacikoglu/analytics-dcp-client/dcp/transport"
	"github.com/enesacikoglu/analytics-dcp-client/internal/logging"
	"github.com/enesacikoglu/analytics-dcp-client/internal/settings"
	"github.com/enesacikoglu/analytics-dcp-client/internal/stats"
)

// CredentialSource resolves the SASL credentials a DcpChannel
// authenticates with against node, per spec.md §4.3 step 2.
type CredentialSource func(node string) (user, pass string, err error)

// CBAuthCredentials is the production CredentialSource. It resolves
// memcached credentials through cbauth.GetMemcachedServiceAuth, the
// binary-protocol counterpart of the cbauth.GetHTTPServiceAuth call the
// config package uses for HTTP credentials (spec.md §4.4).
func CBAuthCredentials(node string) (string, string, error) {
	return cbauth.GetMemcachedServiceAuth(node)
}

type pendingKind int

const (
	pendingStreamReq pendingKind = iota
	pendingCloseStream
	pendingFailoverLog
	pendingSeqnos
)

type pendingResult struct {
	seqnos []transport.VBucketSeqno
	err    error
}

type pendingEntry struct {
	kind    pendingKind
	vbucket uint16
	done    chan pendingResult
}

// DcpChannel is one TCP connection to one KV node's DCP producer, per
// spec.md §4.3. It owns a single writer (serialized by writeMu) and a
// single reader goroutine, started once the handshake is done, that
// both matches responses to pending requests and delivers mutations to
// the handlers in frame order -- the same
// one-actor-per-connection shape as the teacher's VbucketWorker, but
// scoped to a connection rather than a set of vbuckets assigned to a
// worker.
type DcpChannel struct {
	node       NodeConfig
	bucket     string
	streamName string
	useTLS     bool
	settings   settings.Config
	creds      CredentialSource

	session        *SessionState
	dataHandler    DataEventHandler
	systemHandler  SystemEventHandler
	controlHandler ControlEventHandler
	events         chan<- Event

	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex
	opaque  uint32

	pendingMu sync.Mutex
	pending   map[uint32]*pendingEntry

	features map[transport.Feature]bool

	bytesSinceAck stats.Uint64Val
	ackWatermark  uint64
	bufferSize    uint64

	closed    stats.BoolVal
	closeCh   chan struct{}
	closeOnce sync.Once

	logPrefix string
}

// NewDcpChannel constructs a channel to node, not yet connected.
func NewDcpChannel(node NodeConfig, bucket string, cfg settings.Config, creds CredentialSource, session *SessionState, dataHandler DataEventHandler, systemHandler SystemEventHandler, controlHandler ControlEventHandler, events chan<- Event) *DcpChannel {
	cfg = cfg.Clone()
	bufSize := cfg.SetDefault("connectionBufferSize", 20*1024*1024)["connectionBufferSize"].Uint64()
	watermarkPct := cfg.SetDefault("ackWatermarkPercent", 20)["ackWatermarkPercent"].Int()
	return &DcpChannel{
		node:           node,
		bucket:         bucket,
		streamName:     fmt.Sprintf("analytics-dcp-%s", uuid.NewString()),
		useTLS:         cfg["useTLS"].Bool(),
		settings:       cfg,
		creds:          creds,
		session:        session,
		dataHandler:    dataHandler,
		systemHandler:  systemHandler,
		controlHandler: controlHandler,
		events:         events,
		pending:        make(map[uint32]*pendingEntry),
		features:       make(map[transport.Feature]bool),
		bufferSize:     bufSize,
		ackWatermark:   bufSize * uint64(watermarkPct) / 100,
		closeCh:        make(chan struct{}),
		logPrefix:      fmt.Sprintf("dcp channel %s/%s", node.Hostname, bucket),
	}
}

func (c *DcpChannel) nextOpaque() uint32 { return atomic.AddUint32(&c.opaque, 1) }

// noopCancelable satisfies the cancelable interface Run needs for a
// connect sequence that isn't itself wrapped in a context -- the
// channel's own Connect call has no cancellation source of its own;
// its caller bounds it with a RetryPolicy instead.
type noopCancelable struct{}

func (noopCancelable) Done() <-chan struct{} { return nil }
func (noopCancelable) Err() error            { return nil }

// Connect runs the connect sequence under policy, per spec.md §4.3,
// then starts the inbound dispatch loop.
func (c *DcpChannel) Connect(policy RetryPolicy) error {
	err := Run(noopCancelable{}, policy, func(attempt int) error {
		dialErr := c.connectOnce()
		if dialErr != nil {
			logging.Warnf("%s: connect attempt %d failed: %v", c.logPrefix, attempt, dialErr)
			return Transient(dialErr)
		}
		return nil
	})
	if err != nil {
		return err
	}
	go c.run()
	return nil
}

func (c *DcpChannel) connectOnce() error {
	addr := c.node.Address(c.useTLS)
	timeout := c.settings.SetDefault("connectTimeout", 15*time.Second)["connectTimeout"].Duration()
	var conn net.Conn
	var err error
	if c.useTLS {
		conn, err = tls.DialWithDialer(&net.Dialer{Timeout: timeout}, "tcp", addr, &tls.Config{})
	} else {
		conn, err = net.DialTimeout("tcp", addr, timeout)
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	c.conn = conn
	c.reader = bufio.NewReaderSize(conn, 64*1024)

	if err := c.authenticate(); err != nil {
		conn.Close()
		return err
	}
	if err := c.selectBucket(); err != nil {
		conn.Close()
		return &BucketNotFoundError{Bucket: c.bucket}
	}
	if err := c.negotiateFeatures(); err != nil {
		conn.Close()
		return err
	}
	if err := c.openConnection(); err != nil {
		conn.Close()
		return err
	}
	if err := c.sendControls(); err != nil {
		conn.Close()
		return err
	}
	logging.Infof("%s: connected, stream name %s", c.logPrefix, c.streamName)
	return nil
}

// doHandshake writes req and reads the one response that answers it,
// without going through the reader goroutine (which does not exist
// yet at handshake time).
func (c *DcpChannel) doHandshake(req *gomemcached.MCRequest) (*gomemcached.MCResponse, error) {
	if err := transport.WriteRequest(c.conn, req); err != nil {
		return nil, err
	}
	_, res, err := transport.ReadFrame(c.reader)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("dcp: expected response during handshake, got request")
	}
	return res, nil
}

func (c *DcpChannel) authenticate() error {
	user, pass, err := c.creds(c.node.Hostname)
	if err != nil {
		return &AuthFailedError{Node: c.node.Hostname, Err: err}
	}
	body := append([]byte{0}, append([]byte(user), append([]byte{0}, []byte(pass)...)...)...)
	req := &gomemcached.MCRequest{Opcode: transport.OpcodeSASLAuth, Key: []byte("PLAIN"), Body: body}
	res, err := c.doHandshake(req)
	if err != nil {
		return &AuthFailedError{Node: c.node.Hostname, Err: err}
	}
	if res.Status != transport.StatusSuccess {
		return &AuthFailedError{Node: c.node.Hostname, Err: fmt.Errorf("status %v", res.Status)}
	}
	return nil
}

func (c *DcpChannel) selectBucket() error {
	req := &gomemcached.MCRequest{Opcode: transport.OpcodeSelectBucket, Key: []byte(c.bucket)}
	res, err := c.doHandshake(req)
	if err != nil {
		return err
	}
	if res.Status != transport.StatusSuccess {
		return fmt.Errorf("select bucket %q: status %v", c.bucket, res.Status)
	}
	return nil
}

var requestedFeatures = []transport.Feature{
	transport.FeatureTCPNoDelay,
	transport.FeatureMutationSeqno,
	transport.FeatureXattr,
	transport.FeatureCollections,
}

func (c *DcpChannel) negotiateFeatures() error {
	body := make([]byte, 0, 2*len(requestedFeatures))
	for _, f := range requestedFeatures {
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(f))
		body = append(body, b...)
	}
	req := &gomemcached.MCRequest{Opcode: transport.OpcodeHELO, Key: []byte("analytics-dcp-client"), Body: body}
	res, err := c.doHandshake(req)
	if err != nil {
		return err
	}
	if res.Status != transport.StatusSuccess {
		return fmt.Errorf("HELO: status %v", res.Status)
	}
	for i := 0; i+1 < len(res.Body); i += 2 {
		f := transport.Feature(binary.BigEndian.Uint16(res.Body[i : i+2]))
		c.features[f] = true
	}
	return nil
}

func (c *DcpChannel) openConnection() error {
	extras := make([]byte, 8)
	binary.BigEndian.PutUint32(extras[0:4], 0) // seqno, unused by the consumer side
	binary.BigEndian.PutUint32(extras[4:8], 1) // flags: producer
	req := &gomemcached.MCRequest{Opcode: transport.OpcodeOpenConnection, Key: []byte(c.streamName), Extras: extras}
	res, err := c.doHandshake(req)
	if err != nil {
		return err
	}
	if res.Status != transport.StatusSuccess {
		return fmt.Errorf("open connection: status %v", res.Status)
	}
	return nil
}

func (c *DcpChannel) sendControls() error {
	controls := []struct {
		key   string
		value string
	}{
		{transport.ControlConnectionBufferSize, fmt.Sprintf("%d", c.bufferSize)},
		{transport.ControlEnableNoop, "true"},
		{transport.ControlSetNoopInterval, fmt.Sprintf("%d", c.settings.SetDefault("noopIntervalSeconds", 120)["noopIntervalSeconds"].Int())},
		{transport.ControlSetPriority, "high"},
		{transport.ControlEnableExtMetadata, "true"},
		{transport.ControlEnableStreamEndOnClientCloseStream, "true"},
	}
	for _, ctl := range controls {
		req := &gomemcached.MCRequest{Opcode: transport.OpcodeControl, Key: []byte(ctl.key), Body: []byte(ctl.value)}
		res, err := c.doHandshake(req)
		if err != nil {
			return fmt.Errorf("control %s: %w", ctl.key, err)
		}
		if res.Status != transport.StatusSuccess {
			logging.Warnf("%s: control %s rejected: status %v", c.logPrefix, ctl.key, res.Status)
		}
	}
	return nil
}

func (c *DcpChannel) registerPending(opaque uint32, e *pendingEntry) {
	c.pendingMu.Lock()
	c.pending[opaque] = e
	c.pendingMu.Unlock()
}

func (c *DcpChannel) takePending(opaque uint32) *pendingEntry {
	c.pendingMu.Lock()
	e := c.pending[opaque]
	delete(c.pending, opaque)
	c.pendingMu.Unlock()
	return e
}

func (c *DcpChannel) send(req *gomemcached.MCRequest) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return transport.WriteRequest(c.conn, req)
}

// OpenStream issues STREAM_REQ for vbucket using its PartitionState's
// current requested window, per spec.md §4.2/§4.3. The caller is
// expected to have called partition.Open(...) first.
func (c *DcpChannel) OpenStream(vbucket uint16) error {
	p := c.session.Partition(vbucket)
	if p == nil {
		return &InvariantViolationError{Reason: "stream request for unknown partition"}
	}
	opaque := c.nextOpaque()
	frame := p.UseStreamRequest(opaque)
	req := transport.EncodeStreamRequest(frame)
	c.registerPending(opaque, &pendingEntry{kind: pendingStreamReq, vbucket: vbucket})
	return c.send(req)
}

// CloseStream issues CLOSE_STREAM for vbucket, graceful per spec.md
// §4.3's client-initiated close.
func (c *DcpChannel) CloseStream(vbucket uint16) error {
	opaque := c.nextOpaque()
	req := &gomemcached.MCRequest{Opcode: transport.OpcodeCloseStream, VBucket: vbucket, Opaque: opaque}
	c.registerPending(opaque, &pendingEntry{kind: pendingCloseStream, vbucket: vbucket})
	p := c.session.Partition(vbucket)
	if p != nil {
		p.SetState(StreamDisconnecting)
	}
	return c.send(req)
}

// GetFailoverLog issues GET_FAILOVER_LOG for vbucket; the result is
// delivered to the partition's failover-updated condition, per spec.md
// §4.2.
func (c *DcpChannel) GetFailoverLog(vbucket uint16) error {
	p := c.session.Partition(vbucket)
	if p == nil {
		return &InvariantViolationError{Reason: "failover log request for unknown partition"}
	}
	opaque := c.nextOpaque()
	req := &gomemcached.MCRequest{Opcode: transport.OpcodeGetFailoverLog, VBucket: vbucket, Opaque: opaque}
	p.FailoverRequest()
	c.registerPending(opaque, &pendingEntry{kind: pendingFailoverLog, vbucket: vbucket})
	return c.send(req)
}

// GetSeqnos issues GET_ALL_VB_SEQNOS and blocks for the reply, per
// spec.md §4.4's seqno-catchup helper.
func (c *DcpChannel) GetSeqnos(timeout time.Duration) ([]transport.VBucketSeqno, error) {
	opaque := c.nextOpaque()
	done := make(chan pendingResult, 1)
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, 0) // vbucket state filter: all states
	req := &gomemcached.MCRequest{Opcode: transport.OpcodeGetAllVBSeqnos, Opaque: opaque, Extras: extras}
	c.registerPending(opaque, &pendingEntry{kind: pendingSeqnos, done: done})
	if err := c.send(req); err != nil {
		return nil, err
	}
	select {
	case r := <-done:
		return r.seqnos, r.err
	case <-time.After(timeout):
		c.takePending(opaque)
		return nil, ErrTimedOut
	case <-c.closeCh:
		return nil, ErrSessionDisconnected
	}
}

// run is the reader goroutine: it owns frame decoding and dispatch for
// the lifetime of the connection, the same single-goroutine-drives-
// delivery-order shape as the teacher's VbucketWorker.run, scoped here
// to one connection instead of one worker's vbucket set.
func (c *DcpChannel) run() {
	defer func() {
		if r := recover(); r != nil {
			logging.Fatalf("%s: panic in dispatch loop: %v\n%s", c.logPrefix, r, logging.StackTrace())
		}
	}()
	deadInterval := c.settings.SetDefault("deadConnectionDetectionInterval", 180*time.Second)["deadConnectionDetectionInterval"].Duration()
	for {
		// Dead-peer detection, per spec.md §4.3: no frame (including a
		// NOOP keepalive) within deadInterval means the producer
		// dropped the connection without telling us.
		if deadInterval > 0 {
			c.conn.SetReadDeadline(time.Now().Add(deadInterval))
		}
		req, res, err := transport.ReadFrame(c.reader)
		if err != nil {
			c.onDisconnected(err)
			return
		}
		if req != nil {
			c.handleInboundRequest(req)
		}
		if res != nil {
			c.handleResponse(res)
		}
	}
}

func (c *DcpChannel) onDisconnected(cause error) {
	if c.closed.Value() {
		return
	}
	if cause == io.EOF {
		cause = fmt.Errorf("dcp: connection closed by peer")
	}
	select {
	case c.events <- channelDroppedEvent(c, cause):
	default:
		logging.Warnf("%s: event queue full, dropping channel-dropped event: %v", c.logPrefix, cause)
	}
}

func (c *DcpChannel) handleInboundRequest(req *gomemcached.MCRequest) {
	switch req.Opcode {
	case transport.OpcodeNoop:
		c.ackNoop(req.Opaque)
	case transport.OpcodeSnapshotMarker:
		c.handleSnapshotMarker(req)
	case transport.OpcodeMutation, transport.OpcodeDeletion, transport.OpcodeExpiration:
		c.handleMutation(req)
	case transport.OpcodeSystemEvent:
		c.handleSystemEvent(req)
	case transport.OpcodeSeqnoAdvanced:
		c.handleSeqnoAdvanced(req)
	case transport.OpcodeOSOSnapshot:
		// OSO backfill boundary marker only; no seqno/key payload to
		// hand the embedder beyond what SnapshotMarker already conveys.
		logging.Debugf("%s: OSO snapshot boundary, vbucket %d", c.logPrefix, req.VBucket)
	case transport.OpcodeStreamEnd:
		c.handleStreamEnd(req)
	case transport.OpcodeSetVBucketState, transport.OpcodeFlush:
		logging.Debugf("%s: %v for vbucket %d", c.logPrefix, req.Opcode, req.VBucket)
	default:
		logging.Warnf("%s: unhandled inbound opcode 0x%02x", c.logPrefix, byte(req.Opcode))
	}
}

func (c *DcpChannel) ackNoop(opaque uint32) {
	res := &gomemcached.MCResponse{Opcode: transport.OpcodeNoop, Opaque: opaque, Status: transport.StatusSuccess}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	transport.WriteResponse(c.conn, res)
}

func (c *DcpChannel) handleSnapshotMarker(req *gomemcached.MCRequest) {
	marker, err := transport.ParseSnapshotMarker(req.Extras)
	if err != nil {
		logging.Errorf("%s: %v", c.logPrefix, err)
		return
	}
	if p := c.session.Partition(req.VBucket); p != nil {
		p.AdvanceSnapshot(marker.StartSeqno, marker.EndSeqno)
	}
	c.controlHandler.OnEvent(ControlMessage{Kind: ControlMessageSnapshotMarker, VBucket: req.VBucket, Marker: marker})
}

func (c *DcpChannel) handleMutation(req *gomemcached.MCRequest) {
	extras, err := transport.ParseMutationExtras(req.Extras)
	if err != nil {
		logging.Errorf("%s: %v", c.logPrefix, err)
		return
	}
	var kind DataMessageKind
	switch req.Opcode {
	case transport.OpcodeMutation:
		kind = MessageMutation
	case transport.OpcodeDeletion:
		kind = MessageDeletion
	case transport.OpcodeExpiration:
		kind = MessageExpiration
	}
	m := DataMessage{
		VBucket:  req.VBucket,
		Kind:     kind,
		Key:      req.Key,
		Value:    req.Body,
		Cas:      req.Cas,
		BySeqno:  extras.BySeqno,
		RevSeqno: extras.RevSeqno,
		Flags:    extras.Flags,
		Expiry:   extras.Expiry,
		Datatype: byte(req.DataType),
		Ack:      func(bytes int) { c.creditAck(bytes) },
	}
	c.dataHandler.OnEvent(m)
	if p := c.session.Partition(req.VBucket); p != nil {
		p.AdvanceSeqno(extras.BySeqno)
	}
}

func (c *DcpChannel) handleSystemEvent(req *gomemcached.MCRequest) {
	extras, err := transport.ParseSystemEventExtras(req.Extras)
	if err != nil {
		logging.Errorf("%s: %v", c.logPrefix, err)
		return
	}
	size := transport.HeaderSize + len(req.Extras) + len(req.Key) + len(req.Body)
	c.creditAck(size)
	c.dataHandler.OnEvent(DataMessage{
		VBucket:           req.VBucket,
		Kind:              MessageSystemEvent,
		Key:               req.Key,
		Value:             req.Body,
		BySeqno:           extras.BySeqno,
		CollectionEvent:   extras.Event,
		CollectionVersion: extras.Version,
		Ack:               func(int) {},
	})
	if p := c.session.Partition(req.VBucket); p != nil {
		p.AdvanceSeqno(extras.BySeqno)
	}
}

func (c *DcpChannel) handleSeqnoAdvanced(req *gomemcached.MCRequest) {
	seqno, err := transport.ParseSeqnoAdvancedExtras(req.Extras)
	if err != nil {
		logging.Errorf("%s: %v", c.logPrefix, err)
		return
	}
	size := transport.HeaderSize + len(req.Extras) + len(req.Key) + len(req.Body)
	c.creditAck(size)
	c.dataHandler.OnEvent(DataMessage{
		VBucket: req.VBucket,
		Kind:    MessageSeqnoAdvanced,
		BySeqno: seqno,
		Ack:     func(int) {},
	})
	if p := c.session.Partition(req.VBucket); p != nil {
		p.AdvanceSeqno(seqno)
	}
}

func (c *DcpChannel) handleStreamEnd(req *gomemcached.MCRequest) {
	var reason StreamEndReason
	if len(req.Extras) >= 4 {
		reason = StreamEndReason(binary.BigEndian.Uint32(req.Extras[0:4]))
	}
	if p := c.session.Partition(req.VBucket); p != nil {
		p.setEndReason(reason)
		p.SetState(StreamDisconnected)
	}
	c.controlHandler.OnEvent(ControlMessage{Kind: ControlMessageStreamEnd, VBucket: req.VBucket, Reason: reason})
	select {
	case c.events <- streamEndEvent(req.VBucket, reason):
	default:
		logging.Warnf("%s: event queue full, dropping stream-end for vbucket %d", c.logPrefix, req.VBucket)
	}
}

func (c *DcpChannel) handleResponse(res *gomemcached.MCResponse) {
	entry := c.takePending(res.Opaque)
	if entry == nil {
		logging.Debugf("%s: response for unknown opaque %d (opcode 0x%02x)", c.logPrefix, res.Opaque, byte(res.Opcode))
		return
	}
	switch entry.kind {
	case pendingStreamReq:
		c.handleStreamReqResponse(entry.vbucket, res)
	case pendingCloseStream:
		logging.Debugf("%s: close-stream ack for vbucket %d: status %v", c.logPrefix, entry.vbucket, res.Status)
	case pendingFailoverLog:
		c.handleFailoverLogResponse(entry.vbucket, res)
	case pendingSeqnos:
		c.handleSeqnosResponse(entry, res)
	}
}

func (c *DcpChannel) handleStreamReqResponse(vbucket uint16, res *gomemcached.MCResponse) {
	p := c.session.Partition(vbucket)
	if p == nil {
		return
	}
	switch res.Status {
	case transport.StatusSuccess:
		log, err := transport.ParseFailoverLog(res.Body)
		if err != nil {
			logging.Errorf("%s: %v", c.logPrefix, err)
			return
		}
		p.SetFailoverLog(log)
		p.SetState(StreamConnected)
	case transport.StatusRollback:
		seqno, err := transport.RollbackSeqno(res.Body)
		if err != nil {
			logging.Errorf("%s: %v", c.logPrefix, err)
			return
		}
		p.RollbackTo(seqno)
		p.SetState(StreamDisconnected)
		select {
		case c.events <- rollbackEvent(vbucket, seqno):
		default:
			logging.Warnf("%s: event queue full, dropping rollback for vbucket %d", c.logPrefix, vbucket)
		}
	case transport.StatusNotMyVBucket:
		p.SetState(StreamDisconnected)
		select {
		case c.events <- notMyVbucketEvent(vbucket):
		default:
			logging.Warnf("%s: event queue full, dropping not-my-vbucket for vbucket %d", c.logPrefix, vbucket)
		}
	case transport.StatusTmpFail, transport.StatusBusy:
		p.SetState(StreamDisconnected)
		select {
		case c.events <- fatalEvent(vbucket, Transient(fmt.Errorf("stream request: status %v", res.Status))):
		default:
		}
	default:
		p.SetState(StreamDisconnected)
		select {
		case c.events <- fatalEvent(vbucket, fmt.Errorf("stream request: status %v", res.Status)):
		default:
		}
	}
}

func (c *DcpChannel) handleFailoverLogResponse(vbucket uint16, res *gomemcached.MCResponse) {
	p := c.session.Partition(vbucket)
	if p == nil {
		return
	}
	if res.Status != transport.StatusSuccess {
		logging.Errorf("%s: get-failover-log for vbucket %d: status %v", c.logPrefix, vbucket, res.Status)
		return
	}
	log, err := transport.ParseFailoverLog(res.Body)
	if err != nil {
		logging.Errorf("%s: %v", c.logPrefix, err)
		return
	}
	p.SetFailoverLog(log)
}

func (c *DcpChannel) handleSeqnosResponse(entry *pendingEntry, res *gomemcached.MCResponse) {
	if res.Status != transport.StatusSuccess {
		entry.done <- pendingResult{err: fmt.Errorf("get-all-vb-seqnos: status %v", res.Status)}
		return
	}
	seqnos, err := transport.ParseAllVBSeqnos(res.Body)
	entry.done <- pendingResult{seqnos: seqnos, err: err}
}

// creditAck is what DataMessage.Ack ultimately calls: it credits bytes
// toward the flow-control window and emits BUFFER_ACKNOWLEDGEMENT once
// the watermark is crossed, per spec.md §6's "embedder must call
// ack(bytes) when done to release flow control."
func (c *DcpChannel) creditAck(bytes int) {
	if bytes <= 0 {
		return
	}
	c.bytesSinceAck.Add(uint64(bytes))
	if c.ackWatermark > 0 && c.bytesSinceAck.Value() >= c.ackWatermark {
		acked := c.bytesSinceAck.Reset()
		body := make([]byte, 4)
		binary.BigEndian.PutUint32(body, uint32(acked))
		ack := &gomemcached.MCRequest{Opcode: transport.OpcodeBufferAck, Body: body}
		if err := c.send(ack); err != nil {
			logging.Warnf("%s: buffer-ack send failed: %v", c.logPrefix, err)
		}
	}
}

// Close tears the connection down. graceful close-streams every
// connected partition first; a non-graceful close just drops the
// socket, per spec.md §4.3's disconnect semantics.
func (c *DcpChannel) Close(graceful bool) error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Set(true)
		if graceful {
			for _, p := range c.session.Partitions() {
				if p.State() == StreamConnected {
					_ = c.CloseStream(p.ID())
				}
			}
		}
		close(c.closeCh)
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

func (c *DcpChannel) Node() NodeConfig { return c.node }
