// Package client implements the RTMP/RTMPS publishing client: TCP/TLS dial,
// the handshake, the connect/createStream/publish AMF command dialog, a
// single dedicated reader goroutine, window-acknowledgement bookkeeping, and
// a keepalive ping. It is driven by internal/publisher, which owns the
// reconnect policy and never touches the upstream encoders when this client
// reconnects.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	certloader "github.com/AgustinSRG/go-tls-certificate-loader"

	rerrors "github.com/st-vunguyen/rtmp-publisher/internal/errors"
	"github.com/st-vunguyen/rtmp-publisher/internal/logger"
	"github.com/st-vunguyen/rtmp-publisher/internal/rtmp/amf"
	"github.com/st-vunguyen/rtmp-publisher/internal/rtmp/chunk"
	"github.com/st-vunguyen/rtmp-publisher/internal/rtmp/control"
	"github.com/st-vunguyen/rtmp-publisher/internal/rtmp/handshake"
	"github.com/st-vunguyen/rtmp-publisher/internal/rtmp/rpc"
)

// Default ports and chunk stream assignments for the command/audio/video/data channels.
const (
	DefaultRTMPPort  = 1935
	DefaultRTMPSPort = 443

	csidCommand = 3
	csidVideo   = 6
	csidAudio   = 4
	csidData    = 5

	ourWindowAckSize uint32 = 2_500_000
	peerBandwidth    uint32 = 2_500_000
	peerBandwidthDyn uint8  = 2 // dynamic

	connectTimeout  = 15 * time.Second
	handshakeBudget = 5 * time.Second
	publishBudget   = 10 * time.Second

	keepaliveInterval = 10 * time.Second
	keepaliveIdle     = 8 * time.Second

	readerSlotWait = 500 * time.Millisecond

	caBundleReloadSeconds = 60
)

// PayloadKind selects which RTMP message type and chunk stream a payload
// travels on.
type PayloadKind int

const (
	PayloadVideo PayloadKind = iota
	PayloadAudio
	PayloadScriptData
)

// Config is the pure-data description of an ingest target. Nothing here
// touches the network until ConnectBlocking is called.
type Config struct {
	Host      string
	Port      int
	App       string
	StreamKey string
	TLS       bool

	// CABundlePath, if set, loads a custom trust root for RTMPS instead of
	// the system pool (e.g. a self-hosted ingest with a private CA).
	CABundlePath string

	FlashVer string // client identity string sent in the connect command object
}

func (c Config) addr() string {
	port := c.Port
	if port == 0 {
		if c.TLS {
			port = DefaultRTMPSPort
		} else {
			port = DefaultRTMPPort
		}
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

func (c Config) tcURL() string {
	scheme := "rtmp"
	if c.TLS {
		scheme = "rtmps"
	}
	return fmt.Sprintf("%s://%s/%s", scheme, c.addr(), c.App)
}

// pendingCommand is a transaction-id-keyed slot awaiting a _result/_error.
type pendingCommand struct {
	ch chan cmdResponse
}

type cmdResponse struct {
	name string // "_result", "_error", or a synthetic "_result" from onStatus
	args []interface{}
}

// Client drives one RTMP/RTMPS publish session. A single instance is reused
// across reconnects: Reconnect tears down the socket and reader, then calls
// ConnectBlocking again, leaving the caller's encoder/mixer state untouched.
type Client struct {
	cfg Config
	log *slog.Logger

	netConn net.Conn
	counted *countingConn

	writeMu sync.Mutex // serializes full chunk-split message writes
	writer  *chunk.Writer
	reader  *chunk.Reader

	readerActive atomic.Bool // P5: at most one reader goroutine at a time
	wg           sync.WaitGroup
	closing      atomic.Bool

	ackMu         sync.Mutex
	bytesRead     uint64
	lastAckBytes  uint64
	peerWindowAck uint32

	trxMu sync.Mutex
	trxID float64

	pendingMu  sync.Mutex
	pendingCmd map[float64]*pendingCommand

	streamID uint32

	lastInboundMu sync.Mutex
	lastInbound   time.Time
	keepaliveStop chan struct{}

	disconnectedFired atomic.Bool
	publishedAt       time.Time

	// OnPublishStarted fires exactly once per successful publish dialog.
	OnPublishStarted func()
	// OnDisconnected fires once per socket loss (reset on the next successful
	// ConnectBlocking/Reconnect).
	OnDisconnected func(error)
}

// New constructs a Client bound to cfg. No I/O happens until ConnectBlocking.
func New(cfg Config) *Client {
	if cfg.FlashVer == "" {
		cfg.FlashVer = "publisher/1.0"
	}
	return &Client{
		cfg:        cfg,
		log:        logger.Logger().With("component", "rtmp.client"),
		pendingCmd: make(map[float64]*pendingCommand),
	}
}

// ConnectBlocking performs TCP/TLS dial, the RTMP handshake, and the AMF
// connect/createStream/publish dialog. ctx bounds the whole sequence; on
// success the client is in the publishing state and a single reader
// goroutine is already running.
func (c *Client) ConnectBlocking(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, err := c.dial(dialCtx)
	if err != nil {
		return err
	}
	c.netConn = conn
	c.counted = newCountingConn(conn)
	c.writer = chunk.NewWriter(c.counted, 128)
	c.reader = chunk.NewReader(c.counted, 128)
	c.closing.Store(false)
	c.disconnectedFired.Store(false)
	c.ackMu.Lock()
	c.bytesRead, c.lastAckBytes, c.peerWindowAck = 0, 0, 0
	c.ackMu.Unlock()
	c.streamID = 0
	c.trxMu.Lock()
	c.trxID = 0
	c.trxMu.Unlock()

	if err := c.runHandshake(); err != nil {
		c.closeQuiet()
		return err
	}

	c.startReader()

	if err := c.sendInitialControlBurst(); err != nil {
		c.closeQuiet()
		return err
	}

	publishCtx, cancelPublish := context.WithTimeout(ctx, publishBudget)
	defer cancelPublish()

	if err := c.connectCommand(publishCtx); err != nil {
		c.closeQuiet()
		return err
	}
	if err := c.createStreamCommand(publishCtx); err != nil {
		c.closeQuiet()
		return err
	}
	if err := c.publishCommand(publishCtx); err != nil {
		c.closeQuiet()
		return err
	}

	c.publishedAt = time.Now()
	c.startKeepalive()
	if c.OnPublishStarted != nil {
		c.OnPublishStarted()
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: connectTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.cfg.addr())
	if err != nil {
		return nil, rerrors.NewIoError("client.dial", err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(30 * time.Second)
	}
	if !c.cfg.TLS {
		return conn, nil
	}

	tlsCfg := &tls.Config{
		ServerName: c.cfg.Host,
		MinVersion: tls.VersionTLS12,
	}
	if c.cfg.CABundlePath != "" {
		pool, err := loadCustomCAPool(c.cfg.CABundlePath)
		if err != nil {
			_ = conn.Close()
			return nil, rerrors.NewTlsError("client.dial.ca_bundle", err)
		}
		tlsCfg.RootCAs = pool
	}
	tlsConn := tls.Client(conn, tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, rerrors.NewTlsError("client.dial.tls_handshake", err)
	}
	return tlsConn, nil
}

// loadCustomCAPool loads a PEM-encoded CA bundle from disk for RTMPS
// publishing against a private ingest endpoint. The certificate loader is
// kept alive only for its background reload goroutine, which notices the
// bundle file changing on disk (e.g. an operator rotating a private CA);
// the pool handed back here is this call's own snapshot read, since a TLS
// dial already in flight cannot swap its RootCAs mid-handshake anyway - the
// next Reconnect picks up whatever the loader has cached by then.
func loadCustomCAPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if loader, err := certloader.NewCertificateLoader(path, path, caBundleReloadSeconds); err == nil && loader != nil {
		loader.RunReloadThread()
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates parsed from %s", path)
	}
	return pool, nil
}

func (c *Client) runHandshake() error {
	hsCtx, cancel := context.WithTimeout(context.Background(), handshakeBudget)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- handshake.ClientHandshake(c.netConn) }()
	select {
	case err := <-done:
		return err
	case <-hsCtx.Done():
		return rerrors.NewTimeoutError("client.handshake", handshakeBudget, hsCtx.Err())
	}
}

// sendInitialControlBurst unconditionally announces our window ack size and
// peer bandwidth right after the handshake.
func (c *Client) sendInitialControlBurst() error {
	if err := c.writeMessage(control.EncodeWindowAcknowledgementSize(ourWindowAckSize)); err != nil {
		return err
	}
	return c.writeMessage(control.EncodeSetPeerBandwidth(peerBandwidth, peerBandwidthDyn))
}

func (c *Client) nextTrx() float64 {
	c.trxMu.Lock()
	defer c.trxMu.Unlock()
	c.trxID++
	return c.trxID
}

// registerPending creates a response slot for trx and returns it; callers
// must unregister it (success or timeout) to avoid leaking map entries.
func (c *Client) registerPending(trx float64) chan cmdResponse {
	ch := make(chan cmdResponse, 1)
	c.pendingMu.Lock()
	c.pendingCmd[trx] = &pendingCommand{ch: ch}
	c.pendingMu.Unlock()
	return ch
}

func (c *Client) unregisterPending(trx float64) {
	c.pendingMu.Lock()
	delete(c.pendingCmd, trx)
	c.pendingMu.Unlock()
}

func (c *Client) sendCommand(csid uint32, msid uint32, values ...interface{}) error {
	payload, err := amf.EncodeAll(values...)
	if err != nil {
		return rerrors.NewAMFError("client.send_command.encode", err)
	}
	msg := &chunk.Message{
		CSID:            csid,
		TypeID:          rpc.CommandMessageAMF0TypeID,
		MessageStreamID: msid,
		MessageLength:   uint32(len(payload)),
		Payload:         payload,
	}
	return c.writeMessage(msg)
}

func (c *Client) connectCommand(ctx context.Context) error {
	trx := c.nextTrx() // always 1, the first command on a fresh connection
	cmdObj := map[string]interface{}{
		"app":            c.cfg.App,
		"type":           "nonprivate",
		"flashVer":       c.cfg.FlashVer,
		"swfUrl":         c.cfg.tcURL(),
		"tcUrl":          c.cfg.tcURL(),
		"fpad":           false,
		"capabilities":   239.0,
		"audioCodecs":    3191.0,
		"videoCodecs":    252.0,
		"videoFunction":  1.0,
		"objectEncoding": 0.0,
	}
	ch := c.registerPending(trx)
	defer c.unregisterPending(trx)

	if err := c.sendCommand(csidCommand, 0, "connect", trx, cmdObj); err != nil {
		return err
	}
	resp, err := c.awaitResponse(ctx, ch, "client.connect")
	if err != nil {
		return err
	}
	if resp.name == "_error" {
		desc := errorDescription(resp.args)
		if containsAuthHint(desc) {
			return rerrors.NewAuthError("client.connect", desc)
		}
		return rerrors.NewHandshakeError("client.connect", fmt.Errorf("%s", desc))
	}
	return nil
}

func (c *Client) createStreamCommand(ctx context.Context) error {
	trx := c.nextTrx()
	ch := c.registerPending(trx)
	defer c.unregisterPending(trx)

	if err := c.sendCommand(csidCommand, 0, "createStream", trx, nil); err != nil {
		return err
	}
	resp, err := c.awaitResponse(ctx, ch, "client.create_stream")
	if err != nil {
		return err
	}
	if resp.name == "_error" {
		return rerrors.NewHandshakeError("client.create_stream", fmt.Errorf("%s", errorDescription(resp.args)))
	}
	if len(resp.args) >= 4 {
		if id, ok := resp.args[3].(float64); ok {
			c.streamID = uint32(id)
		}
	}
	if c.streamID == 0 {
		c.streamID = 1
	}
	return nil
}

func (c *Client) publishCommand(ctx context.Context) error {
	trx := c.nextTrx()
	ch := c.registerPending(trx)
	defer c.unregisterPending(trx)

	const csidPublish = 8
	if err := c.sendCommand(csidPublish, c.streamID, "publish", trx, nil, c.cfg.StreamKey, "live"); err != nil {
		return err
	}
	resp, err := c.awaitResponse(ctx, ch, "client.publish")
	if err != nil {
		return err
	}
	if resp.name == "_error" {
		return rerrors.NewPublishRejected("client.publish", errorDescription(resp.args))
	}
	// resp.name == "_result" here is actually the synthetic resolution the
	// reader loop sends once it observes onStatus code
	// NetStream.Publish.Start for this stream - see dispatchOnStatus.
	return nil
}

func (c *Client) awaitResponse(ctx context.Context, ch chan cmdResponse, op string) (cmdResponse, error) {
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return cmdResponse{}, rerrors.NewTimeoutError(op, publishBudget, ctx.Err())
	}
}

func errorDescription(args []interface{}) string {
	for _, a := range args {
		if obj, ok := a.(map[string]interface{}); ok {
			if desc, ok := obj["description"].(string); ok {
				return desc
			}
			if code, ok := obj["code"].(string); ok {
				return code
			}
		}
	}
	return "unknown error"
}

func containsAuthHint(desc string) bool {
	return containsFold(desc, "auth") || containsFold(desc, "NetConnection.Connect.Rejected")
}

func containsFold(s, substr string) bool {
	if len(substr) > len(s) {
		return false
	}
	for i := 0; i+len(substr) <= len(s); i++ {
		match := true
		for j := 0; j < len(substr); j++ {
			a, b := s[i+j], substr[j]
			if a >= 'A' && a <= 'Z' {
				a += 'a' - 'A'
			}
			if b >= 'A' && b <= 'Z' {
				b += 'a' - 'A'
			}
			if a != b {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// startReader launches the single reader goroutine (P5). Calling this while
// a reader is already active is a programmer error.
func (c *Client) startReader() {
	if !c.readerActive.CompareAndSwap(false, true) {
		c.log.Error("rtmp client: reader already active, refusing second reader")
		return
	}
	c.wg.Add(1)
	go c.readLoop()
}

func (c *Client) readLoop() {
	defer func() {
		c.readerActive.Store(false)
		c.wg.Done()
	}()
	for {
		msg, err := c.reader.ReadMessage()
		if err != nil {
			c.fireDisconnected(classifyReadErr(err))
			return
		}
		c.noteInboundBytes()
		c.dispatch(msg)
	}
}

func classifyReadErr(err error) error {
	if rerrors.IsProtocolDesync(err) {
		return rerrors.NewIoError("client.read", err)
	}
	return err
}

func (c *Client) fireDisconnected(err error) {
	if c.disconnectedFired.CompareAndSwap(false, true) {
		c.stopKeepalive()
		if c.OnDisconnected != nil {
			c.OnDisconnected(err)
		}
	}
}

// noteInboundBytes updates the cumulative bytes-read counter and sends a
// WindowAcknowledgement whenever the peer-advertised window has been
// consumed.
func (c *Client) noteInboundBytes() {
	c.lastInboundMu.Lock()
	c.lastInbound = time.Now()
	c.lastInboundMu.Unlock()

	c.ackMu.Lock()
	total := c.counted.BytesRead()
	window := c.peerWindowAck
	if window == 0 {
		window = ourWindowAckSize
	}
	needAck := total-c.lastAckBytes >= uint64(window)
	if needAck {
		c.lastAckBytes = total
	}
	c.ackMu.Unlock()

	if needAck {
		if err := c.writeMessage(control.EncodeAcknowledgement(uint32(total))); err != nil {
			c.log.Warn("failed to send window acknowledgement", "error", err)
		}
	}
}

func (c *Client) dispatch(msg *chunk.Message) {
	switch msg.TypeID {
	case control.TypeSetChunkSize:
		// already applied by chunk.Reader itself.
	case control.TypeAcknowledgement:
		// peer telling us how much it has received; nothing to act on.
	case control.TypeUserControl:
		c.dispatchUserControl(msg)
	case control.TypeWindowAcknowledgement:
		if v, err := control.Decode(msg.TypeID, msg.Payload); err == nil {
			if was, ok := v.(*control.WindowAcknowledgementSize); ok {
				c.ackMu.Lock()
				c.peerWindowAck = was.Size
				c.ackMu.Unlock()
			}
		}
	case control.TypeSetPeerBandwidth:
		if err := c.writeMessage(control.EncodeWindowAcknowledgementSize(ourWindowAckSize)); err != nil {
			c.log.Warn("failed to acknowledge peer bandwidth", "error", err)
		}
	case rpc.CommandMessageAMF0TypeID:
		c.dispatchCommand(msg)
	case 8, 9, 18:
		c.log.Debug("unexpected inbound media/data message on publish session", "type_id", msg.TypeID)
	default:
		c.log.Debug("unhandled inbound message", "type_id", msg.TypeID)
	}
}

func (c *Client) dispatchUserControl(msg *chunk.Message) {
	v, err := control.Decode(msg.TypeID, msg.Payload)
	if err != nil {
		return
	}
	uc, ok := v.(*control.UserControl)
	if !ok {
		return
	}
	if uc.EventType == control.UCPingRequest {
		if err := c.writeMessage(control.EncodeUserControlPingResponse(uc.Timestamp)); err != nil {
			c.log.Warn("failed to reply to ping request", "error", err)
		}
	}
}

func (c *Client) dispatchCommand(msg *chunk.Message) {
	args, err := amf.DecodeAll(msg.Payload)
	if err != nil || len(args) == 0 {
		return
	}
	name, _ := args[0].(string)
	switch name {
	case "_result", "_error":
		var trx float64
		if len(args) > 1 {
			trx, _ = args[1].(float64)
		}
		c.resolvePending(trx, cmdResponse{name: name, args: args})
	case "onStatus":
		c.dispatchOnStatus(args)
	default:
		c.log.Debug("unhandled command", "name", name)
	}
}

func (c *Client) resolvePending(trx float64, resp cmdResponse) {
	c.pendingMu.Lock()
	pc := c.pendingCmd[trx]
	c.pendingMu.Unlock()
	if pc == nil {
		return
	}
	select {
	case pc.ch <- resp:
	default:
	}
}

// dispatchOnStatus looks for the NetStream.Publish.Start status that
// confirms the publish command succeeded; publishCommand has no transaction
// id to key on for this one (onStatus carries none), so it resolves whatever
// single pending slot is still open at the time the status arrives - which
// is always the publish command's slot, since connect/createStream have
// already completed their own round trips by this point in the dialog.
func (c *Client) dispatchOnStatus(args []interface{}) {
	var code string
	for _, a := range args {
		if obj, ok := a.(map[string]interface{}); ok {
			if v, ok := obj["code"].(string); ok {
				code = v
				break
			}
		}
	}
	if code != "NetStream.Publish.Start" {
		return
	}
	c.pendingMu.Lock()
	var trx float64
	var pc *pendingCommand
	for id, p := range c.pendingCmd {
		trx, pc = id, p
		break
	}
	c.pendingMu.Unlock()
	if pc != nil {
		c.resolvePending(trx, cmdResponse{name: "_result", args: args})
	}
}

// SendFLVPayload enqueues one video/audio/script-data payload as an RTMP
// message. ptsMs is truncated to RTMP's 32-bit millisecond timestamp; the
// chunk writer emits the extended-timestamp escape transparently once it
// exceeds 0xFFFFFF.
func (c *Client) SendFLVPayload(kind PayloadKind, payload []byte, ptsMs int64) error {
	var csid uint32
	var typeID uint8
	switch kind {
	case PayloadVideo:
		csid, typeID = csidVideo, 9
	case PayloadAudio:
		csid, typeID = csidAudio, 8
	case PayloadScriptData:
		csid, typeID = csidData, 18
	default:
		return rerrors.NewInvalidInput("client.send_flv_payload", fmt.Errorf("unknown payload kind %d", kind))
	}
	msg := &chunk.Message{
		CSID:            csid,
		TypeID:          typeID,
		MessageStreamID: c.streamID,
		Timestamp:       uint32(ptsMs),
		MessageLength:   uint32(len(payload)),
		Payload:         payload,
	}
	return c.writeMessage(msg)
}

// writeMessage is the liveness-checked (closing flag and nil writer),
// mutex-serialized write path every outbound message (command, control, or
// media) funnels through.
func (c *Client) writeMessage(msg *chunk.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closing.Load() || c.writer == nil {
		return rerrors.NewIoError("client.write", fmt.Errorf("not alive"))
	}
	if err := c.writer.WriteMessage(msg); err != nil {
		return rerrors.NewIoError("client.write", err)
	}
	return nil
}

func (c *Client) startKeepalive() {
	c.keepaliveStop = make(chan struct{})
	go c.keepaliveLoop(c.keepaliveStop)
}

func (c *Client) stopKeepalive() {
	if c.keepaliveStop != nil {
		close(c.keepaliveStop)
		c.keepaliveStop = nil
	}
}

func (c *Client) keepaliveLoop(stop chan struct{}) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.lastInboundMu.Lock()
			idle := time.Since(c.lastInbound)
			c.lastInboundMu.Unlock()
			if idle < keepaliveIdle {
				continue
			}
			ts := uint32(time.Since(c.publishedAt).Milliseconds())
			if err := c.writeMessage(control.EncodeUserControlPingRequest(ts)); err != nil {
				c.log.Warn("keepalive ping failed", "error", err)
			}
		}
	}
}

// Reconnect tears down the current socket/reader and performs a fresh
// ConnectBlocking. It never touches caller-owned encoder/mixer state. It
// busy-waits (bounded) for the old reader slot to clear before letting
// ConnectBlocking spawn its replacement.
func (c *Client) Reconnect(ctx context.Context) error {
	c.closeQuiet()

	deadline := time.Now().Add(readerSlotWait)
	for c.readerActive.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.readerActive.Load() {
		c.log.Error("rtmp client: reader slot did not clear within budget, forcing")
		c.readerActive.Store(false)
	}
	return c.ConnectBlocking(ctx)
}

// CloseQuiet releases the socket without raising; safe to call multiple
// times and from any state.
func (c *Client) CloseQuiet() { c.closeQuiet() }

func (c *Client) closeQuiet() {
	c.closing.Store(true)
	c.stopKeepalive()
	if c.netConn != nil {
		_ = c.netConn.Close()
	}
	c.wg.Wait()
}

// countingConn wraps a net.Conn to track cumulative bytes read, the quantity
// the window-acknowledgement bookkeeping needs.
type countingConn struct {
	net.Conn
	read uint64
}

func newCountingConn(c net.Conn) *countingConn { return &countingConn{Conn: c} }

func (c *countingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		atomic.AddUint64(&c.read, uint64(n))
	}
	return n, err
}

func (c *countingConn) BytesRead() uint64 { return atomic.LoadUint64(&c.read) }
