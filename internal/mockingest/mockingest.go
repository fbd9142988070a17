// Package mockingest is a minimal, conformant RTMP ingest peer used only by
// tests. It performs the server side of the simple handshake, answers the
// connect/createStream/publish command dialog, and records every subsequent
// video/audio/script message and control message it receives so integration
// tests can assert on wire-level ordering and cadence without a real media
// server.
package mockingest

import (
	"net"
	"sync"

	"github.com/st-vunguyen/rtmp-publisher/internal/rtmp/amf"
	"github.com/st-vunguyen/rtmp-publisher/internal/rtmp/chunk"
	"github.com/st-vunguyen/rtmp-publisher/internal/rtmp/control"
	"github.com/st-vunguyen/rtmp-publisher/internal/rtmp/handshake"
	"github.com/st-vunguyen/rtmp-publisher/internal/rtmp/rpc"
)

// Received is one assembled RTMP message handed to a test's observer.
type Received struct {
	TypeID          uint8
	MessageStreamID uint32
	Timestamp       uint32
	Payload         []byte
}

// Peer is one accepted connection's worth of ingest-side state. A fresh Peer
// is created for every accepted TCP connection, so a reconnecting client
// (S5) drives a brand new Peer each time it redials.
type Peer struct {
	StreamID uint32

	mu   sync.Mutex
	msgs []Received
	acks []uint32
}

// Server accepts connections on an ephemeral localhost port and serves each
// with a fresh Peer. Tests can force a mid-session disconnect by calling
// DisconnectCurrent, which closes the current connection, simulating TCP
// reset for S5.
type Server struct {
	ln net.Listener

	windowAckSize uint32

	mu       sync.Mutex
	peers    []*Peer
	conns    []net.Conn
	acceptWG sync.WaitGroup
}

// Option configures a Server before Start.
type Option func(*Server)

// WithWindowAckSize sets the Window Acknowledgement Size the server
// advertises to the client immediately after the handshake, which is what
// drives the client's own Acknowledgement cadence (spec §4.3 step 4, P4/S6).
func WithWindowAckSize(size uint32) Option {
	return func(s *Server) { s.windowAckSize = size }
}

// Start listens on 127.0.0.1:0 and begins accepting connections in the
// background. Call Close to stop accepting and tear down all peers.
func Start(opts ...Option) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{ln: ln, windowAckSize: 2_500_000}
	for _, o := range opts {
		o(s)
	}
	s.acceptWG.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns the "host:port" string a client.Config can dial.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Peers returns the Peer instances accepted so far, in accept order. Index 0
// is the original connection, index 1 the first reconnect, and so on.
func (s *Server) Peers() []*Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Peer, len(s.peers))
	copy(out, s.peers)
	return out
}

// DisconnectCurrent forcibly closes the most recently accepted connection,
// simulating a TCP reset so the supervisor's reconnect path (S5) engages.
func (s *Server) DisconnectCurrent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return
	}
	_ = s.conns[len(s.conns)-1].Close()
}

// Close stops accepting and releases the listener. Already-accepted
// connections are left to the client/test to close.
func (s *Server) Close() {
	_ = s.ln.Close()
	s.acceptWG.Wait()
}

func (s *Server) acceptLoop() {
	defer s.acceptWG.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		p := &Peer{}
		s.mu.Lock()
		s.peers = append(s.peers, p)
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go p.serve(conn, s.windowAckSize)
	}
}

func (p *Peer) serve(conn net.Conn, windowAckSize uint32) {
	defer conn.Close()
	if err := handshake.ServerHandshake(conn); err != nil {
		return
	}

	w := chunk.NewWriter(conn, 128)
	r := chunk.NewReader(conn, 128)

	if windowAckSize > 0 {
		_ = w.WriteMessage(control.EncodeWindowAcknowledgementSize(windowAckSize))
	}

	var app string
	var allocator = rpc.NewStreamIDAllocator()
	var publishing bool

	disp := rpc.NewDispatcher(func() string { return app })
	disp.OnConnect = func(cc *rpc.ConnectCommand, _ *chunk.Message) error {
		app = cc.App
		resp, err := rpc.BuildConnectResponse(cc.TransactionID, "connection accepted")
		if err != nil {
			return err
		}
		resp.CSID = 3
		return w.WriteMessage(resp)
	}
	disp.OnCreateStream = func(cs *rpc.CreateStreamCommand, _ *chunk.Message) error {
		resp, streamID, err := rpc.BuildCreateStreamResponse(cs.TransactionID, allocator)
		if err != nil {
			return err
		}
		resp.CSID = 3
		p.StreamID = streamID
		return w.WriteMessage(resp)
	}
	disp.OnPublish = func(pc *rpc.PublishCommand, msg *chunk.Message) error {
		publishing = true
		payload, err := amf.EncodeAll("onStatus", float64(0), nil, map[string]interface{}{
			"level": "status",
			"code":  "NetStream.Publish.Start",
		})
		if err != nil {
			return err
		}
		return w.WriteMessage(&chunk.Message{
			CSID:            3,
			TypeID:          rpc.CommandMessageAMF0TypeID,
			MessageStreamID: msg.MessageStreamID,
			Payload:         payload,
			MessageLength:   uint32(len(payload)),
		})
	}

	for {
		msg, err := r.ReadMessage()
		if err != nil {
			return
		}
		switch msg.TypeID {
		case rpc.CommandMessageAMF0TypeID:
			_ = disp.Dispatch(msg)
		case control.TypeAcknowledgement:
			if v, err := control.Decode(msg.TypeID, msg.Payload); err == nil {
				if ack, ok := v.(*control.Acknowledgement); ok {
					p.mu.Lock()
					p.acks = append(p.acks, ack.SequenceNumber)
					p.mu.Unlock()
				}
			}
		case control.TypeUserControl:
			if v, err := control.Decode(msg.TypeID, msg.Payload); err == nil {
				if uc, ok := v.(*control.UserControl); ok && uc.EventType == control.UCPingRequest {
					_ = w.WriteMessage(control.EncodeUserControlPingResponse(uc.Timestamp))
				}
			}
		case 8, 9, 18:
			if publishing {
				p.mu.Lock()
				p.msgs = append(p.msgs, Received{
					TypeID:          msg.TypeID,
					MessageStreamID: msg.MessageStreamID,
					Timestamp:       msg.Timestamp,
					Payload:         append([]byte(nil), msg.Payload...),
				})
				p.mu.Unlock()
			}
		}
	}
}

// Messages returns every video/audio/script-data message received so far,
// in arrival order.
func (p *Peer) Messages() []Received {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Received, len(p.msgs))
	copy(out, p.msgs)
	return out
}

// Acks returns every Window Acknowledgement sequence number received so far,
// in arrival order.
func (p *Peer) Acks() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint32, len(p.acks))
	copy(out, p.acks)
	return out
}
