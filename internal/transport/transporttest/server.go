// Package transporttest provides an in-memory datacenter network for tests:
// a Dialer whose connections talk to a fake server that performs the key
// exchange, opens sealed packets and answers requests through a handler.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/koltyakov/mtp/internal/authkey"
	"github.com/koltyakov/mtp/internal/domain"
	"github.com/koltyakov/mtp/internal/handshake"
	"github.com/koltyakov/mtp/internal/transport"
	"github.com/koltyakov/mtp/internal/wire"
)

// Request is a frame the server received, with the layer header removed.
type Request struct {
	Dc     domain.DcID
	Frame  wire.Frame
	Layer  *wire.LayerHeader
	At     time.Time
	Packet int
}

// Handler produces the response frames for one request. Returning nil sends
// nothing.
type Handler func(dc domain.DcID, req Request) []wire.Frame

// Server is a fake fleet of datacenters.
type Server struct {
	mu        sync.Mutex
	handler   Handler
	keys      map[uint64]*authkey.Key
	conns     map[*conn]struct{}
	received  []Request
	dials     map[domain.DcID]int
	failDials map[domain.DcID]int
	packets   int
	destroy   func(dc domain.DcID, keyID uint64) (uint8, bool)
}

// NewServer returns a server that echoes every request body back as its
// result.
func NewServer() *Server {
	return &Server{
		handler:   Echo,
		keys:      make(map[uint64]*authkey.Key),
		conns:     make(map[*conn]struct{}),
		dials:     make(map[domain.DcID]int),
		failDials: make(map[domain.DcID]int),
	}
}

// Echo answers every RPC request with its own body.
func Echo(_ domain.DcID, req Request) []wire.Frame {
	if req.Frame.Kind != wire.RPCRequest {
		return nil
	}
	return []wire.Frame{{Kind: wire.RPCResult, ReqID: req.Frame.ReqID, Body: req.Frame.Body}}
}

// SetHandler replaces the request handler.
func (s *Server) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// SetDestroyHandler overrides how DestroyKey requests are answered. When
// reply is false the request is left unanswered.
func (s *Server) SetDestroyHandler(fn func(dc domain.DcID, keyID uint64) (status uint8, reply bool)) {
	s.mu.Lock()
	s.destroy = fn
	s.mu.Unlock()
}

// AddKey makes the server accept packets sealed with key.
func (s *Server) AddKey(key *authkey.Key) {
	s.mu.Lock()
	s.keys[key.ID()] = key
	s.mu.Unlock()
}

// HasKey reports whether the server still knows keyID.
func (s *Server) HasKey(keyID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[keyID]
	return ok
}

// FailDials makes the next n dials to dc fail.
func (s *Server) FailDials(dc domain.DcID, n int) {
	s.mu.Lock()
	s.failDials[dc] = n
	s.mu.Unlock()
}

// Dials returns how many connections to dc were attempted.
func (s *Server) Dials(dc domain.DcID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials[dc]
}

// Received returns a copy of every request seen so far.
func (s *Server) Received() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.received...)
}

// Conns returns how many connections to dc are open.
func (s *Server) Conns(dc domain.DcID) int {
	return len(s.live(dc))
}

// ForgetKey makes the server reject packets sealed with keyID.
func (s *Server) ForgetKey(keyID uint64) {
	s.mu.Lock()
	delete(s.keys, keyID)
	s.mu.Unlock()
}

// Push sends unsolicited frames to every live connection of dc.
func (s *Server) Push(dc domain.DcID, frames ...wire.Frame) {
	for _, c := range s.live(dc) {
		c.reply(frames)
	}
}

// Drop breaks every live connection of dc from the server side.
func (s *Server) Drop(dc domain.DcID) {
	for _, c := range s.live(dc) {
		c.terminate(io.ErrUnexpectedEOF)
	}
}

func (s *Server) live(dc domain.DcID) []*conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*conn
	for c := range s.conns {
		if c.dc == dc {
			out = append(out, c)
		}
	}
	return out
}

// Dial implements transport.Dialer.
func (s *Server) Dial(ctx context.Context, opt domain.DcOption, h transport.Handler) (transport.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.dials[opt.ID]++
	if s.failDials[opt.ID] > 0 {
		s.failDials[opt.ID]--
		s.mu.Unlock()
		return nil, &domain.OpError{DcID: opt.ID, Op: "mem connect", Err: errors.New("connection refused")}
	}
	c := &conn{
		server:  s,
		dc:      opt.ID,
		handler: h,
		desc:    fmt.Sprintf("mem:%s", opt.Address()),
		inbox:   make(chan []byte, 1024),
		stop:    make(chan struct{}),
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	go c.serve()
	return c, nil
}

type conn struct {
	server  *Server
	dc      domain.DcID
	handler transport.Handler
	desc    string
	inbox   chan []byte
	stop    chan struct{}

	mu     sync.Mutex
	key    *authkey.Key
	closed bool
}

func (c *conn) Send(packet []byte, _ bool) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	select {
	case c.inbox <- append([]byte(nil), packet...):
		return nil
	case <-c.stop:
		return transport.ErrClosed
	}
}

func (c *conn) Close() error {
	c.terminate(transport.ErrClosed)
	return nil
}

func (c *conn) Transport() string { return c.desc }

func (c *conn) terminate(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.stop)
	c.mu.Unlock()

	c.server.mu.Lock()
	delete(c.server.conns, c)
	c.server.mu.Unlock()
	go c.handler.Finished(c, err)
}

func (c *conn) serve() {
	for {
		select {
		case <-c.stop:
			return
		case packet := <-c.inbox:
			c.handle(packet)
		}
	}
}

func (c *conn) handle(packet []byte) {
	keyID, err := wire.PacketKeyID(packet)
	if err != nil {
		return
	}
	if keyID == 0 {
		reply, key, err := handshake.Respond(packet, time.Now())
		if err != nil {
			return
		}
		c.server.AddKey(key)
		c.deliver(reply)
		return
	}

	c.server.mu.Lock()
	key := c.server.keys[keyID]
	c.server.mu.Unlock()
	if key == nil {
		// Answer in the clear, then hang up, as a server does for a key
		// it never issued or already destroyed.
		notice := wire.Frame{Kind: wire.RPCError, Body: wire.EncodeError(&domain.RPCError{Code: 401, Type: domain.TypeAuthKeyUnregistered})}
		c.deliver(wire.Plain(notice.Encode()))
		c.terminate(fmt.Errorf("unknown auth key %016x", keyID))
		return
	}
	c.mu.Lock()
	c.key = key
	c.mu.Unlock()

	sealer, err := wire.NewSealer(key, wire.ServerToClient)
	if err != nil {
		return
	}
	raw, err := sealer.Open(packet)
	if err != nil {
		return
	}
	f, err := wire.Decode(raw)
	if err != nil {
		return
	}
	frames := []wire.Frame{f}
	if f.Kind == wire.Container {
		if frames, err = f.Unpack(); err != nil {
			return
		}
	}

	c.server.mu.Lock()
	c.server.packets++
	packetNo := c.server.packets
	c.server.mu.Unlock()

	var out []wire.Frame
	for _, packed := range frames {
		f, err := wire.Unpacked(packed)
		if err != nil {
			continue
		}
		req := Request{Dc: c.dc, Frame: f, At: time.Now(), Packet: packetNo}
		if f.Has(wire.FlagLayer) {
			hdr, body, err := wire.SplitLayer(f.Body)
			if err != nil {
				continue
			}
			req.Layer = &hdr
			req.Frame.Body = body
			req.Frame.Flags &^= wire.FlagLayer
		}
		c.server.mu.Lock()
		c.server.received = append(c.server.received, req)
		handler := c.server.handler
		destroy := c.server.destroy
		c.server.mu.Unlock()

		switch f.Kind {
		case wire.Ping:
			out = append(out, wire.Frame{Kind: wire.Pong, ReqID: f.ReqID})
		case wire.DestroyKey:
			if fr, ok := c.destroyKey(f, destroy); ok {
				out = append(out, fr)
			}
		default:
			if handler != nil {
				out = append(out, handler(c.dc, req)...)
			}
		}
	}
	c.reply(out)
}

func (c *conn) destroyKey(f wire.Frame, override func(domain.DcID, uint64) (uint8, bool)) (wire.Frame, bool) {
	keyID, err := wire.ParseDestroyKey(f.Body)
	if err != nil {
		return wire.Frame{}, false
	}
	status := wire.DestroyKeyOK
	if override != nil {
		st, reply := override(c.dc, keyID)
		if !reply {
			return wire.Frame{}, false
		}
		status = st
	}
	if status == wire.DestroyKeyOK {
		c.server.mu.Lock()
		if _, ok := c.server.keys[keyID]; ok {
			delete(c.server.keys, keyID)
		} else {
			status = wire.DestroyKeyNone
		}
		c.server.mu.Unlock()
	}
	return wire.Frame{Kind: wire.DestroyKeyResult, Body: wire.DestroyKeyResultBody(keyID, status)}, true
}

// reply seals frames with the key of the connection and delivers them.
func (c *conn) reply(frames []wire.Frame) {
	if len(frames) == 0 {
		return
	}
	c.mu.Lock()
	key := c.key
	c.mu.Unlock()
	if key == nil {
		return
	}
	sealer, err := wire.NewSealer(key, wire.ServerToClient)
	if err != nil {
		return
	}
	f := frames[0]
	if len(frames) > 1 {
		f = wire.NewContainer(frames)
	}
	packet, err := sealer.Seal(f.Encode())
	if err != nil {
		return
	}
	c.deliver(packet)
}

func (c *conn) deliver(packet []byte) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		c.handler.Packet(c, packet)
	}
}
