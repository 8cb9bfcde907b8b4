package session

import (
	"context"
	"sync"

	"github.com/koltyakov/mtp/internal/transport"
)

const handshakeBuffer = 8

// connHandler receives events of one connection attempt. Until the session
// is bound to the connection, packets feed the handshake exchange; after
// that they are posted to the control goroutine.
type connHandler struct {
	router *Router

	mu       sync.Mutex
	bound    bool
	deliver  func(packet []byte)
	plain    chan []byte
	finished chan struct{}
	once     sync.Once
}

func newConnHandler(r *Router) *connHandler {
	return &connHandler{
		router:   r,
		plain:    make(chan []byte, handshakeBuffer),
		finished: make(chan struct{}),
	}
}

func (h *connHandler) Packet(_ transport.Connection, packet []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.bound {
		select {
		case h.plain <- packet:
		default:
			h.router.log.Debug("dropping packet received during handshake")
		}
		return
	}
	deliver := h.deliver
	h.router.post(func() { deliver(packet) })
}

func (h *connHandler) Finished(c transport.Connection, err error) {
	h.once.Do(func() { close(h.finished) })
	h.router.post(func() { h.router.ConnectionFinished(c, err) })
}

// bind switches delivery to the control goroutine and replays packets that
// arrived before the session took the connection over. Called on the
// control goroutine.
func (h *connHandler) bind(deliver func(packet []byte)) {
	h.mu.Lock()
	h.bound = true
	h.deliver = deliver
	var early [][]byte
	for {
		select {
		case p := <-h.plain:
			early = append(early, p)
			continue
		default:
		}
		break
	}
	h.mu.Unlock()
	for _, p := range early {
		deliver(p)
	}
}

// exchange adapts an unbound connection to handshake.Exchange.
type exchange struct {
	conn transport.Connection
	h    *connHandler
}

func (e exchange) Send(packet []byte) error {
	return e.conn.Send(packet, true)
}

func (e exchange) Recv(ctx context.Context) ([]byte, error) {
	select {
	case p := <-e.h.plain:
		return p, nil
	case <-e.h.finished:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
