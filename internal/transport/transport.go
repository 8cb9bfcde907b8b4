// Package transport provides the connection layer under a session: a
// Connection carries sealed packets to one datacenter endpoint, delivers
// received packets and reports its own termination to a Handler.
package transport

import (
	"context"
	"errors"

	"github.com/koltyakov/mtp/internal/domain"
)

// ErrClosed is reported to Handler.Finished after an explicit Close.
var ErrClosed = errors.New("connection closed")

// Connection is one transport-level link to a datacenter endpoint.
type Connection interface {
	// Send writes one packet. Priority packets skip queued request data.
	Send(packet []byte, priority bool) error
	// Close terminates the connection. Finished is still reported.
	Close() error
	// Transport describes the connection, e.g. "ws:149.154.167.50:443".
	Transport() string
}

// Handler receives connection events. Both methods are called from the
// connection's own goroutines, so implementations must hand the work over to
// their owner instead of touching shared state directly.
type Handler interface {
	Packet(c Connection, packet []byte)
	Finished(c Connection, err error)
}

// Dialer opens connections to datacenter endpoints.
type Dialer interface {
	Dial(ctx context.Context, opt domain.DcOption, h Handler) (Connection, error)
}

// Multi routes endpoints flagged QUIC to the QUIC dialer and everything
// else to the websocket dialer.
type Multi struct {
	WS   Dialer
	QUIC Dialer
}

func (m Multi) Dial(ctx context.Context, opt domain.DcOption, h Handler) (Connection, error) {
	if opt.Has(domain.FlagQUIC) && m.QUIC != nil {
		return m.QUIC.Dial(ctx, opt, h)
	}
	if m.WS == nil {
		return nil, &domain.OpError{DcID: opt.ID, Op: "dial", Err: errors.New("no dialer for endpoint")}
	}
	return m.WS.Dial(ctx, opt, h)
}
