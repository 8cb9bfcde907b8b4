package session

import (
	"fmt"
	"time"

	"github.com/koltyakov/mtp/internal/domain"
	"github.com/koltyakov/mtp/internal/transport"
	"github.com/koltyakov/mtp/internal/wire"
)

const (
	maxContainerFrames = 64
	maxContainerBytes  = 1 << 20
)

// flush writes every queued frame. More than one due frame goes out as a
// container so a batching window costs one packet.
func (r *Router) flush(s *Session) {
	if s.conn == nil || s.sealer == nil || !s.State().ready() || len(s.queue) == 0 {
		return
	}
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
		s.flushAt = time.Time{}
	}

	queue := s.queue
	s.queue = nil

	var (
		batch    []wire.Frame
		size     int
		priority bool
		sent     []domain.RequestID
	)
	emit := func() bool {
		if len(batch) == 0 {
			return true
		}
		f := batch[0]
		if len(batch) > 1 {
			f = wire.NewContainer(batch)
		}
		packet, err := s.sealer.Seal(f.Encode())
		if err == nil {
			err = s.conn.Send(packet, priority)
		}
		batch, size, priority = nil, 0, false
		if err != nil {
			r.log.Warn("session write failed", "shifted_dc_id", s.shifted.String(), "err", err)
			return false
		}
		return true
	}

	for i, out := range queue {
		f, err := r.frame(s, out)
		if err != nil {
			r.log.Error("dropping unencodable frame", "shifted_dc_id", s.shifted.String(), "request_id", out.ID, "err", err)
			if out.Kind == wire.RPCRequest && out.ID != 0 {
				r.events.Error(s.shifted, out.ID, domain.NewLocalError(domain.TypeRequestSerializeFailed))
			}
			continue
		}
		if len(batch) > 0 && (len(batch) >= maxContainerFrames || size+len(f.Body) > maxContainerBytes) {
			if !emit() {
				s.queue = append(queue[i:], s.queue...)
				r.events.Sent(s.shifted, sent)
				return
			}
		}
		batch = append(batch, f)
		size += len(f.Body)
		priority = priority || out.Priority
		if out.Kind == wire.RPCRequest && out.ID != 0 {
			s.inflight[out.ID] = out
			sent = append(sent, out.ID)
		}
	}
	emit()
	if len(sent) > 0 {
		r.events.Sent(s.shifted, sent)
	}
}

func (r *Router) frame(s *Session, out Outgoing) (wire.Frame, error) {
	f := wire.Frame{Kind: out.Kind, ReqID: out.ID, Body: out.Body}
	if out.Kind == wire.RPCRequest && (out.ForceLayer || (out.NeedsLayer && s.needLayer)) {
		body, err := wire.WrapLayer(r.layer(), out.Body)
		if err != nil {
			return wire.Frame{}, fmt.Errorf("layer header: %w", err)
		}
		f.Body = body
		f.Flags |= wire.FlagLayer
		s.needLayer = false
	}
	if len(f.Body) > wire.MaxBodySize {
		return wire.Frame{}, fmt.Errorf("%w: body of %d bytes", domain.ErrBadFrame, len(f.Body))
	}
	return wire.Pack(f), nil
}

// packet handles one packet of the bound connection conn.
func (r *Router) packet(shifted domain.ShiftedDcID, conn transport.Connection, packet []byte) {
	if q, ok := r.quitting[conn]; ok {
		r.drain(conn, q, packet)
		return
	}
	s := r.get(shifted)
	if s == nil || s.conn != conn || s.sealer == nil {
		return
	}
	if keyID, err := wire.PacketKeyID(packet); err == nil && keyID == 0 {
		r.notice(s, packet)
		return
	}
	raw, err := s.sealer.Open(packet)
	if err != nil {
		r.log.Warn("dropping undecodable packet", "shifted_dc_id", shifted.String(), "err", err)
		return
	}
	f, err := wire.Decode(raw)
	if err != nil {
		r.log.Warn("dropping malformed frame", "shifted_dc_id", shifted.String(), "err", err)
		return
	}
	frames := []wire.Frame{f}
	if f.Kind == wire.Container {
		if frames, err = f.Unpack(); err != nil {
			r.log.Warn("dropping malformed container", "shifted_dc_id", shifted.String(), "err", err)
			return
		}
	}
	if s.State() == StateAuthenticated {
		s.setState(StateActive)
	}
	for _, packed := range frames {
		f, err := wire.Unpacked(packed)
		if err != nil {
			r.log.Warn("dropping frame with bad gzip body", "shifted_dc_id", shifted.String(), "request_id", packed.ReqID, "err", err)
			continue
		}
		r.dispatch(s, f)
		if r.get(shifted) != s || s.conn != conn {
			// A handler killed or restarted the session.
			return
		}
	}
}

// notice handles an unencrypted packet on an established session. The
// server sends one when it does not know the key of the connection.
func (r *Router) notice(s *Session, packet []byte) {
	raw, err := wire.OpenPlain(packet)
	if err != nil {
		return
	}
	f, err := wire.Decode(raw)
	if err != nil || f.Kind != wire.RPCError {
		r.log.Debug("ignoring plain packet", "shifted_dc_id", s.shifted.String())
		return
	}
	rpcErr, err := wire.DecodeError(f.Body)
	if err != nil || rpcErr.Type != domain.TypeAuthKeyUnregistered {
		r.log.Debug("ignoring plain error", "shifted_dc_id", s.shifted.String())
		return
	}
	r.log.Warn("server does not know the session key", "shifted_dc_id", s.shifted.String(), "key_id", fmt.Sprintf("%016x", s.keyID))
	r.events.KeyRejected(s.shifted, s.keyID)
}

func (r *Router) dispatch(s *Session, f wire.Frame) {
	switch f.Kind {
	case wire.RPCResult:
		delete(s.inflight, f.ReqID)
		r.events.Result(s.shifted, f.ReqID, f.Body)
	case wire.RPCError:
		delete(s.inflight, f.ReqID)
		rpcErr, err := wire.DecodeError(f.Body)
		if err != nil {
			r.log.Warn("malformed rpc error", "shifted_dc_id", s.shifted.String(), "request_id", f.ReqID, "err", err)
			rpcErr = domain.NewLocalError(domain.TypeResponseParseFailed)
		}
		r.events.Error(s.shifted, f.ReqID, rpcErr)
	case wire.Updates:
		r.events.Updates(s.shifted, f.Body)
	case wire.SessionReset:
		r.log.Info("server reset session", "shifted_dc_id", s.shifted.String())
		s.needLayer = true
		s.requeueInflight()
		r.events.SessionReset(s.shifted)
		r.flush(s)
	case wire.Ping:
		s.queue = append(s.queue, Outgoing{ID: f.ReqID, Kind: wire.Pong, Priority: true})
		r.flush(s)
	case wire.Pong:
		r.log.Debug("pong", "shifted_dc_id", s.shifted.String())
	case wire.DestroyKeyResult:
		keyID, status, err := wire.ParseDestroyKeyResult(f.Body)
		if err != nil {
			r.log.Warn("malformed destroy key result", "shifted_dc_id", s.shifted.String(), "err", err)
			return
		}
		r.events.DestroyKeyResult(s.shifted, keyID, status)
	default:
		r.log.Debug("ignoring frame", "shifted_dc_id", s.shifted.String(), "kind", f.Kind.String())
	}
}
