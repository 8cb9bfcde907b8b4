package session

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/koltyakov/mtp/internal/domain"
	"github.com/koltyakov/mtp/internal/transport"
	"github.com/koltyakov/mtp/internal/wire"
)

// quitDrainTimeout bounds how long a replaced connection stays open for
// answers to the requests it carried.
const quitDrainTimeout = 10 * time.Second

// quittingConn is a connection a restart replaced while requests were
// still unanswered on it. It only delivers results and errors for those
// requests and is closed once they are all answered.
type quittingConn struct {
	shifted domain.ShiftedDcID
	sealer  *wire.Sealer
	pending map[domain.RequestID]struct{}
	timer   *clock.Timer
}

// retire moves the live connection of s to the quitting set when it has
// requests in flight. The session then detaches without closing it.
func (r *Router) retire(s *Session) {
	if s.conn == nil || s.sealer == nil || len(s.inflight) == 0 {
		return
	}
	conn := s.conn
	q := &quittingConn{
		shifted: s.shifted,
		sealer:  s.sealer,
		pending: make(map[domain.RequestID]struct{}, len(s.inflight)),
	}
	for id := range s.inflight {
		q.pending[id] = struct{}{}
	}
	q.timer = r.clock.AfterFunc(quitDrainTimeout, func() {
		r.post(func() {
			if r.quitting[conn] != q {
				return
			}
			r.log.Debug("replaced connection drain timed out", "shifted_dc_id", q.shifted.String(), "unanswered", len(q.pending))
			_ = r.quit(conn)
		})
	})
	r.quitting[conn] = q
	s.conn = nil
	r.log.Debug("draining replaced connection", "shifted_dc_id", s.shifted.String(), "in_flight", len(q.pending))
}

// quit closes a quitting connection and forgets it.
func (r *Router) quit(conn transport.Connection) error {
	q, ok := r.quitting[conn]
	if !ok {
		return nil
	}
	delete(r.quitting, conn)
	q.timer.Stop()
	return conn.Close()
}

// drain handles a packet that arrived on a quitting connection.
func (r *Router) drain(conn transport.Connection, q *quittingConn, packet []byte) {
	raw, err := q.sealer.Open(packet)
	if err != nil {
		r.log.Debug("dropping undecodable packet from replaced connection", "shifted_dc_id", q.shifted.String(), "err", err)
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
	for _, packed := range frames {
		f, err := wire.Unpacked(packed)
		if err != nil || (f.Kind != wire.RPCResult && f.Kind != wire.RPCError) {
			continue
		}
		if _, ok := q.pending[f.ReqID]; !ok {
			continue
		}
		delete(q.pending, f.ReqID)
		if s := r.get(q.shifted); s != nil {
			// Answered here, so the copy queued for the new connection
			// is not needed.
			s.drop(f.ReqID)
		}
		if f.Kind == wire.RPCResult {
			r.events.Result(q.shifted, f.ReqID, f.Body)
		} else {
			rpcErr, err := wire.DecodeError(f.Body)
			if err != nil {
				rpcErr = domain.NewLocalError(domain.TypeResponseParseFailed)
			}
			r.events.Error(q.shifted, f.ReqID, rpcErr)
		}
		if r.quitting[conn] != q {
			return
		}
	}
	if len(q.pending) == 0 {
		r.log.Debug("replaced connection drained", "shifted_dc_id", q.shifted.String())
		_ = r.quit(conn)
	}
}
