package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/koltyakov/mtp/internal/domain"
	"github.com/koltyakov/mtp/internal/wire"
)

// ALPN is the application protocol negotiated on QUIC endpoints.
const ALPN = "mtp"

const (
	quicKeepAlive      = 15 * time.Second
	quicMaxIdleTimeout = 60 * time.Second
	maxPacketSize      = wire.MaxBodySize + 1024
)

// QUICDialer opens one bidirectional QUIC stream per connection and carries
// length-prefixed packets on it.
type QUICDialer struct {
	TLSConfig *tls.Config
}

func (d *QUICDialer) Dial(ctx context.Context, opt domain.DcOption, h Handler) (Connection, error) {
	tlsConf := d.TLSConfig
	if tlsConf == nil {
		tlsConf = &tls.Config{MinVersion: tls.VersionTLS13}
	}
	tlsConf = tlsConf.Clone()
	tlsConf.NextProtos = []string{ALPN}
	if tlsConf.ServerName == "" {
		tlsConf.ServerName = opt.Host
	}

	qconn, err := quic.DialAddr(ctx, opt.Address(), tlsConf, &quic.Config{
		KeepAlivePeriod: quicKeepAlive,
		MaxIdleTimeout:  quicMaxIdleTimeout,
	})
	if err != nil {
		return nil, &domain.OpError{DcID: opt.ID, Op: "quic connect", Err: err}
	}
	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		_ = qconn.CloseWithError(0, "stream open failed")
		return nil, &domain.OpError{DcID: opt.ID, Op: "quic stream", Err: err}
	}

	c := &streamConn{
		rw:      stream,
		handler: h,
		desc:    fmt.Sprintf("quic:%s", opt.Address()),
		closeFn: func() {
			_ = stream.Close()
			_ = qconn.CloseWithError(0, "closed")
		},
	}
	c.writer = wire.NewWritePump(func(packet []byte) error {
		return writeLengthPrefixed(stream, packet)
	}, c.closeFn, wsWriteControlQueue, wsWriteDataQueue)
	go c.readLoop()
	return c, nil
}

// streamConn adapts any ordered byte stream to a Connection.
type streamConn struct {
	rw      io.ReadWriter
	handler Handler
	desc    string
	writer  *wire.WritePump
	closeFn func()

	closing    atomic.Bool
	closeOnce  sync.Once
	finishOnce sync.Once
}

func (c *streamConn) Send(packet []byte, priority bool) error {
	return c.writer.Enqueue(packet, priority)
}

func (c *streamConn) Close() error {
	c.closing.Store(true)
	c.shutdown()
	c.finish(ErrClosed)
	return nil
}

func (c *streamConn) Transport() string { return c.desc }

func (c *streamConn) shutdown() {
	c.closeOnce.Do(func() {
		c.writer.Close()
		if c.closeFn != nil {
			c.closeFn()
		}
	})
}

func (c *streamConn) finish(err error) {
	if c.closing.Load() {
		err = ErrClosed
	}
	c.finishOnce.Do(func() {
		if c.handler != nil {
			c.handler.Finished(c, err)
		}
	})
}

func (c *streamConn) readLoop() {
	for {
		packet, err := readLengthPrefixed(c.rw)
		if err != nil {
			c.shutdown()
			c.finish(err)
			return
		}
		if c.handler != nil {
			c.handler.Packet(c, packet)
		}
	}
}

func writeLengthPrefixed(w io.Writer, packet []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(packet)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(packet)
	return err
}

func readLengthPrefixed(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxPacketSize {
		return nil, fmt.Errorf("%w: packet too large (%d bytes)", domain.ErrBadFrame, n)
	}
	packet := make([]byte, n)
	if _, err := io.ReadFull(r, packet); err != nil {
		return nil, err
	}
	return packet, nil
}
