package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/mtp/internal/domain"
	"github.com/koltyakov/mtp/internal/wire"
)

const (
	wsHandshakeTimeout   = 10 * time.Second
	wsWriteTimeout       = 15 * time.Second
	wsReadLimit          = 32 * 1024 * 1024
	wsPingInterval       = 30 * time.Second
	wsWriteControlQueue  = 16
	wsWriteDataQueue     = 256
	defaultWSPath        = "/mtp"
	wsControlWriteWindow = 5 * time.Second
)

// WSDialer opens websocket connections (ws:// or wss:// for TLS endpoints).
type WSDialer struct {
	Path         string
	TLSConfig    *tls.Config
	PingInterval time.Duration
	Log          *slog.Logger
}

func (d *WSDialer) Dial(ctx context.Context, opt domain.DcOption, h Handler) (Connection, error) {
	scheme := "ws"
	if opt.Has(domain.FlagTLS) {
		scheme = "wss"
	}
	path := d.Path
	if path == "" {
		path = defaultWSPath
	}
	u := url.URL{Scheme: scheme, Host: opt.Address(), Path: path}

	tlsConf := d.TLSConfig
	if tlsConf == nil {
		tlsConf = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
		TLSClientConfig:  tlsConf,
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, &domain.OpError{DcID: opt.ID, Op: "ws connect", Err: err}
	}
	conn.SetReadLimit(wsReadLimit)

	pingInterval := d.PingInterval
	if pingInterval == 0 {
		pingInterval = wsPingInterval
	}
	c := &wsConn{
		conn:    conn,
		handler: h,
		desc:    fmt.Sprintf("ws:%s", opt.Address()),
		writer:  wire.NewWSWritePump(conn, wsWriteTimeout, wsWriteControlQueue, wsWriteDataQueue),
		stop:    make(chan struct{}),
		log:     d.Log,
	}
	go c.readLoop()
	if pingInterval > 0 {
		go c.keepalive(pingInterval)
	}
	return c, nil
}

type wsConn struct {
	conn    *websocket.Conn
	handler Handler
	desc    string
	writer  *wire.WritePump
	log     *slog.Logger

	stop       chan struct{}
	closing    atomic.Bool
	closeOnce  sync.Once
	finishOnce sync.Once
}

func (c *wsConn) Send(packet []byte, priority bool) error {
	return c.writer.Enqueue(packet, priority)
}

func (c *wsConn) Close() error {
	c.closing.Store(true)
	c.shutdown()
	c.finish(ErrClosed)
	return nil
}

func (c *wsConn) Transport() string { return c.desc }

func (c *wsConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.stop)
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsControlWriteWindow),
		)
		c.writer.Close()
		_ = c.conn.Close()
	})
}

func (c *wsConn) finish(err error) {
	if c.closing.Load() {
		err = ErrClosed
	}
	c.finishOnce.Do(func() {
		if c.handler != nil {
			c.handler.Finished(c, err)
		}
	})
}

func (c *wsConn) readLoop() {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				err = ErrClosed
			}
			c.shutdown()
			c.finish(err)
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		if c.handler != nil {
			c.handler.Packet(c, data)
		}
	}
}

func (c *wsConn) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsControlWriteWindow)); err != nil {
				if c.log != nil {
					c.log.Debug("websocket keepalive failed", "transport", c.desc, "err", err)
				}
				c.shutdown()
				c.finish(err)
				return
			}
		}
	}
}
