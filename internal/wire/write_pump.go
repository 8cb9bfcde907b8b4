package wire

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var ErrWritePumpClosed = errors.New("write pump closed")
var ErrWritePumpBackpressure = errors.New("write pump backpressure")

const (
	defaultControlEnqueueTimeout = 2 * time.Second
	defaultDataEnqueueTimeout    = 5 * time.Second
)

type writeRequest struct {
	packet []byte
	done   chan error
}

// WritePump serializes packet writes on one connection while prioritizing
// control traffic (pings, key destruction) ahead of request data.
type WritePump struct {
	writeFn     func([]byte) error
	closeFn     func()
	high        chan writeRequest
	low         chan writeRequest
	stop        chan struct{}
	done        chan struct{}
	closed      atomic.Bool
	stopOnce    sync.Once
	highTimeout time.Duration
	lowTimeout  time.Duration
}

// NewWSWritePump writes each packet as one binary websocket message.
func NewWSWritePump(conn *websocket.Conn, writeTimeout time.Duration, highCap, lowCap int) *WritePump {
	return NewWritePump(func(packet []byte) error {
		if conn == nil {
			return ErrWritePumpClosed
		}
		if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			_ = conn.Close()
			return err
		}
		defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()
		if err := conn.WriteMessage(websocket.BinaryMessage, packet); err != nil {
			_ = conn.Close()
			return err
		}
		return nil
	}, func() {
		if conn != nil {
			_ = conn.Close()
		}
	}, highCap, lowCap)
}

// NewWritePump starts a pump around an arbitrary packet writer.
func NewWritePump(writeFn func([]byte) error, closeFn func(), highCap, lowCap int) *WritePump {
	return newWritePump(writeFn, closeFn, highCap, lowCap, defaultControlEnqueueTimeout, defaultDataEnqueueTimeout)
}

func newWritePump(
	writeFn func([]byte) error,
	closeFn func(),
	highCap, lowCap int,
	highTimeout, lowTimeout time.Duration,
) *WritePump {
	if highCap <= 0 {
		highCap = 1
	}
	if lowCap <= 0 {
		lowCap = 1
	}
	if highTimeout <= 0 {
		highTimeout = defaultControlEnqueueTimeout
	}
	if lowTimeout <= 0 {
		lowTimeout = defaultDataEnqueueTimeout
	}
	p := &WritePump{
		writeFn:     writeFn,
		closeFn:     closeFn,
		high:        make(chan writeRequest, highCap),
		low:         make(chan writeRequest, lowCap),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		highTimeout: highTimeout,
		lowTimeout:  lowTimeout,
	}
	go p.run()
	return p
}

// Write enqueues a packet and waits until it has been written.
func (p *WritePump) Write(packet []byte, priority bool) error {
	return p.enqueue(writeRequest{packet: packet, done: make(chan error, 1)}, priority, true)
}

// Enqueue hands a packet to the pump without waiting for the write itself.
// Write failures tear the connection down instead of being returned.
func (p *WritePump) Enqueue(packet []byte, priority bool) error {
	return p.enqueue(writeRequest{packet: packet, done: make(chan error, 1)}, priority, false)
}

// Close stops the pump; queued writes fail with [ErrWritePumpClosed].
func (p *WritePump) Close() {
	p.closed.Store(true)
	p.signalStop()
	<-p.done
}

func (p *WritePump) enqueue(req writeRequest, high, wait bool) error {
	if p.closed.Load() {
		return ErrWritePumpClosed
	}

	target := p.low
	timeout := p.lowTimeout
	if high {
		target = p.high
		timeout = p.highTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.stop:
		return ErrWritePumpClosed
	case target <- req:
	case <-timer.C:
		p.triggerBackpressure()
		return ErrWritePumpBackpressure
	}

	if !wait {
		return nil
	}
	return <-req.done
}

func (p *WritePump) run() {
	defer close(p.done)

	for {
		req, ok := p.next()
		if !ok {
			p.failPending(ErrWritePumpClosed)
			return
		}
		err := p.write(req)
		req.done <- err
		if err != nil {
			p.closed.Store(true)
			if p.closeFn != nil {
				p.closeFn()
			}
			p.signalStop()
			p.failPending(err)
			return
		}
		if p.closed.Load() {
			p.signalStop()
			p.failPending(ErrWritePumpClosed)
			return
		}
	}
}

func (p *WritePump) next() (writeRequest, bool) {
	select {
	case req := <-p.high:
		return req, true
	default:
	}

	select {
	case <-p.stop:
		return writeRequest{}, false
	case req := <-p.high:
		return req, true
	case req := <-p.low:
		return req, true
	}
}

func (p *WritePump) write(req writeRequest) error {
	if p.writeFn == nil {
		return io.ErrClosedPipe
	}
	return p.writeFn(req.packet)
}

func (p *WritePump) failPending(err error) {
	for {
		select {
		case req := <-p.high:
			req.done <- err
		case req := <-p.low:
			req.done <- err
		default:
			return
		}
	}
}

func (p *WritePump) signalStop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
}

// triggerBackpressure tears the connection down when a lane stays full; a
// stalled peer is treated like a dead one and the session reconnects.
func (p *WritePump) triggerBackpressure() {
	if p.closed.Swap(true) {
		return
	}
	if p.closeFn != nil {
		p.closeFn()
	}
	p.signalStop()
}
