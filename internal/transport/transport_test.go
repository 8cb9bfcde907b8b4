package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/koltyakov/mtp/internal/domain"
)

type recordingHandler struct {
	mu       sync.Mutex
	packets  [][]byte
	finished chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{finished: make(chan error, 1)}
}

func (h *recordingHandler) Packet(_ Connection, packet []byte) {
	h.mu.Lock()
	h.packets = append(h.packets, append([]byte(nil), packet...))
	h.mu.Unlock()
}

func (h *recordingHandler) Finished(_ Connection, err error) {
	h.finished <- err
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.packets)
}

func echoServer(t *testing.T) (*httptest.Server, domain.DcOption) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != defaultWSPath {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return srv, domain.DcOption{ID: 2, Host: host, Port: port}
}

func TestWSDialerEchoesPackets(t *testing.T) {
	t.Parallel()

	_, opt := echoServer(t)
	h := newRecordingHandler()
	d := &WSDialer{PingInterval: -1}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := d.Dial(ctx, opt, h)
	require.NoError(t, err)
	require.Equal(t, "ws:"+opt.Address(), conn.Transport())

	require.NoError(t, conn.Send([]byte("one"), false))
	require.NoError(t, conn.Send([]byte("two"), true))
	require.Eventually(t, func() bool { return h.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	select {
	case err := <-h.finished:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("finished was not reported")
	}
	require.Error(t, conn.Send([]byte("late"), false))
}

func TestWSDialerReportsServerDisconnect(t *testing.T) {
	t.Parallel()

	srv, opt := echoServer(t)
	h := newRecordingHandler()
	conn, err := (&WSDialer{PingInterval: -1}).Dial(context.Background(), opt, h)
	require.NoError(t, err)
	defer conn.Close()

	srv.CloseClientConnections()
	select {
	case err := <-h.finished:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("finished was not reported")
	}
}

func TestWSDialerConnectFailure(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	_, err = (&WSDialer{}).Dial(context.Background(), domain.DcOption{ID: 4, Host: "127.0.0.1", Port: addr.Port}, newRecordingHandler())
	var opErr *domain.OpError
	require.True(t, errors.As(err, &opErr))
	require.Equal(t, domain.DcID(4), opErr.DcID)
}

func TestMultiRoutesByFlag(t *testing.T) {
	t.Parallel()

	ws := &stubDialer{name: "ws"}
	q := &stubDialer{name: "quic"}
	m := Multi{WS: ws, QUIC: q}

	_, _ = m.Dial(context.Background(), domain.DcOption{ID: 1, Flags: domain.FlagQUIC}, nil)
	_, _ = m.Dial(context.Background(), domain.DcOption{ID: 1}, nil)
	require.Equal(t, 1, q.calls)
	require.Equal(t, 1, ws.calls)

	_, err := Multi{}.Dial(context.Background(), domain.DcOption{ID: 1}, nil)
	require.Error(t, err)
}

func TestLengthPrefixedFraming(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, writeLengthPrefixed(&buf, []byte("alpha")))
	require.NoError(t, writeLengthPrefixed(&buf, nil))
	require.NoError(t, writeLengthPrefixed(&buf, []byte("beta")))

	for _, want := range []string{"alpha", "", "beta"} {
		got, err := readLengthPrefixed(&buf)
		require.NoError(t, err)
		require.Equal(t, want, string(got))
	}
	_, err := readLengthPrefixed(&buf)
	require.Error(t, err)

	oversized := []byte{0xff, 0xff, 0xff, 0xff}
	_, err = readLengthPrefixed(bytes.NewReader(oversized))
	require.ErrorIs(t, err, domain.ErrBadFrame)
}

type stubDialer struct {
	name  string
	calls int
}

func (s *stubDialer) Dial(context.Context, domain.DcOption, Handler) (Connection, error) {
	s.calls++
	return nil, errors.New(s.name)
}
