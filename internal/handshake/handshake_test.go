package handshake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/koltyakov/mtp/internal/authkey"
	"github.com/koltyakov/mtp/internal/domain"
	"github.com/koltyakov/mtp/internal/wire"
)

// loopback answers every sent packet through Respond.
type loopback struct {
	inbox     chan []byte
	serverKey *authkey.Key
	extra     [][]byte
	sendErr   error
}

func newLoopback() *loopback {
	return &loopback{inbox: make(chan []byte, 4)}
}

func (l *loopback) Send(packet []byte) error {
	if l.sendErr != nil {
		return l.sendErr
	}
	reply, key, err := Respond(packet, time.Unix(1700000000, 0))
	if err != nil {
		return err
	}
	l.serverKey = key
	for _, p := range l.extra {
		l.inbox <- p
	}
	l.inbox <- reply
	return nil
}

func (l *loopback) Recv(ctx context.Context) ([]byte, error) {
	select {
	case p := <-l.inbox:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestAuthorizeAgreesWithServer(t *testing.T) {
	t.Parallel()

	lb := newLoopback()
	lb.extra = [][]byte{wire.Plain(wire.Frame{Kind: wire.Ping}.Encode())}
	created := time.Unix(1700000100, 0)

	key, err := Client{Now: func() time.Time { return created }}.Authorize(context.Background(), 2, lb)
	require.NoError(t, err)
	require.Equal(t, domain.DcID(2), key.DcID())
	require.True(t, key.Equal(lb.serverKey))
	require.Equal(t, created.UTC(), key.Created())
}

func TestAuthorizeProducesDistinctKeys(t *testing.T) {
	t.Parallel()

	a, err := Client{}.Authorize(context.Background(), 1, newLoopback())
	require.NoError(t, err)
	b, err := Client{}.Authorize(context.Background(), 1, newLoopback())
	require.NoError(t, err)
	require.False(t, a.Equal(b))
}

func TestAuthorizeSendFailure(t *testing.T) {
	t.Parallel()

	lb := newLoopback()
	lb.sendErr = errors.New("boom")
	_, err := Client{}.Authorize(context.Background(), 3, lb)
	var opErr *domain.OpError
	require.ErrorAs(t, err, &opErr)
	require.Equal(t, domain.DcID(3), opErr.DcID)
}

func TestAuthorizeHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	silent := &silentExchange{}
	_, err := Client{}.Authorize(ctx, 1, silent)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRespondRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, _, err := Respond(wire.Plain(wire.Frame{Kind: wire.Ping}.Encode()), time.Now())
	require.ErrorIs(t, err, ErrRejected)

	_, _, err = Respond(wire.Plain(wire.Frame{Kind: wire.AuthInit, Body: []byte("{")}.Encode()), time.Now())
	require.ErrorIs(t, err, ErrRejected)
}

type silentExchange struct{}

func (silentExchange) Send([]byte) error { return nil }

func (silentExchange) Recv(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
