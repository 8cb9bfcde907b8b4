// Package handshake negotiates a fresh auth key with a datacenter over an
// unauthenticated connection. The exchange is X25519 with HKDF-SHA256
// expanding the shared point into the 256-byte key.
package handshake

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/koltyakov/mtp/internal/authkey"
	"github.com/koltyakov/mtp/internal/domain"
	"github.com/koltyakov/mtp/internal/wire"
)

const nonceSize = 16

var keyInfo = []byte("mtp auth key v1")

// ErrRejected is returned when the peer answers with something other than a
// well-formed reply to our own request.
var ErrRejected = errors.New("handshake rejected")

// Exchange is the plain packet channel a handshake runs over.
type Exchange interface {
	Send(packet []byte) error
	Recv(ctx context.Context) ([]byte, error)
}

// Authorizer produces a new auth key for a datacenter.
type Authorizer interface {
	Authorize(ctx context.Context, dc domain.DcID, ex Exchange) (*authkey.Key, error)
}

type initBody struct {
	Dc     domain.DcID `json:"dc"`
	Nonce  []byte      `json:"nonce"`
	Public []byte      `json:"public"`
}

type replyBody struct {
	Nonce       []byte `json:"nonce"`
	ServerNonce []byte `json:"server_nonce"`
	Public      []byte `json:"public"`
}

// Client is the client side of the exchange.
type Client struct {
	Now func() time.Time
}

func (c Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Client) Authorize(ctx context.Context, dc domain.DcID, ex Exchange) (*authkey.Key, error) {
	priv, pub, err := keyPair()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto/rand: %w", err)
	}
	body, err := json.Marshal(initBody{Dc: dc, Nonce: nonce, Public: pub})
	if err != nil {
		return nil, err
	}
	if err := ex.Send(wire.Plain(wire.Frame{Kind: wire.AuthInit, Body: body}.Encode())); err != nil {
		return nil, &domain.OpError{DcID: dc, Op: "auth init", Err: err}
	}

	for {
		packet, err := ex.Recv(ctx)
		if err != nil {
			return nil, &domain.OpError{DcID: dc, Op: "auth reply", Err: err}
		}
		frame, err := decodePlain(packet)
		if err != nil {
			return nil, &domain.OpError{DcID: dc, Op: "auth reply", Err: err}
		}
		if frame.Kind != wire.AuthReply {
			// Pings and stale frames from a previous connection are skipped.
			continue
		}
		var reply replyBody
		if err := json.Unmarshal(frame.Body, &reply); err != nil {
			return nil, &domain.OpError{DcID: dc, Op: "auth reply", Err: fmt.Errorf("%w: %v", ErrRejected, err)}
		}
		if string(reply.Nonce) != string(nonce) || len(reply.ServerNonce) != nonceSize {
			return nil, &domain.OpError{DcID: dc, Op: "auth reply", Err: ErrRejected}
		}
		secret, err := derive(priv, reply.Public, nonce, reply.ServerNonce)
		if err != nil {
			return nil, &domain.OpError{DcID: dc, Op: "auth derive", Err: err}
		}
		return authkey.New(dc, secret, c.now()), nil
	}
}

// Respond answers one AuthInit packet, returning the reply packet and the
// key the client will derive. It is the server half used by local test
// servers.
func Respond(packet []byte, now time.Time) ([]byte, *authkey.Key, error) {
	frame, err := decodePlain(packet)
	if err != nil {
		return nil, nil, err
	}
	if frame.Kind != wire.AuthInit {
		return nil, nil, fmt.Errorf("%w: unexpected %s", ErrRejected, frame.Kind)
	}
	var req initBody
	if err := json.Unmarshal(frame.Body, &req); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if !req.Dc.Valid() || len(req.Nonce) != nonceSize {
		return nil, nil, ErrRejected
	}
	priv, pub, err := keyPair()
	if err != nil {
		return nil, nil, err
	}
	serverNonce := make([]byte, nonceSize)
	if _, err := rand.Read(serverNonce); err != nil {
		return nil, nil, fmt.Errorf("crypto/rand: %w", err)
	}
	secret, err := derive(priv, req.Public, req.Nonce, serverNonce)
	if err != nil {
		return nil, nil, err
	}
	body, err := json.Marshal(replyBody{Nonce: req.Nonce, ServerNonce: serverNonce, Public: pub})
	if err != nil {
		return nil, nil, err
	}
	reply := wire.Plain(wire.Frame{Kind: wire.AuthReply, Body: body}.Encode())
	return reply, authkey.New(req.Dc, secret, now), nil
}

func decodePlain(packet []byte) (wire.Frame, error) {
	raw, err := wire.OpenPlain(packet)
	if err != nil {
		return wire.Frame{}, err
	}
	return wire.Decode(raw)
}

func keyPair() (priv, pub []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, nil, fmt.Errorf("crypto/rand: %w", err)
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

func derive(priv, peerPub, nonce, serverNonce []byte) ([authkey.Size]byte, error) {
	var secret [authkey.Size]byte
	shared, err := curve25519.X25519(priv, peerPub)
	if err != nil {
		return secret, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	salt := make([]byte, 0, len(nonce)+len(serverNonce))
	salt = append(salt, nonce...)
	salt = append(salt, serverNonce...)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, keyInfo), secret[:]); err != nil {
		return secret, fmt.Errorf("hkdf: %w", err)
	}
	return secret, nil
}
