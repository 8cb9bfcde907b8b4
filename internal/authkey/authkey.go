// Package authkey holds the shared authorization key value bound to one
// datacenter. A *Key is immutable once built, so the same pointer can be held
// by every session of a datacenter and by the destruction workflow at once.
package authkey

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/koltyakov/mtp/internal/domain"
)

// Size is the length of the shared secret in bytes.
const Size = 256

const marshaledSize = 4 + 8 + Size

// ErrBadKey is returned by Unmarshal for truncated or malformed input.
var ErrBadKey = errors.New("malformed auth key")

// Key is an authorization key for one datacenter.
type Key struct {
	dc      domain.DcID
	id      uint64
	data    [Size]byte
	created time.Time
}

// New wraps secret as the key of dc. The secret is copied.
func New(dc domain.DcID, secret [Size]byte, created time.Time) *Key {
	k := &Key{dc: dc, data: secret, created: created.UTC()}
	k.id = computeID(&k.data)
	return k
}

// Generate creates a key from crypto/rand. Handshakes use New with the
// negotiated secret; Generate is for tests and local development servers.
func Generate(dc domain.DcID) (*Key, error) {
	var secret [Size]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return nil, fmt.Errorf("crypto/rand: %w", err)
	}
	return New(dc, secret, time.Now()), nil
}

// computeID takes the lower 64 bits of SHA-1 over the secret.
func computeID(data *[Size]byte) uint64 {
	sum := sha1.Sum(data[:])
	return binary.LittleEndian.Uint64(sum[12:20])
}

// DcID returns the datacenter the key belongs to.
func (k *Key) DcID() domain.DcID { return k.dc }

// ID returns the 64-bit key identifier sent in the clear with every packet.
func (k *Key) ID() uint64 { return k.id }

// Created returns when the key was established.
func (k *Key) Created() time.Time { return k.created }

// Secret returns a copy of the shared secret.
func (k *Key) Secret() [Size]byte { return k.data }

// Equal reports whether both keys carry the same secret.
func (k *Key) Equal(other *Key) bool {
	if k == nil || other == nil {
		return k == other
	}
	return k.id == other.id && k.data == other.data
}

// Marshal encodes the key as dc(4) | created unix seconds(8) | secret(256).
func (k *Key) Marshal() []byte {
	out := make([]byte, marshaledSize)
	binary.BigEndian.PutUint32(out[0:4], uint32(k.dc))
	binary.BigEndian.PutUint64(out[4:12], uint64(k.created.Unix()))
	copy(out[12:], k.data[:])
	return out
}

// Unmarshal decodes a key produced by Marshal.
func Unmarshal(b []byte) (*Key, error) {
	if len(b) != marshaledSize {
		return nil, ErrBadKey
	}
	dc := domain.DcID(int32(binary.BigEndian.Uint32(b[0:4])))
	if !dc.Valid() {
		return nil, ErrBadKey
	}
	created := time.Unix(int64(binary.BigEndian.Uint64(b[4:12])), 0)
	var secret [Size]byte
	copy(secret[:], b[12:])
	return New(dc, secret, created), nil
}

func (k *Key) String() string {
	return fmt.Sprintf("authkey(dc=%d id=%016x)", k.dc, k.id)
}
