package wire

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/koltyakov/mtp/internal/authkey"
	"github.com/koltyakov/mtp/internal/domain"
)

const keyIDSize = 8

// Direction selects which half of the derived key material seals outgoing
// packets. Each peer seals with its own direction and opens with the other.
type Direction uint8

const (
	ClientToServer Direction = iota
	ServerToClient
)

func (d Direction) info() []byte {
	if d == ServerToClient {
		return []byte("mtp packet s2c v1")
	}
	return []byte("mtp packet c2s v1")
}

func (d Direction) peer() Direction {
	if d == ServerToClient {
		return ClientToServer
	}
	return ServerToClient
}

// Sealer encrypts frames with the datacenter's auth key.
type Sealer struct {
	keyID uint64
	seal  cipher.AEAD
	open  cipher.AEAD
}

// NewSealer derives the per-direction AEAD keys from key.
func NewSealer(key *authkey.Key, own Direction) (*Sealer, error) {
	seal, err := deriveAEAD(key, own)
	if err != nil {
		return nil, err
	}
	open, err := deriveAEAD(key, own.peer())
	if err != nil {
		return nil, err
	}
	return &Sealer{keyID: key.ID(), seal: seal, open: open}, nil
}

func deriveAEAD(key *authkey.Key, d Direction) (cipher.AEAD, error) {
	secret := key.Secret()
	kdf := hkdf.New(sha256.New, secret[:], nil, d.info())
	sub := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, sub); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return chacha20poly1305.NewX(sub)
}

// KeyID returns the id of the key packets are sealed with.
func (s *Sealer) KeyID() uint64 { return s.keyID }

// Seal returns key_id | nonce | ciphertext. The key id is authenticated as
// additional data.
func (s *Sealer) Seal(frame []byte) ([]byte, error) {
	out := make([]byte, keyIDSize+s.seal.NonceSize(), keyIDSize+s.seal.NonceSize()+len(frame)+s.seal.Overhead())
	binary.LittleEndian.PutUint64(out[:keyIDSize], s.keyID)
	nonce := out[keyIDSize:]
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto/rand: %w", err)
	}
	return s.seal.Seal(out, nonce, frame, out[:keyIDSize]), nil
}

// Open authenticates and decrypts a packet produced by the peer's Seal.
func (s *Sealer) Open(packet []byte) ([]byte, error) {
	id, err := PacketKeyID(packet)
	if err != nil {
		return nil, err
	}
	if id != s.keyID {
		return nil, fmt.Errorf("%w: got %016x, want %016x", domain.ErrKeyMismatch, id, s.keyID)
	}
	ns := s.open.NonceSize()
	if len(packet) < keyIDSize+ns+s.open.Overhead() {
		return nil, fmt.Errorf("%w: short sealed packet", domain.ErrBadFrame)
	}
	nonce := packet[keyIDSize : keyIDSize+ns]
	plain, err := s.open.Open(nil, nonce, packet[keyIDSize+ns:], packet[:keyIDSize])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBadFrame, err)
	}
	return plain, nil
}

// PacketKeyID returns the clear-text key id of a packet; zero means plain.
func PacketKeyID(packet []byte) (uint64, error) {
	if len(packet) < keyIDSize {
		return 0, fmt.Errorf("%w: short packet", domain.ErrBadFrame)
	}
	return binary.LittleEndian.Uint64(packet[:keyIDSize]), nil
}

// Plain wraps an unencrypted frame, used only before a key exists.
func Plain(frame []byte) []byte {
	out := make([]byte, keyIDSize, keyIDSize+len(frame))
	return append(out, frame...)
}

// OpenPlain unwraps a packet built by Plain.
func OpenPlain(packet []byte) ([]byte, error) {
	id, err := PacketKeyID(packet)
	if err != nil {
		return nil, err
	}
	if id != 0 {
		return nil, fmt.Errorf("%w: expected plain packet", domain.ErrKeyMismatch)
	}
	return packet[keyIDSize:], nil
}
