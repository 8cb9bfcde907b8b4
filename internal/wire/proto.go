// Package wire defines the binary frame envelope exchanged with datacenters,
// the container format used for batching, body packing and the AEAD sealing
// of frames with the datacenter's authorization key.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/koltyakov/mtp/internal/domain"
)

// Kind identifies the type of payload carried by a [Frame].
type Kind uint8

// Frame kinds.
const (
	RPCRequest Kind = iota + 1
	RPCResult
	RPCError
	Container
	Ping
	Pong
	Updates
	SessionReset
	DestroyKey
	DestroyKeyResult
	AuthInit
	AuthReply
)

var kindNames = map[Kind]string{
	RPCRequest:       "rpc_request",
	RPCResult:        "rpc_result",
	RPCError:         "rpc_error",
	Container:        "container",
	Ping:             "ping",
	Pong:             "pong",
	Updates:          "updates",
	SessionReset:     "session_reset",
	DestroyKey:       "destroy_key",
	DestroyKeyResult: "destroy_key_result",
	AuthInit:         "auth_init",
	AuthReply:        "auth_reply",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind_%d", uint8(k))
}

// Frame flags.
const (
	FlagGzip  uint8 = 1 << 0
	FlagLayer uint8 = 1 << 1
)

const (
	headerSize = 1 + 1 + 8 + 4

	// MaxBodySize bounds a single frame body.
	MaxBodySize = 16 * 1024 * 1024
)

// Frame is one protocol message.
type Frame struct {
	Kind  Kind
	Flags uint8
	ReqID domain.RequestID
	Body  []byte
}

// Has reports whether flag is set on the frame.
func (f Frame) Has(flag uint8) bool {
	return f.Flags&flag != 0
}

// AppendTo appends the encoded frame to dst.
func (f Frame) AppendTo(dst []byte) []byte {
	var hdr [headerSize]byte
	hdr[0] = byte(f.Kind)
	hdr[1] = f.Flags
	binary.BigEndian.PutUint64(hdr[2:10], uint64(f.ReqID))
	binary.BigEndian.PutUint32(hdr[10:14], uint32(len(f.Body)))
	dst = append(dst, hdr[:]...)
	return append(dst, f.Body...)
}

// Encode returns the encoded frame.
func (f Frame) Encode() []byte {
	return f.AppendTo(make([]byte, 0, headerSize+len(f.Body)))
}

// DecodeFrame decodes one frame from the head of b and returns the number of
// bytes consumed.
func DecodeFrame(b []byte) (Frame, int, error) {
	if len(b) < headerSize {
		return Frame{}, 0, fmt.Errorf("%w: short header (%d bytes)", domain.ErrBadFrame, len(b))
	}
	n := binary.BigEndian.Uint32(b[10:14])
	if n > MaxBodySize {
		return Frame{}, 0, fmt.Errorf("%w: body too large (%d bytes)", domain.ErrBadFrame, n)
	}
	end := headerSize + int(n)
	if len(b) < end {
		return Frame{}, 0, fmt.Errorf("%w: truncated body", domain.ErrBadFrame)
	}
	f := Frame{
		Kind:  Kind(b[0]),
		Flags: b[1],
		ReqID: domain.RequestID(binary.BigEndian.Uint64(b[2:10])),
	}
	if n > 0 {
		f.Body = append([]byte(nil), b[headerSize:end]...)
	}
	return f, end, nil
}

// Decode decodes exactly one frame; trailing bytes are an error.
func Decode(b []byte) (Frame, error) {
	f, n, err := DecodeFrame(b)
	if err != nil {
		return Frame{}, err
	}
	if n != len(b) {
		return Frame{}, fmt.Errorf("%w: %d trailing bytes", domain.ErrBadFrame, len(b)-n)
	}
	return f, nil
}

// NewContainer packs several frames into one container frame so that they
// leave in a single transmission.
func NewContainer(frames []Frame) Frame {
	size := 0
	for _, f := range frames {
		size += headerSize + len(f.Body)
	}
	body := make([]byte, 0, size)
	for _, f := range frames {
		body = f.AppendTo(body)
	}
	return Frame{Kind: Container, Body: body}
}

// Unpack returns the frames inside a container. Non-container frames are
// returned as a single-element slice. Nested containers are rejected.
func (f Frame) Unpack() ([]Frame, error) {
	if f.Kind != Container {
		return []Frame{f}, nil
	}
	var out []Frame
	rest := f.Body
	for len(rest) > 0 {
		inner, n, err := DecodeFrame(rest)
		if err != nil {
			return nil, err
		}
		if inner.Kind == Container {
			return nil, fmt.Errorf("%w: nested container", domain.ErrBadFrame)
		}
		out = append(out, inner)
		rest = rest[n:]
	}
	return out, nil
}
