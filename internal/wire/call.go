package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/koltyakov/mtp/internal/domain"
)

// Built-in protocol methods.
const (
	MethodGetConfig    = "help.getConfig"
	MethodGetCDNConfig = "help.getCdnConfig"
	MethodLogOut       = "auth.logOut"
	MethodGetNearestDc = "help.getNearestDc"
)

// Layer is the protocol layer announced in the connection header.
const Layer = 1

// Call is the JSON request body used by the built-in methods.
type Call struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Serialize encodes the call as a request payload.
func (c Call) Serialize() ([]byte, error) {
	return json.Marshal(c)
}

// ParseCall decodes a payload produced by [Call.Serialize].
func ParseCall(b []byte) (Call, error) {
	var c Call
	if err := json.Unmarshal(b, &c); err != nil {
		return Call{}, fmt.Errorf("%w: call: %v", domain.ErrBadFrame, err)
	}
	return c, nil
}

// LayerHeader is prepended to the first request of a connection so that the
// server learns the client's layer and environment.
type LayerHeader struct {
	Layer         int    `json:"layer"`
	DeviceModel   string `json:"device_model,omitempty"`
	SystemVersion string `json:"system_version,omitempty"`
	LangCode      string `json:"lang_code,omitempty"`
}

// WrapLayer returns uvarint(len(header)) | header JSON | body.
func WrapLayer(h LayerHeader, body []byte) ([]byte, error) {
	raw, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	out := binary.AppendUvarint(make([]byte, 0, binary.MaxVarintLen64+len(raw)+len(body)), uint64(len(raw)))
	out = append(out, raw...)
	return append(out, body...), nil
}

// SplitLayer reverses WrapLayer.
func SplitLayer(b []byte) (LayerHeader, []byte, error) {
	n, sz := binary.Uvarint(b)
	if sz <= 0 || uint64(len(b)-sz) < n {
		return LayerHeader{}, nil, fmt.Errorf("%w: layer header", domain.ErrBadFrame)
	}
	var h LayerHeader
	if err := json.Unmarshal(b[sz:sz+int(n)], &h); err != nil {
		return LayerHeader{}, nil, fmt.Errorf("%w: layer header: %v", domain.ErrBadFrame, err)
	}
	return h, b[sz+int(n):], nil
}

// EncodeError encodes an RPC error body.
func EncodeError(e *domain.RPCError) []byte {
	b, _ := json.Marshal(e)
	return b
}

// DecodeError decodes an RPC error body.
func DecodeError(b []byte) (*domain.RPCError, error) {
	var e domain.RPCError
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("%w: rpc error: %v", domain.ErrBadFrame, err)
	}
	return &e, nil
}

// Destroy key outcomes reported by the server.
const (
	DestroyKeyOK   uint8 = 0
	DestroyKeyNone uint8 = 1
	DestroyKeyFail uint8 = 2
)

// DestroyKeyBody is the body of a DestroyKey frame.
func DestroyKeyBody(keyID uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, keyID)
}

// ParseDestroyKey decodes a DestroyKey body.
func ParseDestroyKey(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: destroy key body", domain.ErrBadFrame)
	}
	return binary.BigEndian.Uint64(b), nil
}

// DestroyKeyResultBody is the body of a DestroyKeyResult frame.
func DestroyKeyResultBody(keyID uint64, status uint8) []byte {
	return append(binary.BigEndian.AppendUint64(nil, keyID), status)
}

// ParseDestroyKeyResult decodes a DestroyKeyResult body.
func ParseDestroyKeyResult(b []byte) (keyID uint64, status uint8, err error) {
	if len(b) != 9 {
		return 0, 0, fmt.Errorf("%w: destroy key result body", domain.ErrBadFrame)
	}
	return binary.BigEndian.Uint64(b[:8]), b[8], nil
}
