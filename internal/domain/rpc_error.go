package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Local error codes never collide with server codes, which are positive.
const (
	CodeLocal     = -500
	CodeTransport = -503
)

// Well-known error types.
const (
	TypeSessionKilled          = "SESSION_KILLED"
	TypeDcUnreachable          = "DC_UNREACHABLE"
	TypeRequestSerializeFailed = "REQUEST_SERIALIZE_FAILED"
	TypeResponseParseFailed    = "RESPONSE_PARSE_FAILED"
	TypeMigrateLoop            = "MIGRATE_LOOP"
	TypeInstanceClosed         = "INSTANCE_CLOSED"
	TypeClearCallback          = "CLEAR_CALLBACK"

	TypeAuthKeyUnregistered    = "AUTH_KEY_UNREGISTERED"
	TypeAuthKeyInvalid         = "AUTH_KEY_INVALID"
	TypeAuthKeyPermEmpty       = "AUTH_KEY_PERM_EMPTY"
	TypeSessionRevoked         = "SESSION_REVOKED"
	TypeConnectionNotInited    = "CONNECTION_NOT_INITED"
	TypeConnectionLayerInvalid = "CONNECTION_LAYER_INVALID"
)

const (
	floodWaitPrefix = "FLOOD_WAIT_"
	migrateMarker   = "_MIGRATE_"
)

// RPCError is the structured failure delivered to fail callbacks.
type RPCError struct {
	Code int    `json:"code"`
	Type string `json:"type"`
}

// NewLocalError builds an error that originated on this side of the wire.
func NewLocalError(typ string) *RPCError {
	return &RPCError{Code: CodeLocal, Type: typ}
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Type)
}

// IsLocal reports whether the error was produced locally.
func (e *RPCError) IsLocal() bool {
	return e != nil && e.Code < 0
}

// FloodWait returns the number of seconds the server asks to wait.
func (e *RPCError) FloodWait() (int, bool) {
	if e == nil || !strings.HasPrefix(e.Type, floodWaitPrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(e.Type, floodWaitPrefix))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Migrate returns the target datacenter of a "*_MIGRATE_N" error together
// with the migration kind prefix (PHONE, USER, FILE, NETWORK, STATS, ...).
func (e *RPCError) Migrate() (kind string, dc DcID, ok bool) {
	if e == nil {
		return "", 0, false
	}
	idx := strings.LastIndex(e.Type, migrateMarker)
	if idx <= 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(e.Type[idx+len(migrateMarker):])
	if err != nil || !DcID(n).Valid() {
		return "", 0, false
	}
	return e.Type[:idx], DcID(n), true
}

// MovesMainDc reports whether a migration of this kind relocates the main
// datacenter of the account rather than a single request.
func MovesMainDc(kind string) bool {
	switch kind {
	case "PHONE", "USER", "NETWORK":
		return true
	}
	return false
}

// IsKeyInvalidation reports whether the server rejected the authorization key.
func (e *RPCError) IsKeyInvalidation() bool {
	if e == nil || e.Code != 401 {
		return false
	}
	switch e.Type {
	case TypeAuthKeyUnregistered, TypeAuthKeyInvalid, TypeAuthKeyPermEmpty, TypeSessionRevoked:
		return true
	}
	return false
}

// NeedsLayer reports whether the server wants the connection header resent.
func (e *RPCError) NeedsLayer() bool {
	if e == nil || e.Code != 400 {
		return false
	}
	return e.Type == TypeConnectionNotInited || e.Type == TypeConnectionLayerInvalid
}
