// Package domain defines the identifiers, error model and datacenter records
// shared across the session, registry, key store and facade layers.
package domain

import (
	"fmt"
	"sync/atomic"
)

// DcID identifies a datacenter. Valid ids are in the range [1, MaxDcID].
type DcID int32

// SessionClass distinguishes logical sessions opened to the same datacenter
// (main, config, media download/upload lanes, key destruction, ...).
type SessionClass int32

// ShiftedDcID folds a datacenter id and a session class into one routing key.
// A bare DcID value is the main session of that datacenter.
type ShiftedDcID int32

// RequestID identifies an in-flight request for cancellation and state queries.
type RequestID int64

// dcShift is the multiplier between session class and datacenter id.
const dcShift = 10000

// MaxDcID is the largest datacenter id that still decomposes unambiguously.
const MaxDcID DcID = dcShift - 1

// Session classes.
const (
	ClassMain       SessionClass = 0
	ClassConfig     SessionClass = 1
	ClassLogout     SessionClass = 2
	ClassUpdater    SessionClass = 3
	ClassDestroyKey SessionClass = 4
	ClassKeyCheck   SessionClass = 5

	classDownloadBase SessionClass = 8
	classUploadBase   SessionClass = 16
	mediaLanes                     = 8
)

// Download returns the session class of the i-th download lane.
func Download(i int) SessionClass {
	return classDownloadBase + SessionClass(clampLane(i))
}

// Upload returns the session class of the i-th upload lane.
func Upload(i int) SessionClass {
	return classUploadBase + SessionClass(clampLane(i))
}

func clampLane(i int) int {
	if i < 0 {
		return 0
	}
	if i >= mediaLanes {
		return mediaLanes - 1
	}
	return i
}

// IsDownload reports whether c is one of the download lanes.
func (c SessionClass) IsDownload() bool {
	return c >= classDownloadBase && c < classDownloadBase+mediaLanes
}

// IsUpload reports whether c is one of the upload lanes.
func (c SessionClass) IsUpload() bool {
	return c >= classUploadBase && c < classUploadBase+mediaLanes
}

func (c SessionClass) String() string {
	switch {
	case c == ClassMain:
		return "main"
	case c == ClassConfig:
		return "config"
	case c == ClassLogout:
		return "logout"
	case c == ClassUpdater:
		return "updater"
	case c == ClassDestroyKey:
		return "destroy_key"
	case c == ClassKeyCheck:
		return "key_check"
	case c.IsDownload():
		return fmt.Sprintf("download_%d", c-classDownloadBase)
	case c.IsUpload():
		return fmt.Sprintf("upload_%d", c-classUploadBase)
	default:
		return fmt.Sprintf("class_%d", int32(c))
	}
}

// Valid reports whether dc is inside the routable range.
func (dc DcID) Valid() bool {
	return dc > 0 && dc <= MaxDcID
}

// Shift combines a datacenter id and a session class into a routing key.
func Shift(dc DcID, class SessionClass) ShiftedDcID {
	return ShiftedDcID(int32(class)*dcShift + int32(dc))
}

// Bare returns the datacenter part of the routing key.
func (s ShiftedDcID) Bare() DcID {
	return DcID(int32(s) % dcShift)
}

// Class returns the session class part of the routing key.
func (s ShiftedDcID) Class() SessionClass {
	return SessionClass(int32(s) / dcShift)
}

// WithClass keeps the datacenter and replaces the session class.
func (s ShiftedDcID) WithClass(class SessionClass) ShiftedDcID {
	return Shift(s.Bare(), class)
}

// WithDc keeps the session class and replaces the datacenter.
func (s ShiftedDcID) WithDc(dc DcID) ShiftedDcID {
	return Shift(dc, s.Class())
}

func (s ShiftedDcID) String() string {
	if s.Class() == ClassMain {
		return fmt.Sprintf("dc%d", s.Bare())
	}
	return fmt.Sprintf("dc%d/%s", s.Bare(), s.Class())
}

var lastRequestID atomic.Int64

// NextRequestID returns a fresh process-wide request id. Ids grow
// monotonically and never return zero, which is reserved for "no request".
func NextRequestID() RequestID {
	for {
		prev := lastRequestID.Load()
		next := prev + 1
		if next <= 0 {
			next = 1
		}
		if lastRequestID.CompareAndSwap(prev, next) {
			return RequestID(next)
		}
	}
}
