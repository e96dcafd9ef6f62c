// Package biometric is the boundary to the low-level capture and matching
// library. The daemon treats it as an opaque capability: devices can be
// opened and closed, and a claimed device can run one verify, identify or
// enroll operation at a time. Operations block until they produce an
// outcome and honor context cancellation.
package biometric

import (
	"context"
	"errors"
	"fmt"
)

// ScanType describes how a reader captures a finger.
type ScanType string

const (
	ScanTypePress ScanType = "press"
	ScanTypeSwipe ScanType = "swipe"
)

// RetryReason classifies a capture problem the user can correct by simply
// scanning again.
type RetryReason int

const (
	RetryGeneric RetryReason = iota
	RetryTooShort
	RetryCenterFinger
	RetryRemoveFinger
)

// RetryError reports a retryable capture outcome. The session restarts the
// same operation transparently; a RetryError is never terminal.
type RetryError struct {
	Reason RetryReason
}

func (e *RetryError) Error() string {
	switch e.Reason {
	case RetryTooShort:
		return "swipe too short"
	case RetryCenterFinger:
		return "finger not centered"
	case RetryRemoveFinger:
		return "remove finger and retry"
	default:
		return "retry scan"
	}
}

// Terminal device errors.
var (
	// ErrDisconnected is a best-effort signal that the reader went away
	// mid-operation. Not every driver reports physical disconnects this
	// way.
	ErrDisconnected = errors.New("device disconnected")

	// ErrDataFull means the device's on-board template storage is full.
	ErrDataFull = errors.New("device storage full")
)

// EnrollProgress is invoked after every completed enrollment stage, and for
// every retryable capture problem during a stage (with err set).
type EnrollProgress func(completedStages int, err error)

// Device is one physical (or virtual) fingerprint reader.
type Device interface {
	// Identity and capabilities. Valid before Open.
	Driver() string
	DeviceID() string
	Name() string
	ScanType() ScanType
	NumEnrollStages() int
	SupportsIdentify() bool
	HasStorage() bool

	Open(ctx context.Context) error
	Close(ctx context.Context) error

	// Verify captures one scan and matches it 1:1 against print. It
	// returns a *RetryError for correctable capture problems and honors
	// ctx cancellation.
	Verify(ctx context.Context, print *Print) (match bool, err error)

	// Identify captures one scan and matches it 1:N against gallery,
	// returning the matching print or nil.
	Identify(ctx context.Context, gallery []*Print) (*Print, error)

	// Enroll runs a complete multi-stage enrollment for template,
	// reporting stage progress, and returns the finished print.
	Enroll(ctx context.Context, template *Print, progress EnrollProgress) (*Print, error)

	// On-device template storage. Only meaningful when HasStorage.
	ListPrints(ctx context.Context) ([]*Print, error)
	DeletePrint(ctx context.Context, print *Print) error
}

// Source enumerates devices and reports hotplug events for the lifetime of
// the process. The initial enumeration may block while hardware is probed.
type Source interface {
	Devices() []Device
	Added() <-chan Device
	Removed() <-chan Device
}

func (r RetryReason) String() string {
	switch r {
	case RetryTooShort:
		return "too-short"
	case RetryCenterFinger:
		return "center-finger"
	case RetryRemoveFinger:
		return "remove-finger"
	default:
		return "generic"
	}
}

var _ fmt.Stringer = RetryGeneric
