package session

import (
	"errors"
	"fmt"

	"github.com/lidarhub/pointserve/internal/engine"
)

// Kind classifies a session-layer failure. InvalidArgument is always
// reported synchronously before dispatch; every other kind travels
// through a completion callback.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidArgument
	KindNotInitialized
	KindEngineFailure
	KindAllocationFailure
	KindRasterizationFailed
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindNotInitialized:
		return "NotInitialized"
	case KindEngineFailure:
		return "EngineFailure"
	case KindAllocationFailure:
		return "AllocationFailure"
	case KindRasterizationFailed:
		return "RasterizationFailed"
	case KindNotFound:
		return "NotFound"
	default:
		return "Unknown"
	}
}

// CommandError is a classified session failure. The message is what a
// caller sees; the kind drives HTTP status mapping in the facade.
type CommandError struct {
	Kind Kind
	Msg  string
}

func (e *CommandError) Error() string { return e.Msg }

// errOf builds a classified error from a format string.
func errOf(kind Kind, format string, args ...interface{}) *CommandError {
	return &CommandError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// ErrNotInitialized is returned for queries against a session whose
// engine context is absent (destroyed, or parse-only).
var ErrNotInitialized = &CommandError{Kind: KindNotInitialized, Msg: "session is not initialized"}

// KindOf extracts the classification of err, defaulting to Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// classifyEngineErr tags an error raised by the engine during a
// background task. The engine's message is passed through verbatim.
func classifyEngineErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, engine.ErrRasterize) {
		return &CommandError{Kind: KindRasterizationFailed, Msg: err.Error()}
	}
	return &CommandError{Kind: KindEngineFailure, Msg: err.Error()}
}
