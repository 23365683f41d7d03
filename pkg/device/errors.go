package device

import (
	"errors"
	"fmt"
)

// Kind classifies an adapter failure so callers and the retry policy can
// decide between retrying and failing fast without inspecting
// transport-specific error types.
type Kind int

const (
	// KindUnknown is the zero value, used for unclassified failures.
	KindUnknown Kind = iota
	// KindConnection means the transport was unreachable. Retryable.
	KindConnection
	// KindTimeout means an operation exceeded its allotted time. Execute
	// reports its own timeout as data in CommandResult; only operations
	// like WaitUntilReady raise this.
	KindTimeout
	// KindTransfer means a file copy failed. Connection-class causes are
	// wrapped so they remain visible to Kinds.
	KindTransfer
	// KindNotReady means a readiness probe never succeeded.
	KindNotReady
	// KindNaming means no valid name could be generated.
	KindNaming
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindTimeout:
		return "timeout"
	case KindTransfer:
		return "transfer"
	case KindNotReady:
		return "not_ready"
	case KindNaming:
		return "naming"
	default:
		return "unknown"
	}
}

// ErrInvalidArgument reports a violated call contract, e.g. an empty
// command or a non-positive timeout. Never retryable.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrNotSupported reports an optional capability the transport cannot
// provide, e.g. network fault injection over SSH.
var ErrNotSupported = errors.New("operation not supported by this transport")

// Error is the taxonomy-level error produced at adapter boundaries.
// Transport-specific errors are translated into this type before they
// leave an adapter, so the retry engine never sees raw transport errors.
type Error struct {
	Kind   Kind
	Op     string // operation name, e.g. "execute", "copy_to"
	Device string // device name or handle id for diagnostics
	Err    error
}

func (e *Error) Error() string {
	if e.Device != "" {
		return fmt.Sprintf("%s: device %s: %s: %v", e.Op, e.Device, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind and operation context.
func E(kind Kind, op, dev string, err error) *Error {
	return &Error{Kind: kind, Op: op, Device: dev, Err: err}
}

// KindOf returns the kind of the outermost taxonomy error in err's chain,
// or KindUnknown if there is none.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

// Kinds returns every taxonomy kind found in err's wrap chain, outermost
// first. A transfer error caused by a dropped connection yields
// [KindTransfer, KindConnection], letting a retry policy keyed on
// KindConnection still recognize it.
func Kinds(err error) []Kind {
	var kinds []Kind
	for e := err; e != nil; e = errors.Unwrap(e) {
		if de, ok := e.(*Error); ok {
			kinds = append(kinds, de.Kind)
		}
	}
	return kinds
}
