// Package errkind defines the error taxonomy shared by the virtqueue
// engine, the virtio-blk dispatcher, and the public facade, without
// creating an import cycle between those packages and the root package
// that surfaces them.
package errkind

// Kind classifies an engine-level failure into one of the categories
// that determines how it propagates (break the queue vs. recover locally).
type Kind int

const (
	// Protocol: the peer violated the virtqueue wire protocol itself
	// (e.g. a descriptor index out of range, INDIRECT|NEXT set together).
	Protocol Kind = iota
	// Translation: a guest address/length did not resolve to mapped memory.
	Translation
	// Framing: a virtio-blk request's header/data/status framing was malformed.
	Framing
	// Semantic: well-framed but semantically invalid (sector range out of
	// device bounds, zero-length I/O, wrong data-buffer direction for the
	// request type).
	Semantic
	// Backend: the injected storage backend returned an error.
	Backend
	// Resource: a local resource limit was hit (e.g. inflight table full).
	Resource
)

func (k Kind) String() string {
	switch k {
	case Protocol:
		return "protocol"
	case Translation:
		return "translation"
	case Framing:
		return "framing"
	case Semantic:
		return "semantic"
	case Backend:
		return "backend"
	case Resource:
		return "resource"
	default:
		return "unknown"
	}
}

// Fatal reports whether an error of this kind breaks the owning queue
// (Protocol and Translation: the wire state can no longer be trusted)
// as opposed to being recoverable at the request level.
func (k Kind) Fatal() bool {
	return k == Protocol || k == Translation
}

// Error is the structured error type engine-layer packages (virtqueue,
// blkdev) return. The root package's *vblk.Error wraps these to add
// device/queue context without either layer importing the other.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an engine-layer error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
