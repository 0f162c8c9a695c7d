// Package errs defines the error kinds used across the news-index core
// and the Op/Kind wrapping convention every component follows.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error per the core's error handling design.
type Kind int

const (
	// KindUnknown is the zero value; never returned by Wrap.
	KindUnknown Kind = iota
	// KindBadRequest covers empty queries, inverted date ranges, malformed input.
	KindBadRequest
	// KindUpstreamError covers embedding RPC non-2xx responses or network failure.
	KindUpstreamError
	// KindFormatError covers Batch Container length mismatches, bad filenames,
	// and a base index that is not empty-and-trained.
	KindFormatError
	// KindPathConflict covers an output .index/.ivfdata path that already exists.
	KindPathConflict
	// KindShardAlreadyAttached covers add_shard called with a known path.
	KindShardAlreadyAttached
	// KindMissingShard covers a worker unable to open its file at startup.
	KindMissingShard
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindUpstreamError:
		return "upstream_error"
	case KindFormatError:
		return "format_error"
	case KindPathConflict:
		return "path_conflict"
	case KindShardAlreadyAttached:
		return "shard_already_attached"
	case KindMissingShard:
		return "missing_shard"
	default:
		return "unknown"
	}
}

// Sentinel base errors; compare with errors.Is or check Kind() directly.
var (
	ErrBadRequest           = errors.New("bad request")
	ErrUpstreamError        = errors.New("upstream error")
	ErrFormatError          = errors.New("format error")
	ErrPathConflict         = errors.New("path conflict")
	ErrShardAlreadyAttached = errors.New("shard already attached")
	ErrMissingShard         = errors.New("missing shard")
)

func sentinelFor(k Kind) error {
	switch k {
	case KindBadRequest:
		return ErrBadRequest
	case KindUpstreamError:
		return ErrUpstreamError
	case KindFormatError:
		return ErrFormatError
	case KindPathConflict:
		return ErrPathConflict
	case KindShardAlreadyAttached:
		return ErrShardAlreadyAttached
	case KindMissingShard:
		return ErrMissingShard
	default:
		return nil
	}
}

// Error wraps an underlying error with an operation name and a kind,
// so the HTTP layer can dispatch on it without string matching.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("newsindex: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("newsindex: %s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	if sentinel := sentinelFor(e.Kind); sentinel != nil && errors.Is(sentinel, target) {
		return true
	}
	return errors.Is(e.Err, target)
}

// Wrap builds a *Error for op, or returns nil if err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// New builds a *Error from a message rather than a pre-existing error.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// KindOf extracts the Kind from err, walking Unwrap chains. Returns
// KindUnknown if no *Error is found.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
