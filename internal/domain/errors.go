package domain

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline failures.
type Kind string

const (
	KindFetch            Kind = "fetch"
	KindParse            Kind = "parse"
	KindEmbedding        Kind = "embedding"
	KindStoreUnavailable Kind = "store_unavailable"
	KindIndex            Kind = "index"
	KindInvalidInput     Kind = "invalid_input"
	KindInternal         Kind = "internal"
)

// Sentinels matched with errors.Is against any *Error of the same kind.
var (
	// ErrFetch indicates a network, timeout or HTTP status failure fetching a document.
	ErrFetch = errors.New("fetch failed")

	// ErrParse indicates document content that yielded no usable text.
	ErrParse = errors.New("parse failed")

	// ErrEmbedding indicates the embedding backend is unavailable or returned malformed output.
	ErrEmbedding = errors.New("embedding failed")

	// ErrStoreUnavailable indicates the remote vector backend is misconfigured.
	ErrStoreUnavailable = errors.New("vector store unavailable")

	// ErrIndex indicates local index files that are inconsistent or unreadable.
	// The collection has to be rebuilt; retrying does not help.
	ErrIndex = errors.New("index error")

	// ErrInvalidInput indicates a malformed request.
	ErrInvalidInput = errors.New("invalid input")
)

var kindSentinels = map[Kind]error{
	KindFetch:            ErrFetch,
	KindParse:            ErrParse,
	KindEmbedding:        ErrEmbedding,
	KindStoreUnavailable: ErrStoreUnavailable,
	KindIndex:            ErrIndex,
	KindInvalidInput:     ErrInvalidInput,
}

// Error is a typed pipeline error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Errorf builds an *Error of the given kind with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap builds an *Error of the given kind around err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports a match with the sentinel of the same kind.
func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, ErrInvalidInput) {
		return KindInvalidInput
	}
	return KindInternal
}
