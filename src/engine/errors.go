package engine

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by a query wraps exactly one of them, test
// with errors.Is.
var (
	// ErrNotFound is returned when the primary content type or asset file is absent.
	ErrNotFound = errors.New("content not found")

	// ErrReferenceTargetMissing marks an absent reference target file. It is
	// recovered inside the resolver and never returned from Find.
	ErrReferenceTargetMissing = errors.New("reference target missing")

	// ErrParse is returned when a snapshot file is not valid JSON of the expected shape.
	ErrParse = errors.New("malformed snapshot file")

	// ErrIO is returned when a snapshot file cannot be read.
	ErrIO = errors.New("snapshot read failed")

	// ErrInvalidParameter is returned for arguments the query builder rejected.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrSchemaNotFound is returned when the content type schema is requested but
	// absent and the schema policy is strict.
	ErrSchemaNotFound = errors.New("content type schema not found")
)

// QueryError carries the operation and file path a failure belongs to
type QueryError struct {
	Op   string
	Path string
	Kind error
	Err  error
}

func (e *QueryError) Error() string {
	msg := e.Op + ": " + e.Kind.Error()
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns both the kind and the cause so errors.Is matches either
func (e *QueryError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(op string, kind error, path string, err error) error {
	return &QueryError{Op: op, Path: path, Kind: kind, Err: err}
}

func invalidParameter(format string, args ...interface{}) error {
	return &QueryError{Op: "query", Kind: ErrInvalidParameter, Err: fmt.Errorf(format, args...)}
}
