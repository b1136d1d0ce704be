package serve

import (
	iface "CustomDetServe/interface"
	"errors"
)

// Result codes reported to clients and to the request metrics.
const (
	CodeOK               = "ok"
	CodeUnsupportedInput = "unsupported_input"
	CodeSchemaMismatch   = "schema_mismatch"
	CodeValidation       = "validation_error"
	CodeFetchFailed      = "fetch_failed"
	CodeNotFound         = "not_found"
	CodeInternal         = "internal"
)

// Failure is the structured payload a request gets instead of a result.
type Failure struct {
	Message string `json:"error"`
	Code    string `json:"code"`
}

func (f *Failure) Error() string {
	return f.Code + ": " + f.Message
}

// CodeOf classifies err by the error kind it wraps.
func CodeOf(err error) string {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, iface.ErrUnsupportedInput):
		return CodeUnsupportedInput
	case errors.Is(err, iface.ErrSchemaMismatch):
		return CodeSchemaMismatch
	case errors.Is(err, iface.ErrValidation):
		return CodeValidation
	case errors.Is(err, iface.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, iface.ErrFetch):
		return CodeFetchFailed
	}
	return CodeInternal
}

func newFailure(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{Message: err.Error(), Code: CodeOf(err)}
}
