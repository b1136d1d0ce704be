package iface

import "errors"

var (
	ErrConfiguration    = errors.New("configuration error")
	ErrUnsupportedInput = errors.New("unsupported input")
	ErrSchemaMismatch   = errors.New("schema mismatch")
	ErrValidation       = errors.New("validation error")
	ErrFetch            = errors.New("fetch failed")
	ErrNotFound         = errors.New("not found")
	ErrContract         = errors.New("contract violation")
)
