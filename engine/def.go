package engine

import "errors"

// Detector states. The zero value is UNREGISTERED.
const (
	UNREGISTERED = iota
	REGISTERED
	IDLE
	BUSY
)

var (
	ErrNotRegistered = errors.New("detector not registered")
	ErrNotLoaded     = errors.New("model not loaded")
	ErrBusy          = errors.New("detector is busy")
)
