package protocol

import "errors"

var (
	ErrUnknownMessage = errors.New("unknown message type")
	ErrInvalidForm    = errors.New("invalid form")
	ErrInvalidWorld   = errors.New("invalid world")
	ErrNonFinite      = errors.New("non-finite value")
	ErrOutOfRange     = errors.New("value out of range")
	ErrInvalidCycle   = errors.New("invalid cycle command")
	ErrUnknownCodec   = errors.New("unknown codec")
)
