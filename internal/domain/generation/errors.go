package generation

import "errors"

var (
	ErrNotFound        = errors.New("generation not found")
	ErrInvalidKind     = errors.New("invalid generation kind")
	ErrAlreadyTerminal = errors.New("generation already in a terminal state")
	ErrInternal        = errors.New("internal error")
)
