package domain

import "errors"

var (
	ErrMissingField      = errors.New("missing required field")
	ErrNotFound          = errors.New("not found")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionCancelled  = errors.New("session cancelled")
	ErrJobFinished       = errors.New("job already finished")
	ErrInvalidTransition = errors.New("invalid session state transition")
	ErrForbidden         = errors.New("forbidden")
)
