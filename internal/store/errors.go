package store

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrQueueNotActive     = errors.New("queue not active")
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrInvalidTimeRange   = errors.New("invalid time range")
	ErrAlreadyClosed      = errors.New("queue day already closed")
	ErrAlreadyTerminal    = errors.New("token already terminal")
	ErrCounterBusy        = errors.New("counter busy")
	ErrCounterClosed      = errors.New("counter closed")
	ErrNoCounterAvailable = errors.New("no counter available")
	ErrQueueEmpty         = errors.New("queue empty")
)
