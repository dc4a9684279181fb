package blueprint

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrInvalidState     = errors.New("invalid state")
	ErrQueueFull        = errors.New("queue full")
	ErrSourceInUse      = errors.New("source still referenced")
	ErrLiveRecordExists = errors.New("live record exists")
	ErrNotImplemented   = errors.New("not implemented")
)
