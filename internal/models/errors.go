package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job transition")
	// ErrInvalidState is returned by retry on a job that is not failed.
	ErrInvalidState       = fmt.Errorf("%w: job is not in a retryable state", ErrInvalidTransition)
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrBadRequest         = errors.New("bad request")
)
