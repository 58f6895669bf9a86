package core

import (
	"errors"

	"github.com/civiclens/civiclens/internal/store"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrClientGone reports that the streaming client stopped accepting chunks.
	ErrClientGone = errors.New("client disconnected")
)

// ValidationError carries a message that is safe to show to the caller.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func invalid(msg string) error { return &ValidationError{Msg: msg} }

func fromStore(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
