package sync

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the event targets an entity that is not cached.
	// Nothing is synthesized; a later fetch brings the entity in.
	ErrNotFound = errors.New("target not cached")
	// ErrStale means the cache already holds newer state than the event.
	ErrStale = errors.New("stale event")
	// ErrDuplicate means the event was already applied.
	ErrDuplicate = errors.New("duplicate event")
	// ErrUnsupported means the event type is unknown to this client.
	ErrUnsupported = errors.New("unsupported event type")
)

// MalformedError reports an envelope that cannot be applied at all.
type MalformedError struct {
	Type EventType
	Err  error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed %s event: %v", e.Type, e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// IsBenign reports whether err is an expected merge outcome that leaves the
// cache unchanged and must not be surfaced.
func IsBenign(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrStale) || errors.Is(err, ErrDuplicate) ||
		errors.Is(err, ErrUnsupported)
}
