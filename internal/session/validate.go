package session

import (
	"errors"
	"fmt"
	"regexp"
)

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// maxSocketPath is the longest unix socket path accepted on Linux and macOS
// (sun_path minus the terminating NUL).
const maxSocketPath = 103

var (
	// ErrInvalidName is returned for names outside ^[a-z0-9_-]{1,64}$.
	ErrInvalidName = errors.New("invalid session name")
	// ErrSocketPathTooLong is returned when the session's API socket path
	// would not fit in a unix socket address.
	ErrSocketPathTooLong = errors.New("session socket path too long")
)

// NameError reports why a session name was rejected.
type NameError struct {
	Name string
	Err  error
	Path string
}

func (e *NameError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%v: %s (%d bytes, max %d)", e.Err, e.Path, len(e.Path), maxSocketPath)
	}
	return fmt.Sprintf("%v %q: must match %s", e.Err, e.Name, nameRegexp)
}

func (e *NameError) Unwrap() error { return e.Err }

// ValidateName checks that name is a usable session name: it must match the
// naming rules and its daemon socket path must be addressable.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return &NameError{Name: name, Err: ErrInvalidName}
	}
	if p := SocketPath(name); len(p) > maxSocketPath {
		return &NameError{Name: name, Err: ErrSocketPathTooLong, Path: p}
	}
	return nil
}
