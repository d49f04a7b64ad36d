package session

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	t.Setenv("HOME", "/home/u")

	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"default", DefaultSessionName, nil},
		{"numbers", "work123", nil},
		{"hyphen and underscore", "my-session_2", nil},
		{"max length", strings.Repeat("a", 64), nil},
		{"empty", "", ErrInvalidName},
		{"uppercase", "Main", ErrInvalidName},
		{"dot", "my.session", ErrInvalidName},
		{"slash", "../other", ErrInvalidName},
		{"too long", strings.Repeat("a", 65), ErrInvalidName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateName(%q) = %v, want %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateNameSocketPathLimit(t *testing.T) {
	t.Setenv("HOME", "/"+strings.Repeat("h", 60))

	name := strings.Repeat("s", 30)
	err := ValidateName(name)
	if !errors.Is(err, ErrSocketPathTooLong) {
		t.Fatalf("ValidateName() = %v, want ErrSocketPathTooLong", err)
	}
	var ne *NameError
	if !errors.As(err, &ne) || ne.Path != SocketPath(name) || ne.Name != name {
		t.Errorf("error = %#v, want the session's socket path", ne)
	}
	if err := ValidateName("s"); err != nil {
		t.Errorf("short name under the same home: %v", err)
	}
}
