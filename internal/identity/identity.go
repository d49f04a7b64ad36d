package identity

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnknown is returned when neither an explicit id nor a usable token is configured.
var ErrUnknown = errors.New("local user id unknown: set server.self_id or a token with a sub claim")

// Identity is the local user.
type Identity struct {
	UserID string
}

// Resolve determines the local user id. An explicit id wins; otherwise the
// id is read from the bearer token's claims. The token signature is not
// verified here: the backend does that on every request.
func Resolve(selfID, token string) (Identity, error) {
	if selfID != "" {
		return Identity{UserID: selfID}, nil
	}
	if token == "" {
		return Identity{}, ErrUnknown
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("parse token: %w", err)
	}
	for _, name := range []string{"sub", "user_id", "userId"} {
		if v, ok := claims[name].(string); ok && v != "" {
			return Identity{UserID: v}, nil
		}
	}
	return Identity{}, ErrUnknown
}
