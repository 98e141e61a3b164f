package domain

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// Role decides which side of the video consent protocol the local user is
// on. The requester may ask to enable video; only the gatekeeper may accept
// or reject. The server enforces the gate; this mirror exists so the UI
// behaves correctly.
type Role string

const (
	RoleRequester  Role = "requester"
	RoleGatekeeper Role = "gatekeeper"
)

var ErrNoRoleClaim = errors.New("token has no video_role claim")

func (r Role) Valid() bool {
	return r == RoleRequester || r == RoleGatekeeper
}

// RoleFromToken extracts the video_role claim from the session's bearer
// token. The signature is not verified here: the token was already issued
// and is verified by the signaling server; the client only reads the claim.
func RoleFromToken(token string) (Role, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", err
	}

	raw, ok := claims["video_role"].(string)
	if !ok {
		return "", ErrNoRoleClaim
	}

	role := Role(raw)
	if !role.Valid() {
		return "", errors.New("unknown video_role claim: " + raw)
	}
	return role, nil
}
