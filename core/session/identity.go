package session

import "github.com/trezcool/masomo/core/user"

// Identity is the effective identity the application acts on. It is recomputed on every read.
type Identity struct {
	IsAuthenticated bool   `json:"is_authenticated"`
	Role            string `json:"role,omitempty"`
}

// Resolve reconciles the in-memory session user, the cached user record and the token claims.
// Precedence: session user (last validated) > cached record (last server response) > token claims (may lag).
func Resolve(sessionUser *user.User, cred Credential) Identity {
	id := Identity{IsAuthenticated: sessionUser != nil || cred.Token != ""}

	switch {
	case sessionUser != nil && sessionUser.Role != "":
		id.Role = sessionUser.Role
	case cred.CachedUser != nil && cred.CachedUser.Role != "":
		id.Role = cred.CachedUser.Role
	default:
		if claims := Decode(cred.Token); claims != nil {
			id.Role = claims.Role
		}
	}
	return id
}
