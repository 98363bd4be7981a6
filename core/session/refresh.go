package session

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/user"
)

// AuthResponse is returned by the backend on login, registration & token refresh.
type AuthResponse struct {
	Token string    `json:"token"`
	User  user.User `json:"user"`
}

// AuthClient is the backend authentication API.
// Implementations map 401 to ErrUnauthorized, 403 to ErrForbidden, rejected logins to ErrInvalidCredentials
// and transport failures to ErrConnectivity.
type AuthClient interface {
	Login(ctx context.Context, req user.LoginRequest) (AuthResponse, error)
	Register(ctx context.Context, nu user.NewUser) (AuthResponse, error)
	Refresh(ctx context.Context, token string) (AuthResponse, error)
}

// Outcome of a reconciliation.
type Outcome int

const (
	// OutcomeNone: the credential was not stale, nothing was done.
	OutcomeNone Outcome = iota
	// OutcomeRefreshed: the credential was replaced, UI state rendered from the old one must be reloaded.
	OutcomeRefreshed
	// OutcomeReauthenticate: the credential was discarded, the user must log in again.
	OutcomeReauthenticate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRefreshed:
		return "refreshed"
	case OutcomeReauthenticate:
		return "reauthenticate"
	default:
		return "none"
	}
}

// refreshTimeout bounds a refresh round trip, which outlives the callers waiting for it.
var refreshTimeout = time.Minute

// Refresher detects stale role claims and performs token refreshes.
// It is shared by all the session managers of a process: concurrent refreshes of the same token
// share a single round trip.
type Refresher struct {
	client           AuthClient
	privilegedEmails []string
	group            singleflight.Group
	logger           core.Logger
}

// NewRefresher returns a Refresher. privilegedEmails are identities known to be admins;
// they corroborate a refresh even when no cached record does.
func NewRefresher(client AuthClient, logger core.Logger, privilegedEmails ...string) *Refresher {
	if logger == nil {
		logger = core.NopLogger{}
	}
	emails := make([]string, 0, len(privilegedEmails))
	for _, email := range privilegedEmails {
		if email = core.CleanString(email, true /* lower */); email != "" {
			emails = append(emails, email)
		}
	}
	return &Refresher{
		client:           client,
		privilegedEmails: emails,
		logger:           logger,
	}
}

func (r *Refresher) Client() AuthClient {
	return r.client
}

// Stale reports whether the token's role claim lags behind a more authoritative signal,
// and which role that signal expects.
func (r *Refresher) Stale(cred Credential) (expected string, stale bool) {
	claims := Decode(cred.Token)
	if claims == nil {
		return "", false
	}

	if cred.CachedUser != nil && user.IsElevated(cred.CachedUser.Role, claims.Role) {
		return cred.CachedUser.Role, true
	}

	if claims.Role != user.RoleAdmin && r.isPrivileged(claims, cred.CachedUser) {
		return user.RoleAdmin, true
	}
	return "", false
}

func (r *Refresher) isPrivileged(claims *TokenClaims, cached *user.User) bool {
	if len(r.privilegedEmails) == 0 {
		return false
	}
	if core.StringInSlice(core.CleanString(claims.Email, true), r.privilegedEmails) {
		return true
	}
	return cached != nil && core.StringInSlice(core.CleanString(cached.Email, true), r.privilegedEmails)
}

// Refresh exchanges token for a new one. Concurrent calls for the same token wait for the same result.
// The round trip is not bound to any caller's ctx: a caller that gives up stops waiting,
// the others still get the result.
func (r *Refresher) Refresh(ctx context.Context, token string) (AuthResponse, error) {
	if token == "" {
		return AuthResponse{}, ErrNoCredential
	}

	ch := r.group.DoChan(token, func() (interface{}, error) {
		flightCtx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		r.logger.Info("refreshing token")
		return r.client.Refresh(flightCtx, token)
	})

	select {
	case <-ctx.Done():
		return AuthResponse{}, errors.Wrap(ctx.Err(), "waiting for token refresh")
	case res := <-ch:
		if res.Err != nil {
			return AuthResponse{}, errors.Wrap(res.Err, "refreshing token")
		}
		if res.Shared {
			r.logger.Debug("token refresh result shared with a concurrent caller")
		}
		return res.Val.(AuthResponse), nil
	}
}

// consistent reports whether the refreshed token and user record agree on the role.
func consistent(resp AuthResponse) bool {
	if resp.Token == "" {
		return false
	}
	claims := Decode(resp.Token)
	return claims == nil || claims.Role == "" || claims.Role == resp.User.Role
}
