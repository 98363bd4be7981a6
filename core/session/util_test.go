package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/dgrijalva/jwt-go"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo/core/user"
)

var errTier = errors.New("tier unavailable")

// makeToken builds an unsigned `header.payload.signature` token carrying claims.
func makeToken(t *testing.T, claims map[string]interface{}) string {
	t.Helper()
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	return jwt.EncodeSegment([]byte(`{"alg":"HS256","typ":"JWT"}`)) + "." + jwt.EncodeSegment(payload) + ".c2lnbmF0dXJl"
}

func roleToken(t *testing.T, email, role string) string {
	return makeToken(t, map[string]interface{}{"email": email, "role": role})
}

func newUser(email, role string) *user.User {
	return &user.User{ID: email, Email: email, FirstName: "Test", Role: role, IsActive: true}
}

type fakeTier struct {
	mu      sync.Mutex
	cred    Credential
	loadErr error
	saveErr error
}

func (t *fakeTier) Load() (Credential, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.loadErr != nil {
		return Credential{}, t.loadErr
	}
	return t.cred, nil
}

func (t *fakeTier) Save(cred Credential) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.saveErr != nil {
		return t.saveErr
	}
	t.cred = cred
	return nil
}

func (t *fakeTier) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cred = Credential{}
	return nil
}

func (t *fakeTier) get() Credential {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cred
}

type fakeClient struct {
	mu           sync.Mutex
	refreshCalls int
	loginCalls   int

	login    func(req user.LoginRequest) (AuthResponse, error)
	register func(nu user.NewUser) (AuthResponse, error)
	refresh  func(token string) (AuthResponse, error)
	// when set, Refresh blocks until it is closed
	release chan struct{}
}

func (c *fakeClient) Login(_ context.Context, req user.LoginRequest) (AuthResponse, error) {
	c.mu.Lock()
	c.loginCalls++
	c.mu.Unlock()
	return c.login(req)
}

func (c *fakeClient) Register(_ context.Context, nu user.NewUser) (AuthResponse, error) {
	return c.register(nu)
}

func (c *fakeClient) Refresh(ctx context.Context, token string) (AuthResponse, error) {
	c.mu.Lock()
	c.refreshCalls++
	c.mu.Unlock()
	if c.release != nil {
		select {
		case <-c.release:
		case <-ctx.Done():
			return AuthResponse{}, ctx.Err()
		}
	}
	return c.refresh(token)
}

func (c *fakeClient) refreshCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshCalls
}

// refreshTo answers every refresh with a token & user holding role.
func refreshTo(t *testing.T, email, role string) func(string) (AuthResponse, error) {
	return func(string) (AuthResponse, error) {
		return AuthResponse{Token: roleToken(t, email, role) + "x", User: *newUser(email, role)}, nil
	}
}

func failRefresh(err error) func(string) (AuthResponse, error) {
	return func(string) (AuthResponse, error) { return AuthResponse{}, err }
}

type recorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *recorder) Notify(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *recorder) all() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}

type env struct {
	persistent *fakeTier
	session    *fakeTier
	store      *Store
	client     *fakeClient
	refresher  *Refresher
	notices    *recorder
	reloads    int
	manager    *Manager
}

func setup(t *testing.T, cred Credential, client *fakeClient) *env {
	t.Helper()
	e := &env{
		persistent: &fakeTier{cred: cred},
		session:    &fakeTier{},
		client:     client,
		notices:    &recorder{},
	}
	e.store = NewStore(e.persistent, e.session, nil)
	e.refresher = NewRefresher(client, nil)
	e.manager = NewManager(e.store, e.refresher,
		WithNotifier(e.notices),
		WithReload(func() { e.reloads++ }),
	)
	return e
}
