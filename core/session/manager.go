package session

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/user"
)

var nowFunc = time.Now // mockable

var (
	defaultValidate *validator.Validate
	validateOnce    sync.Once
)

func defaultValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate := validator.New()
		translator := core.NewTranslator()
		core.InitValidators(validate, translator)
		user.InitValidators(validate, translator)
		defaultValidate = validate
	})
	return defaultValidate
}

// Watcher reports credential changes made outside of this process.
type Watcher interface {
	Watch(ctx context.Context, onChange func()) error
}

type Option func(m *Manager)

func WithLogger(logger core.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithRouter(router Router) Option {
	return func(m *Manager) { m.router = router }
}

func WithGate(gate Gate) Option {
	return func(m *Manager) { m.gate = &gate }
}

func WithNotifier(notifier Notifier) Option {
	return func(m *Manager) { m.notifier = notifier }
}

// WithReload sets the hook called after a refresh replaced the credential,
// so that state derived from the previous one gets rebuilt.
func WithReload(reload func()) Option {
	return func(m *Manager) { m.reload = reload }
}

func WithValidator(validate *validator.Validate) Option {
	return func(m *Manager) { m.validate = validate }
}

type attempt struct {
	outcome Outcome
	err     error
}

// Manager holds the session state of one page lifecycle (an HTTP request, a CLI invocation):
// the bootstrap flag, the user validated during this lifecycle & the refresh attempts made.
type Manager struct {
	store     *Store
	refresher *Refresher
	client    AuthClient
	logger    core.Logger
	router    Router
	gate      *Gate
	notifier  Notifier
	reload    func()
	validate  *validator.Validate

	// serializes refresh attempts
	refreshMu sync.Mutex

	mu          sync.Mutex
	loading     bool
	sessionUser *user.User
	token       string // token sessionUser was obtained with
	attempts    map[string]attempt
}

func NewManager(store *Store, refresher *Refresher, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		refresher: refresher,
		client:    refresher.Client(),
		logger:    core.NopLogger{},
		router:    DefaultRouter(),
		notifier:  NotifierFunc(func(Notice) {}),
		reload:    func() {},
		loading:   true,
		attempts:  make(map[string]attempt),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.gate == nil {
		gate := NewGate(m.router)
		m.gate = &gate
	}
	if m.validate == nil {
		m.validate = defaultValidator()
	}
	return m
}

// Bootstrap reads the stored credential, discards it if expired, then reconciles a stale role claim.
// Access decisions report StateLoading until Bootstrap returns.
func (m *Manager) Bootstrap(ctx context.Context) (Outcome, error) {
	m.setLoading(true)
	defer m.setLoading(false)

	cred := m.store.Read()
	m.mu.Lock()
	m.token = cred.Token
	m.mu.Unlock()

	if Decode(cred.Token).Expired(nowFunc()) {
		m.logger.Info("discarding expired token")
		m.end(NoticeSessionExpired)
		return OutcomeReauthenticate, ErrUnauthorized
	}
	return m.Reconcile(ctx)
}

// Reconcile refreshes the credential when its role claim is stale.
// A token is refreshed at most once per Manager: later calls return the first outcome.
func (m *Manager) Reconcile(ctx context.Context) (Outcome, error) {
	cred := m.store.Read()
	expected, stale := m.refresher.Stale(cred)
	if !stale {
		return OutcomeNone, nil
	}

	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	if a, ok := m.attempt(cred.Token); ok {
		return a.outcome, a.err
	}
	m.logger.Info("stale role claim", map[string]interface{}{"expected": expected})

	resp, err := m.refresher.Refresh(ctx, cred.Token)
	if abandoned(ctx, err) {
		return OutcomeNone, err
	}
	a := m.settle(cred.Token, expected, resp, err)
	return a.outcome, a.err
}

// abandoned reports whether a refresh failed only because the caller stopped waiting.
// The credential is then left alone: the refresh may still succeed for other callers.
func abandoned(ctx context.Context, err error) bool {
	return err != nil && ctx.Err() != nil
}

func (m *Manager) attempt(token string) (attempt, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[token]
	return a, ok
}

// settle applies the result of a refresh of token. expected == "" accepts any role.
func (m *Manager) settle(token, expected string, resp AuthResponse, err error) (a attempt) {
	defer func() {
		m.mu.Lock()
		m.attempts[token] = a
		m.mu.Unlock()
	}()

	if err != nil {
		m.logger.Warn("token refresh failed", err)
		m.end(noticeFor(err))
		return attempt{OutcomeReauthenticate, err}
	}

	if (expected != "" && resp.User.Role != expected) || !consistent(resp) {
		m.logger.Warn("refreshed role mismatch", map[string]interface{}{
			"expected": expected,
			"got":      resp.User.Role,
		})
		m.end(NoticeAccessDenied)
		return attempt{OutcomeReauthenticate, errors.Wrapf(ErrNotPrivileged, "expected %q, got %q", expected, resp.User.Role)}
	}

	if err := m.store.Replace(resp.Token, &resp.User); err != nil {
		m.logger.Error("replacing refreshed credential", err)
		m.end(NoticeSessionExpired)
		return attempt{OutcomeReauthenticate, err}
	}

	usr := resp.User
	m.mu.Lock()
	m.sessionUser = &usr
	m.token = resp.Token
	m.mu.Unlock()

	m.logger.Info("session refreshed", map[string]interface{}{"role": usr.Role})
	m.reload()
	return attempt{outcome: OutcomeRefreshed}
}

// end discards every credential & the session user, and tells the user why.
func (m *Manager) end(n Notice) {
	m.store.Clear()
	m.mu.Lock()
	m.sessionUser = nil
	m.token = ""
	m.mu.Unlock()
	m.notifier.Notify(n)
}

// Login authenticates against the backend and stores the credential in the persistent tier
// when remember is set, otherwise in the session tier. It returns the landing route.
// On failure, stored credentials are left untouched.
func (m *Manager) Login(ctx context.Context, email, password string, remember bool) (string, error) {
	req := user.LoginRequest{Email: email, Password: password, Remember: remember}
	if err := req.Validate(m.validate); err != nil {
		return "", err
	}

	resp, err := m.client.Login(ctx, req)
	if err != nil {
		return "", errors.Wrap(err, "logging in")
	}
	return m.establish(resp, remember)
}

// Register creates the account through the backend, then behaves like Login.
func (m *Manager) Register(ctx context.Context, nu user.NewUser, remember bool) (string, error) {
	if err := nu.Validate(m.validate); err != nil {
		return "", err
	}

	resp, err := m.client.Register(ctx, nu)
	if err != nil {
		return "", errors.Wrap(err, "registering")
	}
	return m.establish(resp, remember)
}

func (m *Manager) establish(resp AuthResponse, remember bool) (string, error) {
	if resp.Token == "" {
		return "", errors.New("authentication response carries no token")
	}
	if err := m.store.Write(resp.Token, &resp.User, remember); err != nil {
		return "", err
	}

	usr := resp.User
	m.mu.Lock()
	m.sessionUser = &usr
	m.token = resp.Token
	m.attempts = make(map[string]attempt)
	m.mu.Unlock()

	m.logger.Info("logged in", usr)
	return m.Route(), nil
}

// Logout discards every credential and returns the login route.
func (m *Manager) Logout() string {
	m.store.Clear()
	m.mu.Lock()
	m.sessionUser = nil
	m.token = ""
	m.attempts = make(map[string]attempt)
	m.mu.Unlock()
	return m.router.LoginPath
}

// Resolve returns the effective identity.
func (m *Manager) Resolve() Identity {
	cred := m.store.Read()
	return Resolve(m.SessionUser(), cred)
}

// Route returns the landing route of the effective identity.
func (m *Manager) Route() string {
	return m.router.Route(m.Resolve())
}

// Guard decides whether path may be rendered for the effective identity.
func (m *Manager) Guard(path string, rule Rule) Decision {
	return m.gate.Decide(m.Loading(), path, m.Resolve(), rule)
}

func (m *Manager) Router() Router {
	return m.router
}

func (m *Manager) Loading() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loading
}

func (m *Manager) setLoading(loading bool) {
	m.mu.Lock()
	m.loading = loading
	m.mu.Unlock()
}

// SessionUser returns a copy of the user validated during this lifecycle (nil if none).
func (m *Manager) SessionUser() *user.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyUser(m.sessionUser)
}

// User returns the session user or, when none was validated during this lifecycle, the cached user record.
func (m *Manager) User() *user.User {
	if usr := m.SessionUser(); usr != nil {
		return usr
	}
	return copyUser(m.store.Read().CachedUser)
}

// HandleStatus reacts to an authorization failure reported by the backend.
// 401: the token is refreshed once (any role accepted); retry reports whether the request may be replayed.
// 403: the session ends. On failure, redirect is the login route.
func (m *Manager) HandleStatus(ctx context.Context, status int) (retry bool, redirect string) {
	switch status {
	case http.StatusUnauthorized:
		m.refreshMu.Lock()
		defer m.refreshMu.Unlock()

		cred := m.store.Read()
		if cred.Token == "" {
			m.end(NoticeSessionExpired)
			return false, m.router.LoginPath
		}
		if _, ok := m.attempt(cred.Token); ok {
			m.end(NoticeSessionExpired)
			return false, m.router.LoginPath
		}

		resp, err := m.refresher.Refresh(ctx, cred.Token)
		if abandoned(ctx, err) {
			return false, ""
		}
		if a := m.settle(cred.Token, "", resp, err); a.outcome == OutcomeRefreshed {
			return true, ""
		}
		return false, m.router.LoginPath
	case http.StatusForbidden:
		return false, m.Deny(status)
	default:
		return false, ""
	}
}

// Deny ends the session after a final 401/403 and returns the login route.
func (m *Manager) Deny(status int) string {
	if status == http.StatusForbidden {
		m.end(NoticeAccessDenied)
	} else {
		m.end(NoticeSessionExpired)
	}
	return m.router.LoginPath
}

// Sync re-reads the store after a change made elsewhere (another process, another manager).
func (m *Manager) Sync() {
	m.sync(m.store.Read())
}

func (m *Manager) sync(cred Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cred.Token == "" {
		m.sessionUser = nil
		m.token = ""
		return
	}
	if cred.Token != m.token {
		m.token = cred.Token
		m.sessionUser = copyUser(cred.CachedUser)
	}
}

// Watch keeps the Manager in sync with the store until ctx is done or a watcher fails.
func (m *Manager) Watch(ctx context.Context, watchers ...Watcher) error {
	unsubscribe := m.store.Subscribe(m.sync)
	defer unsubscribe()

	g, ctx := errgroup.WithContext(ctx)
	for _, w := range watchers {
		w := w
		g.Go(func() error {
			return w.Watch(ctx, m.Sync)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	return g.Wait()
}
