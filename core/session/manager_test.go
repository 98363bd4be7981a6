package session

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo/core/user"
)

func TestManager_Bootstrap(t *testing.T) {
	ctx := context.Background()

	t.Run("loading until bootstrapped", func(t *testing.T) {
		e := setup(t, Credential{}, &fakeClient{})
		assert.True(t, e.manager.Loading())
		assert.Equal(t, StateLoading, e.manager.Guard("/admin", Rule{}).State)

		outcome, err := e.manager.Bootstrap(ctx)
		require.NoError(t, err)
		assert.Equal(t, OutcomeNone, outcome)
		assert.False(t, e.manager.Loading())
		assert.Equal(t, Decision{State: StateDenied, Redirect: "/login"}, e.manager.Guard("/admin", Rule{}))
	})

	t.Run("expired token is discarded", func(t *testing.T) {
		token := makeToken(t, map[string]interface{}{"role": user.RoleStudent, "exp": time.Now().Add(-time.Minute).Unix()})
		e := setup(t, Credential{Token: token, CachedUser: newUser("a@test.cd", user.RoleStudent)}, &fakeClient{})

		outcome, err := e.manager.Bootstrap(ctx)
		assert.Equal(t, OutcomeReauthenticate, outcome)
		assert.Equal(t, ErrUnauthorized, err)
		assert.Equal(t, Credential{}, e.store.Read())
		assert.Equal(t, []Notice{NoticeSessionExpired}, e.notices.all())
		assert.Equal(t, "/login", e.manager.Route())
	})

	t.Run("expiry uses the clock", func(t *testing.T) {
		defer func() { nowFunc = time.Now }()
		exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
		token := makeToken(t, map[string]interface{}{"role": user.RoleStudent, "exp": exp.Unix()})

		nowFunc = func() time.Time { return exp.Add(-time.Hour) }
		e := setup(t, Credential{Token: token}, &fakeClient{})
		_, err := e.manager.Bootstrap(ctx)
		require.NoError(t, err)
		assert.Equal(t, token, e.store.Read().Token)

		nowFunc = func() time.Time { return exp.Add(time.Hour) }
		e = setup(t, Credential{Token: token}, &fakeClient{})
		_, err = e.manager.Bootstrap(ctx)
		assert.Error(t, err)
		assert.Equal(t, "", e.store.Read().Token)
	})

	t.Run("bootstrap reconciles", func(t *testing.T) {
		client := &fakeClient{refresh: refreshTo(t, "a@test.cd", user.RoleAdmin)}
		e := setup(t, Credential{Token: roleToken(t, "a@test.cd", user.RoleStudent), CachedUser: newUser("a@test.cd", user.RoleAdmin)}, client)

		outcome, err := e.manager.Bootstrap(ctx)
		require.NoError(t, err)
		assert.Equal(t, OutcomeRefreshed, outcome)
		assert.Equal(t, 1, client.refreshCount())
	})
}

func TestManager_Reconcile(t *testing.T) {
	ctx := context.Background()
	staleCred := func(t *testing.T) Credential {
		return Credential{Token: roleToken(t, "a@test.cd", user.RoleStudent), CachedUser: newUser("a@test.cd", user.RoleAdmin)}
	}

	t.Run("not stale", func(t *testing.T) {
		client := &fakeClient{}
		cred := Credential{Token: roleToken(t, "a@test.cd", user.RoleStudent), CachedUser: newUser("a@test.cd", user.RoleStudent)}
		e := setup(t, cred, client)

		outcome, err := e.manager.Reconcile(ctx)
		require.NoError(t, err)
		assert.Equal(t, OutcomeNone, outcome)
		assert.Equal(t, 0, client.refreshCount())
		assert.Equal(t, cred, e.store.Read())
	})

	t.Run("refreshed", func(t *testing.T) {
		client := &fakeClient{refresh: refreshTo(t, "a@test.cd", user.RoleAdmin)}
		e := setup(t, staleCred(t), client)

		outcome, err := e.manager.Reconcile(ctx)
		require.NoError(t, err)
		assert.Equal(t, OutcomeRefreshed, outcome)
		assert.Equal(t, 1, e.reloads)

		// both tiers agree, token & user agree
		cred := e.store.Read()
		assert.Equal(t, user.RoleAdmin, Decode(cred.Token).Role)
		assert.Equal(t, user.RoleAdmin, cred.CachedUser.Role)
		assert.Equal(t, e.persistent.get(), e.session.get())

		assert.Equal(t, Identity{IsAuthenticated: true, Role: user.RoleAdmin}, e.manager.Resolve())
		assert.Equal(t, "/admin", e.manager.Route())
		require.NotNil(t, e.manager.SessionUser())
		assert.Equal(t, user.RoleAdmin, e.manager.SessionUser().Role)
		assert.Empty(t, e.notices.all())
	})

	t.Run("role still not expected", func(t *testing.T) {
		client := &fakeClient{refresh: refreshTo(t, "a@test.cd", user.RoleStudent)}
		e := setup(t, staleCred(t), client)

		outcome, err := e.manager.Reconcile(ctx)
		assert.Equal(t, OutcomeReauthenticate, outcome)
		assert.True(t, errors.Is(err, ErrNotPrivileged), "got %v", err)
		assert.Equal(t, Credential{}, e.store.Read())
		assert.Equal(t, []Notice{NoticeAccessDenied}, e.notices.all())
		assert.Equal(t, 0, e.reloads)
		assert.Equal(t, "/login", e.manager.Route())
	})

	t.Run("response token disagrees with response user", func(t *testing.T) {
		client := &fakeClient{refresh: func(string) (AuthResponse, error) {
			return AuthResponse{Token: roleToken(t, "a@test.cd", user.RoleStudent) + "x", User: *newUser("a@test.cd", user.RoleAdmin)}, nil
		}}
		e := setup(t, staleCred(t), client)

		outcome, err := e.manager.Reconcile(ctx)
		assert.Equal(t, OutcomeReauthenticate, outcome)
		assert.True(t, errors.Is(err, ErrNotPrivileged), "got %v", err)
		assert.Equal(t, Credential{}, e.store.Read())
	})

	failures := []struct {
		name       string
		err        error
		wantNotice Notice
	}{
		{name: "unauthorized", err: ErrUnauthorized, wantNotice: NoticeSessionExpired},
		{name: "forbidden", err: ErrForbidden, wantNotice: NoticeAccessDenied},
		{name: "network", err: ErrConnectivity, wantNotice: NoticeConnectivity},
		{name: "other", err: errors.New("boom"), wantNotice: NoticeSessionExpired},
	}
	for _, tt := range failures {
		t.Run("refresh failure: "+tt.name, func(t *testing.T) {
			client := &fakeClient{refresh: failRefresh(tt.err)}
			e := setup(t, staleCred(t), client)

			outcome, err := e.manager.Reconcile(ctx)
			assert.Equal(t, OutcomeReauthenticate, outcome)
			assert.True(t, errors.Is(err, tt.err), "got %v", err)
			assert.Equal(t, Credential{}, e.store.Read())
			assert.True(t, e.persistent.get().IsEmpty())
			assert.True(t, e.session.get().IsEmpty())
			assert.Nil(t, e.manager.SessionUser())
			assert.Equal(t, []Notice{tt.wantNotice}, e.notices.all())
			assert.Equal(t, "/login", e.manager.Route())
		})
	}

	t.Run("replace failure", func(t *testing.T) {
		client := &fakeClient{refresh: refreshTo(t, "a@test.cd", user.RoleAdmin)}
		e := setup(t, staleCred(t), client)
		e.session.saveErr = errTier

		outcome, err := e.manager.Reconcile(ctx)
		assert.Equal(t, OutcomeReauthenticate, outcome)
		assert.True(t, errors.Is(err, errTier), "got %v", err)
		assert.Equal(t, Credential{}, e.store.Read())
		assert.Equal(t, 0, e.reloads)
	})

	t.Run("at most once per token", func(t *testing.T) {
		client := &fakeClient{refresh: refreshTo(t, "a@test.cd", user.RoleStudent)}
		cred := staleCred(t)
		e := setup(t, cred, client)

		_, err := e.manager.Reconcile(ctx)
		require.Error(t, err)

		// the same stale credential shows up again (eg: restored by another process)
		require.NoError(t, e.store.Write(cred.Token, cred.CachedUser, true))
		outcome, err := e.manager.Reconcile(ctx)
		assert.Equal(t, OutcomeReauthenticate, outcome)
		assert.True(t, errors.Is(err, ErrNotPrivileged), "got %v", err)
		assert.Equal(t, 1, client.refreshCount())
	})

	t.Run("abandoned reconcile leaves the credential alone", func(t *testing.T) {
		client := &fakeClient{refresh: refreshTo(t, "a@test.cd", user.RoleAdmin), release: make(chan struct{})}
		cred := staleCred(t)
		e := setup(t, cred, client)
		other := NewManager(e.store, e.refresher)

		cctx, cancel := context.WithCancel(ctx)
		abandonedDone := make(chan Outcome, 1)
		go func() {
			outcome, _ := e.manager.Reconcile(cctx)
			abandonedDone <- outcome
		}()
		require.Eventually(t, func() bool { return client.refreshCount() == 1 }, time.Second, time.Millisecond)

		otherDone := make(chan Outcome, 1)
		go func() {
			outcome, _ := other.Reconcile(ctx)
			otherDone <- outcome
		}()
		time.Sleep(20 * time.Millisecond)

		cancel()
		assert.Equal(t, OutcomeNone, <-abandonedDone)
		assert.Empty(t, e.notices.all())
		assert.Equal(t, cred.Token, e.store.Read().Token)

		close(client.release)
		assert.Equal(t, OutcomeRefreshed, <-otherDone)
		assert.Equal(t, user.RoleAdmin, e.store.Read().CachedUser.Role)
		assert.Equal(t, 1, client.refreshCount())
	})

	t.Run("concurrent reconciles share a round trip", func(t *testing.T) {
		client := &fakeClient{refresh: refreshTo(t, "a@test.cd", user.RoleAdmin), release: make(chan struct{})}
		cred := staleCred(t)

		// one manager per page, all sharing the refresher & the stored credential
		e := setup(t, cred, client)
		managers := []*Manager{e.manager}
		for i := 0; i < 4; i++ {
			managers = append(managers, NewManager(e.store, e.refresher))
		}

		var wg sync.WaitGroup
		outcomes := make([]Outcome, len(managers))
		for i, m := range managers {
			wg.Add(1)
			go func(i int, m *Manager) {
				defer wg.Done()
				outcomes[i], _ = m.Reconcile(ctx)
			}(i, m)
		}
		require.Eventually(t, func() bool { return client.refreshCount() == 1 }, time.Second, time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		close(client.release)
		wg.Wait()

		assert.Equal(t, 1, client.refreshCount())
		for _, outcome := range outcomes {
			assert.NotEqual(t, OutcomeReauthenticate, outcome)
		}
		assert.Equal(t, user.RoleAdmin, e.store.Read().CachedUser.Role)
	})
}

func TestManager_Login(t *testing.T) {
	ctx := context.Background()
	tutor := newUser("tutor@test.cd", user.RoleTutor)
	okLogin := func(req user.LoginRequest) (AuthResponse, error) {
		if req.Email != "tutor@test.cd" || req.Password != "p@ss" {
			return AuthResponse{}, ErrInvalidCredentials
		}
		return AuthResponse{Token: roleToken(t, tutor.Email, tutor.Role), User: *tutor}, nil
	}

	tests := []struct {
		name      string
		email     string
		password  string
		remember  bool
		login     func(req user.LoginRequest) (AuthResponse, error)
		wantRoute string
		wantErr   error
	}{
		{name: "remember", email: " Tutor@Test.cd", password: "p@ss", remember: true, login: okLogin, wantRoute: "/tutor/profile"},
		{name: "session only", email: "tutor@test.cd", password: "p@ss", login: okLogin, wantRoute: "/tutor/profile"},
		{name: "bad credentials", email: "tutor@test.cd", password: "nope", login: okLogin, wantErr: ErrInvalidCredentials},
		{
			name: "network", email: "tutor@test.cd", password: "p@ss", wantErr: ErrConnectivity,
			login: func(user.LoginRequest) (AuthResponse, error) { return AuthResponse{}, ErrConnectivity },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			old := Credential{Token: "old"}
			e := setup(t, old, &fakeClient{login: tt.login})
			_, _ = e.manager.Bootstrap(ctx)

			route, err := e.manager.Login(ctx, tt.email, tt.password, tt.remember)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				assert.Equal(t, old, e.store.Read(), "failed login must not touch the store")
				assert.Nil(t, e.manager.SessionUser())
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantRoute, route)
			assert.Equal(t, tutor, e.manager.SessionUser())
			if tt.remember {
				assert.Equal(t, tutor, e.persistent.get().CachedUser)
				assert.True(t, e.session.get().IsEmpty())
			} else {
				assert.Equal(t, tutor, e.session.get().CachedUser)
				assert.True(t, e.persistent.get().IsEmpty())
			}
		})
	}

	t.Run("invalid input", func(t *testing.T) {
		client := &fakeClient{login: okLogin}
		e := setup(t, Credential{}, client)

		_, err := e.manager.Login(ctx, "not-an-email", "", false)
		var vErrs validator.ValidationErrors
		require.True(t, errors.As(err, &vErrs), "got %v", err)
		assert.Len(t, vErrs, 2)
		assert.Equal(t, 0, client.loginCalls)
	})
}

func TestManager_Register(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{register: func(nu user.NewUser) (AuthResponse, error) {
		usr := user.User{ID: "1", Email: nu.Email, FirstName: nu.FirstName, Role: nu.Role, IsActive: true}
		return AuthResponse{Token: roleToken(t, usr.Email, usr.Role), User: usr}, nil
	}}

	t.Run("student by default", func(t *testing.T) {
		e := setup(t, Credential{}, client)
		route, err := e.manager.Register(ctx, user.NewUser{
			Email:           "new@test.cd",
			FirstName:       "New",
			Password:        "Sup3r$ecret",
			PasswordConfirm: "Sup3r$ecret",
		}, false)
		require.NoError(t, err)
		assert.Equal(t, "/student/dashboard", route)
		assert.Equal(t, user.RoleStudent, e.store.Read().CachedUser.Role)
	})

	t.Run("admin cannot be self-assigned", func(t *testing.T) {
		e := setup(t, Credential{}, client)
		_, err := e.manager.Register(ctx, user.NewUser{
			Email:           "new@test.cd",
			FirstName:       "New",
			Password:        "Sup3r$ecret",
			PasswordConfirm: "Sup3r$ecret",
			Role:            user.RoleAdmin,
		}, false)
		var vErrs validator.ValidationErrors
		require.True(t, errors.As(err, &vErrs), "got %v", err)
		assert.Equal(t, Credential{}, e.store.Read())
	})
}

func TestManager_Logout(t *testing.T) {
	e := setup(t, Credential{Token: roleToken(t, "a@test.cd", user.RoleAdmin)}, &fakeClient{})
	e.session.cred = Credential{Token: "s"}

	assert.Equal(t, "/login", e.manager.Logout())
	assert.Equal(t, Credential{}, e.store.Read())
	assert.Equal(t, Identity{}, e.manager.Resolve())
}

func TestManager_HandleStatus(t *testing.T) {
	ctx := context.Background()
	studentCred := func(t *testing.T) Credential {
		return Credential{Token: roleToken(t, "a@test.cd", user.RoleStudent), CachedUser: newUser("a@test.cd", user.RoleStudent)}
	}

	t.Run("401 refreshed", func(t *testing.T) {
		client := &fakeClient{refresh: refreshTo(t, "a@test.cd", user.RoleStudent)}
		e := setup(t, studentCred(t), client)

		retry, redirect := e.manager.HandleStatus(ctx, http.StatusUnauthorized)
		assert.True(t, retry)
		assert.Equal(t, "", redirect)
		assert.NotEqual(t, studentCred(t).Token, e.store.Read().Token)
	})

	t.Run("401 twice on the same token", func(t *testing.T) {
		client := &fakeClient{refresh: refreshTo(t, "a@test.cd", user.RoleStudent)}
		cred := studentCred(t)
		e := setup(t, cred, client)

		retry, _ := e.manager.HandleStatus(ctx, http.StatusUnauthorized)
		require.True(t, retry)
		require.NoError(t, e.store.Write(cred.Token, cred.CachedUser, true))

		retry, redirect := e.manager.HandleStatus(ctx, http.StatusUnauthorized)
		assert.False(t, retry)
		assert.Equal(t, "/login", redirect)
		assert.Equal(t, 1, client.refreshCount())
		assert.Equal(t, Credential{}, e.store.Read())
		assert.Equal(t, []Notice{NoticeSessionExpired}, e.notices.all())
	})

	t.Run("401 refresh failure", func(t *testing.T) {
		e := setup(t, studentCred(t), &fakeClient{refresh: failRefresh(ErrUnauthorized)})

		retry, redirect := e.manager.HandleStatus(ctx, http.StatusUnauthorized)
		assert.False(t, retry)
		assert.Equal(t, "/login", redirect)
		assert.Equal(t, Credential{}, e.store.Read())
		assert.Equal(t, []Notice{NoticeSessionExpired}, e.notices.all())
	})

	t.Run("401 without token", func(t *testing.T) {
		client := &fakeClient{}
		e := setup(t, Credential{}, client)

		retry, redirect := e.manager.HandleStatus(ctx, http.StatusUnauthorized)
		assert.False(t, retry)
		assert.Equal(t, "/login", redirect)
		assert.Equal(t, 0, client.refreshCount())
	})

	t.Run("403", func(t *testing.T) {
		client := &fakeClient{}
		e := setup(t, studentCred(t), client)

		retry, redirect := e.manager.HandleStatus(ctx, http.StatusForbidden)
		assert.False(t, retry)
		assert.Equal(t, "/login", redirect)
		assert.Equal(t, Credential{}, e.store.Read())
		assert.Equal(t, []Notice{NoticeAccessDenied}, e.notices.all())
		assert.Equal(t, 0, client.refreshCount())
	})

	t.Run("other statuses", func(t *testing.T) {
		cred := studentCred(t)
		e := setup(t, cred, &fakeClient{})

		for _, status := range []int{http.StatusOK, http.StatusBadRequest, http.StatusInternalServerError} {
			retry, redirect := e.manager.HandleStatus(ctx, status)
			assert.False(t, retry)
			assert.Equal(t, "", redirect)
		}
		assert.Equal(t, cred, e.store.Read())
	})
}

type fakeWatcher struct {
	changes chan struct{}
}

func (w *fakeWatcher) Watch(ctx context.Context, onChange func()) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.changes:
			onChange()
		}
	}
}

func TestManager_Sync(t *testing.T) {
	ctx := context.Background()
	tutor := newUser("a@test.cd", user.RoleTutor)

	t.Run("external logout", func(t *testing.T) {
		e := setup(t, Credential{}, &fakeClient{login: func(user.LoginRequest) (AuthResponse, error) {
			return AuthResponse{Token: roleToken(t, tutor.Email, tutor.Role), User: *tutor}, nil
		}})
		_, err := e.manager.Login(ctx, tutor.Email, "p@ss", true)
		require.NoError(t, err)

		// another process cleared the file
		require.NoError(t, e.persistent.Clear())
		e.manager.Sync()
		assert.Nil(t, e.manager.SessionUser())
		assert.Equal(t, Identity{}, e.manager.Resolve())
	})

	t.Run("external login", func(t *testing.T) {
		e := setup(t, Credential{}, &fakeClient{})
		_, _ = e.manager.Bootstrap(ctx)

		require.NoError(t, e.persistent.Save(Credential{Token: roleToken(t, tutor.Email, tutor.Role), CachedUser: tutor}))
		e.manager.Sync()
		assert.Equal(t, tutor, e.manager.SessionUser())
		assert.Equal(t, "/tutor/profile", e.manager.Route())
	})

	t.Run("watch", func(t *testing.T) {
		e := setup(t, Credential{}, &fakeClient{})
		other := NewManager(e.store, e.refresher)
		w := &fakeWatcher{changes: make(chan struct{})}

		ctx, cancel := context.WithCancel(ctx)
		done := make(chan error)
		go func() { done <- e.manager.Watch(ctx, w) }()

		// change made by another manager sharing the store
		require.Eventually(t, func() bool {
			_ = e.store.Write(roleToken(t, tutor.Email, tutor.Role), tutor, true)
			return e.manager.SessionUser() != nil
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, "/login", other.Logout())
		assert.Nil(t, e.manager.SessionUser())

		// change made by another process
		require.NoError(t, e.persistent.Save(Credential{Token: "external", CachedUser: tutor}))
		w.changes <- struct{}{}
		require.Eventually(t, func() bool { return e.manager.SessionUser() != nil }, time.Second, time.Millisecond)

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Watch() did not return after cancel")
		}
	})
}
