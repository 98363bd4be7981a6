package echoportal

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/session"
	"github.com/trezcool/masomo/core/user"
)

func newTestCodec(hashKey string, secure bool) *cookieCodec {
	return newCookieCodec(core.SessionConfig{CookieHashKey: hashKey, CookieMaxAge: time.Hour, CookieSecure: secure}, core.NopLogger{})
}

func newContext(cookies ...*http.Cookie) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	return echo.New().NewContext(req, rec), rec
}

func responseCookies(rec *httptest.ResponseRecorder) []*http.Cookie {
	return (&http.Response{Header: rec.Header()}).Cookies()
}

func encodeCookie(t *testing.T, cc *cookieCodec, name string, value interface{}) *http.Cookie {
	t.Helper()
	v, err := cc.sc.Encode(name, value)
	require.NoError(t, err)
	return &http.Cookie{Name: name, Value: v}
}

func Test_cookieTier(t *testing.T) {
	codec := newTestCodec("hash-key", false)
	usr := &user.User{ID: "1", Email: "a@test.cd", Role: user.RoleTutor, PasswordHash: []byte("secret")}

	t.Run("load", func(t *testing.T) {
		ctx, _ := newContext(
			encodeCookie(t, codec, persistentTokenCookie, "tok"),
			encodeCookie(t, codec, persistentUserCookie, usr),
		)
		persistent, sess := codec.tiers(ctx)

		cred, err := persistent.Load()
		require.NoError(t, err)
		assert.Equal(t, "tok", cred.Token)
		require.NotNil(t, cred.CachedUser)
		assert.Equal(t, user.RoleTutor, cred.CachedUser.Role)
		assert.Empty(t, cred.CachedUser.PasswordHash)

		cred, err = sess.Load()
		require.NoError(t, err)
		assert.True(t, cred.IsEmpty())
	})

	admin, err := json.Marshal(user.User{ID: "1", Role: user.RoleAdmin})
	require.NoError(t, err)

	untrusted := []struct {
		name    string
		cookies []*http.Cookie
	}{
		{
			name: "unsigned user cookie",
			cookies: []*http.Cookie{
				encodeCookie(t, codec, sessionTokenCookie, "tok"),
				{Name: sessionUserCookie, Value: base64.RawURLEncoding.EncodeToString(admin)},
			},
		},
		{
			name:    "unsigned token cookie",
			cookies: []*http.Cookie{{Name: sessionTokenCookie, Value: "garbage"}},
		},
		{
			name: "signed with another key",
			cookies: []*http.Cookie{
				encodeCookie(t, codec, sessionTokenCookie, "tok"),
				encodeCookie(t, newTestCodec("other-key", false), sessionUserCookie, &user.User{Role: user.RoleAdmin}),
			},
		},
		{
			name:    "signed for another cookie",
			cookies: []*http.Cookie{{Name: sessionUserCookie, Value: encodeCookie(t, codec, persistentUserCookie, usr).Value}},
		},
	}
	for _, tt := range untrusted {
		t.Run(tt.name, func(t *testing.T) {
			ctx, _ := newContext(tt.cookies...)
			_, sess := codec.tiers(ctx)

			cred, err := sess.Load()
			assert.Error(t, err)
			assert.True(t, cred.IsEmpty())

			// the store treats the tier as empty
			store := session.NewStore(emptyTier{}, sess, nil)
			assert.Equal(t, session.Credential{}, store.Read())
		})
	}

	t.Run("writes are visible to the same request", func(t *testing.T) {
		secure := newTestCodec("hash-key", true)
		ctx, rec := newContext(encodeCookie(t, secure, persistentTokenCookie, "old"))
		persistent, _ := secure.tiers(ctx)

		require.NoError(t, persistent.Save(session.Credential{Token: "new", CachedUser: usr}))
		cred, err := persistent.Load()
		require.NoError(t, err)
		assert.Equal(t, "new", cred.Token)

		var token *http.Cookie
		for _, c := range responseCookies(rec) {
			if c.Name == persistentTokenCookie {
				token = c
			}
		}
		require.NotNil(t, token)
		assert.NotEqual(t, "new", token.Value)
		assert.Equal(t, 3600, token.MaxAge)
		assert.True(t, token.Secure)
		assert.True(t, token.HttpOnly)

		// next request
		ctx, _ = newContext(token)
		persistent, _ = secure.tiers(ctx)
		cred, err = persistent.Load()
		require.NoError(t, err)
		assert.Equal(t, "new", cred.Token)

		require.NoError(t, persistent.Clear())
		cred, err = persistent.Load()
		require.NoError(t, err)
		assert.True(t, cred.IsEmpty())
	})
}

// emptyTier is an always empty tier.
type emptyTier struct{}

func (emptyTier) Load() (session.Credential, error) { return session.Credential{}, nil }
func (emptyTier) Save(session.Credential) error     { return nil }
func (emptyTier) Clear() error                      { return nil }

func Test_flash(t *testing.T) {
	codec := newTestCodec("hash-key", false)
	ctx, rec := newContext()
	codec.setFlash(ctx, session.NoticeAccessDenied)
	assert.Equal(t, string(session.NoticeAccessDenied), codec.popFlash(ctx))
	assert.Empty(t, codec.popFlash(ctx))

	// next request
	var flash *http.Cookie
	for _, c := range responseCookies(rec) {
		if c.Name == flashCookie && c.MaxAge == 0 {
			flash = c
		}
	}
	require.NotNil(t, flash)
	ctx, _ = newContext(flash)
	assert.Equal(t, string(session.NoticeAccessDenied), codec.popFlash(ctx))

	// forged notices are dropped
	ctx, _ = newContext(&http.Cookie{Name: flashCookie, Value: "lol"})
	assert.Empty(t, codec.popFlash(ctx))
}
