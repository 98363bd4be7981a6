package echoportal

import (
	"net/http"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/session"
	"github.com/trezcool/masomo/core/user"
)

const (
	persistentTokenCookie = "masomo_token"
	persistentUserCookie  = "masomo_user"
	sessionTokenCookie    = "masomo_session_token"
	sessionUserCookie     = "masomo_session_user"
	flashCookie           = "masomo_flash"
)

// cookieCodec signs (and optionally encrypts) every cookie the portal sets.
// A cookie that fails verification is never trusted.
type cookieCodec struct {
	sc     *securecookie.SecureCookie
	maxAge time.Duration
	secure bool
}

func newCookieCodec(conf core.SessionConfig, logger core.Logger) *cookieCodec {
	hashKey := []byte(conf.CookieHashKey)
	if len(hashKey) == 0 {
		logger.Warn("session.cookieHashKey is not set: using a random key, sessions will not survive a restart")
		hashKey = securecookie.GenerateRandomKey(64)
	}
	var blockKey []byte
	if conf.CookieBlockKey != "" {
		blockKey = []byte(conf.CookieBlockKey)
	}

	sc := securecookie.New(hashKey, blockKey)
	sc.SetSerializer(securecookie.JSONEncoder{})
	if conf.CookieMaxAge > 0 {
		sc.MaxAge(int(conf.CookieMaxAge.Seconds()))
	}
	return &cookieCodec{sc: sc, maxAge: conf.CookieMaxAge, secure: conf.CookieSecure}
}

// tiers returns the persistent & session credential tiers of the request.
func (cc *cookieCodec) tiers(ctx echo.Context) (persistent, sess *cookieTier) {
	persistent = &cookieTier{
		ctx:       ctx,
		codec:     cc,
		tokenName: persistentTokenCookie,
		userName:  persistentUserCookie,
		maxAge:    cc.maxAge,
	}
	sess = &cookieTier{
		ctx:       ctx,
		codec:     cc,
		tokenName: sessionTokenCookie,
		userName:  sessionUserCookie,
	}
	return persistent, sess
}

func (cc *cookieCodec) read(ctx echo.Context, name string, dst interface{}) (bool, error) {
	c, err := ctx.Cookie(name)
	if err != nil || c.Value == "" {
		return false, nil
	}
	if err := cc.sc.Decode(name, c.Value, dst); err != nil {
		return false, errors.Wrapf(err, "decoding %s cookie", name)
	}
	return true, nil
}

func (cc *cookieCodec) write(ctx echo.Context, name string, value interface{}, maxAge time.Duration, httpOnly bool) error {
	encoded, err := cc.sc.Encode(name, value)
	if err != nil {
		return errors.Wrapf(err, "encoding %s cookie", name)
	}
	c := &http.Cookie{
		Name:     name,
		Value:    encoded,
		Path:     "/",
		HttpOnly: httpOnly,
		Secure:   cc.secure,
		SameSite: http.SameSiteLaxMode,
	}
	if maxAge > 0 {
		c.MaxAge = int(maxAge.Seconds())
	}
	ctx.SetCookie(c)
	return nil
}

func (cc *cookieCodec) expire(ctx echo.Context, name string) {
	ctx.SetCookie(&http.Cookie{Name: name, Path: "/", MaxAge: -1, HttpOnly: true, Secure: cc.secure})
}

// cookieTier keeps a credential in a cookie pair: the token (http only) & the cached user.
// The persistent tier sets a Max-Age, the session tier does not so the browser drops it on close.
// Writes made during the request are visible to later loads of that same request.
type cookieTier struct {
	ctx       echo.Context
	codec     *cookieCodec
	tokenName string
	userName  string
	maxAge    time.Duration // 0: session cookie

	written *session.Credential
}

var _ session.Tier = (*cookieTier)(nil)

// Load fails when either cookie does not verify; the tier then counts as empty.
func (t *cookieTier) Load() (session.Credential, error) {
	if t.written != nil {
		return *t.written, nil
	}

	var cred session.Credential
	if _, err := t.codec.read(t.ctx, t.tokenName, &cred.Token); err != nil {
		return session.Credential{}, err
	}
	var usr user.User
	ok, err := t.codec.read(t.ctx, t.userName, &usr)
	if err != nil {
		return session.Credential{}, err
	}
	if ok {
		cred.CachedUser = &usr
	}
	return cred, nil
}

func (t *cookieTier) Save(cred session.Credential) error {
	if cred.IsEmpty() {
		return t.Clear()
	}

	if cred.Token == "" {
		t.codec.expire(t.ctx, t.tokenName)
	} else if err := t.codec.write(t.ctx, t.tokenName, cred.Token, t.maxAge, true); err != nil {
		return err
	}
	// the password hash is never serialized (json:"-")
	if cred.CachedUser == nil {
		t.codec.expire(t.ctx, t.userName)
	} else if err := t.codec.write(t.ctx, t.userName, cred.CachedUser, t.maxAge, false); err != nil {
		return err
	}
	t.written = &cred
	return nil
}

func (t *cookieTier) Clear() error {
	t.codec.expire(t.ctx, t.tokenName)
	t.codec.expire(t.ctx, t.userName)
	t.written = &session.Credential{}
	return nil
}

// setFlash stores a notice to show on the current or the next page.
func (cc *cookieCodec) setFlash(ctx echo.Context, n session.Notice) {
	ctx.Set(flashCookie, string(n))
	if err := cc.write(ctx, flashCookie, string(n), 0, true); err != nil {
		ctx.Logger().Warn(err)
	}
}

// popFlash returns the pending notice ("" if none) & clears it.
func (cc *cookieCodec) popFlash(ctx echo.Context) string {
	if msg, ok := ctx.Get(flashCookie).(string); ok && msg != "" {
		ctx.Set(flashCookie, "")
		cc.expire(ctx, flashCookie)
		return msg
	}
	var msg string
	ok, err := cc.read(ctx, flashCookie, &msg)
	if !ok && err == nil {
		return ""
	}
	cc.expire(ctx, flashCookie)
	return msg
}
