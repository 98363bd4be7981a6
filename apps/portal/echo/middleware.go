package echoportal

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/trezcool/masomo/core/session"
)

const contextManagerKey = "sessionManager"

// sessionMiddleware gives every request its own session.Manager over the request cookies,
// bootstrapped before any handler or guard runs.
func (s *server) sessionMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		persistent, sess := s.cookies.tiers(ctx)

		m := session.NewManager(
			session.NewStore(persistent, sess, s.opts.Logger),
			s.opts.Refresher,
			session.WithLogger(s.opts.Logger),
			session.WithRouter(s.router),
			session.WithGate(s.gate),
			session.WithValidator(s.opts.Validate),
			session.WithNotifier(session.NotifierFunc(func(n session.Notice) {
				s.cookies.setFlash(ctx, n)
			})),
		)
		ctx.Set(contextManagerKey, m)

		// a failed bootstrap has already cleared the session: guards will deny
		if outcome, err := m.Bootstrap(ctx.Request().Context()); err != nil {
			s.opts.Logger.Debug("session bootstrap", map[string]interface{}{"outcome": outcome.String(), "error": err.Error()})
		}
		return next(ctx)
	}
}

func getManager(ctx echo.Context) *session.Manager {
	m, ok := ctx.Get(contextManagerKey).(*session.Manager)
	if !ok {
		panic("session middleware not installed")
	}
	return m
}

// guard only lets through requests the access gate authorizes for rule; others are redirected.
func guard(rule session.Rule) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			m := getManager(ctx)
			decision := m.Guard(ctx.Request().URL.Path, rule)
			switch decision.State {
			case session.StateAuthorized:
				return next(ctx)
			case session.StateLoading:
				return ctx.JSON(http.StatusAccepted, page{Page: "loading"})
			default:
				return ctx.Redirect(http.StatusSeeOther, decision.Redirect)
			}
		}
	}
}
