package echoportal

import (
	"context"
	"net/http"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/session"
	"github.com/trezcool/masomo/core/user"
)

type (
	Options struct {
		Conf           *core.Config
		Logger         core.Logger
		DisableReqLogs bool
		Refresher      *session.Refresher
		Validate       *validator.Validate
		Translator     ut.Translator

		// Backend is used for proxied backend calls (defaults to http.DefaultTransport).
		Backend http.RoundTripper
	}

	Server interface {
		http.Handler
		Start() error
		Stop(context.Context) error
	}

	server struct {
		opts    *Options
		app     *echo.Echo
		router  session.Router
		gate    session.Gate
		cookies *cookieCodec
	}
)

var _ Server = (*server)(nil)

func NewServer(opts *Options) Server {
	router := session.NewRouter(opts.Conf.Routes)
	s := &server{
		opts:    opts,
		app:     echo.New(),
		router:  router,
		gate:    session.NewGate(router, opts.Conf.Session.PublicPaths...),
		cookies: newCookieCodec(opts.Conf.Session, opts.Logger),
	}
	s.setup()
	return s
}

func (s *server) setup() {
	conf := s.opts.Conf

	s.app.Pre(middleware.RemoveTrailingSlash())
	if !s.opts.DisableReqLogs {
		s.app.Use(middleware.Logger())
	}
	// do not recover in DEV|TEST mode
	if !(conf.Debug || conf.TestMode) {
		s.app.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{LogLevel: log.ERROR}))
	}
	s.app.Use(s.sessionMiddleware)

	s.app.HTTPErrorHandler = newAppHTTPErrorHandler(s.opts.Logger, s.opts.Translator)
	s.app.Debug = conf.Debug
	s.app.HideBanner = true

	pages := pageHandlers{opts: s.opts, cookies: s.cookies}
	routes := s.router

	// public screens
	s.app.GET(routes.LoginPath, pages.loginPage)
	s.app.POST(routes.LoginPath, pages.login)
	s.app.GET("/register", pages.registerPage)
	s.app.POST("/register", pages.register)
	s.app.POST("/logout", pages.logout)
	s.app.GET(routes.DefaultPath, pages.home)

	// authenticated screens
	s.app.GET("/redirect", pages.redirect, guard(session.Rule{}))
	s.app.GET("/forum", pages.landing("forum"), guard(session.AllowRoles(user.RoleStudent, user.RoleTutor)))

	admin := s.app.Group(routes.AdminPath, guard(session.AllowRoles(user.RoleAdmin)))
	admin.GET("", pages.landing("admin"))
	admin.GET("/backend", pages.backendStatus)

	s.app.GET(routes.StudentPath, pages.landing("student dashboard"), guard(session.AllowRoles(user.RoleStudent)))
	s.app.GET(routes.TutorPath, pages.landing("tutor profile"), guard(session.AllowRoles(user.RoleTutor)))
}

func (s *server) Start() error {
	return s.app.Start(s.opts.Conf.Server.Address)
}

func (s *server) Stop(ctx context.Context) error {
	return s.app.Shutdown(ctx)
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) { // for tests
	s.app.ServeHTTP(w, r)
}
