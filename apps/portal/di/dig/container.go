package dig_container

import (
	"log"
	"os"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"go.uber.org/dig"

	echoportal "github.com/trezcool/masomo/apps/portal/echo"
	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/session"
	"github.com/trezcool/masomo/core/user"
	"github.com/trezcool/masomo/services/authclient"
	logsvc "github.com/trezcool/masomo/services/logger"
)

type ClientLoggerParam struct {
	dig.In
	Logger core.Logger `name:"clientLogger"`
}

func newLogger(conf *core.Config) (core.Logger, *logsvc.RollbarLogger) {
	logger := logsvc.NewRollbarLogger(log.New(os.Stdout, "PORTAL : ", log.LstdFlags), conf)
	return logger, logger
}

func newClientLogger(conf *core.Config) core.Logger {
	return logsvc.NewRollbarLogger(log.New(os.Stdout, "BACKEND : ", log.LstdFlags|log.Lmicroseconds), conf)
}

func newAuthClient(conf *core.Config, loggerParam ClientLoggerParam) session.AuthClient {
	return authclient.NewFromConfig(conf, loggerParam.Logger)
}

// newRefresher is shared by every request so concurrent refreshes of one token are coalesced.
func newRefresher(conf *core.Config, client session.AuthClient, logger core.Logger) *session.Refresher {
	return session.NewRefresher(client, logger, conf.Session.PrivilegedEmails...)
}

func newValidator(translator ut.Translator) *validator.Validate {
	validate := validator.New()
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)
	return validate
}

func newServer(
	conf *core.Config,
	logger core.Logger,
	refresher *session.Refresher,
	validate *validator.Validate,
	translator ut.Translator,
) echoportal.Server {
	return echoportal.NewServer(&echoportal.Options{
		Conf:       conf,
		Logger:     logger,
		Refresher:  refresher,
		Validate:   validate,
		Translator: translator,
	})
}

// New returns a new dependency injection dig.Container
func New() *dig.Container {
	c := dig.New()

	must(c.Provide(core.NewConfig))
	must(c.Provide(newLogger))
	must(c.Provide(newClientLogger, dig.Name("clientLogger")))
	must(c.Provide(newAuthClient))
	must(c.Provide(newRefresher))
	must(c.Provide(core.NewTranslator))
	must(c.Provide(newValidator))
	must(c.Provide(newServer))

	return c
}

// must exits program if err happened
func must(err error) {
	if err != nil {
		log.Fatal(errors.Wrap(err, "failed to provide dependency").Error())
	}
}
