package dig_container

import (
	"fmt"
	"log"
	"os"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"go.uber.org/dig"

	echoapi "github.com/trezcool/masomo-gate/apps/api/echo"
	"github.com/trezcool/masomo-gate/core"
	"github.com/trezcool/masomo-gate/core/access"
	"github.com/trezcool/masomo-gate/core/livesync"
	"github.com/trezcool/masomo-gate/core/principal"
	"github.com/trezcool/masomo-gate/core/realtime"
	emailsvc "github.com/trezcool/masomo-gate/services/email"
	logsvc "github.com/trezcool/masomo-gate/services/logger"
)

type DBLoggerParam struct {
	dig.In
	Logger core.Logger `name:"dbLogger"`
}

type backendResult struct {
	dig.Out
	Backend   *Backend
	Repo      principal.Repository
	Feed      realtime.ChangeFeed
	Publisher realtime.Publisher
}

func NewLogger(conf *core.Config) core.Logger {
	stdLogger := log.New(os.Stdout, "API : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)
	logger := logsvc.NewRollbarLogger(stdLogger, conf)
	logger.Enable(!conf.Debug)
	return logger
}

func NewDBLogger(conf *core.Config) core.Logger {
	stdLogger := log.New(os.Stdout, "DB : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)
	logger := logsvc.NewRollbarLogger(stdLogger, conf)
	logger.Enable(!conf.Debug)
	return logger
}

func newBackend(conf *core.Config, loggerParam DBLoggerParam) backendResult {
	b, err := NewBackend(conf, loggerParam.Logger)
	if err != nil {
		loggerParam.Logger.Fatal(fmt.Sprintf("setting up %s backend: %v", conf.Realtime.Driver, err), err)
	}
	return backendResult{Backend: b, Repo: b.Repo, Feed: b.Feed, Publisher: b.Publisher}
}

// NewGuard builds the access guard on the configured navigation paths.
func NewGuard(conf *core.Config, logger core.Logger) *access.Guard {
	return access.NewGuard(access.NewResolver(conf.Paths, logger))
}

// NewManager builds the live session manager. Any principal.Repository reads the records of reference.
func NewManager(conf *core.Config, repo principal.Repository, feed realtime.ChangeFeed, guard *access.Guard, logger core.Logger) (*livesync.Manager, error) {
	return livesync.NewManager(repo, feed, guard, logger, livesync.OptionsFromConfig(conf.Realtime))
}

func newPrincipalService(
	repo principal.Repository,
	publisher realtime.Publisher,
	mailSvc core.EmailService,
	logger core.Logger,
	conf *core.Config,
) *principal.Service {
	return principal.NewService(repo, publisher, mailSvc, logger, conf)
}

func newServer(
	conf *core.Config,
	logger core.Logger,
	validate *validator.Validate,
	translator ut.Translator,
	svc principal.ServiceInterface,
	sessions *livesync.Manager,
) *echoapi.Server {
	return echoapi.NewServer(echoapi.ServerDeps{
		Conf:         conf,
		Logger:       logger,
		Validate:     validate,
		Translator:   translator,
		PrincipalSvc: svc,
		Sessions:     sessions,
	})
}

// New returns a new dependency injection dig.Container
func New() *dig.Container {
	c := dig.New()

	must(c.Provide(core.NewConfig))
	must(c.Provide(NewLogger))
	must(c.Provide(NewDBLogger, dig.Name("dbLogger")))
	must(c.Provide(newBackend))
	must(c.Provide(emailsvc.NewService))
	must(c.Provide(validator.New))
	must(c.Provide(core.NewTranslator))
	must(c.Provide(newPrincipalService, dig.As(new(principal.ServiceInterface))))
	must(c.Provide(NewGuard))
	must(c.Provide(NewManager))
	must(c.Provide(newServer))

	return c
}

// must exits program if err happened
func must(err error) {
	if err != nil {
		log.Fatal(errors.Wrap(err, "failed to provide dependency").Error())
	}
}
