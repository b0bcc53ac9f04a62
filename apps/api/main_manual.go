package main

import (
	"context"
	"expvar"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	dig_container "github.com/trezcool/masomo-gate/apps/api/di/dig"
	echoapi "github.com/trezcool/masomo-gate/apps/api/echo"
	"github.com/trezcool/masomo-gate/core"
	"github.com/trezcool/masomo-gate/core/principal"
	emailsvc "github.com/trezcool/masomo-gate/services/email"
)

func startManual() {
	// =========================================================================
	// Set up Dependencies

	conf := core.NewConfig()

	// set up loggers
	logger := dig_container.NewLogger(conf)
	dbLogger := dig_container.NewDBLogger(conf)

	// set up backend
	backend, err := dig_container.NewBackend(conf, dbLogger)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up %s backend: %v", conf.Realtime.Driver, err), err)
	}
	defer func() {
		if err = backend.Close(); err != nil {
			dbLogger.Fatal("Failed to close", err)
		}
	}()

	// set up services
	mailSvc := emailsvc.NewService(conf, logger)
	principalSvc := principal.NewService(backend.Repo, backend.Publisher, mailSvc, logger, conf)

	sessions, err := dig_container.NewManager(conf, backend.Repo, backend.Feed, dig_container.NewGuard(conf, logger), logger)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up live sessions: %v", err), err)
	}
	sessions.Start()
	defer sessions.Stop()

	// =========================================================================
	// Initialize App

	logger.Info(fmt.Sprintf("Application initializing : version %q", conf.Build))
	defer logger.Info("Application stopped")

	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	principal.InitValidators(validate, translator)

	// =========================================================================
	// Start Debug Service

	expvar.NewString("build").Set(conf.Build)
	expvar.NewString("env").Set(conf.Env)
	expvar.NewString("realtime").Set(conf.Realtime.Driver)
	expvar.Publish("sessions", expvar.Func(func() interface{} { return sessions.Len() }))

	go func() {
		if err := http.ListenAndServe(conf.Server.DebugHost, http.DefaultServeMux); err != nil {
			logger.Error(fmt.Sprintf("debug server closed: %v", err), err)
		}
	}()

	// =========================================================================
	// Start API Service

	server := echoapi.NewServer(
		echoapi.ServerDeps{
			Conf:         conf,
			Logger:       logger,
			Validate:     validate,
			Translator:   translator,
			PrincipalSvc: principalSvc,
			Sessions:     sessions,
		},
	)

	go func() {
		server.Start()
	}()

	// =========================================================================
	// Shutdown

	select {
	case err = <-server.Errors():
		logger.Fatal(fmt.Sprintf("server error: %v", err), err)

	case sig := <-server.ShutdownSignal():
		logger.Info(fmt.Sprintf("%v: Start shutdown...", sig))

		// give outstanding requests a deadline for completion
		ctx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
		defer cancel()

		// asking listener to shutdown and shed load
		if err = server.Shutdown(ctx); err != nil {
			logger.Error(fmt.Sprintf("could not stop server gracefully: %v", err), err)

			if err = server.Close(); err != nil {
				logger.Fatal(fmt.Sprintf("could not force stop server: %v", err), err)
			}
		}
	}
}
