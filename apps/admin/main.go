package main

import (
	"context"
	"database/sql"
	"log"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"

	"github.com/trezcool/masomo-gate/core"
	"github.com/trezcool/masomo-gate/core/access"
	"github.com/trezcool/masomo-gate/core/principal"
	"github.com/trezcool/masomo-gate/core/realtime"
	emailsvc "github.com/trezcool/masomo-gate/services/email"
	logsvc "github.com/trezcool/masomo-gate/services/logger"
	"github.com/trezcool/masomo-gate/storage/database"
	"github.com/trezcool/masomo-gate/storage/database/sqlx"
	"github.com/trezcool/masomo-gate/storage/redisfeed"
)

var logger *logsvc.RollbarLogger

func main() {
	conf := core.NewConfig()

	logger = logsvc.NewRollbarLogger(log.New(os.Stdout, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile), conf)
	logger.Enable(!conf.Debug)

	// set up DB
	if err := database.CreateIfNotExist(context.Background(), conf); err != nil {
		logger.Fatal("creating database", err)
	}
	db, err := database.Open(conf)
	if err != nil {
		logger.Fatal("opening database", err)
	}

	// the postgres triggers announce changes; with redis, the service publishes them
	var publisher realtime.Publisher
	if conf.Realtime.Driver == "redis" {
		opts, err := redis.ParseURL(conf.Realtime.RedisURL)
		if err != nil {
			logger.Fatal("parsing redis URL", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		publisher = redisfeed.NewPublisher(client, conf.Realtime.Channel)
	}

	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	principal.InitValidators(validate, translator)

	repo := sqlxrepos.NewPrincipalRepository(db)

	// start CLI
	cli := commandLine{
		db:         db.DB,
		conf:       conf,
		svc:        principal.NewService(repo, publisher, emailsvc.NewService(conf, logger), logger, conf),
		validate:   validate,
		translator: translator,
		resolver:   access.NewResolver(conf.Paths, logger),
		out:        os.Stdout,
	}
	err = cli.run(os.Args)
	closeDB(db.DB)
	if err != nil {
		if err != errHelp {
			logger.Error("command failed", err)
		}
		os.Exit(1)
	}
}

func closeDB(db *sql.DB) {
	if err := db.Close(); err != nil {
		logger.Error("closing database", err)
	}
}
