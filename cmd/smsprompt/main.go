package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-pg/pg"
	"github.com/interactive-solutions/go-sms"
	"github.com/interactive-solutions/go-sms/config"
	"github.com/interactive-solutions/go-sms/provider"
	"github.com/interactive-solutions/go-sms/storage/filesystem"
	gopg "github.com/interactive-solutions/go-sms/storage/go-pg"
	"github.com/interactive-solutions/go-sms/storage/sqlite"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const usage = `usage: smsprompt <command> [arguments]

commands:
  send       send one message
  bulk       send a template to every row of a csv file
  template   list | show | create | delete | test
  history    list | show | stats | export | clear | recipient | search
  validate   check phone numbers
  serve      run the admin http api
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()

	os.Exit(code)
}

func run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 1
	}

	command, args := args[0], args[1:]

	if command == "validate" {
		return validateCommand(args)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	env, err := setup(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to start")
		return 1
	}
	defer env.close()

	switch command {
	case "send":
		return env.sendCommand(ctx, args)
	case "bulk":
		return env.bulkCommand(ctx, args)
	case "template":
		return env.templateCommand(ctx, args)
	case "history":
		return env.historyCommand(ctx, args)
	case "serve":
		return env.serveCommand(ctx, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		return 1
	}
}

// environment holds the wired application for one command invocation.
type environment struct {
	cfg      config.Config
	logger   logrus.FieldLogger
	app      sms.Application
	registry *prometheus.Registry

	// gatewayErr explains why app has no gateway.
	gatewayErr error

	closers []func() error
}

func setup(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (*environment, error) {
	env := &environment{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}

	if err := os.MkdirAll(cfg.Home, 0o755); err != nil {
		return nil, errors.Wrapf(sms.ConfigErr, "cannot create %s: %v", cfg.Home, err)
	}

	var pgDB *pg.DB
	if cfg.DatabaseUrl != "" {
		opts, err := pg.ParseURL(cfg.DatabaseUrl)
		if err != nil {
			return nil, errors.Wrapf(sms.ConfigErr, "SMS_DATABASE_URL: %v", err)
		}

		pgDB = pg.Connect(opts)
		env.closers = append(env.closers, pgDB.Close)

		if err := gopg.Migrate(ctx, pgDB); err != nil {
			env.close()
			return nil, err
		}
	}

	options := []sms.AppOption{
		sms.SetLogger(logger),
		sms.SetMetricsGatherer(env.registry),
		sms.SetRecordDeliveries(cfg.SaveHistory),
	}

	templateRepo, err := env.templateRepository(pgDB)
	if err != nil {
		env.close()
		return nil, err
	}
	options = append(options, sms.SetTemplateRepo(templateRepo))

	if pgDB != nil {
		options = append(options, sms.SetDeliveryRepo(gopg.NewDeliveryRepository(pgDB)))
	} else {
		db, err := sqlite.Open(ctx, cfg.DatabasePath)
		if err != nil {
			env.close()
			return nil, err
		}

		env.closers = append(env.closers, db.Close)
		options = append(options, sms.SetDeliveryRepo(sqlite.NewDeliveryRepository(db)))
	}

	metrics := sms.NewMetrics(env.registry)

	gateway, err := provider.NewGateway(cfg, logger, sms.SetMetrics(metrics))
	if err != nil {
		env.gatewayErr = err
		logger.WithError(err).Debug("sending disabled")
	} else {
		options = append(options, sms.SetGateway(gateway))
	}

	if env.app, err = sms.NewApplication(options...); err != nil {
		env.close()
		return nil, err
	}

	return env, nil
}

func (env *environment) templateRepository(pgDB *pg.DB) (sms.TemplateRepository, error) {
	if env.cfg.TemplateStore == config.TemplateStorePostgres {
		return gopg.NewTemplateRepository(pgDB), nil
	}

	_, statErr := os.Stat(env.cfg.TemplatesDir)

	repo, err := filesystem.NewTemplateRepository(env.cfg.TemplatesDir)
	if err != nil {
		return nil, err
	}

	if os.IsNotExist(statErr) {
		written, err := filesystem.Seed(env.cfg.TemplatesDir)
		if err != nil {
			return nil, err
		}

		env.logger.
			WithField("dir", env.cfg.TemplatesDir).
			WithField("templates", written).
			Info("created sample templates")
	}

	return repo, nil
}

// requireGateway reports why sending is unavailable.
func (env *environment) requireGateway() error {
	if env.app.Gateway() == nil {
		return env.gatewayErr
	}

	return nil
}

func (env *environment) close() {
	for i := len(env.closers) - 1; i >= 0; i-- {
		if err := env.closers[i](); err != nil {
			env.logger.WithError(err).Warn("failed to close resource")
		}
	}
}
