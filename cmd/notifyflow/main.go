// Command notifyflow runs the notification task engine: the HTTP submission
// API, the execution poller and the outcome publisher in one process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/joho/godotenv"

	"github.com/sky93/notifyflow"
	"github.com/sky93/notifyflow/dynamotemplate"
	"github.com/sky93/notifyflow/emailtask"
	"github.com/sky93/notifyflow/httpapi"
	"github.com/sky93/notifyflow/kafkapub"
	"github.com/sky93/notifyflow/memstore"
	"github.com/sky93/notifyflow/mysqlstore"
	"github.com/sky93/notifyflow/natspub"
	"github.com/sky93/notifyflow/pgstore"
	"github.com/sky93/notifyflow/sesmail"
)

type store interface {
	notifyflow.Repository
	notifyflow.Transactor
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "notifyflow:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("NOTIFYFLOW_CONFIG"), "path to the YAML config file")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := loadConfig(*configPath, os.Getenv)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1) Tracing
	shutdownTracing, err := initTracing(ctx, cfg.Tracing.Exporter, cfg.Tracing.Endpoint)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	// 2) Storage
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// 3) Adapters
	var awsCfg aws.Config
	if cfg.Templates.Source == "dynamo" || cfg.Email.Driver == "ses" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			return fmt.Errorf("load aws config: %w", err)
		}
	}
	templates, err := openTemplates(cfg, awsCfg)
	if err != nil {
		return err
	}
	var sender emailtask.Sender = logSender{l: logger}
	if cfg.Email.Driver == "ses" {
		ses := sesmail.New(awsCfg)
		ses.ConfigurationSet = cfg.Email.ConfigurationSet
		sender = ses
	}
	pub, closePub, err := openPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closePub()

	// 4) Engine
	engineCfg := cfg.engineConfig()
	engineCfg.InfoLog = logFunc(logger, slog.LevelInfo)
	engineCfg.WarnLog = logFunc(logger, slog.LevelWarn)
	engineCfg.ErrorLog = logFunc(logger, slog.LevelError)

	emailtask.Register()
	engine := notifyflow.New(engineCfg, st, st, pub)
	engine.RegisterExecutor(notifyflow.TaskSendEmail,
		emailtask.NewExecutor(engine.Config(), cfg.Email.From, st, templates, sender))
	if err := engine.Start(ctx); err != nil {
		return err
	}

	// 5) HTTP API
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpapi.NewRouter(&httpapi.App{Engine: engine, ErrorLog: engineCfg.ErrorLog}, cfg.HTTP.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("API listening", slog.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	engine.Shutdown(cfg.ShutdownTimeout)
	return nil
}

func openStore(ctx context.Context, cfg Config) (store, func(), error) {
	type migrator interface {
		Migrate(ctx context.Context) error
	}
	var (
		st      store
		closeFn = func() {}
	)
	switch cfg.Store.Driver {
	case "mysql":
		s, err := mysqlstore.Open(cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		st, closeFn = s, func() { _ = s.DB().Close() }
	case "postgres":
		s, err := pgstore.Open(cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		st, closeFn = s, func() { _ = s.DB().Close() }
	default:
		return memstore.New(), closeFn, nil
	}
	if m, ok := st.(migrator); ok && cfg.Store.Migrate {
		if err := m.Migrate(ctx); err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("migrate %s store: %w", cfg.Store.Driver, err)
		}
	}
	return st, closeFn, nil
}

func openTemplates(cfg Config, awsCfg aws.Config) (emailtask.TemplateRepository, error) {
	if cfg.Templates.Source == "dynamo" {
		return dynamotemplate.New(awsCfg, cfg.Templates.DynamoTable, cfg.Templates.DynamoEndpoint), nil
	}
	if cfg.Templates.File == "" {
		return emailtask.NewStaticTemplates(), nil
	}
	return emailtask.LoadStaticTemplatesFile(cfg.Templates.File)
}

func openPublisher(ctx context.Context, cfg Config, logger *slog.Logger) (notifyflow.Publisher, func(), error) {
	switch cfg.Broker.Driver {
	case "kafka":
		p, err := kafkapub.New(kafkapub.Config{
			Brokers:     cfg.Broker.Kafka.Brokers,
			Topic:       cfg.Broker.Kafka.Topic,
			TopicPrefix: cfg.Broker.Kafka.TopicPrefix,
			Timeout:     cfg.Broker.Timeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return p, closer(p), nil
	case "nats":
		p, err := natspub.Connect(ctx, natspub.Config{
			URL:           cfg.Broker.NATS.URL,
			Stream:        cfg.Broker.NATS.Stream,
			SubjectPrefix: cfg.Broker.NATS.SubjectPrefix,
			Timeout:       cfg.Broker.Timeout,
		}, func(format string, args ...any) {
			logger.Warn(fmt.Sprintf(format, args...))
		})
		if err != nil {
			return nil, nil, err
		}
		return p, closer(p), nil
	}
	return logPublisher{l: logger}, func() {}, nil
}

func closer(c io.Closer) func() {
	return func() { _ = c.Close() }
}
