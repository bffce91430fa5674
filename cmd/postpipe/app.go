package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"post_pipeline/internal/classifier"
	"post_pipeline/internal/config"
	"post_pipeline/internal/domain"
	"post_pipeline/internal/publisher"
	"post_pipeline/internal/service"
	"post_pipeline/internal/source/instagram"
	"post_pipeline/internal/storage/postgres"
)

type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	db        *sqlx.DB
	posts     *postgres.PostStore
	profiles  *postgres.ProfileStateStore
	engine    *classifier.Engine
	pipeline  *service.Pipeline
	publisher *publisher.RabbitMQ
}

func connectDB(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("%w: connect to database: %w", domain.ErrStore, err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping database: %w", domain.ErrStore, err)
	}
	logger.Info("connected to database", "host", cfg.Host, "dbname", cfg.DBName)
	return db, nil
}

// newApp wires every pipeline component from cfg.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := connectDB(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		posts:    postgres.NewPostStore(db),
		profiles: postgres.NewProfileStateStore(db),
	}

	model, err := classifier.NewOpenAIModel(cfg.LLM)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("%w: %w", domain.ErrConfiguration, err)
	}
	generator := classifier.NewLLMGenerator(model, cfg.LLM.Temperature, cfg.Classifier.Retry, logger)
	throttle := classifier.NewThrottle(cfg.Classifier.MinInterval, cfg.Classifier.Burst)
	a.engine = classifier.NewEngine(generator, throttle, cfg.Classifier.MaxCaptionChars, logger)

	var pub service.Publisher
	if cfg.RabbitMQ.Enabled {
		a.publisher, err = publisher.NewRabbitMQ(publisher.Config{
			URL:        cfg.RabbitMQ.URL,
			Exchange:   cfg.RabbitMQ.Exchange,
			RoutingKey: cfg.RabbitMQ.RoutingKey,
			QueueName:  cfg.RabbitMQ.QueueName,
		}, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		pub = a.publisher
	}

	var lock service.RunLock
	if cfg.Pipeline.RunLock {
		lock = postgres.NewRunLock(db)
	}

	source := instagram.New(instagram.Config{
		BaseURL:        cfg.Instagram.BaseURL,
		WebURL:         cfg.Instagram.WebURL,
		AppID:          cfg.Instagram.AppID,
		UserAgent:      cfg.Instagram.UserAgent,
		SessionFile:    cfg.Instagram.SessionFile,
		Username:       cfg.Instagram.Username,
		Password:       cfg.Instagram.Password,
		PageSize:       cfg.Instagram.PageSize,
		MaxPosts:       cfg.Instagram.MaxPosts,
		Timeout:        cfg.Instagram.Timeout,
		MaxAttempts:    cfg.Instagram.Retry.MaxAttempts,
		InitialBackoff: cfg.Instagram.Retry.InitialBackoff,
		MaxBackoff:     cfg.Instagram.Retry.MaxBackoff,
	}, logger)

	a.pipeline = service.NewPipeline(
		source,
		a.posts,
		a.profiles,
		postgres.NewTransactionManager(db),
		lock,
		a.engine,
		pub,
		logger,
		cfg.Pipeline,
	)

	return a, nil
}

func (a *app) Close() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("failed to close publisher", "error", err)
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}
