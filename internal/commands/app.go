package commands

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jask/moneysync/internal/aggregator"
	"github.com/jask/moneysync/internal/apperr"
	"github.com/jask/moneysync/internal/classify"
	"github.com/jask/moneysync/internal/config"
	"github.com/jask/moneysync/internal/database"
	"github.com/jask/moneysync/internal/database/repository"
	"github.com/jask/moneysync/internal/demo"
	"github.com/jask/moneysync/internal/logging"
	"github.com/jask/moneysync/internal/metrics"
	"github.com/jask/moneysync/internal/secrets"
	"github.com/jask/moneysync/internal/service"
)

const flushTimeout = 30 * time.Second

// app is everything a command needs, opened from config.
type app struct {
	cfg     config.Config
	log     *logrus.Logger
	db      *sql.DB
	metrics *metrics.Metrics
	orch    *service.Orchestrator
}

func loadConfig(opts *rootOptions) (config.Config, error) {
	path := opts.configPath
	if path == "" {
		path = os.Getenv("MONEYSYNC_CONFIG")
	}
	return config.LoadFrom(path)
}

func secretStore(opts *rootOptions) (*secrets.Store, error) {
	path := opts.secretsPath
	if path == "" {
		p, err := secrets.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return secrets.NewStore(path), nil
}

// openDB migrates and opens the configured database.
func openDB(cfg config.Config) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}
	if err := database.RunMigrations(cfg.Database.Path); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return db, nil
}

func openApp(cmd *cobra.Command, opts *rootOptions) (*app, error) {
	ctx := cmd.Context()
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	log := logging.NewWithOutput(cfg.Log, cmd.ErrOrStderr())

	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, db: db, metrics: metrics.New()}

	client, err := a.aggregatorClient(ctx, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	deps := service.Deps{DB: db, Client: client, Config: cfg, Log: log, Metrics: a.metrics}
	if cfg.Classifier.Enabled {
		deps.Classifier = classify.NewHeuristicClassifier(cfg.Classifier.Timeout)
		deps.Categories = classify.DefaultCategories
		if path, err := classify.CategoriesPath(); err == nil {
			if cats, err := classify.LoadCategories(path); err == nil {
				deps.Categories = cats
			} else {
				log.WithError(err).Warn("categories file unreadable, using defaults")
			}
		}
	}
	orch, err := service.NewOrchestrator(deps)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	orch.Start(ctx)
	a.orch = orch
	return a, nil
}

func (a *app) aggregatorClient(ctx context.Context, opts *rootOptions) (aggregator.Client, error) {
	switch strings.ToLower(strings.TrimSpace(a.cfg.Aggregator.Provider)) {
	case "demo":
		now := time.Now()
		repos := demo.Repos{
			Accounts:    repository.NewAccountRepo(a.db),
			Orders:      repository.NewOrderRepo(a.db),
			Recurring:   repository.NewRecurringRepo(a.db),
			IgnoreRules: repository.NewIgnoreRuleRepo(a.db),
		}
		if err := demo.Seed(ctx, repos, now); err != nil {
			return nil, fmt.Errorf("seed demo data: %w", err)
		}
		return demo.NewClient(a.cfg.Aggregator.PageSize, now), nil
	case "http", "":
		store, err := secretStore(opts)
		if err != nil {
			a.log.WithError(err).Warn("secret store unavailable")
		}
		client, err := aggregator.NewHTTPClient(aggregator.HTTPConfig{
			BaseURL:           a.cfg.Aggregator.BaseURL,
			ClientID:          a.cfg.Aggregator.ClientID,
			Secret:            secrets.ResolveAggregatorSecret(a.cfg.Aggregator, store),
			Timeout:           a.cfg.Aggregator.Timeout,
			RequestsPerSecond: a.cfg.Aggregator.RequestsPerSecond,
		})
		if errors.Is(err, aggregator.ErrNotConfigured) {
			return nil, apperr.Wrap(apperr.CodeValidation, err, "aggregator.client_id and a secret are required (or set aggregator.provider = \"demo\")")
		}
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	return nil, apperr.New(apperr.CodeValidation, "unknown aggregator provider %q", a.cfg.Aggregator.Provider)
}

// Close lets queued syncs and background categorization finish, then releases the db.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := a.orch.Flush(ctx); err != nil {
		a.log.WithError(err).Warn("background work did not finish")
	}
	a.orch.Close()
	_ = a.db.Close()
}
