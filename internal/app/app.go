// Package app wires together the fittransfer pipeline's collaborators:
// configuration, logging, the durable state store, the encrypted credential
// store, the vendor client factory, and the transfer services themselves
// (spec.md §4, §6, §9 "global singleton worker").
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/bobmcallan/fittransfer/internal/clients/vendor"
	"github.com/bobmcallan/fittransfer/internal/common"
	"github.com/bobmcallan/fittransfer/internal/interfaces"
	"github.com/bobmcallan/fittransfer/internal/secrets"
	"github.com/bobmcallan/fittransfer/internal/storage/statestore"
	"github.com/bobmcallan/fittransfer/internal/transfer"
)

// App holds the constructed, ready-to-run collaborators for one process.
type App struct {
	Config *common.Config
	Logger *common.Logger

	Store   *statestore.Store
	Secrets interfaces.SecretStore
	Factory interfaces.ClientFactory

	Renderer     *transfer.TemplateRenderer
	Settings     *transfer.SettingsService
	Probe        *transfer.DuplicateProbe
	Worker       *transfer.Worker
	Orchestrator *transfer.Orchestrator

	StartupTime time.Time
}

// NewApp constructs an App from the config file at configPath (or defaults
// if empty/absent), wiring every collaborator spec.md §4's pipeline needs.
func NewApp(configPath string) (*App, error) {
	paths := []string{configPath}
	if envPath := os.Getenv("FITTRANSFER_CONFIG"); envPath != "" {
		paths = append(paths, envPath)
	}
	config, err := common.LoadConfig(paths...)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := common.NewLogger(config.Logging.Level)

	if err := os.MkdirAll(config.Storage.CachePath, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	store, err := statestore.Open(config.Storage.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	encryptionKey := os.Getenv("ENCRYPTION_KEY")
	if encryptionKey == "" {
		encryptionKey = "fittransfer-dev-key-change-in-production"
		logger.Warn().Msg("ENCRYPTION_KEY not set; using an insecure development default")
	}
	secretStore, err := secrets.New(store.DB(), encryptionKey)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init secret store: %w", err)
	}

	factory := vendor.NewFactory(
		vendor.EndpointConfig{
			BaseURL:   config.Clients.Source.BaseURL,
			RateLimit: config.Clients.Source.RateLimit,
			Timeout:   int(config.Clients.Source.GetTimeout().Seconds()),
		},
		vendor.EndpointConfig{
			BaseURL:   config.Clients.Sink.BaseURL,
			RateLimit: config.Clients.Sink.RateLimit,
			Timeout:   int(config.Clients.Sink.GetTimeout().Seconds()),
		},
		logger,
	)

	renderer := transfer.NewTemplateRenderer(logger)
	settingsSvc := transfer.NewSettingsService(store, renderer, logger)
	probe := transfer.NewDuplicateProbe(
		int(config.Transfer.GetDuplicateWindow().Seconds()),
		config.Transfer.GetDuplicateSearchDays(),
		logger,
	)

	worker := transfer.NewWorker(
		store, factory, secretStore, settingsSvc, renderer, probe,
		config.Storage.CachePath, config.Clients.Source.Platform, config.Clients.Sink.Platform,
		logger,
	)

	orchestrator := transfer.NewOrchestrator(
		store, factory, secretStore, settingsSvc,
		config.Clients.Source.Platform, config.Clients.Sink.Platform,
		logger,
	)

	return &App{
		Config:       config,
		Logger:       logger,
		Store:        store,
		Secrets:      secretStore,
		Factory:      factory,
		Renderer:     renderer,
		Settings:     settingsSvc,
		Probe:        probe,
		Worker:       worker,
		Orchestrator: orchestrator,
		StartupTime:  time.Now().UTC(),
	}, nil
}

// StartWorker launches the background driver loop (spec.md §5, §9).
func (a *App) StartWorker() {
	a.Worker.Start()
}

// Close releases the state store's database handle. The worker should be
// stopped by the caller before Close, since the worker and the store share
// the same SQLite handle.
func (a *App) Close() error {
	return a.Store.Close()
}

// SetAccount stores an encrypted credential pair for a platform role,
// implementing the PUT /accounts/{platform} supplement (spec.md §4.6 /
// original_source credential-management surface).
func (a *App) SetAccount(ctx context.Context, platform, role, email, password string) error {
	return a.Secrets.Set(ctx, platform, role, email, password)
}
