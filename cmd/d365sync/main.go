package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/custodia-labs/d365-sync/internal/adapters/driven/config/file"
	"github.com/custodia-labs/d365-sync/internal/adapters/driven/sink"
	"github.com/custodia-labs/d365-sync/internal/adapters/driven/storage"
	"github.com/custodia-labs/d365-sync/internal/adapters/driven/storage/postgres"
	"github.com/custodia-labs/d365-sync/internal/adapters/driven/storage/sqlite"
	"github.com/custodia-labs/d365-sync/internal/adapters/driving/cli"
	"github.com/custodia-labs/d365-sync/internal/adapters/driving/mcpserver"
	"github.com/custodia-labs/d365-sync/internal/connectors/dynamics"
	"github.com/custodia-labs/d365-sync/internal/connectors/microsoft"
	"github.com/custodia-labs/d365-sync/internal/core/domain"
	"github.com/custodia-labs/d365-sync/internal/core/services"
	"github.com/custodia-labs/d365-sync/internal/logger"
	"github.com/custodia-labs/d365-sync/internal/normalisers"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cli.SetVersion(version)
	cli.SetBootstrap(bootstrap)

	if err := cli.Execute(ctx); err != nil {
		return 1
	}
	return 0
}

// bootstrap wires every service from the config file at path.
//
//nolint:funlen // sequential setup of all dependencies
func bootstrap(ctx context.Context, path string) (*cli.Services, error) {
	if path == "" {
		p, err := file.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	settings, err := file.Load(path)
	if err != nil {
		return nil, err
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	logger.SetLevel(settings.LogLevel)
	logger.SetFormat(settings.LogFormat)

	secret, err := microsoft.ResolveSecret(settings.Credential.SecretRef)
	if err != nil {
		return nil, err
	}
	resource, err := microsoft.ResourceFromEndpoint(settings.Endpoint)
	if err != nil {
		return nil, err
	}
	policy := microsoft.RetryPolicyFromSettings(settings)
	tokens, err := microsoft.NewClientCredentialsProvider(microsoft.TokenProviderConfig{
		Credential:    settings.Credential,
		Secret:        secret,
		Resource:      resource,
		AuthorityHost: settings.AuthorityHost,
		Policy:        policy,
	})
	if err != nil {
		return nil, err
	}
	client := dynamics.New(dynamics.ConfigFromSettings(settings), tokens, dynamics.WithRetryPolicy(policy))

	store, err := openStore(ctx, settings.Store)
	if err != nil {
		return nil, err
	}

	dataDir, err := file.DataDir()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	recordSink, err := sink.New(settings.Sink, dataDir)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	transformer := normalisers.NewRegistry()
	environment := settings.EnvironmentName()

	tracker := services.NewDeltaTracker(store, environment)
	orchestrator := services.NewOrchestrator(
		client, tracker, recordSink, transformer,
		services.OrchestratorConfigFromSettings(settings),
	)
	envService := services.NewEnvironmentService(client, transformer, orchestrator, services.EnvironmentConfig{
		Environment: environment,
		PageSize:    settings.PageSize,
		Concurrency: settings.Concurrency,
	})
	scheduler := services.NewScheduler(orchestrator, settings.Interval, logReport)

	return &cli.Services{
		Environment: envService,
		Sync:        orchestrator,
		MCP:         mcpserver.New(envService, orchestrator, version),
		Scheduler:   scheduler,
		Watch: func(ctx context.Context, onChange func(domain.Settings)) error {
			return file.Watch(ctx, path, onChange)
		},
		Settings: settings,
		Close: func() error {
			return errors.Join(recordSink.Close(), store.Close())
		},
	}, nil
}

func openStore(ctx context.Context, s domain.StoreSettings) (*storage.Store, error) {
	switch s.Driver {
	case domain.StoreDriverPostgres:
		return postgres.Open(ctx, postgres.LoadConfig(s.DatabaseURL))
	default:
		return sqlite.Open(ctx, s.Path)
	}
}

func logReport(report *domain.SyncReport) {
	if report == nil {
		return
	}
	if n := report.Failed(); n > 0 {
		logger.Warn("sync: run %s: %d of %d entities failed", report.RunID, n, len(report.Results))
		return
	}
	logger.Info("sync: run %s finished, %d entities in %s",
		report.RunID, len(report.Results), report.FinishedAt.Sub(report.StartedAt))
}
