package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/d365-sync/internal/core/domain"
	"github.com/custodia-labs/d365-sync/internal/core/ports/driving"
	"github.com/custodia-labs/d365-sync/internal/logger"
)

// annotationStandalone marks commands that run without services.
const annotationStandalone = "standalone"

var (
	// Version is set by goreleaser ldflags.
	version = "dev"

	// Global flags.
	verbose    bool
	configPath string
	jsonOutput bool

	// Services holds injected service implementations for CLI commands.
	environmentService driving.EnvironmentService
	syncOrchestrator   driving.SyncOrchestrator
	mcpServer          Runner
	scheduler          Runner
	watchConfig        WatchFunc
	settings           domain.Settings
	closeServices      func() error

	bootstrap BootstrapFunc
)

// Runner is a long-running component such as the MCP server or scheduler.
type Runner interface {
	Run(ctx context.Context) error
}

// WatchFunc watches the configuration and reports changed settings.
type WatchFunc func(ctx context.Context, onChange func(domain.Settings)) error

// Services holds configuration for CLI commands.
type Services struct {
	Environment driving.EnvironmentService
	Sync        driving.SyncOrchestrator
	MCP         Runner
	Scheduler   Runner
	Watch       WatchFunc
	Settings    domain.Settings
	// Close releases stores and sinks once the command finishes.
	Close func() error
}

// BootstrapFunc builds services from the config file at path.
type BootstrapFunc func(ctx context.Context, path string) (*Services, error)

// SetServices injects service implementations for CLI commands.
func SetServices(s *Services) {
	if s == nil {
		return
	}
	environmentService = s.Environment
	syncOrchestrator = s.Sync
	mcpServer = s.MCP
	scheduler = s.Scheduler
	watchConfig = s.Watch
	settings = s.Settings
	closeServices = s.Close
}

// SetBootstrap registers the function that builds services on first use.
func SetBootstrap(fn BootstrapFunc) {
	bootstrap = fn
}

// rootCmd is the base command.
var rootCmd = &cobra.Command{
	Use:   "d365sync",
	Short: "Sync Dynamics 365 entities over OData",
	Long: `d365sync pulls entity data from Dynamics 365 (Dataverse and Finance & Operations)
over the OData v4 API. It runs full loads and change-tracked delta passes, keeps a
durable cursor per entity, and delivers typed records to a sink.

It also serves read-only access to the environment as MCP tools.`,
	SilenceUsage: true,
}

// Execute runs the root command and releases services afterwards.
func Execute(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	if cerr := shutdown(); err == nil {
		err = cerr
	}
	return err
}

// SetVersion sets the version string for the CLI.
func SetVersion(v string) {
	version = v
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose debug output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $D365_CONFIG or ~/.d365sync/config.toml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print machine readable JSON")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		logger.SetVerbose(verbose)
		if cmd.Annotations[annotationStandalone] == "true" {
			return nil
		}
		return ensureServices(cmd.Context())
	}
}

// shutdown runs the Close hook of bootstrapped services once.
func shutdown() error {
	if closeServices == nil {
		return nil
	}
	fn := closeServices
	closeServices = nil
	return fn()
}

// ensureServices bootstraps services unless they were injected.
func ensureServices(ctx context.Context) error {
	if environmentService != nil {
		return nil
	}
	if bootstrap == nil {
		return errors.New("services not configured")
	}
	s, err := bootstrap(ctx, configPath)
	if err != nil {
		return err
	}
	SetServices(s)
	return nil
}

func requireSync() error {
	if syncOrchestrator == nil {
		return errors.New("sync orchestrator not configured")
	}
	return nil
}
