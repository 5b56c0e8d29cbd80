package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/d365-sync/internal/adapters/driven/config/file"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the environment as MCP tools over stdio",
	Long: `Serve read-only MCP tools over stdin/stdout:

  list_entities, get_entity_schema, get_metadata, query_entity, get_record,
  get_environment_info, refresh_metadata, get_sync_state

Logs go to stderr so the protocol stream stays clean.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:         "version",
	Short:       "Print the version",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{annotationStandalone: "true"},
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "d365sync %s\n", version)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the config file",
}

var configInitCmd = &cobra.Command{
	Use:         "init",
	Short:       "Write a config template",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{annotationStandalone: "true"},
	RunE:        runConfigInit,
}

func init() {
	configCmd.AddCommand(configInitCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	if mcpServer == nil {
		return errors.New("mcp server not configured")
	}
	return mcpServer.Run(cmd.Context())
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	path := configPath
	if path == "" {
		p, err := file.DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}
	if err := file.WriteTemplate(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}
