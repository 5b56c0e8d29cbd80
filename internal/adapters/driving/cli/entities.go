package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/d365-sync/internal/core/domain"
)

var entitiesCmd = &cobra.Command{
	Use:   "entities",
	Short: "List entity sets published in $metadata",
	Args:  cobra.NoArgs,
	RunE:  runEntities,
}

var schemaCmd = &cobra.Command{
	Use:   "schema <entity>",
	Short: "Show the schema of an entity",
	Long: `Show key fields, typed fields and navigation properties of an entity.

The entity may be named by entity set name, entity type name, or a prefix.
Entities missing from $metadata are described from a sample record.`,
	Args: cobra.ExactArgs(1),
	RunE: runSchema,
}

var metadataCmd = &cobra.Command{
	Use:   "metadata <entity>",
	Short: "Print the compact $metadata summary of an entity",
	Args:  cobra.ExactArgs(1),
	RunE:  runMetadata,
}

var queryCmd = &cobra.Command{
	Use:   "query <entity>",
	Short: "Query one page of an entity",
	Long: `Query an entity set and print one page of raw records.

Examples:
  d365sync query accounts --select name,revenue --filter "revenue gt 1000000" --top 10
  d365sync query CustomersV3 --filter "dataAreaId eq 'usmf'" --count`,
	Args: cobra.ExactArgs(1),
	RunE: runQuery,
}

var recordCmd = &cobra.Command{
	Use:   "record <entity> <id> [id...]",
	Short: "Fetch records by key in canonical form",
	Long: `Fetch one or more records by key. Several ids are fetched in a single $batch.

Composite keys are given as predicates:
  d365sync record CustomersV3 "dataAreaId='usmf',CustomerAccount='US-001'"`,
	Args: cobra.MinimumNArgs(2),
	RunE: runRecord,
}

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Describe the configured environment",
	Args:  cobra.NoArgs,
	RunE:  runEnv,
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Re-fetch and re-parse $metadata",
	Args:  cobra.NoArgs,
	RunE:  runRefresh,
}

// Flags for query.
var (
	querySelect         string
	queryFilter         string
	queryOrderBy        string
	queryTop            int
	querySkip           int
	queryExpand         string
	queryCount          bool
	queryNoCrossCompany bool
)

func init() {
	queryCmd.Flags().StringVar(&querySelect, "select", "", "comma separated fields")
	queryCmd.Flags().StringVar(&queryFilter, "filter", "", "OData $filter expression")
	queryCmd.Flags().StringVar(&queryOrderBy, "orderby", "", "OData $orderby expression")
	queryCmd.Flags().IntVar(&queryTop, "top", 0, "maximum records (default 50, at most 1000)")
	queryCmd.Flags().IntVar(&querySkip, "skip", 0, "records to skip")
	queryCmd.Flags().StringVar(&queryExpand, "expand", "", "comma separated navigation properties")
	queryCmd.Flags().BoolVar(&queryCount, "count", false, "include the total record count")
	queryCmd.Flags().BoolVar(&queryNoCrossCompany, "no-cross-company", false,
		"limit Finance & Operations queries to the default company")

	rootCmd.AddCommand(entitiesCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(metadataCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(envCmd)
	rootCmd.AddCommand(refreshCmd)
}

func runEntities(cmd *cobra.Command, _ []string) error {
	entities, err := environmentService.ListEntities(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd, entities)
	}

	rows := make([][]string, 0, len(entities))
	for _, e := range entities {
		configured := ""
		if e.Configured {
			configured = "yes"
		}
		rows = append(rows, []string{e.Name, e.LogicalName, strconv.FormatBool(e.SupportsChangeTracking), configured})
	}
	printTable(cmd, []string{"ENTITY SET", "ENTITY TYPE", "CHANGE TRACKING", "CONFIGURED"}, rows)
	fmt.Fprintf(cmd.OutOrStdout(), "%d entities\n", len(entities))
	return nil
}

func runSchema(cmd *cobra.Command, args []string) error {
	schema, err := environmentService.GetSchema(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd, schema)
	}

	desc := schema.Entity
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Entity set:      %s\n", desc.EntitySetName)
	fmt.Fprintf(out, "Entity type:     %s\n", desc.LogicalName)
	if schema.Sampled {
		fmt.Fprintln(out, "Source:          sampled record (not in $metadata)")
	} else {
		fmt.Fprintf(out, "Keys:            %s\n", strings.Join(desc.KeyFields, ", "))
		fmt.Fprintf(out, "Change tracking: %t\n", desc.SupportsChangeTracking)
		if desc.ModifiedField != "" {
			fmt.Fprintf(out, "Modified field:  %s\n", desc.ModifiedField)
		}
	}

	rows := make([][]string, 0, len(desc.Fields))
	for _, f := range desc.Fields {
		rows = append(rows, []string{f.Name, f.Type, strconv.FormatBool(f.Nullable)})
	}
	printTable(cmd, []string{"FIELD", "TYPE", "NULLABLE"}, rows)

	if len(desc.NavigationProperties) > 0 {
		fmt.Fprintln(out, "Navigation:")
		for _, n := range desc.NavigationProperties {
			target := n.Target
			if n.Collection {
				target = "[" + target + "]"
			}
			fmt.Fprintf(out, "  %s -> %s\n", n.Name, target)
		}
	}
	return nil
}

func runMetadata(cmd *cobra.Command, args []string) error {
	schema, err := environmentService.GetSchema(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if schema.Sampled {
		return fmt.Errorf("entity %s: %w", args[0], domain.ErrNotFound)
	}

	desc := schema.Entity
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s (%s)\n", desc.EntitySetName, desc.LogicalName)
	fmt.Fprintf(out, "keys: %s\n", strings.Join(desc.KeyFields, ", "))
	for _, f := range desc.Fields {
		required := ""
		if !f.Nullable {
			required = " (required)"
		}
		fmt.Fprintf(out, "  %s: %s%s\n", f.Name, f.Type, required)
	}
	for _, n := range desc.NavigationProperties {
		target := n.Target
		if n.Collection {
			target = "[" + target + "]"
		}
		fmt.Fprintf(out, "  %s -> %s\n", n.Name, target)
	}
	return nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	opts := domain.QueryOptions{
		Select:       domain.SplitList(querySelect),
		Filter:       queryFilter,
		OrderBy:      queryOrderBy,
		Top:          queryTop,
		Skip:         querySkip,
		Expand:       domain.SplitList(queryExpand),
		Count:        queryCount,
		CrossCompany: !queryNoCrossCompany,
	}
	res, err := environmentService.Query(cmd.Context(), args[0], opts)
	if err != nil {
		return err
	}
	return printJSON(cmd, res)
}

func runRecord(cmd *cobra.Command, args []string) error {
	entity, ids := args[0], args[1:]
	if len(ids) == 1 {
		res, err := environmentService.GetRecord(cmd.Context(), entity, ids[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	}

	results, err := environmentService.GetRecords(cmd.Context(), entity, ids)
	if err != nil {
		return err
	}
	return printJSON(cmd, results)
}

func runEnv(cmd *cobra.Command, _ []string) error {
	info, err := environmentService.GetEnvironmentInfo(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd, info)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Environment: %s\n", info.Environment)
	fmt.Fprintf(out, "Endpoint:    %s\n", info.Endpoint)
	fmt.Fprintf(out, "Product:     %s\n", info.Product)
	fmt.Fprintf(out, "Page size:   %d\n", info.PageSize)
	fmt.Fprintf(out, "Concurrency: %d\n", info.Concurrency)
	fmt.Fprintf(out, "Entities:    %s\n", strings.Join(info.ConfiguredEntities, ", "))
	if info.MetadataCached {
		fmt.Fprintf(out, "Metadata:    cached (%d bytes)\n", info.MetadataBytes)
	} else {
		fmt.Fprintln(out, "Metadata:    not loaded")
	}
	return nil
}

func runRefresh(cmd *cobra.Command, _ []string) error {
	status, err := environmentService.RefreshMetadata(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd, status)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Metadata refreshed: %d entities, %d bytes\n", status.Entities, status.Bytes)
	return nil
}
