package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/d365-sync/internal/core/domain"
	"github.com/custodia-labs/d365-sync/internal/logger"
)

var syncCmd = &cobra.Command{
	Use:   "sync [entity...]",
	Short: "Run one sync pass",
	Long: `Run one sync pass for the given entities, or for every configured entity.

Entities without a baseline run a full load. Entities with a cursor pull
changes only. The command fails if any entity failed.`,
	RunE: runSync,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Sync configured entities on an interval",
	Long: `Run sync passes for every configured entity until interrupted.

Changes to the entity list in the config file are picked up without a restart.`,
	Args: cobra.NoArgs,
	RunE: runScheduler,
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and reset sync state",
}

var stateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the persisted sync state of every entity",
	Args:  cobra.NoArgs,
	RunE:  runStateList,
}

var stateResetCmd = &cobra.Command{
	Use:   "reset <entity>",
	Short: "Drop an entity's cursor so the next pass runs a full load",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateReset,
}

func init() {
	stateCmd.AddCommand(stateListCmd)
	stateCmd.AddCommand(stateResetCmd)

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(stateCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	if err := requireSync(); err != nil {
		return err
	}
	ctx := cmd.Context()

	var report *domain.SyncReport
	if len(args) == 0 {
		r, err := syncOrchestrator.SyncAll(ctx)
		if err != nil {
			return err
		}
		report = r
	} else {
		report = &domain.SyncReport{StartedAt: time.Now().UTC()}
		for _, entity := range args {
			res, err := syncOrchestrator.Sync(ctx, entity)
			if err != nil {
				logger.Debug("sync: %s: %v", entity, err)
			}
			report.Results = append(report.Results, res)
		}
		report.FinishedAt = time.Now().UTC()
	}

	if jsonOutput {
		if err := printJSON(cmd, report); err != nil {
			return err
		}
	} else {
		printReport(cmd, report)
	}

	if n := report.Failed(); n > 0 {
		return fmt.Errorf("%d of %d entities failed", n, len(report.Results))
	}
	return nil
}

func printReport(cmd *cobra.Command, report *domain.SyncReport) {
	rows := make([][]string, 0, len(report.Results))
	for _, res := range report.Results {
		detail := ""
		switch {
		case res.Error != nil:
			detail = res.Error.Message
		case res.ResumeAt != nil:
			detail = "resume at " + res.ResumeAt.Format(time.RFC3339)
		case res.More:
			detail = "more pages pending"
		}
		rows = append(rows, []string{
			res.Entity,
			statusText(cmd, res.Status),
			string(res.Mode),
			strconv.Itoa(res.Pages),
			strconv.Itoa(res.Records),
			strconv.Itoa(res.Warnings),
			res.Duration.Round(time.Millisecond).String(),
			detail,
		})
	}
	printTable(cmd, []string{"ENTITY", "STATUS", "MODE", "PAGES", "RECORDS", "WARNINGS", "DURATION", "DETAIL"}, rows)
}

func statusText(cmd *cobra.Command, s domain.EntityStatus) string {
	switch s {
	case domain.StatusSynced:
		return status(cmd, string(s), okStyle)
	case domain.StatusFailed:
		return status(cmd, string(s), errStyle)
	case domain.StatusSkipped, domain.StatusBackoff, domain.StatusInvalidated, domain.StatusCancelled:
		return status(cmd, string(s), warnStyle)
	default:
		return string(s)
	}
}

func runScheduler(cmd *cobra.Command, _ []string) error {
	if err := requireSync(); err != nil {
		return err
	}
	if scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	ctx := cmd.Context()

	if watchConfig != nil {
		go func() {
			err := watchConfig(ctx, func(s domain.Settings) {
				logger.Info("config: entities now %v", s.Entities)
				syncOrchestrator.SetEntities(s.Entities)
			})
			if err != nil {
				logger.Warn("config: watch stopped: %v", err)
			}
		}()
	}

	logger.Info("sync: running every %s for %d entities", settings.Interval, len(syncOrchestrator.Entities()))
	return scheduler.Run(ctx)
}

func runStateList(cmd *cobra.Command, _ []string) error {
	if err := requireSync(); err != nil {
		return err
	}
	states, err := syncOrchestrator.Status(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd, states)
	}

	rows := make([][]string, 0, len(states))
	for _, st := range states {
		last := "never"
		if st.LastSuccessAt != nil {
			last = st.LastSuccessAt.Format(time.RFC3339)
		}
		rows = append(rows, []string{
			st.Entity,
			string(st.Mode),
			st.Cursor.String(),
			last,
			strconv.FormatInt(st.RecordsSynced, 10),
			strconv.Itoa(st.ConsecutiveFailures),
			st.LastError,
		})
	}
	printTable(cmd, []string{"ENTITY", "MODE", "CURSOR", "LAST SUCCESS", "RECORDS", "FAILURES", "LAST ERROR"}, rows)
	return nil
}

func runStateReset(cmd *cobra.Command, args []string) error {
	if err := requireSync(); err != nil {
		return err
	}
	if err := syncOrchestrator.Reset(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Reset %s; the next pass runs a full load\n", args[0])
	return nil
}
