package clictl

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/malbeclabs/loadctl/internal/control"
	"github.com/malbeclabs/loadctl/internal/domain"
)

func newLoaderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loader",
		Short: "Manage loader versions",
	}
	cmd.AddCommand(
		newLoaderListCmd(),
		newLoaderGetCmd(),
		newLoaderCreateDraftCmd(),
		newLoaderUpdateDraftCmd(),
		newLoaderSubmitCmd(),
		newLoaderApproveCmd(),
		newLoaderRejectCmd(),
		newLoaderPauseCmd(),
		newLoaderResumeCmd(),
		newLoaderRunNowCmd(),
		newLoaderHistoryCmd(),
		newLoaderExecutionsCmd(),
	)
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newLoaderListCmd() *cobra.Command {
	var status string
	var enabledOnly bool
	var search string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active loaders",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := connect(cmd)
			if err != nil {
				return err
			}
			defer deps.cleanup()

			views, err := deps.svc.ListLoaders(cmd.Context(), control.Filter{
				Status:      domain.VersionStatus(status),
				EnabledOnly: enabledOnly,
				Search:      search,
			})
			if err != nil {
				return err
			}
			return printJSON(views)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by version_status")
	cmd.Flags().BoolVar(&enabledOnly, "enabled-only", false, "only show enabled loaders")
	cmd.Flags().StringVar(&search, "search", "", "filter by entity_code substring")
	return cmd
}

func newLoaderGetCmd() *cobra.Command {
	var includeDraft bool
	cmd := &cobra.Command{
		Use:   "get <entity_code>",
		Short: "Get a loader's current projection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := connect(cmd)
			if err != nil {
				return err
			}
			defer deps.cleanup()

			view, err := deps.svc.GetLoader(cmd.Context(), args[0], includeDraft)
			if err != nil {
				return err
			}
			return printJSON(view)
		},
	}
	cmd.Flags().BoolVar(&includeDraft, "include-draft", false, "fall back to the draft projection when no ACTIVE row exists")
	return cmd
}

func newLoaderCreateDraftCmd() *cobra.Command {
	var req control.CreateDraftRequest
	cmd := &cobra.Command{
		Use:   "create-draft <entity_code>",
		Short: "Create a new DRAFT version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := connect(cmd)
			if err != nil {
				return err
			}
			defer deps.cleanup()

			req.EntityCode = args[0]
			draft, err := deps.svc.CreateDraft(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(draft)
		},
	}
	cmd.Flags().StringVar(&req.SourceDBRef, "source-db-ref", "", "source_code this loader reads from")
	cmd.Flags().Int64Var(&req.MinIntervalSeconds, "min-interval-seconds", 0, "minimum seconds between runs")
	cmd.Flags().Int64Var(&req.MaxIntervalSeconds, "max-interval-seconds", 0, "maximum seconds between runs")
	cmd.Flags().Int64Var(&req.MaxQueryPeriodSeconds, "max-query-period-seconds", 0, "maximum per-invocation query window")
	cmd.Flags().IntVar(&req.MaxParallelExecutions, "max-parallel-executions", 1, "maximum concurrent RUNNING executions for this entity_code")
	cmd.Flags().IntVar(&req.SourceTimezoneOffsetHours, "source-timezone-offset-hours", 0, "source database's UTC offset in hours")
	purgeStrategy := cmd.Flags().String("purge-strategy", string(domain.PurgeStrategyFailOnDuplicate), "FAIL_ON_DUPLICATE, PURGE_AND_RELOAD, or SKIP_DUPLICATES")
	cmd.Flags().StringVar(&req.ChangeType, "change-type", "", "free-form change classification")
	cmd.Flags().StringVar(&req.ChangeSummary, "change-summary", "", "human-readable summary of this version")
	cmd.Flags().StringVar(&req.ImportLabel, "import-label", "", "label identifying a bulk import batch")
	cmd.Flags().StringVar(&req.User, "user", "", "acting user")
	sqlFile := cmd.Flags().String("sql-file", "", "path to the plaintext SQL to store as sql_text (not re-encrypted; wire a real KMS before production use)")

	origRunE := cmd.RunE
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		req.PurgeStrategy = domain.PurgeStrategy(*purgeStrategy)
		if *sqlFile != "" {
			b, err := os.ReadFile(*sqlFile)
			if err != nil {
				return fmt.Errorf("read sql file: %w", err)
			}
			req.SQLText = domain.EncryptedSQL(b)
		}
		return origRunE(cmd, args)
	}
	return cmd
}

func newLoaderUpdateDraftCmd() *cobra.Command {
	var user string
	var sourceDBRef, changeSummary, purgeStrategy string
	var minInterval, maxInterval, maxQueryPeriod int64
	var maxParallel int
	var sourceTZOffset int
	var sqlFile string
	var setSourceDBRef, setChangeSummary, setPurgeStrategy, setMinInterval, setMaxInterval, setMaxQueryPeriod, setMaxParallel, setSourceTZOffset bool

	cmd := &cobra.Command{
		Use:   "update-draft <entity_code>",
		Short: "Update the mutable fields of the current DRAFT",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := connect(cmd)
			if err != nil {
				return err
			}
			defer deps.cleanup()

			req := control.UpdateDraftRequest{User: user}
			if setSourceDBRef {
				req.SourceDBRef = &sourceDBRef
			}
			if setChangeSummary {
				req.ChangeSummary = &changeSummary
			}
			if setPurgeStrategy {
				ps := domain.PurgeStrategy(purgeStrategy)
				req.PurgeStrategy = &ps
			}
			if setMinInterval {
				req.MinIntervalSeconds = &minInterval
			}
			if setMaxInterval {
				req.MaxIntervalSeconds = &maxInterval
			}
			if setMaxQueryPeriod {
				req.MaxQueryPeriodSeconds = &maxQueryPeriod
			}
			if setMaxParallel {
				req.MaxParallelExecutions = &maxParallel
			}
			if setSourceTZOffset {
				req.SourceTimezoneOffsetHours = &sourceTZOffset
			}
			if sqlFile != "" {
				b, err := os.ReadFile(sqlFile)
				if err != nil {
					return fmt.Errorf("read sql file: %w", err)
				}
				req.SQLText = domain.EncryptedSQL(b)
			}

			l, err := deps.svc.UpdateDraft(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			return printJSON(l)
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "acting user")
	cmd.Flags().StringVar(&sqlFile, "sql-file", "", "path to replacement plaintext SQL")

	cmd.Flags().StringVar(&sourceDBRef, "source-db-ref", "", "new source_code")
	cmd.Flags().StringVar(&changeSummary, "change-summary", "", "new change summary")
	cmd.Flags().StringVar(&purgeStrategy, "purge-strategy", "", "new purge strategy")
	cmd.Flags().Int64Var(&minInterval, "min-interval-seconds", 0, "new minimum interval")
	cmd.Flags().Int64Var(&maxInterval, "max-interval-seconds", 0, "new maximum interval")
	cmd.Flags().Int64Var(&maxQueryPeriod, "max-query-period-seconds", 0, "new max query period")
	cmd.Flags().IntVar(&maxParallel, "max-parallel-executions", 0, "new parallelism cap")
	cmd.Flags().IntVar(&sourceTZOffset, "source-timezone-offset-hours", 0, "new source timezone offset")

	origRunE := cmd.RunE
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		setSourceDBRef = cmd.Flags().Changed("source-db-ref")
		setChangeSummary = cmd.Flags().Changed("change-summary")
		setPurgeStrategy = cmd.Flags().Changed("purge-strategy")
		setMinInterval = cmd.Flags().Changed("min-interval-seconds")
		setMaxInterval = cmd.Flags().Changed("max-interval-seconds")
		setMaxQueryPeriod = cmd.Flags().Changed("max-query-period-seconds")
		setMaxParallel = cmd.Flags().Changed("max-parallel-executions")
		setSourceTZOffset = cmd.Flags().Changed("source-timezone-offset-hours")
		return origRunE(cmd, args)
	}
	return cmd
}

func newLoaderSubmitCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "submit <entity_code>",
		Short: "Submit the DRAFT for approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := connect(cmd)
			if err != nil {
				return err
			}
			defer deps.cleanup()

			l, err := deps.svc.Submit(cmd.Context(), args[0], user)
			if err != nil {
				return err
			}
			return printJSON(l)
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "acting user")
	return cmd
}

func newLoaderApproveCmd() *cobra.Command {
	var admin, comments string
	cmd := &cobra.Command{
		Use:   "approve <entity_code>",
		Short: "Approve the PENDING_APPROVAL draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := connect(cmd)
			if err != nil {
				return err
			}
			defer deps.cleanup()

			l, err := deps.svc.Approve(cmd.Context(), args[0], admin, comments)
			if err != nil {
				return err
			}
			return printJSON(l)
		},
	}
	cmd.Flags().StringVar(&admin, "admin", "", "approving admin")
	cmd.Flags().StringVar(&comments, "comments", "", "approval comments, appended to change_summary")
	return cmd
}

func newLoaderRejectCmd() *cobra.Command {
	var admin, reason string
	cmd := &cobra.Command{
		Use:   "reject <entity_code>",
		Short: "Reject the PENDING_APPROVAL draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := connect(cmd)
			if err != nil {
				return err
			}
			defer deps.cleanup()

			l, err := deps.svc.Reject(cmd.Context(), args[0], admin, reason)
			if err != nil {
				return err
			}
			return printJSON(l)
		},
	}
	cmd.Flags().StringVar(&admin, "admin", "", "rejecting admin")
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason (required)")
	return cmd
}

func newLoaderPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <entity_code>",
		Short: "Disable the ACTIVE loader",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := connect(cmd)
			if err != nil {
				return err
			}
			defer deps.cleanup()
			return deps.svc.Pause(cmd.Context(), args[0])
		},
	}
}

func newLoaderResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <entity_code>",
		Short: "Re-enable the ACTIVE loader",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := connect(cmd)
			if err != nil {
				return err
			}
			defer deps.cleanup()
			return deps.svc.Resume(cmd.Context(), args[0])
		},
	}
}

func newLoaderRunNowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-now <entity_code>",
		Short: "Trigger an immediate, out-of-cadence execution and wait for it to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := connect(cmd)
			if err != nil {
				return err
			}
			defer deps.cleanup()

			if err := deps.svc.RunNow(cmd.Context(), args[0]); err != nil {
				return err
			}
			deps.sched.Drain()
			fmt.Println("run-now complete:", args[0])
			return nil
		},
	}
}

func newLoaderHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <entity_code>",
		Short: "List archived versions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := connect(cmd)
			if err != nil {
				return err
			}
			defer deps.cleanup()

			history, err := deps.svc.ListHistory(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(history)
		},
	}
}

func newLoaderExecutionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "executions <entity_code>",
		Short: "List recent execution_log rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := connect(cmd)
			if err != nil {
				return err
			}
			defer deps.cleanup()

			execs, err := deps.svc.ListExecutions(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(execs)
		},
	}
}
