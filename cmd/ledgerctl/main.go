// Command ledgerctl inspects a ledger database: task audits, hash checks,
// milestones, events and chain verification. It never mutates records.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"taskledger/internal/config"
	"taskledger/internal/db"
	"taskledger/pkg/audit"
	"taskledger/pkg/eventgraph"
	"taskledger/pkg/task"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ledgerctl: %v\n", err)
		os.Exit(1)
	}
}

type app struct {
	configPath  string
	databaseURL string
	format      string

	stores *db.Stores
	audit  *audit.Service
}

func rootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Inspect the task and milestone ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open(cmd.Context())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.stores != nil {
				a.stores.Close()
			}
		},
	}
	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&a.databaseURL, "database-url", "", "PostgreSQL URL (overrides config and DATABASE_URL)")
	cmd.PersistentFlags().StringVar(&a.format, "format", "json", "Output format (json, short)")

	cmd.AddCommand(a.initCmd(), a.statusCmd(), a.taskCmd(), a.projectCmd(), a.milestoneCmd(), a.eventsCmd(), a.chainCmd())
	return cmd
}

func (a *app) open(ctx context.Context) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.databaseURL != "" {
		cfg.Database.URL = a.databaseURL
		cfg.Ledger.Storage = config.StoragePostgres
	}
	if cfg.Ledger.Storage != config.StoragePostgres {
		return fmt.Errorf("no database configured: set DATABASE_URL or --database-url")
	}
	if a.stores, err = db.Open(ctx, cfg); err != nil {
		return err
	}
	a.audit = audit.New(a.stores.Tasks, a.stores.Milestones, a.stores.Events)
	return nil
}

func (a *app) short() bool { return a.format == "short" }

func (a *app) initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create database tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// db.Open already ensured the schema.
			fmt.Fprintln(cmd.OutOrStdout(), "Tables initialized.")
			return nil
		},
	}
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show ledger summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			events, err := a.stores.Events.Count(ctx)
			if err != nil {
				return err
			}
			tasks, err := a.stores.Tasks.Count(ctx)
			if err != nil {
				return err
			}
			projects, err := a.stores.Milestones.Projects(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"events": events, "tasks": tasks, "projects": len(projects)})
		},
	}
}

func (a *app) taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Task records"}

	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := a.stores.Tasks.List(cmd.Context(), task.Status(status), limit)
			if err != nil {
				return err
			}
			if a.short() {
				printShortTasks(cmd.OutOrStdout(), tasks)
				return nil
			}
			return printJSON(cmd.OutOrStdout(), tasks)
		},
	}
	list.Flags().StringVar(&status, "status", "", "Filter by status")
	list.Flags().IntVar(&limit, "limit", 50, "Maximum rows")

	auditCmd := &cobra.Command{
		Use:   "audit <id>",
		Short: "Show a task and its event history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := task.ParseID(args[0])
			if err != nil {
				return err
			}
			trail, err := a.audit.TaskAudit(cmd.Context(), id)
			if err != nil {
				return err
			}
			if a.short() {
				printShortTasks(cmd.OutOrStdout(), []task.Task{*trail.Task})
				printShortEvents(cmd.OutOrStdout(), trail.History)
				return nil
			}
			return printJSON(cmd.OutOrStdout(), trail)
		},
	}

	var which string
	verify := &cobra.Command{
		Use:   "verify-hash <id> <hash>",
		Short: "Check a candidate evidence hash against the stored one",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := task.ParseID(args[0])
			if err != nil {
				return err
			}
			kind, err := audit.ParseHashKind(which)
			if err != nil {
				return err
			}
			ok, err := a.audit.VerifyHash(cmd.Context(), id, args[1], kind)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s hash does not match", kind)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "match")
			return nil
		},
	}
	verify.Flags().StringVar(&which, "which", string(audit.AfterHash), "Hash to compare (before, after)")

	cmd.AddCommand(list, auditCmd, verify)
	return cmd
}

func (a *app) projectCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "project", Short: "Funding projects"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			projects, err := a.stores.Milestones.Projects(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), projects)
		},
	})
	return cmd
}

func (a *app) milestoneCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "milestone", Short: "Project milestones"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list <project>",
		Short: "List the milestones of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ms, err := a.audit.Milestones(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.short() {
				printShortMilestones(cmd.OutOrStdout(), ms)
				return nil
			}
			return printJSON(cmd.OutOrStdout(), ms)
		},
	}, &cobra.Command{
		Use:   "get <project> <index>",
		Short: "Show a milestone with its proof, votes and history",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid index %q", args[1])
			}
			trail, err := a.audit.MilestoneAudit(cmd.Context(), args[0], idx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), trail)
		},
	})
	return cmd
}

func (a *app) eventsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "events", Short: "Ledger events"}

	var eventType, source, record string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List events, filtered by type, source or record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var events []eventgraph.Event
			var err error
			switch {
			case record != "":
				events, err = a.stores.Events.ByRecord(ctx, record)
			case eventType != "":
				events, err = a.stores.Events.ByType(ctx, eventType, limit)
			case source != "":
				events, err = a.stores.Events.BySource(ctx, source, limit)
			default:
				events, err = a.stores.Events.Recent(ctx, limit)
			}
			if err != nil {
				return err
			}
			if a.short() {
				printShortEvents(cmd.OutOrStdout(), events)
				return nil
			}
			return printJSON(cmd.OutOrStdout(), events)
		},
	}
	list.Flags().StringVar(&eventType, "type", "", "Filter by event type")
	list.Flags().StringVar(&source, "source", "", "Filter by caller identity")
	list.Flags().StringVar(&record, "record", "", "Full history of one record")
	list.Flags().IntVar(&limit, "limit", 20, "Maximum rows")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.stores.Events.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), e)
		},
	}
	cmd.AddCommand(list, get)
	return cmd
}

func (a *app) chainCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "chain", Short: "Event hash chain"}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Walk the chain and check every link",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			n, err := a.stores.Events.Count(ctx)
			if err != nil {
				return err
			}
			if err := a.audit.VerifyChain(ctx); err != nil {
				return fmt.Errorf("chain broken: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Chain valid (%d events)\n", n)
			return nil
		},
	})
	return cmd
}
