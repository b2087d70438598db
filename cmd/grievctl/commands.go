package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"grievdesk.org/internal/auth"
	"grievdesk.org/internal/escalation"
	"grievdesk.org/internal/grievance"
	"grievdesk.org/internal/migrate"
	"grievdesk.org/internal/store"
	"grievdesk.org/internal/store/pg"
)

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed)
)

// openBackend opens the store named by --dsn. The in-memory backend is
// refused because nothing the CLI does would be visible to the server.
func openBackend(cmd *cobra.Command) (*store.Backend, error) {
	dsn, _ := cmd.Flags().GetString("dsn")
	if strings.TrimSpace(dsn) == "" || dsn == store.KindMemory {
		return nil, errors.New("missing DSN: provide via --dsn or GRIEVDESK_DB_DSN")
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()
	return store.Open(ctx, dsn)
}

func newService(cmd *cobra.Command, backend *store.Backend) (*grievance.Service, error) {
	policy := grievance.DefaultPolicy()
	if path, _ := cmd.Flags().GetString("policy"); path != "" {
		var err error
		if policy, err = grievance.LoadPolicyFile(path); err != nil {
			return nil, err
		}
	}
	return grievance.NewService(backend.Store, grievance.WithPolicy(policy)), nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
		Long:  "Apply, roll back, or list Postgres migrations. SQLite stores migrate themselves on open.",
	}
	run := func(action func(ctx context.Context, mgr *migrate.Manager, out io.Writer) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			backend, err := openBackend(cmd)
			if err != nil {
				return err
			}
			defer backend.Close()
			if backend.Kind != store.KindPostgres {
				fmt.Fprintf(cmd.OutOrStdout(), "%s store: schema is managed on open, nothing to do\n", backend.Kind)
				return nil
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			return action(ctx, migrate.NewManager(backend.DB, pg.Migrations()), cmd.OutOrStdout())
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: run(func(ctx context.Context, mgr *migrate.Manager, out io.Writer) error {
			applied, err := mgr.Up(ctx)
			if err != nil {
				return fmt.Errorf("migrate up: %w", err)
			}
			if len(applied) == 0 {
				fmt.Fprintln(out, "Schema is up to date.")
			}
			for _, name := range applied {
				fmt.Fprintf(out, "%s %s\n", okColor.Sprint("applied"), name)
			}
			return nil
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the latest migration",
		RunE: run(func(ctx context.Context, mgr *migrate.Manager, out io.Writer) error {
			name, err := mgr.Down(ctx)
			if err != nil {
				return fmt.Errorf("migrate down: %w", err)
			}
			if name == "" {
				fmt.Fprintln(out, "Nothing to roll back.")
				return nil
			}
			fmt.Fprintf(out, "%s %s\n", warnColor.Sprint("rolled back"), name)
			return nil
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List applied and pending migrations",
		RunE: run(func(ctx context.Context, mgr *migrate.Manager, out io.Writer) error {
			applied, pending, err := mgr.Status(ctx)
			if err != nil {
				return fmt.Errorf("migrate status: %w", err)
			}
			for _, name := range applied {
				fmt.Fprintf(out, "%s %s\n", okColor.Sprint("applied"), name)
			}
			for _, name := range pending {
				fmt.Fprintf(out, "%s %s\n", warnColor.Sprint("pending"), name)
			}
			return nil
		}),
	})
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one escalation pass now",
		Long:  "Scan open grievances and escalate every one past its deadline. Safe to run next to a live server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			concurrency, _ := cmd.Flags().GetInt("concurrency")
			backend, err := openBackend(cmd)
			if err != nil {
				return err
			}
			defer backend.Close()
			svc, err := newService(cmd, backend)
			if err != nil {
				return err
			}

			res, err := escalation.NewDetector(svc, concurrency).RunPass(cmd.Context())
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "scanned %d, overdue %d, escalated %s, conflicts %d, deferred %d, failed %d (%s)\n",
				res.Scanned, res.Overdue, okColor.Sprint(res.Escalated), res.Conflicts, res.Deferred,
				res.Failed, res.Duration.Round(time.Millisecond))
			if res.Failed > 0 {
				return fmt.Errorf("%d records failed to escalate", res.Failed)
			}
			return nil
		},
	}
	cmd.Flags().Int("concurrency", 4, "records processed in parallel")
	return cmd
}

func escalationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "escalations",
		Short: "List active escalations, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := openBackend(cmd)
			if err != nil {
				return err
			}
			defer backend.Close()
			svc, err := newService(cmd, backend)
			if err != nil {
				return err
			}
			items, err := svc.ListEscalated(cmd.Context())
			if err != nil {
				return fmt.Errorf("list escalations: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(items) == 0 {
				fmt.Fprintln(out, "No active escalations.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TRACKING\tPRIORITY\tSTATUS\tESCALATED\tOVERDUE\tASSIGNEE")
			for _, it := range items {
				assignee := it.AssigneeID
				if assignee == "" {
					assignee = warnColor.Sprint("unassigned")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					it.TrackingID, it.Priority, it.Status,
					it.EscalatedAt.Format(time.RFC3339),
					errColor.Sprint(it.OverdueBy.Round(time.Minute)), assignee)
			}
			return tw.Flush()
		},
	}
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit [grievance-id]",
		Short: "Show the audit trail",
		Long:  "Show the newest audit entries across all grievances, or the full trail of one grievance.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			backend, err := openBackend(cmd)
			if err != nil {
				return err
			}
			defer backend.Close()
			svc, err := newService(cmd, backend)
			if err != nil {
				return err
			}

			var entries []grievance.AuditEntry
			if len(args) == 1 {
				entries, err = svc.AuditTrail(cmd.Context(), args[0])
			} else {
				entries, err = svc.RecentAudit(cmd.Context(), limit)
			}
			if err != nil {
				return fmt.Errorf("read audit: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "No audit entries found.")
				return nil
			}
			for _, e := range entries {
				printAuditEntry(out, e)
			}
			return nil
		},
	}
	cmd.Flags().IntP("limit", "n", 50, "number of entries (max 1000)")
	return cmd
}

func printAuditEntry(out io.Writer, e grievance.AuditEntry) {
	action := string(e.Action)
	if e.Action == grievance.ActionEscalation {
		action = errColor.Sprint(action)
	}
	line := fmt.Sprintf("#%d %s %s v%d %s %s", e.Seq, e.Timestamp.Format(time.RFC3339), e.GrievanceID, e.Version, action, e.ActorID)
	if e.FromStatus != e.ToStatus {
		line += fmt.Sprintf(" %s -> %s", e.FromStatus, e.ToStatus)
	}
	if e.Detail != "" {
		line += " (" + e.Detail + ")"
	}
	fmt.Fprintf(out, "%s [%s]\n", line, e.Reason)
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for testing",
		Long:  "Sign an HS256 token with GRIEVDESK_AUTH_SECRET for local testing against grievd.",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			roles, _ := cmd.Flags().GetStringSlice("roles")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if auth.EffectiveRole(roles) == "" {
				return errors.New("--roles must include admin, handler or owner")
			}
			token, err := auth.GenerateToken(user, roles, ttl)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("user", "", "token subject")
	cmd.Flags().StringSlice("roles", []string{"admin"}, "comma-separated roles")
	cmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
