package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "grievctl",
		Short:   "grievctl - operator tool for the grievance desk",
		Version: version,
		Long: `grievctl talks to the grievance store directly. It applies schema
migrations, runs one escalation sweep on demand, and reports active
escalations and the audit trail.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().String("dsn", os.Getenv("GRIEVDESK_DB_DSN"), "store DSN (postgres://..., sqlite:path); defaults to GRIEVDESK_DB_DSN")
	root.PersistentFlags().String("policy", os.Getenv("GRIEVDESK_POLICY_FILE"), "SLA policy YAML; defaults to GRIEVDESK_POLICY_FILE")

	root.AddCommand(migrateCmd())
	root.AddCommand(sweepCmd())
	root.AddCommand(escalationsCmd())
	root.AddCommand(auditCmd())
	root.AddCommand(tokenCmd())
	return root
}
