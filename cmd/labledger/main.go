package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"labledger/internal/cli"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "labledger",
		Short: "Revision and approval workflow engine for laboratory collections",
		Long: `labledger tracks laboratory records through an append-only revision
ledger gated by principal-investigator approval. Subcommands run the
maintenance jobs and inspect workflow state; storage, blob, mail, and map
service backends are selected through LABLEDGER_* environment variables.`,
	}

	rootCmd.AddCommand(cli.PendingCmd())
	rootCmd.AddCommand(cli.HistoryCmd())
	rootCmd.AddCommand(cli.DedupCmd())
	rootCmd.AddCommand(cli.DigestCmd())
	rootCmd.AddCommand(cli.MetricsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
