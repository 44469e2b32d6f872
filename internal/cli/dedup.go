package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// DedupCmd runs the revision dedup job once and exits.
func DedupCmd() *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "dedup",
		Short: "Prune housekeeping-only revisions from recently modified records",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := buildService(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			removed, err := svc.DedupHistory(cmd.Context(), window)
			if err != nil {
				return fmt.Errorf("dedup history: %w", err)
			}
			fmt.Printf("removed %d housekeeping revision(s)\n", removed)
			return nil
		},
	}
	cmd.Flags().DurationVar(&window, "window", 8*24*time.Hour, "scan records modified within this window")
	return cmd
}
