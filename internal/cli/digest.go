package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// DigestCmd sends the pending-approval digest to every approver with
// authority over at least one waiting record.
func DigestCmd() *cobra.Command {
	var approversPath string
	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Mail approvers a digest of records awaiting their decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			approvers, err := loadApprovers(approversPath)
			if err != nil {
				return err
			}
			svc, cleanup, err := buildService(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			notified, err := svc.SendApproverDigest(cmd.Context(), approvers)
			if err != nil {
				return fmt.Errorf("send digest: %w", err)
			}
			fmt.Printf("notified %d approver(s)\n", notified)
			return nil
		},
	}
	cmd.Flags().StringVar(&approversPath, "approvers", "approvers.json", "JSON file with the approver roster")
	return cmd
}
