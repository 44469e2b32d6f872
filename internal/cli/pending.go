package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"labledger/internal/core"
)

// PendingCmd lists all open approval requests.
func PendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List records awaiting approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := buildService(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			pending, err := svc.PendingApprovals(cmd.Context())
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Println("no records awaiting approval")
				return nil
			}
			for _, req := range pending {
				activity := color.GreenString(string(req.Activity))
				if req.Activity == core.ActivityChanged {
					activity = color.YellowString(string(req.Activity))
				}
				line := fmt.Sprintf("%s %s/%d requested by user %d at %s",
					activity, req.EntityType, req.EntityID, req.RequestedByID,
					req.OpenedAt.Format("2006-01-02 15:04"))
				if req.Edited {
					line += " " + color.RedString("(edited since notification)")
				}
				if req.Message != "" {
					line += fmt.Sprintf(" %q", req.Message)
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}
