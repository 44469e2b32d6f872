package cli

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"labledger/internal/core"
)

// HistoryCmd prints a record's change summary, newest first.
func HistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <type> <id>",
		Short: "Show a record's revision history with field-level deltas",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid record id %q", args[1])
			}
			svc, cleanup, err := buildService(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			entries, err := svc.ChangeSummary(cmd.Context(), core.EntityType(args[0]), id)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("no revisions")
				return nil
			}
			for _, e := range entries {
				kind := kindColor(e.Revision.Kind)
				header := fmt.Sprintf("%s at %s", kind, e.Revision.At.Format("2006-01-02 15:04:05"))
				if e.Revision.ActorID != nil {
					header += fmt.Sprintf(" by user %d", *e.Revision.ActorID)
				}
				if e.Revision.Reason != "" {
					header += fmt.Sprintf(" (%s)", e.Revision.Reason)
				}
				fmt.Println(header)
				fields := make([]string, 0, len(e.Delta))
				for f := range e.Delta {
					fields = append(fields, f)
				}
				sort.Strings(fields)
				for _, f := range fields {
					change := e.Delta[f]
					fmt.Printf("  %s: %q -> %q\n", f, change.Old, change.New)
				}
			}
			return nil
		},
	}
}

func kindColor(kind core.RevisionKind) string {
	switch kind {
	case core.RevisionCreated:
		return color.GreenString(string(kind))
	case core.RevisionDeleted:
		return color.RedString(string(kind))
	default:
		return color.YellowString(string(kind))
	}
}
