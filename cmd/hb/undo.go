package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kestrelworks/handlebar/internal/types"
	"github.com/kestrelworks/handlebar/internal/ui"
	"github.com/kestrelworks/handlebar/internal/undo"
)

var undoCmd = &cobra.Command{
	Use:   "undo <handle>",
	Short: "Revert a handle's most recent recorded operation",
	Long: `Reverts the most recent bulk operation recorded on a handle.

Handles are process-scoped, so undo pairs with operations from the same
invocation: 'hb run' pipelines, or 'hb bulk --rollback-on-partial'. The
ledger entry is removed only when every item reverts cleanly; a partial undo
retains it for retry.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		be, err := newBackend()
		if err != nil {
			FatalError("%v", err)
		}

		result, err := newUndoEngine(be).UndoLast(rootCtx, args[0], types.Mode{DryRun: dryRun})
		if err != nil {
			if errors.Is(err, undo.ErrNoHistory) {
				FatalError("handle %s has no recorded operations to undo", args[0])
			}
			FatalError("%v", err)
		}

		if jsonOutput {
			outputJSON(result)
			return
		}
		fmt.Print(ui.RenderUndoResult(result))
	},
}

func init() {
	undoCmd.Flags().Bool("dry-run", false, "Show the reversal plan without mutating")
	rootCmd.AddCommand(undoCmd)
}
