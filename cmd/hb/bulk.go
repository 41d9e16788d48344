package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/kestrelworks/handlebar/internal/backend"
	"github.com/kestrelworks/handlebar/internal/types"
	"github.com/kestrelworks/handlebar/internal/ui"
)

var bulkCmd = &cobra.Command{
	Use:   "bulk",
	Short: "Apply one action to every item a handle selects",
	Long: `Bulk mutations against a query handle.

The target set comes from --handle, or inline discovery via --wiql / --ids.
A selector narrows the set: --indices picks positions, --states/--tags/
--assignee/--inactive-days filter on stored item context. Live runs against
a terminal ask for confirmation; --dry-run previews without mutating.`,
}

var bulkCommentCmd = newBulkActionCmd(
	"comment <text>", "Add a comment to every selected item", 1,
	func(cmd *cobra.Command, args []string) (types.Action, error) {
		return types.Action{Type: types.ActionComment, Comment: args[0]}, nil
	})

var bulkUpdateCmd = newBulkActionCmd(
	"update <field> <value>", "Set a field on every selected item", 2,
	func(cmd *cobra.Command, args []string) (types.Action, error) {
		return types.Action{Type: types.ActionFieldUpdate, Field: args[0], Value: args[1]}, nil
	})

var bulkAssignCmd = newBulkActionCmd(
	"assign [assignee]", "Assign (or with no argument, unassign) every selected item", -1,
	func(cmd *cobra.Command, args []string) (types.Action, error) {
		assignee := ""
		if len(args) > 0 {
			assignee = args[0]
		}
		return types.Action{Type: types.ActionAssign, Assignee: assignee}, nil
	})

var bulkRemoveCmd = newBulkActionCmd(
	"remove", "Transition every selected item to the removed state", 0,
	func(cmd *cobra.Command, args []string) (types.Action, error) {
		return types.Action{Type: types.ActionRemove}, nil
	})

var bulkTransitionCmd = newBulkActionCmd(
	"transition <state>", "Transition every selected item to a state", 1,
	func(cmd *cobra.Command, args []string) (types.Action, error) {
		return types.Action{Type: types.ActionTransitionState, State: args[0]}, nil
	})

var bulkMoveCmd = newBulkActionCmd(
	"move-iteration <path>", "Move every selected item to an iteration", 1,
	func(cmd *cobra.Command, args []string) (types.Action, error) {
		return types.Action{Type: types.ActionMoveIteration, Iteration: args[0]}, nil
	})

var bulkRetypeCmd = newBulkActionCmd(
	"change-type <type>", "Change every selected item's work item type", 1,
	func(cmd *cobra.Command, args []string) (types.Action, error) {
		return types.Action{Type: types.ActionChangeType, ItemType: args[0]}, nil
	})

var bulkTagCmd = newBulkActionCmd(
	"tag <tag>", "Add a tag to every selected item", 1,
	func(cmd *cobra.Command, args []string) (types.Action, error) {
		return types.Action{Type: types.ActionAddTag, Tag: args[0]}, nil
	})

var bulkUntagCmd = newBulkActionCmd(
	"untag <tag>", "Remove a tag from every selected item", 1,
	func(cmd *cobra.Command, args []string) (types.Action, error) {
		return types.Action{Type: types.ActionRemoveTag, Tag: args[0]}, nil
	})

var bulkLinkCmd = newBulkActionCmd(
	"link <type> <target-id>", "Link every selected item to a target item", 2,
	func(cmd *cobra.Command, args []string) (types.Action, error) {
		target, err := strconv.Atoi(args[1])
		if err != nil {
			return types.Action{}, fmt.Errorf("invalid target id %q", args[1])
		}
		comment, _ := cmd.Flags().GetString("link-comment")
		return types.Action{Type: types.ActionLink, Link: &types.LinkDescriptor{
			Type: args[0], TargetID: target, Comment: comment,
		}}, nil
	})

var bulkEnrichCmd = newBulkActionCmd(
	"enrich <prompt>", "Rewrite every selected item's description with AI", 1,
	func(cmd *cobra.Command, args []string) (types.Action, error) {
		return types.Action{Type: types.ActionEnrich, Prompt: args[0]}, nil
	})

// newBulkActionCmd builds one bulk subcommand. nargs < 0 means variadic.
func newBulkActionCmd(use, short string, nargs int, build func(*cobra.Command, []string) (types.Action, error)) *cobra.Command {
	argsCheck := cobra.ArbitraryArgs
	if nargs >= 0 {
		argsCheck = cobra.ExactArgs(nargs)
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  argsCheck,
		Run: func(cmd *cobra.Command, args []string) {
			action, err := build(cmd, args)
			if err != nil {
				FatalError("%v", err)
			}
			runBulk(cmd, action)
		},
	}
}

// runBulk is the shared execution path for every bulk subcommand.
func runBulk(cmd *cobra.Command, action types.Action) {
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	yes, _ := cmd.Flags().GetBool("yes")
	rollback, _ := cmd.Flags().GetBool("rollback-on-partial")

	be, err := newBackend()
	if err != nil {
		FatalError("%v", err)
	}

	handleID, err := resolveTargetHandle(cmd, be)
	if err != nil {
		FatalError("%v", err)
	}
	sel, err := selectorFromFlags(cmd)
	if err != nil {
		FatalError("%v", err)
	}

	if !dryRun && !yes {
		ids, err := store.Resolve(handleID, sel)
		if err != nil {
			FatalError("%v", err)
		}
		if !confirmLive(fmt.Sprintf("Apply %s to %d item(s)?", action.Type, len(ids))) {
			fmt.Fprintln(os.Stderr, "Aborted.")
			os.Exit(0)
		}
	}

	executor := newExecutor(be)
	result, err := executor.Execute(rootCtx, handleID, sel, action, types.Mode{DryRun: dryRun})
	if err != nil {
		FatalError("%v", err)
	}

	if rollback && result.Partial() {
		undoRes, uerr := newUndoEngine(be).UndoLast(rootCtx, handleID, types.Mode{})
		if uerr != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("rollback failed: %v", uerr))
		} else {
			result.Warnings = append(result.Warnings, "partial result rolled back: "+undoRes.Summary)
		}
	}

	if jsonOutput {
		outputJSON(result)
	} else {
		fmt.Print(ui.RenderActionResult(result))
	}
	if !result.Success() {
		os.Exit(1)
	}
}

// resolveTargetHandle returns the handle named by --handle, or creates one
// inline from --wiql / --ids.
func resolveTargetHandle(cmd *cobra.Command, be backend.Backend) (string, error) {
	handleID, _ := cmd.Flags().GetString("handle")
	wiql, _ := cmd.Flags().GetString("wiql")
	idsArg, _ := cmd.Flags().GetString("ids")
	ttlArg, _ := cmd.Flags().GetString("ttl")

	if handleID != "" {
		if wiql != "" || idsArg != "" {
			return "", fmt.Errorf("--handle cannot be combined with --wiql or --ids")
		}
		return handleID, nil
	}
	if wiql == "" && idsArg == "" {
		return "", fmt.Errorf("a target is required: --handle, --wiql, or --ids")
	}

	id, _, err := createHandle(rootCtx, be, wiql, idsArg, ttlArg, "")
	return id, err
}

func selectorFromFlags(cmd *cobra.Command) (types.Selector, error) {
	indicesArg, _ := cmd.Flags().GetString("indices")
	states, _ := cmd.Flags().GetStringSlice("states")
	tags, _ := cmd.Flags().GetStringSlice("tags")
	assignee, _ := cmd.Flags().GetString("assignee")
	inactive, _ := cmd.Flags().GetInt("inactive-days")

	hasCriteria := len(states) > 0 || len(tags) > 0 || assignee != "" || inactive > 0
	if indicesArg != "" && hasCriteria {
		return types.Selector{}, fmt.Errorf("--indices cannot be combined with criteria flags")
	}

	if indicesArg != "" {
		var indices []int
		for _, part := range strings.Split(indicesArg, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			i, err := strconv.Atoi(part)
			if err != nil {
				return types.Selector{}, fmt.Errorf("invalid index %q", part)
			}
			indices = append(indices, i)
		}
		return types.Selector{Kind: types.SelectIndices, Indices: indices}, nil
	}
	if hasCriteria {
		return types.Selector{Kind: types.SelectCriteria, Criteria: &types.Criteria{
			States:          states,
			Tags:            tags,
			Assignee:        assignee,
			MinInactiveDays: inactive,
		}}, nil
	}
	return types.All, nil
}

// confirmLive prompts on a TTY; non-interactive runs are refused so scripted
// callers must opt in with --yes or --dry-run.
func confirmLive(title string) bool {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintln(os.Stderr, "Refusing live run without a terminal; pass --yes to confirm or --dry-run to preview.")
		return false
	}
	confirmed := false
	err := huh.NewConfirm().
		Title(title).
		Affirmative("Apply").
		Negative("Cancel").
		Value(&confirmed).
		Run()
	if err != nil {
		return false
	}
	return confirmed
}

func addTargetFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("handle", "", "Existing query handle")
	cmd.PersistentFlags().String("wiql", "", "Inline discovery: WIQL query")
	cmd.PersistentFlags().String("ids", "", "Inline discovery: comma-separated ids")
	cmd.PersistentFlags().String("ttl", "", "TTL for an inline handle")
	cmd.PersistentFlags().String("indices", "", "Selector: comma-separated 0-based positions")
	cmd.PersistentFlags().StringSlice("states", nil, "Selector: match any of these states")
	cmd.PersistentFlags().StringSlice("tags", nil, "Selector: require all of these tags")
	cmd.PersistentFlags().String("assignee", "", "Selector: match this assignee")
	cmd.PersistentFlags().Int("inactive-days", 0, "Selector: minimum days since last change")
	cmd.PersistentFlags().Bool("dry-run", false, "Preview without mutating")
	cmd.PersistentFlags().Bool("yes", false, "Skip the confirmation prompt")
}

func init() {
	addTargetFlags(bulkCmd)
	bulkCmd.PersistentFlags().Bool("rollback-on-partial", false, "Undo the operation if any item fails")
	bulkLinkCmd.Flags().String("link-comment", "", "Comment stored on the link")

	bulkCmd.AddCommand(
		bulkCommentCmd, bulkUpdateCmd, bulkAssignCmd, bulkRemoveCmd,
		bulkTransitionCmd, bulkMoveCmd, bulkRetypeCmd, bulkTagCmd,
		bulkUntagCmd, bulkLinkCmd, bulkEnrichCmd,
	)
	rootCmd.AddCommand(bulkCmd)
}
