package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrelworks/handlebar/internal/forensic"
	"github.com/kestrelworks/handlebar/internal/timeparsing"
	"github.com/kestrelworks/handlebar/internal/types"
	"github.com/kestrelworks/handlebar/internal/ui"
)

var forensicCmd = &cobra.Command{
	Use:   "forensic",
	Short: "Detect and revert an actor's changes from revision history",
	Long: `Forensic analysis replays the backend's own revision history.

Unlike 'hb undo', this works on changes made through any client: every
revision by the given actor inside the window is diffed against its
predecessor, and each detected change is flagged only while the live value
still differs from the pre-actor baseline. Time windows accept compact
offsets (-7d), natural language ("last monday"), or RFC3339.`,
}

var forensicAnalyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Replay revision history and report detected changes",
	Run: func(cmd *cobra.Command, args []string) {
		analyses, _, warnings := runAnalysis(cmd)
		if jsonOutput {
			outputJSON(map[string]interface{}{"analyses": analyses, "warnings": warnings})
			return
		}
		printAnalyses(analyses, warnings)
	},
}

var forensicRevertCmd = &cobra.Command{
	Use:   "revert",
	Short: "Analyze, then revert every change still needing it",
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		yes, _ := cmd.Flags().GetBool("yes")

		analyses, engine, warnings := runAnalysis(cmd)

		needing := 0
		for _, a := range analyses {
			needing += a.NeedingRevert
		}
		if needing == 0 {
			if jsonOutput {
				outputJSON(map[string]interface{}{"analyses": analyses, "warnings": warnings, "results": []types.RevertResult{}})
				return
			}
			printAnalyses(analyses, warnings)
			fmt.Println(ui.RenderOK("nothing to revert"))
			return
		}

		if !dryRun && !yes {
			if !confirmLive(fmt.Sprintf("Revert %d change(s) across %d item(s)?", needing, len(analyses))) {
				fmt.Fprintln(os.Stderr, "Aborted.")
				os.Exit(0)
			}
		}

		results, err := engine.Revert(rootCtx, analyses, types.Mode{DryRun: dryRun})
		if err != nil {
			FatalError("%v", err)
		}

		if jsonOutput {
			outputJSON(map[string]interface{}{"analyses": analyses, "warnings": warnings, "results": results})
			return
		}
		printAnalyses(analyses, warnings)
		fmt.Print(ui.RenderRevertResults(results))
		for _, r := range results {
			if r.Status == types.OutcomeFailed {
				os.Exit(1)
			}
		}
	},
}

// runAnalysis handles the shared target + filter + analyze path.
func runAnalysis(cmd *cobra.Command) ([]types.ForensicAnalysis, *forensic.Engine, []string) {
	be, err := newBackend()
	if err != nil {
		FatalError("%v", err)
	}
	handleID, err := resolveTargetHandle(cmd, be)
	if err != nil {
		FatalError("%v", err)
	}

	filter := forensic.Filter{Actor: actor()}
	if filter.Actor == "" {
		FatalError("an actor is required: pass --actor or set the actor config key")
	}
	now := time.Now()
	if after, _ := cmd.Flags().GetString("after"); after != "" {
		t, perr := timeparsing.Parse(after, now)
		if perr != nil {
			FatalError("invalid --after: %v", perr)
		}
		filter.After = t
	}
	if before, _ := cmd.Flags().GetString("before"); before != "" {
		t, perr := timeparsing.Parse(before, now)
		if perr != nil {
			FatalError("invalid --before: %v", perr)
		}
		filter.Before = t
	}

	engine := newForensicEngine(be)
	analyses, warnings, err := engine.Analyze(rootCtx, handleID, filter)
	if err != nil {
		FatalError("%v", err)
	}
	return analyses, engine, warnings
}

func printAnalyses(analyses []types.ForensicAnalysis, warnings []string) {
	for i := range analyses {
		fmt.Print(ui.RenderAnalysis(&analyses[i]))
	}
	for _, w := range warnings {
		fmt.Printf("%s %s\n", ui.RenderWarn(ui.IconWarn), w)
	}
}

func init() {
	for _, cmd := range []*cobra.Command{forensicAnalyzeCmd, forensicRevertCmd} {
		cmd.Flags().String("handle", "", "Existing query handle")
		cmd.Flags().String("wiql", "", "Inline discovery: WIQL query")
		cmd.Flags().String("ids", "", "Inline discovery: comma-separated ids")
		cmd.Flags().String("ttl", "", "TTL for an inline handle")
		cmd.Flags().String("after", "", "Window start (e.g. -7d, 2026-08-01, \"last monday\")")
		cmd.Flags().String("before", "", "Window end")
	}
	forensicRevertCmd.Flags().Bool("dry-run", false, "Show the revert plan without mutating")
	forensicRevertCmd.Flags().Bool("yes", false, "Skip the confirmation prompt")

	forensicCmd.AddCommand(forensicAnalyzeCmd, forensicRevertCmd)
	rootCmd.AddCommand(forensicCmd)
}
