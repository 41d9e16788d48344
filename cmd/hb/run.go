package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kestrelworks/handlebar/internal/bulk"
	"github.com/kestrelworks/handlebar/internal/types"
	"github.com/kestrelworks/handlebar/internal/ui"
)

// pipelineFile is the YAML shape accepted by 'hb run'. One discovery query,
// then an ordered list of actions against the resulting handle.
type pipelineFile struct {
	Description string `yaml:"description"`
	Query       struct {
		WIQL string `yaml:"wiql"`
		IDs  []int  `yaml:"ids"`
	} `yaml:"query"`
	TTL           string         `yaml:"ttl"`
	DryRun        bool           `yaml:"dry_run"`
	StopOnError   bool           `yaml:"stop_on_error"`
	UndoOnPartial bool           `yaml:"undo_on_partial"`
	Steps         []pipelineStep `yaml:"steps"`
}

type pipelineStep struct {
	Action    string `yaml:"action"`
	Comment   string `yaml:"comment"`
	Field     string `yaml:"field"`
	Value     string `yaml:"value"`
	Assignee  string `yaml:"assignee"`
	State     string `yaml:"state"`
	Iteration string `yaml:"iteration"`
	ItemType  string `yaml:"item_type"`
	Tag       string `yaml:"tag"`
	Prompt    string `yaml:"prompt"`
	Link      *struct {
		Type     string `yaml:"type"`
		TargetID int    `yaml:"target_id"`
		Comment  string `yaml:"comment"`
	} `yaml:"link"`
	Selector *struct {
		Indices      []int    `yaml:"indices"`
		States       []string `yaml:"states"`
		Tags         []string `yaml:"tags"`
		Assignee     string   `yaml:"assignee"`
		InactiveDays int      `yaml:"inactive_days"`
	} `yaml:"selector"`
}

var runCmd = &cobra.Command{
	Use:   "run <pipeline.yaml>",
	Short: "Run a multi-step pipeline from a YAML file",
	Long: `Runs discovery plus an ordered list of bulk actions in one process,
so the operation ledger and undo work across steps.

With stop_on_error, the first step that is not fully successful halts the
queue. With undo_on_partial, a partially failed step is rolled back via the
ledger before the pipeline stops.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dryRunFlag, _ := cmd.Flags().GetBool("dry-run")

		data, err := os.ReadFile(args[0])
		if err != nil {
			FatalError("failed to read pipeline: %v", err)
		}
		var pf pipelineFile
		if err := yaml.Unmarshal(data, &pf); err != nil {
			FatalError("failed to parse pipeline: %v", err)
		}
		if len(pf.Steps) == 0 {
			FatalError("pipeline has no steps")
		}

		steps, err := buildSteps(pf.Steps)
		if err != nil {
			FatalError("%v", err)
		}

		be, err := newBackend()
		if err != nil {
			FatalError("%v", err)
		}

		idsArg := ""
		if len(pf.Query.IDs) > 0 {
			parts := make([]string, len(pf.Query.IDs))
			for i, id := range pf.Query.IDs {
				parts[i] = fmt.Sprintf("%d", id)
			}
			idsArg = strings.Join(parts, ",")
		}
		handleID, _, err := createHandle(rootCtx, be, pf.Query.WIQL, idsArg, pf.TTL, pf.Description)
		if err != nil {
			FatalError("%v", err)
		}

		mode := types.Mode{DryRun: pf.DryRun || dryRunFlag}
		executor := newExecutor(be)
		results, err := executor.ExecutePipeline(rootCtx, handleID, steps, pf.StopOnError, mode)
		if err != nil {
			FatalError("%v", err)
		}

		failed := false
		for _, res := range results {
			if res.Partial() && pf.UndoOnPartial && !mode.DryRun {
				undoRes, uerr := newUndoEngine(be).UndoLast(rootCtx, handleID, types.Mode{})
				if uerr != nil {
					res.Warnings = append(res.Warnings, fmt.Sprintf("rollback failed: %v", uerr))
				} else {
					res.Warnings = append(res.Warnings, "partial result rolled back: "+undoRes.Summary)
				}
			}
			if !res.Success() {
				failed = true
			}
		}

		if jsonOutput {
			outputJSON(results)
		} else {
			for _, res := range results {
				fmt.Print(ui.RenderActionResult(res))
			}
		}
		if failed {
			os.Exit(1)
		}
	},
}

// buildSteps converts the YAML steps into executor steps, validating the
// action names up front so a typo fails before discovery runs.
func buildSteps(raw []pipelineStep) ([]bulk.Step, error) {
	steps := make([]bulk.Step, 0, len(raw))
	for i, s := range raw {
		action := types.Action{
			Type:      types.ActionType(s.Action),
			Comment:   s.Comment,
			Field:     s.Field,
			Value:     s.Value,
			Assignee:  s.Assignee,
			State:     s.State,
			Iteration: s.Iteration,
			ItemType:  s.ItemType,
			Tag:       s.Tag,
			Prompt:    s.Prompt,
		}
		if s.Link != nil {
			action.Link = &types.LinkDescriptor{Type: s.Link.Type, TargetID: s.Link.TargetID, Comment: s.Link.Comment}
		}

		sel := types.All
		if s.Selector != nil {
			switch {
			case len(s.Selector.Indices) > 0:
				sel = types.Selector{Kind: types.SelectIndices, Indices: s.Selector.Indices}
			case len(s.Selector.States) > 0 || len(s.Selector.Tags) > 0 ||
				s.Selector.Assignee != "" || s.Selector.InactiveDays > 0:
				sel = types.Selector{Kind: types.SelectCriteria, Criteria: &types.Criteria{
					States:          s.Selector.States,
					Tags:            s.Selector.Tags,
					Assignee:        s.Selector.Assignee,
					MinInactiveDays: s.Selector.InactiveDays,
				}}
			}
		}

		if action.Type == "" {
			return nil, fmt.Errorf("step %d: action is required", i+1)
		}
		steps = append(steps, bulk.Step{Selector: sel, Action: action})
	}
	return steps, nil
}

func init() {
	runCmd.Flags().Bool("dry-run", false, "Preview every step without mutating")
	rootCmd.AddCommand(runCmd)
}
