package forensic

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kestrelworks/handlebar/internal/backend"
	"github.com/kestrelworks/handlebar/internal/telemetry"
	"github.com/kestrelworks/handlebar/internal/types"
)

// Revert applies corrections for every change an analysis flagged as still
// outstanding. All of one item's corrections are batched into a single
// combined patch; items are processed under the bounded pool with per-item
// failure isolation. Dry run reports the plan without mutating anything.
func (e *Engine) Revert(ctx context.Context, analyses []types.ForensicAnalysis, mode types.Mode) ([]types.RevertResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "forensic.revert")
	defer span.End()

	results := make([]types.RevertResult, len(analyses))
	var g errgroup.Group
	g.SetLimit(e.concurrency())
	for i := range analyses {
		i := i
		g.Go(func() error {
			results[i] = e.revertItem(ctx, &analyses[i], mode)
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// revertItem builds and applies the combined patch for one item.
func (e *Engine) revertItem(ctx context.Context, analysis *types.ForensicAnalysis, mode types.Mode) types.RevertResult {
	result := types.RevertResult{ItemID: analysis.ItemID, DryRun: mode.DryRun}

	outstanding := make([]types.DetectedChange, 0, len(analysis.Changes))
	for _, c := range analysis.Changes {
		if c.NeedsRevert {
			outstanding = append(outstanding, c)
		}
	}
	if len(outstanding) == 0 {
		result.Status = types.OutcomeSkipped
		result.Reason = "nothing to revert"
		return result
	}

	if err := ctx.Err(); err != nil {
		result.Status = types.OutcomeFailed
		result.Reason = err.Error()
		return result
	}
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout())
	defer cancel()

	ops, planned, err := e.buildRevertPatch(callCtx, analysis.ItemID, outstanding)
	if err != nil {
		result.Status = types.OutcomeFailed
		result.Reason = err.Error()
		return result
	}
	result.Planned = planned
	result.Applied = len(ops)

	if mode.DryRun {
		result.Status = types.OutcomeSucceeded
		return result
	}

	if len(ops) > 0 {
		if _, err := e.Backend.UpdateWorkItem(callCtx, analysis.ItemID, ops); err != nil {
			result.Status = types.OutcomeFailed
			result.Reason = err.Error()
			return result
		}
	}
	result.Status = types.OutcomeSucceeded
	return result
}

// buildRevertPatch combines all field, type, state, and relation corrections
// for one item into a single patch. When multiple matching revisions touched
// the same field, the oldest matching revision's prior value is the
// authoritative target: that is the cleanest provenance for "what it was
// before the actor got to it".
func (e *Engine) buildRevertPatch(ctx context.Context, itemID int, outstanding []types.DetectedChange) ([]backend.PatchOperation, []string, error) {
	var ops []backend.PatchOperation
	var planned []string

	// Field-shaped surfaces: oldest matching revision wins per field.
	targets := make(map[string]types.DetectedChange)
	for _, c := range outstanding {
		switch c.ChangeType {
		case types.ChangeField, types.ChangeState, types.ChangeItemType:
			if prev, ok := targets[c.Field]; !ok || c.Revision < prev.Revision {
				targets[c.Field] = c
			}
		}
	}
	fieldNames := make([]string, 0, len(targets))
	for name := range targets {
		fieldNames = append(fieldNames, name)
	}
	sort.Strings(fieldNames)
	for _, name := range fieldNames {
		c := targets[name]
		if c.OldValue == "" {
			ops = append(ops, backend.PatchOperation{Op: "remove", Path: "/fields/" + name})
			planned = append(planned, fmt.Sprintf("remove %s (was introduced in rev %d)", shortName(name), c.Revision))
		} else {
			ops = append(ops, backend.PatchOperation{Op: "replace", Path: "/fields/" + name, Value: c.OldValue})
			planned = append(planned, fmt.Sprintf("restore %s to %q (changed in rev %d)", shortName(name), c.OldValue, c.Revision))
		}
	}

	// Relation corrections need the live item to locate removal indices.
	var removals []types.DetectedChange
	var additions []types.DetectedChange
	for _, c := range outstanding {
		switch c.ChangeType {
		case types.ChangeLinkAdd:
			removals = append(removals, c)
		case types.ChangeLinkRemove:
			additions = append(additions, c)
		}
	}

	if len(removals) > 0 {
		item, err := e.Backend.GetWorkItem(ctx, itemID, true)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to fetch relations: %w", err)
		}
		var indices []int
		for _, c := range removals {
			key, _ := normalizeRelation(backend.Relation{Rel: c.LinkRel, URL: c.LinkURL})
			for i, rel := range item.Relations {
				liveKey, _ := normalizeRelation(rel)
				if liveKey == key {
					indices = append(indices, i)
					planned = append(planned, fmt.Sprintf("remove link %s (added in rev %d)", key.target, c.Revision))
					break
				}
			}
		}
		// Remove from the highest index down so earlier removals do not
		// shift the positions of later ones.
		sort.Sort(sort.Reverse(sort.IntSlice(indices)))
		for _, idx := range indices {
			ops = append(ops, backend.PatchOperation{Op: "remove", Path: fmt.Sprintf("/relations/%d", idx)})
		}
	}

	for _, c := range additions {
		ops = append(ops, backend.PatchOperation{
			Op:   "add",
			Path: "/relations/-",
			Value: map[string]interface{}{
				"rel": c.LinkRel,
				"url": c.LinkURL,
			},
		})
		planned = append(planned, fmt.Sprintf("re-add link %s (removed in rev %d)", c.OldValue, c.Revision))
	}

	return ops, planned, nil
}

func shortName(field string) string {
	if idx := strings.LastIndex(field, "."); idx != -1 {
		return field[idx+1:]
	}
	return field
}
