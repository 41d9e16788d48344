// Package undo reverts the most recently recorded bulk mutation for a
// handle, using the deltas the executor captured in the operation ledger.
package undo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kestrelworks/handlebar/internal/backend"
	"github.com/kestrelworks/handlebar/internal/handle"
	"github.com/kestrelworks/handlebar/internal/telemetry"
	"github.com/kestrelworks/handlebar/internal/types"
)

// ErrNoHistory is returned when the handle has no recorded operations.
var ErrNoHistory = errors.New("no operation history for handle")

// reversalPrefix marks comments posted in place of deletion: the backend
// cannot remove a comment, so undo posts an explicit reversal instead.
const reversalPrefix = "[reversal]"

// Engine applies inverse mutations from ledger records.
type Engine struct {
	Backend     backend.Backend
	Store       *handle.Store
	Concurrency int
	CallTimeout time.Duration
}

// NewEngine creates an undo engine with default limits.
func NewEngine(be backend.Backend, store *handle.Store) *Engine {
	return &Engine{
		Backend:     be,
		Store:       store,
		Concurrency: 5,
		CallTimeout: 30 * time.Second,
	}
}

// UndoLast reverts the handle's most recent operation. Dry run synthesizes
// the per-item reversal plan without touching the backend. Live mode applies
// inverse mutations with per-item failure isolation; the ledger entry is
// removed only when every item succeeds, otherwise it is retained so the
// caller can retry.
func (e *Engine) UndoLast(ctx context.Context, handleID string, mode types.Mode) (*types.UndoResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "undo.last")
	defer span.End()

	rec, ok, err := e.Store.LastOperation(handleID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoHistory
	}

	result := &types.UndoResult{
		DryRun:        mode.DryRun,
		OperationType: rec.Type,
		OperationSeq:  rec.Seq,
	}

	if mode.DryRun {
		for _, change := range rec.Changes {
			result.Planned = append(result.Planned, describeReversal(change))
			result.Items = append(result.Items, types.ItemOutcome{ItemID: change.ItemID, Status: types.OutcomeSucceeded})
		}
		result.Summary = fmt.Sprintf("undo %s (dry run): %d items would be reverted, ledger entry retained",
			rec.Type, len(rec.Changes))
		telemetry.RecordUndo(ctx, true, true)
		return result, nil
	}

	outcomes := make([]types.ItemOutcome, len(rec.Changes))
	var g errgroup.Group
	g.SetLimit(e.concurrency())
	for i, change := range rec.Changes {
		i, change := i, change
		g.Go(func() error {
			outcomes[i] = e.revertItem(ctx, change)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, o := range outcomes {
		result.Items = append(result.Items, o)
		if o.Status == types.OutcomeFailed {
			failed++
		}
	}

	if failed == 0 {
		switch err := e.Store.RemoveOperation(handleID, rec.Seq); {
		case err == nil:
			result.LedgerCleared = true
		case errors.Is(err, handle.ErrUndoConflict):
			// A concurrent undo won the pop; the reversions applied here are
			// still valid, but only one caller gets credit for the entry.
			result.Warnings = append(result.Warnings, "concurrent undo removed this ledger entry first")
		default:
			result.Warnings = append(result.Warnings, fmt.Sprintf("ledger entry not removed: %v", err))
		}
		result.Summary = fmt.Sprintf("undo %s: all %d items reverted", rec.Type, len(rec.Changes))
	} else {
		result.Summary = fmt.Sprintf("undo %s: partial, %d of %d items failed; ledger entry retained for retry",
			rec.Type, failed, len(rec.Changes))
	}

	telemetry.RecordUndo(ctx, false, failed == 0)
	return result, nil
}

// revertItem applies the inverse of one recorded change: restore each
// field's "from" value (or remove the field when it was absent), remove a
// recorded link, and answer recorded comments with a reversal comment.
func (e *Engine) revertItem(ctx context.Context, change types.ItemChange) types.ItemOutcome {
	if err := ctx.Err(); err != nil {
		return types.ItemOutcome{ItemID: change.ItemID, Status: types.OutcomeFailed, Reason: err.Error()}
	}
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout())
	defer cancel()

	var ops []backend.PatchOperation
	for field, delta := range change.Fields {
		if delta.From == nil {
			ops = append(ops, backend.PatchOperation{Op: "remove", Path: "/fields/" + field})
		} else {
			ops = append(ops, backend.PatchOperation{Op: "replace", Path: "/fields/" + field, Value: *delta.From})
		}
	}

	if change.Link != nil {
		op, skip, err := e.linkRemovalOp(callCtx, change.ItemID, change.Link)
		if err != nil {
			return types.ItemOutcome{ItemID: change.ItemID, Status: types.OutcomeFailed, Reason: err.Error()}
		}
		if skip != "" && len(ops) == 0 && change.CommentText == "" {
			return types.ItemOutcome{ItemID: change.ItemID, Status: types.OutcomeSkipped, Reason: skip}
		}
		if op != nil {
			ops = append(ops, *op)
		}
	}

	if len(ops) > 0 {
		if _, err := e.Backend.UpdateWorkItem(callCtx, change.ItemID, ops); err != nil {
			return types.ItemOutcome{ItemID: change.ItemID, Status: types.OutcomeFailed, Reason: err.Error()}
		}
	}

	if change.CommentText != "" {
		text := fmt.Sprintf("%s The earlier bulk comment has been retracted:\n\n> %s",
			reversalPrefix, strings.ReplaceAll(change.CommentText, "\n", "\n> "))
		if _, err := e.Backend.AddComment(callCtx, change.ItemID, text); err != nil {
			return types.ItemOutcome{ItemID: change.ItemID, Status: types.OutcomeFailed, Reason: err.Error()}
		}
	}

	return types.ItemOutcome{ItemID: change.ItemID, Status: types.OutcomeSucceeded}
}

// linkRemovalOp locates the recorded link on the live item and returns the
// patch removing it. A link already gone is reported as a skip, not an error.
func (e *Engine) linkRemovalOp(ctx context.Context, itemID int, link *types.LinkDescriptor) (*backend.PatchOperation, string, error) {
	item, err := e.Backend.GetWorkItem(ctx, itemID, true)
	if err != nil {
		return nil, "", err
	}
	suffix := fmt.Sprintf("/%d", link.TargetID)
	for i, rel := range item.Relations {
		if strings.HasSuffix(rel.URL, suffix) {
			return &backend.PatchOperation{Op: "remove", Path: fmt.Sprintf("/relations/%d", i)}, "", nil
		}
	}
	return nil, fmt.Sprintf("link to #%d already removed", link.TargetID), nil
}

func describeReversal(change types.ItemChange) string {
	var parts []string
	for field, delta := range change.Fields {
		name := field
		if idx := strings.LastIndex(field, "."); idx != -1 {
			name = field[idx+1:]
		}
		if delta.From == nil {
			parts = append(parts, fmt.Sprintf("remove %s", name))
		} else {
			parts = append(parts, fmt.Sprintf("restore %s to %q", name, *delta.From))
		}
	}
	if change.CommentText != "" {
		parts = append(parts, "post reversal comment (backend cannot delete comments)")
	}
	if change.Link != nil {
		parts = append(parts, fmt.Sprintf("remove %s link to #%d", change.Link.Type, change.Link.TargetID))
	}
	return fmt.Sprintf("#%d: %s", change.ItemID, strings.Join(parts, "; "))
}

func (e *Engine) concurrency() int {
	if e.Concurrency > 0 {
		return e.Concurrency
	}
	return 5
}

func (e *Engine) callTimeout() time.Duration {
	if e.CallTimeout > 0 {
		return e.CallTimeout
	}
	return 30 * time.Second
}
