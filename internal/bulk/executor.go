package bulk

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kestrelworks/handlebar/internal/backend"
	"github.com/kestrelworks/handlebar/internal/debug"
	"github.com/kestrelworks/handlebar/internal/handle"
	"github.com/kestrelworks/handlebar/internal/telemetry"
	"github.com/kestrelworks/handlebar/internal/types"
)

const (
	// DefaultConcurrency bounds the per-item worker pool.
	DefaultConcurrency = 5
	// DefaultCallTimeout applies to each backend call; a timed-out item is
	// marked failed and its siblings continue.
	DefaultCallTimeout = 30 * time.Second
	// maxPreview bounds the dry-run preview list.
	maxPreview = 10
)

// Executor applies one bulk action to a resolved item set.
type Executor struct {
	Backend  backend.Backend
	Store    *handle.Store
	Enricher Enricher

	Concurrency int
	BatchSize   int // sub-requests per $batch call; 0 disables coalescing
	CallTimeout time.Duration
	KnownStates []string
}

// NewExecutor creates an executor with default limits.
func NewExecutor(be backend.Backend, store *handle.Store) *Executor {
	return &Executor{
		Backend:     be,
		Store:       store,
		Concurrency: DefaultConcurrency,
		BatchSize:   backend.MaxBatchSize,
		CallTimeout: DefaultCallTimeout,
	}
}

// Step is one action of a multi-action pipeline.
type Step struct {
	Selector types.Selector `json:"selector"`
	Action   types.Action   `json:"action"`
}

// Execute resolves the selector against the handle and applies the action.
// Validation failures abort before any mutation; per-item backend errors
// never abort siblings. On live success a ledger record is appended with
// just-in-time pre-change values.
func (e *Executor) Execute(ctx context.Context, handleID string, sel types.Selector, action types.Action, mode types.Mode) (*types.ActionResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "bulk.execute")
	defer span.End()

	if err := e.validate(action); err != nil {
		return nil, fmt.Errorf("action validation failed: %w", err)
	}

	ids, err := e.Store.Resolve(handleID, sel)
	if err != nil {
		return nil, err
	}

	items, err := e.fetchItems(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch items: %w", err)
	}

	result := &types.ActionResult{
		Action:        action.Type,
		DryRun:        mode.DryRun,
		ItemsAffected: len(ids),
	}

	// Plan every item up front from its live state. Planning is read-only;
	// for ai-enrich it also generates the text that a live run would write.
	plans := make(map[int]*plan, len(ids))
	outcomes := make([]types.ItemOutcome, len(ids))
	for i, id := range ids {
		item, ok := items[id]
		if !ok {
			outcomes[i] = types.ItemOutcome{ItemID: id, Status: types.OutcomeFailed, Reason: "work item not found"}
			continue
		}
		p, perr := e.planItem(ctx, action, item)
		if perr != nil {
			outcomes[i] = types.ItemOutcome{ItemID: id, Status: types.OutcomeFailed, Reason: perr.Error()}
			continue
		}
		if p.skip != "" {
			outcomes[i] = types.ItemOutcome{ItemID: id, Status: types.OutcomeSkipped, Reason: p.skip}
			continue
		}
		plans[id] = p
	}

	if mode.DryRun {
		e.projectDryRun(ids, plans, outcomes, result)
		e.finish(ctx, result, outcomes)
		return result, nil
	}

	// Live execution: batched path first for batchable actions, then the
	// bounded worker pool for whatever remains.
	pending := pendingIDs(ids, plans, outcomes)
	if batchable(action.Type) && e.BatchSize > 1 && len(pending) > 1 {
		pending = e.runBatched(ctx, action.Type, pending, plans, ids, outcomes)
	}
	e.runPerItem(ctx, pending, plans, ids, outcomes)

	// Ledger records cover only successfully mutated items.
	var changes []types.ItemChange
	for i, id := range ids {
		if outcomes[i].Status == types.OutcomeSucceeded {
			changes = append(changes, plans[id].change)
		}
	}
	if len(changes) > 0 {
		if _, err := e.Store.RecordOperation(handleID, action.Type, changes); err != nil {
			// The mutations happened; a vanished handle only loses undo.
			result.Warnings = append(result.Warnings, fmt.Sprintf("operation not recorded for undo: %v", err))
		}
	}

	e.finish(ctx, result, outcomes)
	return result, nil
}

// ExecutePipeline runs multiple actions in order against the same handle.
// With stopOnError, the first action that is not fully successful halts the
// remaining queue; otherwise all actions run independently.
func (e *Executor) ExecutePipeline(ctx context.Context, handleID string, steps []Step, stopOnError bool, mode types.Mode) ([]*types.ActionResult, error) {
	var results []*types.ActionResult
	for i, step := range steps {
		res, err := e.Execute(ctx, handleID, step.Selector, step.Action, mode)
		if err != nil {
			res = &types.ActionResult{
				Action: step.Action.Type,
				DryRun: mode.DryRun,
				Errors: []string{err.Error()},
			}
			res.Summary = fmt.Sprintf("%s: aborted: %v", step.Action.Type, err)
		}
		results = append(results, res)
		if stopOnError && !res.Success() {
			debug.Logf("pipeline halted at step %d (%s)\n", i+1, step.Action.Type)
			break
		}
	}
	return results, nil
}

// fetchItems retrieves live state for all targeted ids, relations included,
// keyed by id. Missing ids are simply absent from the map.
func (e *Executor) fetchItems(ctx context.Context, ids []int) (map[int]*backend.WorkItem, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout())
	defer cancel()

	fetched, err := e.Backend.GetWorkItemsBatch(callCtx, ids, nil)
	if err != nil {
		return nil, err
	}
	items := make(map[int]*backend.WorkItem, len(fetched))
	for _, wi := range fetched {
		items[wi.ID] = wi
	}
	return items, nil
}

// projectDryRun fills outcomes and a bounded preview without touching the
// backend. Repeated dry runs with identical inputs produce identical output.
func (e *Executor) projectDryRun(ids []int, plans map[int]*plan, outcomes []types.ItemOutcome, result *types.ActionResult) {
	for i, id := range ids {
		p, ok := plans[id]
		if !ok {
			continue // already failed or skipped during planning
		}
		outcomes[i] = types.ItemOutcome{ItemID: id, Status: types.OutcomeSucceeded}
		if len(result.Preview) < maxPreview {
			result.Preview = append(result.Preview, fmt.Sprintf("#%d: %s", id, p.describe))
		}
	}
	if len(plans) > maxPreview {
		result.Preview = append(result.Preview, fmt.Sprintf("... and %d more", len(plans)-maxPreview))
	}
}

// pendingIDs returns the ids that still need live execution, in input order.
func pendingIDs(ids []int, plans map[int]*plan, outcomes []types.ItemOutcome) []int {
	var pending []int
	for i, id := range ids {
		if _, ok := plans[id]; ok && outcomes[i].Status == "" {
			pending = append(pending, id)
		}
	}
	return pending
}

// runPerItem applies each pending item's plan under the bounded worker pool.
// Outcomes are order-independent; failures never abort siblings.
func (e *Executor) runPerItem(ctx context.Context, pending []int, plans map[int]*plan, ids []int, outcomes []types.ItemOutcome) {
	if len(pending) == 0 {
		return
	}
	idx := indexOf(ids)

	var g errgroup.Group
	g.SetLimit(e.concurrency())
	for _, id := range pending {
		id := id
		g.Go(func() error {
			outcomes[idx[id]] = e.applyOne(ctx, id, plans[id])
			return nil
		})
	}
	_ = g.Wait() // workers record outcomes instead of returning errors
}

// applyOne executes one item's plan with a per-call timeout.
func (e *Executor) applyOne(ctx context.Context, id int, p *plan) types.ItemOutcome {
	if err := ctx.Err(); err != nil {
		return types.ItemOutcome{ItemID: id, Status: types.OutcomeFailed, Reason: err.Error()}
	}
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout())
	defer cancel()

	if p.comment != "" {
		if _, err := e.Backend.AddComment(callCtx, id, p.comment); err != nil {
			return types.ItemOutcome{ItemID: id, Status: types.OutcomeFailed, Reason: err.Error()}
		}
		return types.ItemOutcome{ItemID: id, Status: types.OutcomeSucceeded}
	}
	if _, err := e.Backend.UpdateWorkItem(callCtx, id, p.ops); err != nil {
		return types.ItemOutcome{ItemID: id, Status: types.OutcomeFailed, Reason: err.Error()}
	}
	return types.ItemOutcome{ItemID: id, Status: types.OutcomeSucceeded}
}

// finish tallies outcomes, writes the human summary, and records metrics.
func (e *Executor) finish(ctx context.Context, result *types.ActionResult, outcomes []types.ItemOutcome) {
	for _, o := range outcomes {
		if o.Status == "" {
			continue
		}
		result.Items = append(result.Items, o)
		switch o.Status {
		case types.OutcomeSucceeded:
			result.Succeeded++
		case types.OutcomeFailed:
			result.Failed++
		case types.OutcomeSkipped:
			result.Skipped++
		}
	}
	result.Summary = summarize(result)
	telemetry.RecordBulkAction(ctx, string(result.Action), result.DryRun, result.Succeeded, result.Failed, result.Skipped)
}

func summarize(r *types.ActionResult) string {
	mode := "live"
	if r.DryRun {
		mode = "dry run"
	}
	s := fmt.Sprintf("%s (%s): %d targeted, %d succeeded, %d failed, %d skipped",
		r.Action, mode, r.ItemsAffected, r.Succeeded, r.Failed, r.Skipped)
	if r.Failed > 0 && r.Succeeded > 0 {
		s += " [partial]"
	}
	return s
}

func (e *Executor) concurrency() int {
	if e.Concurrency > 0 {
		return e.Concurrency
	}
	return DefaultConcurrency
}

func (e *Executor) callTimeout() time.Duration {
	if e.CallTimeout > 0 {
		return e.CallTimeout
	}
	return DefaultCallTimeout
}

func indexOf(ids []int) map[int]int {
	idx := make(map[int]int, len(ids))
	for i, id := range ids {
		idx[id] = i
	}
	return idx
}
