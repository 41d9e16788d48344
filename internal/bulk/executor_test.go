package bulk

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelworks/handlebar/internal/backend"
	"github.com/kestrelworks/handlebar/internal/backend/memory"
	"github.com/kestrelworks/handlebar/internal/handle"
	"github.com/kestrelworks/handlebar/internal/types"
)

type stubEnricher struct {
	text string
	err  error
}

func (s *stubEnricher) Enrich(ctx context.Context, prompt string, item *backend.WorkItem) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.text, nil
}

// fixture seeds three work items and a handle over them.
func fixture(t *testing.T) (*memory.Backend, *handle.Store, string, *Executor) {
	t.Helper()
	be := memory.New("bulk-bot@example.com")
	be.AddItem(101, map[string]interface{}{
		backend.FieldTitle: "login broken",
		backend.FieldState: "Active",
		backend.FieldTags:  "bug; auth",
	})
	be.AddItem(102, map[string]interface{}{
		backend.FieldTitle: "dark mode",
		backend.FieldState: "Active",
	})
	be.AddItem(103, map[string]interface{}{
		backend.FieldTitle: "flaky test",
		backend.FieldState: "Closed",
	})

	store := handle.NewStore()
	id := store.Create([]int{101, 102, 103}, types.QueryMetadata{Source: "ids", ExecutedAt: time.Now()}, 0, nil)
	return be, store, id, NewExecutor(be, store)
}

func TestExecuteTransition(t *testing.T) {
	be, store, id, exec := fixture(t)

	res, err := exec.Execute(context.Background(), id,
		types.All, types.Action{Type: types.ActionTransitionState, State: "Closed"}, types.Mode{})
	require.NoError(t, err)

	assert.Equal(t, 3, res.ItemsAffected)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 1, res.Skipped)
	assert.True(t, res.Success())

	for _, itemID := range []int{101, 102, 103} {
		wi, err := be.GetWorkItem(context.Background(), itemID, false)
		require.NoError(t, err)
		assert.Equal(t, "Closed", backend.StringField(wi.Fields, backend.FieldState))
	}

	// Ledger covers only the items that actually changed, with pre-change values.
	history, err := store.OperationHistory(id)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Len(t, history[0].Changes, 2)
	for _, change := range history[0].Changes {
		delta := change.Fields[backend.FieldState]
		require.NotNil(t, delta.From)
		assert.Equal(t, "Active", *delta.From)
		assert.Equal(t, "Closed", *delta.To)
	}
}

func TestDryRunIsPureAndRepeatable(t *testing.T) {
	be, store, id, exec := fixture(t)

	first, err := exec.Execute(context.Background(), id,
		types.All, types.Action{Type: types.ActionTransitionState, State: "Closed"}, types.Mode{DryRun: true})
	require.NoError(t, err)
	second, err := exec.Execute(context.Background(), id,
		types.All, types.Action{Type: types.ActionTransitionState, State: "Closed"}, types.Mode{DryRun: true})
	require.NoError(t, err)

	assert.Zero(t, be.MutationCount(), "dry run must not mutate")
	assert.Zero(t, be.BatchCalls, "dry run must not submit batches")
	assert.Equal(t, first, second, "identical dry runs must project identically")

	assert.True(t, first.DryRun)
	assert.Equal(t, 2, first.Succeeded)
	assert.NotEmpty(t, first.Preview)

	// No ledger record for a dry run.
	history, err := store.OperationHistory(id)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestDryRunPreviewBounded(t *testing.T) {
	be := memory.New("bulk-bot@example.com")
	var ids []int
	for i := 1; i <= 25; i++ {
		be.AddItem(i, map[string]interface{}{backend.FieldState: "Active"})
		ids = append(ids, i)
	}
	store := handle.NewStore()
	id := store.Create(ids, types.QueryMetadata{Source: "ids"}, 0, nil)
	exec := NewExecutor(be, store)

	res, err := exec.Execute(context.Background(), id,
		types.All, types.Action{Type: types.ActionComment, Comment: "ping"}, types.Mode{DryRun: true})
	require.NoError(t, err)

	require.Len(t, res.Preview, maxPreview+1)
	assert.Equal(t, fmt.Sprintf("... and %d more", 25-maxPreview), res.Preview[maxPreview])
}

func TestValidationAbortsBeforeMutation(t *testing.T) {
	be, _, id, exec := fixture(t)

	tests := []struct {
		name   string
		action types.Action
	}{
		{"unknown state", types.Action{Type: types.ActionTransitionState, State: "Bogus"}},
		{"unknown action", types.Action{Type: "explode"}},
		{"unknown link type", types.Action{Type: types.ActionLink, Link: &types.LinkDescriptor{Type: "sibling", TargetID: 1}}},
		{"malformed field", types.Action{Type: types.ActionFieldUpdate, Field: "System.State/evil", Value: "x"}},
		{"enrich without client", types.Action{Type: types.ActionEnrich, Prompt: "improve"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := exec.Execute(context.Background(), id, types.All, tt.action, types.Mode{})
			require.Error(t, err)
		})
	}
	assert.Zero(t, be.MutationCount(), "validation failures must not mutate anything")
}

func TestPerItemFailureIsolation(t *testing.T) {
	be, store, id, exec := fixture(t)
	be.FailUpdates[102] = errors.New("simulated outage")

	res, err := exec.Execute(context.Background(), id,
		types.All, types.Action{Type: types.ActionTransitionState, State: "Resolved"}, types.Mode{})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Succeeded+res.Failed+res.Skipped)
	assert.Equal(t, 1, res.Failed)
	assert.True(t, res.Partial())
	assert.Contains(t, res.Summary, "[partial]")

	// Siblings of the failed item must still have been mutated.
	wi, err := be.GetWorkItem(context.Background(), 101, false)
	require.NoError(t, err)
	assert.Equal(t, "Resolved", backend.StringField(wi.Fields, backend.FieldState))

	// The ledger excludes the failed item.
	history, err := store.OperationHistory(id)
	require.NoError(t, err)
	require.Len(t, history, 1)
	for _, change := range history[0].Changes {
		assert.NotEqual(t, 102, change.ItemID)
	}
}

func TestBatchedComments(t *testing.T) {
	be, _, id, exec := fixture(t)
	exec.BatchSize = 2

	res, err := exec.Execute(context.Background(), id,
		types.All, types.Action{Type: types.ActionComment, Comment: "sweeping"}, types.Mode{})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Succeeded)
	assert.Equal(t, 2, be.BatchCalls, "3 items at chunk size 2 needs 2 batch calls")
	assert.Zero(t, be.UpdateCalls)

	for _, itemID := range []int{101, 102, 103} {
		comments, err := be.GetComments(context.Background(), itemID)
		require.NoError(t, err)
		require.Len(t, comments, 1)
		assert.Equal(t, "sweeping", comments[0].Text)
	}
}

func TestBatchFallbackMatchesPerItemPartition(t *testing.T) {
	be, _, id, exec := fixture(t)
	be.FailBatch = errors.New("batch endpoint down")
	be.FailComments[102] = errors.New("simulated outage")

	res, err := exec.Execute(context.Background(), id,
		types.All, types.Action{Type: types.ActionComment, Comment: "hello"}, types.Mode{})
	require.NoError(t, err)

	// Wholesale batch failure degrades to per-item execution with the same
	// final partition a per-item run would produce.
	assert.GreaterOrEqual(t, be.BatchCalls, 1)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)

	for _, o := range res.Items {
		if o.ItemID == 102 {
			assert.Equal(t, types.OutcomeFailed, o.Status)
			assert.Contains(t, o.Reason, "simulated outage")
		}
	}
}

func TestBatchSubRequestFailureMapsToItem(t *testing.T) {
	be, _, id, exec := fixture(t)
	be.FailUpdates[102] = errors.New("stale revision")

	res, err := exec.Execute(context.Background(), id,
		types.All, types.Action{Type: types.ActionFieldUpdate, Field: backend.FieldPriority, Value: "1"}, types.Mode{})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	for _, o := range res.Items {
		if o.ItemID == 102 {
			assert.Equal(t, types.OutcomeFailed, o.Status)
			assert.Contains(t, o.Reason, "batch sub-request failed")
		}
	}
}

func TestSkipReasons(t *testing.T) {
	_, _, id, exec := fixture(t)

	tests := []struct {
		name       string
		action     types.Action
		skippedID  int
		wantReason string
	}{
		{"already in state", types.Action{Type: types.ActionTransitionState, State: "Closed"}, 103, `already in state "Closed"`},
		{"tag present", types.Action{Type: types.ActionAddTag, Tag: "bug"}, 101, `tag "bug" already present`},
		{"tag absent", types.Action{Type: types.ActionRemoveTag, Tag: "auth"}, 102, `tag "auth" not present`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := exec.Execute(context.Background(), id, types.All, tt.action, types.Mode{DryRun: true})
			require.NoError(t, err)
			found := false
			for _, o := range res.Items {
				if o.ItemID == tt.skippedID {
					found = true
					assert.Equal(t, types.OutcomeSkipped, o.Status)
					assert.Equal(t, tt.wantReason, o.Reason)
				}
			}
			assert.True(t, found, "expected outcome for item %d", tt.skippedID)
		})
	}
}

func TestLinkAction(t *testing.T) {
	be, _, id, exec := fixture(t)

	action := types.Action{Type: types.ActionLink, Link: &types.LinkDescriptor{Type: "related", TargetID: 103}}
	res, err := exec.Execute(context.Background(), id,
		types.Selector{Kind: types.SelectIndices, Indices: []int{0}}, action, types.Mode{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Succeeded)

	wi, err := be.GetWorkItem(context.Background(), 101, true)
	require.NoError(t, err)
	require.Len(t, wi.Relations, 1)
	assert.Equal(t, "System.LinkTypes.Related", wi.Relations[0].Rel)

	// Re-linking the same target is a skip, not a duplicate relation.
	res, err = exec.Execute(context.Background(), id,
		types.Selector{Kind: types.SelectIndices, Indices: []int{0}}, action, types.Mode{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
}

func TestEnrichAction(t *testing.T) {
	be, store, id, exec := fixture(t)
	exec.Enricher = &stubEnricher{text: "A crisper description."}

	res, err := exec.Execute(context.Background(), id,
		types.Selector{Kind: types.SelectIndices, Indices: []int{1}},
		types.Action{Type: types.ActionEnrich, Prompt: "tighten this up"}, types.Mode{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Succeeded)

	wi, err := be.GetWorkItem(context.Background(), 102, false)
	require.NoError(t, err)
	assert.Equal(t, "A crisper description.", backend.StringField(wi.Fields, backend.FieldDescription))

	// The description was previously absent, so undo data records a nil From.
	history, err := store.OperationHistory(id)
	require.NoError(t, err)
	require.Len(t, history, 1)
	delta := history[0].Changes[0].Fields[backend.FieldDescription]
	assert.Nil(t, delta.From)
}

func TestMissingItemFails(t *testing.T) {
	be := memory.New("bulk-bot@example.com")
	be.AddItem(1, map[string]interface{}{backend.FieldState: "Active"})
	store := handle.NewStore()
	id := store.Create([]int{1, 999}, types.QueryMetadata{Source: "ids"}, 0, nil)
	exec := NewExecutor(be, store)

	res, err := exec.Execute(context.Background(), id,
		types.All, types.Action{Type: types.ActionTransitionState, State: "Closed"}, types.Mode{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	for _, o := range res.Items {
		if o.ItemID == 999 {
			assert.Equal(t, "work item not found", o.Reason)
		}
	}
}

func TestUnknownHandle(t *testing.T) {
	_, _, _, exec := fixture(t)
	_, err := exec.Execute(context.Background(), "qh-missing",
		types.All, types.Action{Type: types.ActionComment, Comment: "hi"}, types.Mode{})
	assert.ErrorIs(t, err, handle.ErrNotFound)
}

func TestPipelineStopOnError(t *testing.T) {
	_, _, id, exec := fixture(t)

	steps := []Step{
		{Selector: types.All, Action: types.Action{Type: types.ActionTransitionState, State: "Bogus"}},
		{Selector: types.All, Action: types.Action{Type: types.ActionComment, Comment: "never runs"}},
	}
	results, err := exec.ExecutePipeline(context.Background(), id, steps, true, types.Mode{})
	require.NoError(t, err)

	require.Len(t, results, 1, "stopOnError must halt after the failed step")
	assert.False(t, results[0].Success())
	assert.NotEmpty(t, results[0].Errors)
}

func TestPipelineContinuesWithoutStopOnError(t *testing.T) {
	be, _, id, exec := fixture(t)

	steps := []Step{
		{Selector: types.All, Action: types.Action{Type: types.ActionTransitionState, State: "Bogus"}},
		{Selector: types.All, Action: types.Action{Type: types.ActionComment, Comment: "still runs"}},
	}
	results, err := exec.ExecutePipeline(context.Background(), id, steps, false, types.Mode{})
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, 3, results[1].Succeeded)

	comments, err := be.GetComments(context.Background(), 101)
	require.NoError(t, err)
	assert.Len(t, comments, 1)
}
