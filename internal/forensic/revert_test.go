package forensic

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelworks/handlebar/internal/backend"
	"github.com/kestrelworks/handlebar/internal/types"
)

func analyzeAndRevert(t *testing.T, s *scenario, itemIDs []int, filter Filter, mode types.Mode) ([]types.ForensicAnalysis, []types.RevertResult) {
	t.Helper()
	store, handleID := s.handleOver(itemIDs...)
	engine := NewEngine(s.be, store)

	analyses, warnings, err := engine.Analyze(context.Background(), handleID, filter)
	require.NoError(t, err)
	require.Empty(t, warnings)

	results, err := engine.Revert(context.Background(), analyses, mode)
	require.NoError(t, err)
	return analyses, results
}

func TestRevertRestoresBaseline(t *testing.T) {
	s := newScenario()
	s.be.AddItem(301, map[string]interface{}{
		backend.FieldTitle: "checkout flow",
		backend.FieldState: "New",
	})

	s.step(rogue, time.Hour)
	s.be.SetFields(301, map[string]interface{}{
		backend.FieldState: "Removed",
		backend.FieldTitle: "checkout flow (deprecated)",
	})

	_, results := analyzeAndRevert(t, s, []int{301}, Filter{Actor: rogue}, types.Mode{})

	require.Len(t, results, 1)
	assert.Equal(t, types.OutcomeSucceeded, results[0].Status)
	assert.Equal(t, 2, results[0].Applied)

	wi, err := s.be.GetWorkItem(context.Background(), 301, false)
	require.NoError(t, err)
	assert.Equal(t, "New", backend.StringField(wi.Fields, backend.FieldState))
	assert.Equal(t, "checkout flow", backend.StringField(wi.Fields, backend.FieldTitle))
}

func TestRevertOldestMatchingRevisionWins(t *testing.T) {
	s := newScenario()
	s.be.AddItem(301, map[string]interface{}{backend.FieldState: "New"})

	// The actor walked the state through two transitions; the revert target
	// is the value before the first of them.
	s.step(rogue, time.Hour)
	s.be.SetFields(301, map[string]interface{}{backend.FieldState: "Active"})
	s.step(rogue, time.Hour)
	s.be.SetFields(301, map[string]interface{}{backend.FieldState: "Closed"})

	analyses, results := analyzeAndRevert(t, s, []int{301}, Filter{Actor: rogue}, types.Mode{})

	require.Len(t, analyses, 1)
	assert.Len(t, analyses[0].Changes, 2, "both transitions are detected")
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].Applied, "one combined correction per field")

	wi, err := s.be.GetWorkItem(context.Background(), 301, false)
	require.NoError(t, err)
	assert.Equal(t, "New", backend.StringField(wi.Fields, backend.FieldState))
}

func TestRevertDryRun(t *testing.T) {
	s := newScenario()
	s.be.AddItem(301, map[string]interface{}{backend.FieldState: "New"})
	s.step(rogue, time.Hour)
	s.be.SetFields(301, map[string]interface{}{backend.FieldState: "Removed"})
	before := s.be.MutationCount()

	_, results := analyzeAndRevert(t, s, []int{301}, Filter{Actor: rogue}, types.Mode{DryRun: true})

	require.Len(t, results, 1)
	assert.True(t, results[0].DryRun)
	assert.Equal(t, types.OutcomeSucceeded, results[0].Status)
	assert.NotEmpty(t, results[0].Planned)
	assert.Equal(t, before, s.be.MutationCount(), "dry-run revert must not mutate")

	wi, err := s.be.GetWorkItem(context.Background(), 301, false)
	require.NoError(t, err)
	assert.Equal(t, "Removed", backend.StringField(wi.Fields, backend.FieldState))
}

func TestRevertSkipsWhenNothingFlagged(t *testing.T) {
	s := newScenario()
	s.be.AddItem(301, map[string]interface{}{backend.FieldState: "New"})
	s.step(rogue, time.Hour)
	s.be.SetFields(301, map[string]interface{}{backend.FieldState: "Removed"})
	s.step(human, time.Hour)
	s.be.SetFields(301, map[string]interface{}{backend.FieldState: "New"})

	_, results := analyzeAndRevert(t, s, []int{301}, Filter{Actor: rogue}, types.Mode{})

	require.Len(t, results, 1)
	assert.Equal(t, types.OutcomeSkipped, results[0].Status)
	assert.Equal(t, "nothing to revert", results[0].Reason)
}

func TestRevertRemovesAddedLink(t *testing.T) {
	s := newScenario()
	s.be.AddItem(301, map[string]interface{}{backend.FieldState: "New"})

	s.step(rogue, time.Hour)
	s.be.AddRelationDirect(301, backend.Relation{
		Rel: "System.LinkTypes.Related",
		URL: "https://dev.azure.com/org/_apis/wit/workItems/500",
	})

	_, results := analyzeAndRevert(t, s, []int{301}, Filter{Actor: rogue}, types.Mode{})

	require.Len(t, results, 1)
	require.Equal(t, types.OutcomeSucceeded, results[0].Status)

	wi, err := s.be.GetWorkItem(context.Background(), 301, true)
	require.NoError(t, err)
	assert.Empty(t, wi.Relations)
}

func TestRevertReaddsRemovedLink(t *testing.T) {
	s := newScenario()
	s.be.AddItem(301, map[string]interface{}{backend.FieldState: "New"})
	s.be.AddRelationDirect(301, backend.Relation{
		Rel: "System.LinkTypes.Related",
		URL: "https://dev.azure.com/org/_apis/wit/workItems/400",
	})

	s.step(rogue, time.Hour)
	s.be.RemoveRelationDirect(301, "https://dev.azure.com/org/_apis/wit/workItems/400")

	_, results := analyzeAndRevert(t, s, []int{301}, Filter{Actor: rogue}, types.Mode{})

	require.Len(t, results, 1)
	require.Equal(t, types.OutcomeSucceeded, results[0].Status)

	wi, err := s.be.GetWorkItem(context.Background(), 301, true)
	require.NoError(t, err)
	require.Len(t, wi.Relations, 1)
	assert.Equal(t, "System.LinkTypes.Related", wi.Relations[0].Rel)
	assert.Contains(t, wi.Relations[0].URL, "400")
}

func TestRevertRemovesFieldAbsentFromBaseline(t *testing.T) {
	s := newScenario()
	s.be.AddItem(301, map[string]interface{}{backend.FieldState: "New"})

	s.step(rogue, time.Hour)
	s.be.SetFields(301, map[string]interface{}{backend.FieldIteration: `Project\Sprint 9`})

	_, results := analyzeAndRevert(t, s, []int{301}, Filter{Actor: rogue}, types.Mode{})

	require.Len(t, results, 1)
	require.Equal(t, types.OutcomeSucceeded, results[0].Status)

	wi, err := s.be.GetWorkItem(context.Background(), 301, false)
	require.NoError(t, err)
	_, present := wi.Fields[backend.FieldIteration]
	assert.False(t, present, "field the actor introduced must be removed, not blanked")
}

func TestRevertIsolatesItemFailures(t *testing.T) {
	s := newScenario()
	s.be.AddItem(301, map[string]interface{}{backend.FieldState: "New"})
	s.be.AddItem(302, map[string]interface{}{backend.FieldState: "New"})

	s.step(rogue, time.Hour)
	s.be.SetFields(301, map[string]interface{}{backend.FieldState: "Removed"})
	s.be.SetFields(302, map[string]interface{}{backend.FieldState: "Removed"})
	s.be.FailUpdates[302] = errors.New("simulated outage")

	_, results := analyzeAndRevert(t, s, []int{301, 302}, Filter{Actor: rogue}, types.Mode{})

	require.Len(t, results, 2)
	byID := map[int]types.RevertResult{}
	for _, r := range results {
		byID[r.ItemID] = r
	}
	assert.Equal(t, types.OutcomeSucceeded, byID[301].Status)
	assert.Equal(t, types.OutcomeFailed, byID[302].Status)

	wi, err := s.be.GetWorkItem(context.Background(), 301, false)
	require.NoError(t, err)
	assert.Equal(t, "New", backend.StringField(wi.Fields, backend.FieldState))
}
