package forensic

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kestrelworks/handlebar/internal/backend"
	"github.com/kestrelworks/handlebar/internal/debug"
	"github.com/kestrelworks/handlebar/internal/handle"
	"github.com/kestrelworks/handlebar/internal/telemetry"
	"github.com/kestrelworks/handlebar/internal/types"
)

// Filter selects which revisions count as unwanted: made by Actor, within
// the optional [After, Before] window.
type Filter struct {
	Actor  string    `json:"actor"`
	After  time.Time `json:"after,omitempty"`
	Before time.Time `json:"before,omitempty"`
}

// systemFields are metadata-only surfaces excluded from change detection.
// Edits to these reflect churn, not substantive changes.
var systemFields = map[string]struct{}{
	backend.FieldChangedDate:      {},
	backend.FieldChangedBy:        {},
	"System.Rev":                  {},
	"System.RevisedDate":          {},
	"System.AuthorizedDate":       {},
	"System.AuthorizedAs":         {},
	"System.PersonId":             {},
	"System.Watermark":            {},
	"System.CommentCount":         {},
	"System.BoardColumn":          {},
	"System.BoardColumnDone":      {},
	"Microsoft.VSTS.Common.StateChangeDate": {},
}

// Engine replays revision history to detect and revert an actor's changes.
type Engine struct {
	Backend     backend.Backend
	Store       *handle.Store
	Concurrency int
	CallTimeout time.Duration
}

// NewEngine creates a forensic engine with default limits.
func NewEngine(be backend.Backend, store *handle.Store) *Engine {
	return &Engine{
		Backend:     be,
		Store:       store,
		Concurrency: 5,
		CallTimeout: 30 * time.Second,
	}
}

// Analyze replays every item in the handle. Per-item analysis failures
// degrade to warnings so a partial analysis remains usable.
func (e *Engine) Analyze(ctx context.Context, handleID string, filter Filter) ([]types.ForensicAnalysis, []string, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "forensic.analyze")
	defer span.End()

	if strings.TrimSpace(filter.Actor) == "" {
		return nil, nil, fmt.Errorf("forensic filter requires an actor")
	}

	ids, err := e.Store.Resolve(handleID, types.All)
	if err != nil {
		return nil, nil, err
	}

	analyses := make([]*types.ForensicAnalysis, len(ids))
	errs := make([]error, len(ids))

	var g errgroup.Group
	g.SetLimit(e.concurrency())
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			a, aerr := e.analyzeItem(ctx, id, filter)
			analyses[i], errs[i] = a, aerr
			return nil
		})
	}
	_ = g.Wait()

	var out []types.ForensicAnalysis
	var warnings []string
	for i, id := range ids {
		if errs[i] != nil {
			warnings = append(warnings, fmt.Sprintf("#%d: analysis failed: %v", id, errs[i]))
			continue
		}
		out = append(out, *analyses[i])
		telemetry.RecordForensic(ctx, len(analyses[i].Changes), analyses[i].NeedingRevert)
	}
	return out, warnings, nil
}

// analyzeItem runs the full replay for one item:
//  1. fetch the ordered revision chain and current live state,
//  2. mark revisions matching the filter,
//  3. compute the baseline (state immediately before the first match),
//  4. walk newest-to-oldest diffing each matching revision against its
//     predecessor,
//  5. flag needsRevert only where live state still differs from baseline.
func (e *Engine) analyzeItem(ctx context.Context, id int, filter Filter) (*types.ForensicAnalysis, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout())
	defer cancel()

	revs, err := e.Backend.GetRevisions(callCtx, id)
	if err != nil {
		return nil, err
	}
	current, err := e.Backend.GetWorkItem(callCtx, id, true)
	if err != nil {
		return nil, err
	}

	analysis := &types.ForensicAnalysis{
		ItemID:            id,
		CurrentType:       backend.StringField(current.Fields, backend.FieldWorkItemType),
		CurrentState:      backend.StringField(current.Fields, backend.FieldState),
		RevisionsAnalyzed: len(revs),
	}

	matching := make([]bool, len(revs))
	firstMatch := -1
	for i, rev := range revs {
		if e.revisionMatches(rev, filter) {
			matching[i] = true
			if firstMatch == -1 {
				firstMatch = i
			}
		}
	}
	if firstMatch == -1 {
		// Nothing by this actor in the window: no baseline, nothing to revert.
		return analysis, nil
	}

	// Baseline: the complete surface state immediately before the first
	// matching revision. A first-revision match means the actor created the
	// item; every surface's baseline is then "absent".
	var baselineFields map[string]interface{}
	var baselineRels *relationSet
	if firstMatch > 0 {
		baselineFields = revs[firstMatch-1].Fields
		baselineRels = newRelationSet(revs[firstMatch-1].Relations)
	} else {
		baselineFields = map[string]interface{}{}
		baselineRels = newRelationSet(nil)
	}

	currentRels := newRelationSet(current.Relations)
	relationsSeen := len(current.Relations) > 0

	// Walk newest to oldest; each matching revision is diffed against its
	// immediate predecessor.
	for i := len(revs) - 1; i >= 0; i-- {
		if !matching[i] {
			continue
		}
		var prevFields map[string]interface{}
		var prevRels []backend.Relation
		if i > 0 {
			prevFields = revs[i-1].Fields
			prevRels = revs[i-1].Relations
		}
		if len(revs[i].Relations) > 0 || len(prevRels) > 0 {
			relationsSeen = true
		}

		e.diffFields(revs[i], prevFields, baselineFields, current.Fields, analysis)
		e.diffLinks(revs[i], prevRels, baselineRels, currentRels, analysis)
	}

	// Order findings newest revision first for the operator.
	sort.SliceStable(analysis.Changes, func(a, b int) bool {
		return analysis.Changes[a].Revision > analysis.Changes[b].Revision
	})

	for _, c := range analysis.Changes {
		if c.NeedsRevert {
			analysis.NeedingRevert++
		} else {
			analysis.AlreadyReverted++
		}
	}

	analysis.Diagnostics.RelationsAvailable = relationsSeen
	analysis.Diagnostics.NormalizationCollisions = currentRels.collisions + baselineRels.collisions
	for f := range currentRels.formats {
		analysis.Diagnostics.URLFormatsSeen = append(analysis.Diagnostics.URLFormatsSeen, f)
	}
	sort.Strings(analysis.Diagnostics.URLFormatsSeen)

	debug.Logf("forensic: #%d analyzed %d revisions, %d changes, %d needing revert\n",
		id, len(revs), len(analysis.Changes), analysis.NeedingRevert)
	return analysis, nil
}

func (e *Engine) revisionMatches(rev backend.Revision, filter Filter) bool {
	if !strings.EqualFold(rev.ChangedBy, filter.Actor) {
		return false
	}
	if !filter.After.IsZero() && rev.ChangedAt.Before(filter.After) {
		return false
	}
	if !filter.Before.IsZero() && rev.ChangedAt.After(filter.Before) {
		return false
	}
	return true
}

// diffFields emits one DetectedChange per substantive field differing between
// a matching revision and its predecessor. needsRevert compares the current
// live value against the baseline, never against the edit itself: a change a
// later event already restored is reported but not flagged.
func (e *Engine) diffFields(rev backend.Revision, prevFields, baselineFields, currentFields map[string]interface{}, analysis *types.ForensicAnalysis) {
	names := make(map[string]struct{}, len(rev.Fields)+len(prevFields))
	for name := range rev.Fields {
		names[name] = struct{}{}
	}
	for name := range prevFields {
		names[name] = struct{}{}
	}

	for name := range names {
		if _, excluded := systemFields[name]; excluded {
			continue
		}
		oldVal := backend.StringField(prevFields, name)
		newVal := backend.StringField(rev.Fields, name)
		if oldVal == newVal {
			continue
		}

		baseline := backend.StringField(baselineFields, name)
		currentVal := backend.StringField(currentFields, name)

		analysis.Changes = append(analysis.Changes, types.DetectedChange{
			Revision:     rev.Rev,
			At:           rev.ChangedAt,
			Actor:        rev.ChangedBy,
			ChangeType:   classifyField(name),
			Field:        name,
			OldValue:     oldVal,
			NewValue:     newVal,
			CurrentValue: currentVal,
			NeedsRevert:  currentVal != baseline,
		})
	}
}

// diffLinks emits link-add/link-remove changes using normalized relation
// identities. An addition needs revert while still present and absent from
// baseline; a removal needs revert while absent and present in baseline.
func (e *Engine) diffLinks(rev backend.Revision, prevRels []backend.Relation, baselineRels, currentRels *relationSet, analysis *types.ForensicAnalysis) {
	prev := newRelationSet(prevRels)
	next := newRelationSet(rev.Relations)
	added, removed := diffRelations(prev, next)

	for _, key := range added {
		raw := next.byKey[key]
		analysis.Changes = append(analysis.Changes, types.DetectedChange{
			Revision:     rev.Rev,
			At:           rev.ChangedAt,
			Actor:        rev.ChangedBy,
			ChangeType:   types.ChangeLinkAdd,
			OldValue:     "",
			NewValue:     key.target,
			CurrentValue: presentLabel(currentRels.has(key)),
			NeedsRevert:  currentRels.has(key) && !baselineRels.has(key),
			LinkRel:      raw.Rel,
			LinkURL:      raw.URL,
		})
	}
	for _, key := range removed {
		raw := prev.byKey[key]
		analysis.Changes = append(analysis.Changes, types.DetectedChange{
			Revision:     rev.Rev,
			At:           rev.ChangedAt,
			Actor:        rev.ChangedBy,
			ChangeType:   types.ChangeLinkRemove,
			OldValue:     key.target,
			NewValue:     "",
			CurrentValue: presentLabel(currentRels.has(key)),
			NeedsRevert:  !currentRels.has(key) && baselineRels.has(key),
			LinkRel:      raw.Rel,
			LinkURL:      raw.URL,
		})
	}
}

func classifyField(name string) types.ChangeType {
	switch name {
	case backend.FieldState:
		return types.ChangeState
	case backend.FieldWorkItemType:
		return types.ChangeItemType
	default:
		return types.ChangeField
	}
}

func presentLabel(present bool) string {
	if present {
		return "present"
	}
	return "absent"
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
