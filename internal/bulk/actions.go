// Package bulk implements the bulk mutation executor: one action applied to
// a resolved item-ID list under bounded concurrency, with optional request
// batching, per-item failure isolation, and ledger records for undo.
package bulk

import (
	"context"
	"fmt"
	"strings"

	"github.com/kestrelworks/handlebar/internal/backend"
	"github.com/kestrelworks/handlebar/internal/types"
)

// Enricher produces AI-generated text for the ai-enrich action. The concrete
// implementation lives in internal/enrich; the executor only needs this much.
type Enricher interface {
	Enrich(ctx context.Context, prompt string, item *backend.WorkItem) (string, error)
}

// linkRels maps caller-facing link type names to backend relation reference
// names. The set is closed; an unknown name is a validation error.
var linkRels = map[string]string{
	"related":   "System.LinkTypes.Related",
	"parent":    "System.LinkTypes.Hierarchy-Reverse",
	"child":     "System.LinkTypes.Hierarchy-Forward",
	"duplicate": "System.LinkTypes.Duplicate-Forward",
	"successor": "System.LinkTypes.Dependency-Forward",
}

// defaultKnownStates is the state whitelist used when the caller does not
// configure one. Transitioning to a state outside the whitelist aborts the
// whole action before any mutation.
var defaultKnownStates = []string{"New", "Active", "Resolved", "Closed", "Removed"}

// removedState is the target of the remove action: the backend soft-deletes
// by state rather than destroying the item.
const removedState = "Removed"

// validate runs all pre-mutation checks for an action. A validation failure
// aborts the whole action (fail-fast); nothing has been mutated yet.
func (e *Executor) validate(action types.Action) error {
	switch action.Type {
	case types.ActionComment:
		if strings.TrimSpace(action.Comment) == "" {
			return fmt.Errorf("comment action requires non-empty text")
		}
	case types.ActionFieldUpdate:
		if action.Field == "" {
			return fmt.Errorf("field-update action requires a field reference name")
		}
		if strings.Contains(action.Field, "/") {
			return fmt.Errorf("malformed field reference %q", action.Field)
		}
	case types.ActionAssign:
		// Empty assignee means unassign; nothing to validate.
	case types.ActionRemove:
		// No payload.
	case types.ActionTransitionState:
		if !containsFold(e.knownStates(), action.State) {
			return fmt.Errorf("unknown target state %q (known: %s)", action.State, strings.Join(e.knownStates(), ", "))
		}
	case types.ActionMoveIteration:
		if action.Iteration == "" {
			return fmt.Errorf("move-iteration action requires an iteration path")
		}
	case types.ActionChangeType:
		if action.ItemType == "" {
			return fmt.Errorf("change-type action requires a work item type")
		}
	case types.ActionAddTag, types.ActionRemoveTag:
		if strings.TrimSpace(action.Tag) == "" {
			return fmt.Errorf("%s action requires a tag", action.Type)
		}
	case types.ActionLink:
		if action.Link == nil {
			return fmt.Errorf("link action requires a link descriptor")
		}
		if _, ok := linkRels[strings.ToLower(action.Link.Type)]; !ok {
			return fmt.Errorf("unknown link type %q", action.Link.Type)
		}
		if action.Link.TargetID <= 0 {
			return fmt.Errorf("link action requires a positive target id")
		}
	case types.ActionEnrich:
		if e.Enricher == nil {
			return fmt.Errorf("ai-enrich action requires an enrichment client")
		}
		if strings.TrimSpace(action.Prompt) == "" {
			return fmt.Errorf("ai-enrich action requires a prompt")
		}
	default:
		return fmt.Errorf("unknown action type %q", action.Type)
	}
	return nil
}

// plan is one item's mutation plan: the patch or comment to apply, the
// ledger delta to record on success, and a human description for previews.
type plan struct {
	ops      []backend.PatchOperation
	comment  string
	change   types.ItemChange
	describe string
	skip     string // non-empty = skip with this reason
}

// planItem computes the mutation plan for one item from its just-fetched
// live state. Pre-change values captured here are what undo restores later.
// The switch is the single dispatch point for the closed action set.
func (e *Executor) planItem(ctx context.Context, action types.Action, item *backend.WorkItem) (*plan, error) {
	change := types.ItemChange{ItemID: item.ID, Fields: map[string]types.FieldDelta{}}

	switch action.Type {
	case types.ActionComment:
		change.CommentText = action.Comment
		return &plan{
			comment:  action.Comment,
			change:   change,
			describe: fmt.Sprintf("add comment (%d chars)", len(action.Comment)),
		}, nil

	case types.ActionFieldUpdate:
		return e.planFieldChange(item, change, action.Field, action.Value)

	case types.ActionAssign:
		current := backend.StringField(item.Fields, backend.FieldAssignedTo)
		if strings.EqualFold(current, action.Assignee) {
			return &plan{skip: fmt.Sprintf("already assigned to %q", action.Assignee)}, nil
		}
		return e.planFieldChange(item, change, backend.FieldAssignedTo, action.Assignee)

	case types.ActionRemove:
		current := backend.StringField(item.Fields, backend.FieldState)
		if current == removedState {
			return &plan{skip: "already removed"}, nil
		}
		return e.planFieldChange(item, change, backend.FieldState, removedState)

	case types.ActionTransitionState:
		current := backend.StringField(item.Fields, backend.FieldState)
		if current == action.State {
			return &plan{skip: fmt.Sprintf("already in state %q", action.State)}, nil
		}
		return e.planFieldChange(item, change, backend.FieldState, action.State)

	case types.ActionMoveIteration:
		current := backend.StringField(item.Fields, backend.FieldIteration)
		if current == action.Iteration {
			return &plan{skip: fmt.Sprintf("already in iteration %q", action.Iteration)}, nil
		}
		return e.planFieldChange(item, change, backend.FieldIteration, action.Iteration)

	case types.ActionChangeType:
		current := backend.StringField(item.Fields, backend.FieldWorkItemType)
		if strings.EqualFold(current, action.ItemType) {
			return &plan{skip: fmt.Sprintf("already of type %q", action.ItemType)}, nil
		}
		return e.planFieldChange(item, change, backend.FieldWorkItemType, action.ItemType)

	case types.ActionAddTag:
		tags := splitTags(backend.StringField(item.Fields, backend.FieldTags))
		if containsFold(tags, action.Tag) {
			return &plan{skip: fmt.Sprintf("tag %q already present", action.Tag)}, nil
		}
		return e.planFieldChange(item, change, backend.FieldTags, joinTags(append(tags, action.Tag)))

	case types.ActionRemoveTag:
		tags := splitTags(backend.StringField(item.Fields, backend.FieldTags))
		kept := tags[:0]
		for _, t := range tags {
			if !strings.EqualFold(t, action.Tag) {
				kept = append(kept, t)
			}
		}
		if len(kept) == len(tags) {
			return &plan{skip: fmt.Sprintf("tag %q not present", action.Tag)}, nil
		}
		return e.planFieldChange(item, change, backend.FieldTags, joinTags(kept))

	case types.ActionLink:
		rel := linkRels[strings.ToLower(action.Link.Type)]
		targetURL := linkTargetURL(item, action.Link.TargetID)
		for _, r := range item.Relations {
			if r.Rel == rel && sameWorkItemTarget(r.URL, action.Link.TargetID) {
				return &plan{skip: fmt.Sprintf("link to #%d already exists", action.Link.TargetID)}, nil
			}
		}
		change.Link = action.Link
		return &plan{
			ops: []backend.PatchOperation{{
				Op:   "add",
				Path: "/relations/-",
				Value: map[string]interface{}{
					"rel": rel,
					"url": targetURL,
				},
			}},
			change:   change,
			describe: fmt.Sprintf("link %s -> #%d", action.Link.Type, action.Link.TargetID),
		}, nil

	case types.ActionEnrich:
		text, err := e.Enricher.Enrich(ctx, action.Prompt, item)
		if err != nil {
			return nil, fmt.Errorf("enrichment failed: %w", err)
		}
		return e.planFieldChange(item, change, backend.FieldDescription, text)

	default:
		// validate() rejects unknown types before planning.
		return nil, fmt.Errorf("unknown action type %q", action.Type)
	}
}

// planFieldChange builds a single-field patch with the pre-change value
// captured for undo. A previously absent field records a nil From so undo
// removes it instead of writing an empty string.
func (e *Executor) planFieldChange(item *backend.WorkItem, change types.ItemChange, field, value string) (*plan, error) {
	var from *string
	if cur, ok := item.Fields[field]; ok && cur != nil {
		s := backend.StringValue(cur)
		from = &s
	}
	to := value
	change.Fields[field] = types.FieldDelta{From: from, To: &to}

	op := backend.PatchOperation{Op: "replace", Path: "/fields/" + field, Value: value}
	if from == nil {
		op.Op = "add"
	}

	fromText := "(unset)"
	if from != nil {
		fromText = fmt.Sprintf("%q", *from)
	}
	return &plan{
		ops:      []backend.PatchOperation{op},
		change:   change,
		describe: fmt.Sprintf("%s %s -> %q", shortField(field), fromText, value),
	}, nil
}

func (e *Executor) knownStates() []string {
	if len(e.KnownStates) > 0 {
		return e.KnownStates
	}
	return defaultKnownStates
}

// batchable reports whether the backend can coalesce this action kind into
// $batch sub-requests.
func batchable(t types.ActionType) bool {
	return t == types.ActionComment || t == types.ActionFieldUpdate
}

func splitTags(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func joinTags(tags []string) string {
	return strings.Join(tags, "; ")
}

// linkTargetURL builds the relation URL for a target work item, reusing the
// item's own API URL shape when available.
func linkTargetURL(item *backend.WorkItem, targetID int) string {
	if item.URL != "" {
		if idx := strings.LastIndex(item.URL, "/"); idx != -1 {
			return fmt.Sprintf("%s/%d", item.URL[:idx], targetID)
		}
	}
	return fmt.Sprintf("_apis/wit/workItems/%d", targetID)
}

// sameWorkItemTarget reports whether a relation URL points at the given id.
func sameWorkItemTarget(url string, id int) bool {
	idx := strings.LastIndex(url, "/")
	if idx == -1 {
		return false
	}
	return url[idx+1:] == fmt.Sprintf("%d", id)
}

// shortField trims the namespace prefix for human-facing descriptions.
func shortField(field string) string {
	if idx := strings.LastIndex(field, "."); idx != -1 {
		return field[idx+1:]
	}
	return field
}

func containsFold(haystack []string, needle string) bool {
	for _, s := range haystack {
		if strings.EqualFold(s, needle) {
			return true
		}
	}
	return false
}
