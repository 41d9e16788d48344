// Package types defines core data structures for the handlebar bulk-operations engine.
package types

import (
	"time"
)

// ItemContext holds the per-item fields captured when a query handle is
// created. Criteria selectors filter over these fields, so a handle can be
// narrowed without another round trip to the backend.
type ItemContext struct {
	Title         string    `json:"title"`
	Type          string    `json:"type,omitempty"`
	State         string    `json:"state,omitempty"`
	Assignee      string    `json:"assignee,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
	AreaPath      string    `json:"area_path,omitempty"`
	IterationPath string    `json:"iteration_path,omitempty"`
	LastChange    time.Time `json:"last_change,omitempty"`
}

// QueryMetadata records how a handle's item set was discovered.
type QueryMetadata struct {
	Source      string    `json:"source"` // "wiql", "ids", "import"
	Query       string    `json:"query,omitempty"`
	Description string    `json:"description,omitempty"`
	ExecutedAt  time.Time `json:"executed_at"`
}

// SelectorKind discriminates the item-selector variants.
type SelectorKind string

const (
	SelectAll      SelectorKind = "all"
	SelectIndices  SelectorKind = "indices"
	SelectCriteria SelectorKind = "criteria"
)

// Selector narrows a handle's item set for one action. Exactly one variant
// applies, chosen by Kind.
type Selector struct {
	Kind     SelectorKind `json:"kind"`
	Indices  []int        `json:"indices,omitempty"`  // 0-based into the stored list
	Criteria *Criteria    `json:"criteria,omitempty"` // conjunctive filter
}

// All is the selector that returns a handle's full item list.
var All = Selector{Kind: SelectAll}

// Criteria is a conjunctive filter over stored item context. Zero-value
// fields are ignored; every non-zero field must match.
type Criteria struct {
	States          []string `json:"states,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	Assignee        string   `json:"assignee,omitempty"`
	MinInactiveDays int      `json:"min_inactive_days,omitempty"`
}

// ActionType identifies one bulk-mutation strategy. The set is closed:
// adding a kind means adding one constant and one handler.
type ActionType string

const (
	ActionComment         ActionType = "comment"
	ActionFieldUpdate     ActionType = "field-update"
	ActionAssign          ActionType = "assign"
	ActionRemove          ActionType = "remove"
	ActionTransitionState ActionType = "transition-state"
	ActionMoveIteration   ActionType = "move-iteration"
	ActionChangeType      ActionType = "change-type"
	ActionAddTag          ActionType = "add-tag"
	ActionRemoveTag       ActionType = "remove-tag"
	ActionLink            ActionType = "link"
	ActionEnrich          ActionType = "ai-enrich"
)

// LinkDescriptor describes a work-item relation for link actions.
type LinkDescriptor struct {
	Type     string `json:"type"` // e.g. "related", "parent", "child", "duplicate"
	TargetID int    `json:"target_id"`
	Comment  string `json:"comment,omitempty"`
}

// Action is the payload for one bulk mutation. Type selects the variant;
// the remaining fields carry that variant's payload and are ignored by
// the others.
type Action struct {
	Type ActionType `json:"type"`

	Comment   string          `json:"comment,omitempty"`   // comment
	Field     string          `json:"field,omitempty"`     // field-update
	Value     string          `json:"value,omitempty"`     // field-update
	Assignee  string          `json:"assignee,omitempty"`  // assign ("" = unassign)
	State     string          `json:"state,omitempty"`     // transition-state
	Iteration string          `json:"iteration,omitempty"` // move-iteration
	ItemType  string          `json:"item_type,omitempty"` // change-type
	Tag       string          `json:"tag,omitempty"`       // add-tag / remove-tag
	Link      *LinkDescriptor `json:"link,omitempty"`      // link
	Prompt    string          `json:"prompt,omitempty"`    // ai-enrich
}

// FieldDelta captures a single field transition. A nil From means the field
// was absent before the mutation; undo removes it rather than restoring.
type FieldDelta struct {
	From *string `json:"from"`
	To   *string `json:"to"`
}

// ItemChange records what one bulk action did to one item, with enough
// delta data to support a one-step undo.
type ItemChange struct {
	ItemID      int                   `json:"item_id"`
	Fields      map[string]FieldDelta `json:"fields,omitempty"`
	CommentText string                `json:"comment_text,omitempty"`
	Link        *LinkDescriptor       `json:"link,omitempty"`
}

// OperationRecord is one ledger entry: a successfully executed bulk action.
// Seq is assigned by the handle store and is used for compare-and-remove so
// concurrent undo calls cannot both pop the same entry.
type OperationRecord struct {
	Seq     int64        `json:"seq"`
	Type    ActionType   `json:"type"`
	At      time.Time    `json:"at"`
	Changes []ItemChange `json:"changes"`
}

// OutcomeStatus classifies one item's result within a bulk action.
type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeSkipped   OutcomeStatus = "skipped"
)

// ItemOutcome is the per-item result of a bulk action, undo, or revert.
type ItemOutcome struct {
	ItemID int           `json:"item_id"`
	Status OutcomeStatus `json:"status"`
	Reason string        `json:"reason,omitempty"`
}

// ActionResult aggregates a bulk action's outcome.
type ActionResult struct {
	Action        ActionType    `json:"action"`
	DryRun        bool          `json:"dry_run"`
	ItemsAffected int           `json:"items_affected"`
	Succeeded     int           `json:"succeeded"`
	Failed        int           `json:"failed"`
	Skipped       int           `json:"skipped"`
	Items         []ItemOutcome `json:"items,omitempty"`
	Preview       []string      `json:"preview,omitempty"` // bounded, dry-run only
	Summary       string        `json:"summary"`
	Warnings      []string      `json:"warnings,omitempty"`
	Errors        []string      `json:"errors,omitempty"`
}

// Success reports whether every targeted item succeeded or was skipped.
func (r *ActionResult) Success() bool {
	return r.Failed == 0 && len(r.Errors) == 0
}

// Partial reports whether some items succeeded and others failed.
func (r *ActionResult) Partial() bool {
	return r.Failed > 0 && r.Succeeded > 0
}

// UndoResult aggregates a ledger-based undo.
type UndoResult struct {
	DryRun        bool          `json:"dry_run"`
	OperationType ActionType    `json:"operation_type"`
	OperationSeq  int64         `json:"operation_seq"`
	Items         []ItemOutcome `json:"items,omitempty"`
	Planned       []string      `json:"planned,omitempty"` // dry-run reversal descriptions
	LedgerCleared bool          `json:"ledger_cleared"`
	Summary       string        `json:"summary"`
	Warnings      []string      `json:"warnings,omitempty"`
	Errors        []string      `json:"errors,omitempty"`
}

// Success reports whether every recorded change was reverted.
func (r *UndoResult) Success() bool {
	for _, it := range r.Items {
		if it.Status == OutcomeFailed {
			return false
		}
	}
	return len(r.Errors) == 0
}

// ChangeType classifies a forensically detected change.
type ChangeType string

const (
	ChangeField      ChangeType = "field"
	ChangeItemType   ChangeType = "type"
	ChangeState      ChangeType = "state"
	ChangeLinkAdd    ChangeType = "link-add"
	ChangeLinkRemove ChangeType = "link-remove"
)

// DetectedChange is one revision-history change that matched the forensic
// filter. NeedsRevert is true only when the current live value still differs
// from the computed baseline; a change a human already fixed manually stays
// detected but is not flagged.
type DetectedChange struct {
	Revision     int        `json:"revision"`
	At           time.Time  `json:"at"`
	Actor        string     `json:"actor"`
	ChangeType   ChangeType `json:"change_type"`
	Field        string     `json:"field,omitempty"`
	OldValue     string     `json:"old_value"`
	NewValue     string     `json:"new_value"`
	CurrentValue string     `json:"current_value"`
	NeedsRevert  bool       `json:"needs_revert"`

	// Link changes carry the raw relation so a revert can re-add or remove it.
	LinkRel string `json:"link_rel,omitempty"`
	LinkURL string `json:"link_url,omitempty"`
}

// ForensicDiagnostics surfaces detection-quality signals so operators can
// sanity-check an analysis before trusting a revert.
type ForensicDiagnostics struct {
	RelationsAvailable      bool     `json:"relations_available"`
	URLFormatsSeen          []string `json:"url_formats_seen,omitempty"`
	NormalizationCollisions int      `json:"normalization_collisions,omitempty"`
}

// ForensicAnalysis is the per-item output of revision replay.
type ForensicAnalysis struct {
	ItemID            int                 `json:"item_id"`
	CurrentType       string              `json:"current_type"`
	CurrentState      string              `json:"current_state"`
	RevisionsAnalyzed int                 `json:"revisions_analyzed"`
	Changes           []DetectedChange    `json:"changes,omitempty"`
	NeedingRevert     int                 `json:"needing_revert"`
	AlreadyReverted   int                 `json:"already_reverted"`
	Diagnostics       ForensicDiagnostics `json:"diagnostics"`
}

// RevertResult is the per-item outcome of a forensic revert.
type RevertResult struct {
	ItemID  int           `json:"item_id"`
	DryRun  bool          `json:"dry_run"`
	Status  OutcomeStatus `json:"status"`
	Reason  string        `json:"reason,omitempty"`
	Planned []string      `json:"planned,omitempty"`
	Applied int           `json:"applied"` // corrections included in the combined patch
}

// Mode selects preview versus apply for executors and undo engines.
type Mode struct {
	DryRun bool `json:"dry_run"`
}
