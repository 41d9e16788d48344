// Package backend defines the work-tracking backend interface consumed by
// the bulk, undo, and forensic engines.
//
// The concrete REST implementation lives in the ado sub-package; the memory
// sub-package provides an in-process fake with revision history for tests.
// Engines depend on this interface rather than on a concrete type so that
// either can be substituted.
package backend

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// ErrNotFound is returned when a requested work item does not exist.
var ErrNotFound = errors.New("work item not found")

// MaxBatchSize is the largest number of sub-requests (or ids) the backend
// accepts in one batch call.
const MaxBatchSize = 200

// Well-known field reference names. The backend exposes fields as a flat
// reference-name -> value map; these are the names the engines care about.
const (
	FieldTitle        = "System.Title"
	FieldDescription  = "System.Description"
	FieldState        = "System.State"
	FieldWorkItemType = "System.WorkItemType"
	FieldAssignedTo   = "System.AssignedTo"
	FieldTags         = "System.Tags"
	FieldAreaPath     = "System.AreaPath"
	FieldIteration    = "System.IterationPath"
	FieldChangedDate  = "System.ChangedDate"
	FieldChangedBy    = "System.ChangedBy"
	FieldPriority     = "Microsoft.VSTS.Common.Priority"
)

// WorkItem is one live work item. Fields is keyed by field reference name;
// values are the backend's JSON-decoded representations.
type WorkItem struct {
	ID        int                    `json:"id"`
	Rev       int                    `json:"rev"`
	URL       string                 `json:"url,omitempty"`
	Fields    map[string]interface{} `json:"fields"`
	Relations []Relation             `json:"relations,omitempty"`
}

// Revision is one entry in a work item's ordered revision chain, normalized
// to the shape the forensic engine replays: who, when, and the complete
// field/relation snapshot as of that revision.
type Revision struct {
	Rev       int                    `json:"rev"`
	ChangedBy string                 `json:"changed_by"`
	ChangedAt time.Time              `json:"changed_at"`
	Fields    map[string]interface{} `json:"fields"`
	Relations []Relation             `json:"relations,omitempty"`
}

// Relation is a typed link from a work item to another resource.
type Relation struct {
	Rel        string                 `json:"rel"`
	URL        string                 `json:"url"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Comment is a work-item discussion entry.
type Comment struct {
	ID        int       `json:"id"`
	Text      string    `json:"text"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// PatchOperation is one JSON-patch style field operation.
type PatchOperation struct {
	Op    string      `json:"op"` // "add", "replace", "remove"
	Path  string      `json:"path"`
	Value interface{} `json:"value,omitempty"`
	From  string      `json:"from,omitempty"`
}

// BatchRequest is one sub-request of a coalesced batch submission.
type BatchRequest struct {
	Method  string            `json:"method"`
	URI     string            `json:"uri"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    interface{}       `json:"body,omitempty"`
}

// BatchResponse is one sub-response from a batch submission, positionally
// matched to its request.
type BatchResponse struct {
	Code int    `json:"code"`
	Body string `json:"body,omitempty"`
}

// OK reports whether the sub-request succeeded.
func (r BatchResponse) OK() bool {
	return r.Code >= 200 && r.Code < 300
}

// Backend is the work-tracking API surface the engines consume. Every call
// is a network suspension point; implementations apply their own per-call
// timeout and must honor ctx cancellation.
type Backend interface {
	// Reads
	GetWorkItem(ctx context.Context, id int, expandRelations bool) (*WorkItem, error)
	GetWorkItemsBatch(ctx context.Context, ids []int, fields []string) ([]*WorkItem, error)
	GetRevisions(ctx context.Context, id int) ([]Revision, error)
	GetComments(ctx context.Context, id int) ([]Comment, error)
	QueryWorkItemIDs(ctx context.Context, wiql string) ([]int, error)

	// Writes
	AddComment(ctx context.Context, id int, text string) (*Comment, error)
	UpdateWorkItem(ctx context.Context, id int, ops []PatchOperation) (*WorkItem, error)
	SubmitBatch(ctx context.Context, reqs []BatchRequest) ([]BatchResponse, error)
}

// StringField extracts a field as a display string. Identity-shaped values
// (maps with uniqueName/displayName) collapse to the unique name so deltas
// compare stably across reads.
func StringField(fields map[string]interface{}, name string) string {
	v, ok := fields[name]
	if !ok || v == nil {
		return ""
	}
	return StringValue(v)
}

// StringValue normalizes a decoded field value to a comparable string.
func StringValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]interface{}:
		// Identity fields decode as objects.
		if u, ok := t["uniqueName"].(string); ok && u != "" {
			return u
		}
		if d, ok := t["displayName"].(string); ok {
			return d
		}
		return ""
	case float64:
		// JSON numbers decode as float64; field values we track are integral.
		return formatNumber(t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}

func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
