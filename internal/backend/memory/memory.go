// Package memory provides an in-process backend fake with full revision
// history, used by engine tests. Every mutation records a revision snapshot
// the same way the real backend does, so the forensic engine can be tested
// against crafted histories.
package memory

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/kestrelworks/handlebar/internal/backend"
)

var workItemURIRe = regexp.MustCompile(`(?i)workitems/(\d+)`)

type item struct {
	id        int
	rev       int
	fields    map[string]interface{}
	relations []backend.Relation
	revisions []backend.Revision
	comments  []backend.Comment
}

// Backend is an in-memory backend.Backend implementation.
type Backend struct {
	mu    sync.Mutex
	items map[int]*item

	actor string
	now   func() time.Time

	// Fault injection for tests.
	FailUpdates  map[int]error // per-item UpdateWorkItem / batch sub-request failures
	FailBatch    error         // wholesale SubmitBatch failure
	FailComments map[int]error // per-item AddComment failures

	// Call counters for dry-run and fallback assertions.
	UpdateCalls  int
	CommentCalls int
	BatchCalls   int

	nextCommentID int
}

var _ backend.Backend = (*Backend)(nil)

// New creates an empty in-memory backend attributed to the given actor.
func New(actor string) *Backend {
	return &Backend{
		items:        make(map[int]*item),
		actor:        actor,
		now:          time.Now,
		FailUpdates:  make(map[int]error),
		FailComments: make(map[int]error),
	}
}

// SetActor changes who subsequent mutations are attributed to.
func (m *Backend) SetActor(actor string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actor = actor
}

// SetClock overrides the timestamp source for subsequent mutations.
func (m *Backend) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// AddItem seeds a work item; the seed counts as revision 1.
func (m *Backend) AddItem(id int, fields map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := &item{id: id, fields: copyFields(fields)}
	m.recordRevisionLocked(it)
	m.items[id] = it
}

// SetFields mutates fields directly (bypassing patch ops) and records a
// revision. Used by tests to craft histories with specific actors/times.
func (m *Backend) SetFields(id int, fields map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := m.items[id]
	if it == nil {
		return
	}
	for k, v := range fields {
		if v == nil {
			delete(it.fields, k)
		} else {
			it.fields[k] = v
		}
	}
	m.recordRevisionLocked(it)
}

// AddRelationDirect adds a relation and records a revision.
func (m *Backend) AddRelationDirect(id int, rel backend.Relation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := m.items[id]
	if it == nil {
		return
	}
	it.relations = append(it.relations, rel)
	m.recordRevisionLocked(it)
}

// RemoveRelationDirect removes the first relation with the given URL and
// records a revision.
func (m *Backend) RemoveRelationDirect(id int, url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := m.items[id]
	if it == nil {
		return
	}
	for i, r := range it.relations {
		if r.URL == url {
			it.relations = append(it.relations[:i], it.relations[i+1:]...)
			break
		}
	}
	m.recordRevisionLocked(it)
}

// MutationCount reports how many write operations have been applied. Dry-run
// tests assert this stays at zero.
func (m *Backend) MutationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.UpdateCalls + m.CommentCalls
}

// recordRevisionLocked snapshots the item's current state as a new revision.
func (m *Backend) recordRevisionLocked(it *item) {
	it.rev++
	at := m.now()
	fields := copyFields(it.fields)
	fields[backend.FieldChangedBy] = m.actor
	fields[backend.FieldChangedDate] = at.Format(time.RFC3339)
	it.revisions = append(it.revisions, backend.Revision{
		Rev:       it.rev,
		ChangedBy: m.actor,
		ChangedAt: at,
		Fields:    fields,
		Relations: copyRelations(it.relations),
	})
}

func (m *Backend) GetWorkItem(ctx context.Context, id int, expandRelations bool) (*backend.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := m.items[id]
	if it == nil {
		return nil, backend.ErrNotFound
	}
	wi := &backend.WorkItem{
		ID:     it.id,
		Rev:    it.rev,
		Fields: copyFields(it.fields),
	}
	if expandRelations {
		wi.Relations = copyRelations(it.relations)
	}
	return wi, nil
}

func (m *Backend) GetWorkItemsBatch(ctx context.Context, ids []int, fields []string) ([]*backend.WorkItem, error) {
	var out []*backend.WorkItem
	for _, id := range ids {
		wi, err := m.GetWorkItem(ctx, id, true)
		if err != nil {
			continue // batch GET omits missing ids rather than failing
		}
		out = append(out, wi)
	}
	return out, nil
}

func (m *Backend) GetRevisions(ctx context.Context, id int) ([]backend.Revision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := m.items[id]
	if it == nil {
		return nil, backend.ErrNotFound
	}
	revs := make([]backend.Revision, len(it.revisions))
	copy(revs, it.revisions)
	return revs, nil
}

func (m *Backend) GetComments(ctx context.Context, id int) ([]backend.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := m.items[id]
	if it == nil {
		return nil, backend.ErrNotFound
	}
	comments := make([]backend.Comment, len(it.comments))
	copy(comments, it.comments)
	return comments, nil
}

// QueryWorkItemIDs ignores the query text and returns all seeded ids in
// ascending order. Tests that need discovery seed exactly the set they want.
func (m *Backend) QueryWorkItemIDs(ctx context.Context, wiql string) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int, 0, len(m.items))
	for id := range m.items {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

func (m *Backend) AddComment(ctx context.Context, id int, text string) (*backend.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailComments[id]; err != nil {
		return nil, err
	}
	it := m.items[id]
	if it == nil {
		return nil, backend.ErrNotFound
	}
	m.CommentCalls++
	m.nextCommentID++
	c := backend.Comment{
		ID:        m.nextCommentID,
		Text:      text,
		CreatedBy: m.actor,
		CreatedAt: m.now(),
	}
	it.comments = append(it.comments, c)
	return &c, nil
}

func (m *Backend) UpdateWorkItem(ctx context.Context, id int, ops []backend.PatchOperation) (*backend.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(id, ops)
}

func (m *Backend) updateLocked(id int, ops []backend.PatchOperation) (*backend.WorkItem, error) {
	if err := m.FailUpdates[id]; err != nil {
		return nil, err
	}
	it := m.items[id]
	if it == nil {
		return nil, backend.ErrNotFound
	}
	m.UpdateCalls++

	for _, op := range ops {
		if err := applyOp(it, op); err != nil {
			return nil, err
		}
	}
	m.recordRevisionLocked(it)

	return &backend.WorkItem{
		ID:        it.id,
		Rev:       it.rev,
		Fields:    copyFields(it.fields),
		Relations: copyRelations(it.relations),
	}, nil
}

func applyOp(it *item, op backend.PatchOperation) error {
	const fieldsPrefix = "/fields/"
	switch {
	case len(op.Path) > len(fieldsPrefix) && op.Path[:len(fieldsPrefix)] == fieldsPrefix:
		name := op.Path[len(fieldsPrefix):]
		switch op.Op {
		case "add", "replace":
			it.fields[name] = op.Value
		case "remove":
			delete(it.fields, name)
		default:
			return fmt.Errorf("unsupported op %q", op.Op)
		}
	case op.Path == "/relations/-":
		rel, err := toRelation(op.Value)
		if err != nil {
			return err
		}
		it.relations = append(it.relations, rel)
	case len(op.Path) > len("/relations/") && op.Path[:len("/relations/")] == "/relations/":
		idx, err := strconv.Atoi(op.Path[len("/relations/"):])
		if err != nil || idx < 0 || idx >= len(it.relations) {
			return fmt.Errorf("bad relation index in %q", op.Path)
		}
		if op.Op != "remove" {
			return fmt.Errorf("unsupported relation op %q", op.Op)
		}
		it.relations = append(it.relations[:idx], it.relations[idx+1:]...)
	default:
		return fmt.Errorf("unsupported patch path %q", op.Path)
	}
	return nil
}

func toRelation(v interface{}) (backend.Relation, error) {
	switch t := v.(type) {
	case backend.Relation:
		return t, nil
	case map[string]interface{}:
		rel := backend.Relation{}
		if s, ok := t["rel"].(string); ok {
			rel.Rel = s
		}
		if s, ok := t["url"].(string); ok {
			rel.URL = s
		}
		return rel, nil
	default:
		return backend.Relation{}, fmt.Errorf("unsupported relation value %T", v)
	}
}

// SubmitBatch executes sub-requests sequentially, returning per-sub-request
// status codes. FailBatch makes the whole call fail, which is how tests
// exercise the executor's per-item fallback.
func (m *Backend) SubmitBatch(ctx context.Context, reqs []backend.BatchRequest) ([]backend.BatchResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BatchCalls++
	if m.FailBatch != nil {
		return nil, m.FailBatch
	}

	out := make([]backend.BatchResponse, len(reqs))
	for i, req := range reqs {
		out[i] = m.executeSubLocked(req)
	}
	return out, nil
}

func (m *Backend) executeSubLocked(req backend.BatchRequest) backend.BatchResponse {
	matches := workItemURIRe.FindStringSubmatch(req.URI)
	if matches == nil {
		return backend.BatchResponse{Code: 400, Body: "unrecognized uri"}
	}
	id, _ := strconv.Atoi(matches[1])

	switch req.Method {
	case "PATCH":
		ops, ok := req.Body.([]backend.PatchOperation)
		if !ok {
			return backend.BatchResponse{Code: 400, Body: "bad patch body"}
		}
		if _, err := m.updateLocked(id, ops); err != nil {
			return backend.BatchResponse{Code: 500, Body: err.Error()}
		}
		return backend.BatchResponse{Code: 200}
	case "POST":
		body, ok := req.Body.(map[string]string)
		if !ok {
			return backend.BatchResponse{Code: 400, Body: "bad comment body"}
		}
		if err := m.FailComments[id]; err != nil {
			return backend.BatchResponse{Code: 500, Body: err.Error()}
		}
		it := m.items[id]
		if it == nil {
			return backend.BatchResponse{Code: 404, Body: "not found"}
		}
		m.CommentCalls++
		m.nextCommentID++
		it.comments = append(it.comments, backend.Comment{
			ID:        m.nextCommentID,
			Text:      body["text"],
			CreatedBy: m.actor,
			CreatedAt: m.now(),
		})
		return backend.BatchResponse{Code: 200}
	default:
		return backend.BatchResponse{Code: 405, Body: "method not allowed"}
	}
}

func copyFields(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyRelations(in []backend.Relation) []backend.Relation {
	if len(in) == 0 {
		return nil
	}
	out := make([]backend.Relation, len(in))
	copy(out, in)
	return out
}
