package ado

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kestrelworks/handlebar/internal/backend"
)

func testClient(srv *httptest.Server) *Client {
	return &Client{
		Organization: "kestrel",
		Project:      "Checkout",
		PAT:          "pat-secret",
		BaseURL:      srv.URL,
		HTTPClient:   srv.Client(),
	}
}

func writeJSON(t *testing.T, w http.ResponseWriter, v interface{}) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Fatalf("encode response: %v", err)
	}
}

func TestRequestAuthAndVersion(t *testing.T) {
	var gotAuth, gotAccept, gotVersion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		gotVersion = r.URL.Query().Get("api-version")
		writeJSON(t, w, wireWorkItem{ID: 42, Rev: 3, Fields: map[string]interface{}{
			backend.FieldState: "Active",
		}})
	}))
	defer srv.Close()

	c := testClient(srv)
	wi, err := c.GetWorkItem(t.Context(), 42, false)
	if err != nil {
		t.Fatalf("GetWorkItem: %v", err)
	}
	if wi.ID != 42 || wi.Rev != 3 {
		t.Errorf("work item = #%d rev %d, want #42 rev 3", wi.ID, wi.Rev)
	}

	wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte(":pat-secret"))
	if gotAuth != wantAuth {
		t.Errorf("Authorization = %q, want %q", gotAuth, wantAuth)
	}
	if gotAccept != "application/json" {
		t.Errorf("Accept = %q, want application/json", gotAccept)
	}
	if gotVersion != APIVersion {
		t.Errorf("api-version = %q, want %q", gotVersion, APIVersion)
	}
}

func TestGetWorkItemExpandRelations(t *testing.T) {
	var gotExpand string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotExpand = r.URL.Query().Get("$expand")
		writeJSON(t, w, wireWorkItem{ID: 42, Relations: []wireRelation{
			{Rel: "System.LinkTypes.Related", URL: "https://dev.azure.com/kestrel/_apis/wit/workItems/7"},
		}})
	}))
	defer srv.Close()

	wi, err := testClient(srv).GetWorkItem(t.Context(), 42, true)
	if err != nil {
		t.Fatalf("GetWorkItem: %v", err)
	}
	if gotExpand != "relations" {
		t.Errorf("$expand = %q, want relations", gotExpand)
	}
	if len(wi.Relations) != 1 || wi.Relations[0].Rel != "System.LinkTypes.Related" {
		t.Errorf("relations = %+v, want one related link", wi.Relations)
	}
}

func TestGetWorkItemNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"work item does not exist"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testClient(srv).GetWorkItem(t.Context(), 42, false)
	if !errors.Is(err, backend.ErrNotFound) {
		t.Errorf("GetWorkItem(missing) = %v, want backend.ErrNotFound", err)
	}
}

func TestGetRetriesTransientFailures(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(t, w, wireWorkItem{ID: 42})
	}))
	defer srv.Close()

	wi, err := testClient(srv).GetWorkItem(t.Context(), 42, false)
	if err != nil {
		t.Fatalf("GetWorkItem after transient failure: %v", err)
	}
	if wi.ID != 42 {
		t.Errorf("work item ID = %d, want 42", wi.ID)
	}
	if calls != 2 {
		t.Errorf("server saw %d calls, want 2 (one retry)", calls)
	}
}

func TestGetDoesNotRetryPermanentFailures(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := testClient(srv).GetWorkItem(t.Context(), 42, false)
	if err == nil {
		t.Fatal("expected error on 400")
	}
	if calls != 1 {
		t.Errorf("server saw %d calls, want 1 (no retry on 4xx)", calls)
	}
}

func TestUpdateWorkItemPatchSemantics(t *testing.T) {
	var gotMethod, gotContentType string
	var gotOps []backend.PatchOperation
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&gotOps); err != nil {
			t.Fatalf("decode patch body: %v", err)
		}
		writeJSON(t, w, wireWorkItem{ID: 42, Rev: 4, Fields: map[string]interface{}{
			backend.FieldState: "Closed",
		}})
	}))
	defer srv.Close()

	ops := []backend.PatchOperation{
		{Op: "replace", Path: "/fields/System.State", Value: "Closed"},
	}
	wi, err := testClient(srv).UpdateWorkItem(t.Context(), 42, ops)
	if err != nil {
		t.Fatalf("UpdateWorkItem: %v", err)
	}
	if gotMethod != http.MethodPatch {
		t.Errorf("method = %s, want PATCH", gotMethod)
	}
	if gotContentType != "application/json-patch+json" {
		t.Errorf("Content-Type = %q, want application/json-patch+json", gotContentType)
	}
	if len(gotOps) != 1 || gotOps[0].Path != "/fields/System.State" {
		t.Errorf("patch ops = %+v, want the single state replace", gotOps)
	}
	if got := backend.StringField(wi.Fields, backend.FieldState); got != "Closed" {
		t.Errorf("updated state = %q, want Closed", got)
	}
	if calls != 1 {
		t.Errorf("server saw %d calls, want 1", calls)
	}
}

func TestUpdateWorkItemDoesNotRetry(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "throttled", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := testClient(srv).UpdateWorkItem(t.Context(), 42, []backend.PatchOperation{
		{Op: "replace", Path: "/fields/System.State", Value: "Closed"},
	})
	if err == nil {
		t.Fatal("expected error on 429")
	}
	if calls != 1 {
		t.Errorf("server saw %d calls, want 1 (mutations are never retried)", calls)
	}
}

func TestGetWorkItemsBatchChunksIDs(t *testing.T) {
	var chunkSizes []int
	var gotExpand []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids := strings.Split(r.URL.Query().Get("ids"), ",")
		chunkSizes = append(chunkSizes, len(ids))
		gotExpand = append(gotExpand, r.URL.Query().Get("$expand"))

		items := make([]wireWorkItem, len(ids))
		for i, s := range ids {
			var id int
			fmt.Sscanf(s, "%d", &id)
			items[i] = wireWorkItem{ID: id}
		}
		writeJSON(t, w, listResponse{Count: len(items), Value: items})
	}))
	defer srv.Close()

	ids := make([]int, backend.MaxBatchSize*2+50)
	for i := range ids {
		ids[i] = i + 1
	}
	items, err := testClient(srv).GetWorkItemsBatch(t.Context(), ids, nil)
	if err != nil {
		t.Fatalf("GetWorkItemsBatch: %v", err)
	}
	if len(items) != len(ids) {
		t.Fatalf("got %d items, want %d", len(items), len(ids))
	}
	if items[0].ID != 1 || items[len(items)-1].ID != ids[len(ids)-1] {
		t.Errorf("chunk results arrived out of order: first=%d last=%d", items[0].ID, items[len(items)-1].ID)
	}

	want := []int{backend.MaxBatchSize, backend.MaxBatchSize, 50}
	if len(chunkSizes) != len(want) {
		t.Fatalf("server saw %d calls (%v), want %d", len(chunkSizes), chunkSizes, len(want))
	}
	for i, n := range want {
		if chunkSizes[i] != n {
			t.Errorf("chunk %d carried %d ids, want %d", i, chunkSizes[i], n)
		}
		if gotExpand[i] != "all" {
			t.Errorf("chunk %d $expand = %q, want all when no field list is given", i, gotExpand[i])
		}
	}
}

func TestGetWorkItemsBatchFieldList(t *testing.T) {
	var gotFields, gotExpand string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotFields = r.URL.Query().Get("fields")
		gotExpand = r.URL.Query().Get("$expand")
		writeJSON(t, w, listResponse{Count: 1, Value: []wireWorkItem{{ID: 1}}})
	}))
	defer srv.Close()

	_, err := testClient(srv).GetWorkItemsBatch(t.Context(), []int{1},
		[]string{backend.FieldTitle, backend.FieldState})
	if err != nil {
		t.Fatalf("GetWorkItemsBatch: %v", err)
	}
	want := backend.FieldTitle + "," + backend.FieldState
	if gotFields != want {
		t.Errorf("fields = %q, want %q", gotFields, want)
	}
	if gotExpand != "" {
		t.Errorf("$expand = %q, want empty when a field list is given", gotExpand)
	}
}

func TestQueryWorkItemIDs(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var req wiqlRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode WIQL body: %v", err)
		}
		gotQuery = req.Query
		writeJSON(t, w, map[string]interface{}{
			"workItems": []map[string]interface{}{{"id": 7}, {"id": 3}, {"id": 11}},
		})
	}))
	defer srv.Close()

	wiql := "SELECT [System.Id] FROM WorkItems WHERE [System.State] = 'Active'"
	ids, err := testClient(srv).QueryWorkItemIDs(t.Context(), wiql)
	if err != nil {
		t.Fatalf("QueryWorkItemIDs: %v", err)
	}
	if gotPath != "/Checkout/_apis/wit/wiql" {
		t.Errorf("path = %q, want /Checkout/_apis/wit/wiql", gotPath)
	}
	if gotQuery != wiql {
		t.Errorf("query = %q, want the WIQL text verbatim", gotQuery)
	}
	if len(ids) != 3 || ids[0] != 7 || ids[1] != 3 || ids[2] != 11 {
		t.Errorf("ids = %v, want [7 3 11] in query order", ids)
	}
}

func TestAddComment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		var req commentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode comment body: %v", err)
		}
		writeJSON(t, w, wireComment{
			ID:          9,
			Text:        req.Text,
			CreatedBy:   &identity{UniqueName: "bulk-bot@example.com"},
			CreatedDate: "2026-08-10T09:00:00Z",
		})
	}))
	defer srv.Close()

	c, err := testClient(srv).AddComment(t.Context(), 42, "triaged in bulk")
	if err != nil {
		t.Fatalf("AddComment: %v", err)
	}
	if c.ID != 9 || c.Text != "triaged in bulk" {
		t.Errorf("comment = %+v, want id 9 with the posted text", c)
	}
	if c.CreatedBy != "bulk-bot@example.com" {
		t.Errorf("CreatedBy = %q, want bulk-bot@example.com", c.CreatedBy)
	}
	if c.CreatedAt.IsZero() {
		t.Error("CreatedAt was not parsed")
	}
}

func TestGetRevisions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if want := "/Checkout/_apis/wit/workitems/42/revisions"; r.URL.Path != want {
			t.Errorf("path = %q, want %q", r.URL.Path, want)
		}
		writeJSON(t, w, listResponse{Count: 2, Value: []wireWorkItem{
			{ID: 42, Rev: 1, Fields: map[string]interface{}{
				backend.FieldState:       "New",
				backend.FieldChangedBy:   "creator@example.com",
				backend.FieldChangedDate: "2026-08-10T09:00:00Z",
			}},
			{ID: 42, Rev: 2, Fields: map[string]interface{}{
				backend.FieldState:       "Active",
				backend.FieldChangedBy:   "rogue-agent@example.com",
				backend.FieldChangedDate: "2026-08-10T10:00:00.1234567Z",
			}},
		}})
	}))
	defer srv.Close()

	revs, err := testClient(srv).GetRevisions(t.Context(), 42)
	if err != nil {
		t.Fatalf("GetRevisions: %v", err)
	}
	if len(revs) != 2 {
		t.Fatalf("got %d revisions, want 2", len(revs))
	}
	if revs[0].Rev != 1 || revs[1].Rev != 2 {
		t.Errorf("revision order = [%d %d], want oldest first", revs[0].Rev, revs[1].Rev)
	}
	if revs[1].ChangedBy != "rogue-agent@example.com" {
		t.Errorf("ChangedBy = %q, want rogue-agent@example.com", revs[1].ChangedBy)
	}
	if revs[1].ChangedAt.IsZero() {
		t.Error("fractional-second ChangedDate was not parsed")
	}
	if !revs[1].ChangedAt.After(revs[0].ChangedAt) {
		t.Error("revision timestamps are not increasing")
	}
}

func TestSubmitBatch(t *testing.T) {
	var gotPath string
	var gotReqs []backend.BatchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotReqs); err != nil {
			t.Fatalf("decode batch body: %v", err)
		}
		writeJSON(t, w, batchResponse{Count: 2, Value: []batchSubResponse{
			{Code: 200},
			{Code: 404, Body: "work item does not exist"},
		}})
	}))
	defer srv.Close()

	c := testClient(srv)
	reqs := []backend.BatchRequest{
		{Method: http.MethodPatch, URI: c.PatchURI(1)},
		{Method: http.MethodPatch, URI: c.PatchURI(2)},
	}
	resps, err := c.SubmitBatch(t.Context(), reqs)
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	if gotPath != "/_apis/wit/$batch" {
		t.Errorf("path = %q, want /_apis/wit/$batch", gotPath)
	}
	if len(gotReqs) != 2 || !strings.Contains(gotReqs[0].URI, "api-version="+APIVersion) {
		t.Errorf("batch sub-requests = %+v, want versioned patch URIs", gotReqs)
	}
	if len(resps) != 2 || resps[0].Code != 200 || resps[1].Code != 404 {
		t.Errorf("responses = %+v, want codes [200 404] in order", resps)
	}
}

func TestSubmitBatchRejectsOversizedBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("oversized batch must be rejected before any request is made")
	}))
	defer srv.Close()

	reqs := make([]backend.BatchRequest, backend.MaxBatchSize+1)
	_, err := testClient(srv).SubmitBatch(t.Context(), reqs)
	if err == nil || !strings.Contains(err.Error(), "exceeds limit") {
		t.Errorf("SubmitBatch(oversized) = %v, want limit error", err)
	}
}

func TestNewClientBaseURL(t *testing.T) {
	tests := []struct {
		org  string
		want string
	}{
		{"kestrel", "https://dev.azure.com/kestrel"},
		{"https://ado.internal.example.com/kestrel/", "https://ado.internal.example.com/kestrel"},
	}
	for _, tt := range tests {
		if got := NewClient(tt.org, "Checkout", "pat").BaseURL; got != tt.want {
			t.Errorf("NewClient(%q).BaseURL = %q, want %q", tt.org, got, tt.want)
		}
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(&apiError{Status: http.StatusNotFound}) {
		t.Error("404 apiError must be a not-found")
	}
	if IsNotFound(&apiError{Status: http.StatusForbidden}) {
		t.Error("403 is not a not-found")
	}
	if IsNotFound(errors.New("boom")) {
		t.Error("arbitrary errors are not not-found")
	}
}
