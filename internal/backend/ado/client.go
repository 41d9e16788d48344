package ado

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kestrelworks/handlebar/internal/backend"
	"github.com/kestrelworks/handlebar/internal/debug"
)

// Client talks to an Azure-DevOps-style work-item REST API. It implements
// backend.Backend.
type Client struct {
	Organization string // organization name or full base URL
	Project      string
	PAT          string
	BaseURL      string
	HTTPClient   *http.Client
}

var _ backend.Backend = (*Client)(nil)

// NewClient creates a client for the given organization and project.
func NewClient(organization, project, pat string) *Client {
	// Accept either an organization name or a full URL.
	baseURL := organization
	if !strings.HasPrefix(organization, "http") {
		baseURL = fmt.Sprintf("https://dev.azure.com/%s", organization)
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	return &Client{
		Organization: organization,
		Project:      project,
		PAT:          pat,
		BaseURL:      baseURL,
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// apiError carries the HTTP status so callers can distinguish transient
// failures from permanent ones.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	ae, ok := err.(*apiError)
	return ok && ae.Status == http.StatusNotFound
}

func isTransient(err error) bool {
	if ae, ok := err.(*apiError); ok {
		return ae.Status == http.StatusTooManyRequests || ae.Status >= 500
	}
	// Network-level errors (timeouts, resets) are worth retrying on reads.
	return err != nil
}

// doRequest performs one authenticated HTTP request.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, contentType string) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	reqURL := c.BaseURL + path + separator + "api-version=" + APIVersion

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// Basic auth with empty username and PAT as password.
	auth := base64.StdEncoding.EncodeToString([]byte(":" + c.PAT))
	req.Header.Set("Authorization", "Basic "+auth)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	} else if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &apiError{Status: resp.StatusCode, Body: string(respBody)}
	}

	return respBody, nil
}

// doGet performs a GET with bounded retry on transient failures. Mutations
// are never retried here; failure isolation for writes belongs to the
// engines, not the transport.
func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	var out []byte
	op := func() error {
		body, err := c.doRequest(ctx, http.MethodGet, path, nil, "")
		if err != nil {
			if isTransient(err) {
				debug.Logf("ado: transient GET failure on %s: %v\n", path, err)
				return err
			}
			return backoff.Permanent(err)
		}
		out = body
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxGetRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return out, nil
}

// GetWorkItem retrieves a single work item.
func (c *Client) GetWorkItem(ctx context.Context, id int, expandRelations bool) (*backend.WorkItem, error) {
	path := fmt.Sprintf("/%s/_apis/wit/workitems/%d", c.Project, id)
	if expandRelations {
		path += "?$expand=relations"
	}

	respBody, err := c.doGet(ctx, path)
	if err != nil {
		if IsNotFound(err) {
			return nil, backend.ErrNotFound
		}
		return nil, err
	}

	var wi wireWorkItem
	if err := json.Unmarshal(respBody, &wi); err != nil {
		return nil, fmt.Errorf("failed to parse work item: %w", err)
	}
	return toWorkItem(&wi), nil
}

// GetWorkItemsBatch retrieves work items in chunks of at most
// backend.MaxBatchSize ids per call.
func (c *Client) GetWorkItemsBatch(ctx context.Context, ids []int, fields []string) ([]*backend.WorkItem, error) {
	var all []*backend.WorkItem
	for i := 0; i < len(ids); i += backend.MaxBatchSize {
		end := i + backend.MaxBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[i:end]

		idStrings := make([]string, len(chunk))
		for j, id := range chunk {
			idStrings[j] = fmt.Sprintf("%d", id)
		}

		path := fmt.Sprintf("/%s/_apis/wit/workitems?ids=%s", c.Project, strings.Join(idStrings, ","))
		if len(fields) > 0 {
			path += "&fields=" + strings.Join(fields, ",")
		} else {
			path += "&$expand=all"
		}

		respBody, err := c.doGet(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch work items batch: %w", err)
		}

		var resp listResponse
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return nil, fmt.Errorf("failed to parse work items response: %w", err)
		}
		for i := range resp.Value {
			all = append(all, toWorkItem(&resp.Value[i]))
		}
	}
	return all, nil
}

// GetRevisions retrieves the full ordered revision chain for a work item,
// oldest first, with relations expanded when the API provides them.
func (c *Client) GetRevisions(ctx context.Context, id int) ([]backend.Revision, error) {
	path := fmt.Sprintf("/%s/_apis/wit/workitems/%d/revisions?$expand=relations", c.Project, id)

	respBody, err := c.doGet(ctx, path)
	if err != nil {
		if IsNotFound(err) {
			return nil, backend.ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch revisions: %w", err)
	}

	var resp listResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse revisions response: %w", err)
	}

	revs := make([]backend.Revision, 0, len(resp.Value))
	for i := range resp.Value {
		revs = append(revs, toRevision(&resp.Value[i]))
	}
	return revs, nil
}

// GetComments retrieves a work item's discussion comments.
func (c *Client) GetComments(ctx context.Context, id int) ([]backend.Comment, error) {
	path := fmt.Sprintf("/%s/_apis/wit/workItems/%d/comments", c.Project, id)

	respBody, err := c.doGet(ctx, path)
	if err != nil {
		if IsNotFound(err) {
			return nil, backend.ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch comments: %w", err)
	}

	var resp commentListResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse comments response: %w", err)
	}

	comments := make([]backend.Comment, 0, len(resp.Comments))
	for _, wc := range resp.Comments {
		comments = append(comments, toComment(&wc))
	}
	return comments, nil
}

// QueryWorkItemIDs runs a WIQL query and returns matching ids in query order.
func (c *Client) QueryWorkItemIDs(ctx context.Context, wiql string) ([]int, error) {
	path := fmt.Sprintf("/%s/_apis/wit/wiql", c.Project)

	respBody, err := c.doRequest(ctx, http.MethodPost, path, wiqlRequest{Query: wiql}, "application/json")
	if err != nil {
		return nil, fmt.Errorf("WIQL query failed: %w", err)
	}

	var resp wiqlResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse WIQL response: %w", err)
	}

	ids := make([]int, len(resp.WorkItems))
	for i, ref := range resp.WorkItems {
		ids[i] = ref.ID
	}
	return ids, nil
}

// AddComment posts a discussion comment to a work item.
func (c *Client) AddComment(ctx context.Context, id int, text string) (*backend.Comment, error) {
	path := fmt.Sprintf("/%s/_apis/wit/workItems/%d/comments", c.Project, id)

	respBody, err := c.doRequest(ctx, http.MethodPost, path, commentRequest{Text: text}, "application/json")
	if err != nil {
		if IsNotFound(err) {
			return nil, backend.ErrNotFound
		}
		return nil, fmt.Errorf("failed to add comment: %w", err)
	}

	var wc wireComment
	if err := json.Unmarshal(respBody, &wc); err != nil {
		return nil, fmt.Errorf("failed to parse comment response: %w", err)
	}
	comment := toComment(&wc)
	return &comment, nil
}

// UpdateWorkItem applies JSON-patch field operations to a work item.
func (c *Client) UpdateWorkItem(ctx context.Context, id int, ops []backend.PatchOperation) (*backend.WorkItem, error) {
	path := fmt.Sprintf("/%s/_apis/wit/workitems/%d", c.Project, id)

	respBody, err := c.doRequest(ctx, http.MethodPatch, path, ops, "application/json-patch+json")
	if err != nil {
		if IsNotFound(err) {
			return nil, backend.ErrNotFound
		}
		return nil, fmt.Errorf("failed to update work item: %w", err)
	}

	var wi wireWorkItem
	if err := json.Unmarshal(respBody, &wi); err != nil {
		return nil, fmt.Errorf("failed to parse update response: %w", err)
	}
	return toWorkItem(&wi), nil
}

// SubmitBatch submits coalesced sub-requests to the $batch endpoint. The
// caller is responsible for keeping len(reqs) within backend.MaxBatchSize.
func (c *Client) SubmitBatch(ctx context.Context, reqs []backend.BatchRequest) ([]backend.BatchResponse, error) {
	if len(reqs) > backend.MaxBatchSize {
		return nil, fmt.Errorf("batch of %d exceeds limit of %d", len(reqs), backend.MaxBatchSize)
	}

	respBody, err := c.doRequest(ctx, http.MethodPost, "/_apis/wit/$batch", reqs, "application/json")
	if err != nil {
		return nil, fmt.Errorf("batch submission failed: %w", err)
	}

	var resp batchResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse batch response: %w", err)
	}

	out := make([]backend.BatchResponse, len(resp.Value))
	for i, sub := range resp.Value {
		out[i] = backend.BatchResponse{Code: sub.Code, Body: sub.Body}
	}
	return out, nil
}

// PatchURI returns the $batch sub-request URI for patching a work item.
func (c *Client) PatchURI(id int) string {
	return fmt.Sprintf("/_apis/wit/workitems/%d?api-version=%s", id, APIVersion)
}

// toWorkItem converts a wire work item to the backend representation.
func toWorkItem(wi *wireWorkItem) *backend.WorkItem {
	return &backend.WorkItem{
		ID:        wi.ID,
		Rev:       wi.Rev,
		URL:       wi.URL,
		Fields:    wi.Fields,
		Relations: toRelations(wi.Relations),
	}
}

func toRevision(wi *wireWorkItem) backend.Revision {
	return backend.Revision{
		Rev:       wi.Rev,
		ChangedBy: backend.StringField(wi.Fields, backend.FieldChangedBy),
		ChangedAt: parseWireTime(backend.StringField(wi.Fields, backend.FieldChangedDate)),
		Fields:    wi.Fields,
		Relations: toRelations(wi.Relations),
	}
}

func toRelations(wire []wireRelation) []backend.Relation {
	if len(wire) == 0 {
		return nil
	}
	rels := make([]backend.Relation, len(wire))
	for i, r := range wire {
		rels[i] = backend.Relation{Rel: r.Rel, URL: r.URL, Attributes: r.Attributes}
	}
	return rels
}

func toComment(wc *wireComment) backend.Comment {
	c := backend.Comment{ID: wc.ID, Text: wc.Text, CreatedAt: parseWireTime(wc.CreatedDate)}
	if wc.CreatedBy != nil {
		c.CreatedBy = wc.CreatedBy.UniqueName
	}
	return c
}

func parseWireTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999Z"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
