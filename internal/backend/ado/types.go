// Package ado implements the backend interface against an Azure-DevOps-style
// work-item REST API.
package ado

import (
	"time"
)

// API constants
const (
	DefaultTimeout = 30 * time.Second
	APIVersion     = "7.0"
	maxGetRetries  = 3
)

// identity is a user identity as the API returns it.
type identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	UniqueName  string `json:"uniqueName"`
}

// wireRelation is a work-item relation on the wire.
type wireRelation struct {
	Rel        string                 `json:"rel"`
	URL        string                 `json:"url"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// wireWorkItem is a work item (or one revision of one) on the wire. The
// fields dictionary is kept raw; callers normalize through the backend
// package helpers.
type wireWorkItem struct {
	ID        int                    `json:"id"`
	Rev       int                    `json:"rev"`
	URL       string                 `json:"url"`
	Fields    map[string]interface{} `json:"fields"`
	Relations []wireRelation         `json:"relations,omitempty"`
}

// wiqlRequest is the request body for WIQL queries.
type wiqlRequest struct {
	Query string `json:"query"`
}

// wiqlResponse is the response from a WIQL query.
type wiqlResponse struct {
	WorkItems []struct {
		ID  int    `json:"id"`
		URL string `json:"url"`
	} `json:"workItems"`
}

// listResponse is the {count, value} envelope most collection endpoints use.
type listResponse struct {
	Count int            `json:"count"`
	Value []wireWorkItem `json:"value"`
}

// wireComment is a work-item comment on the wire.
type wireComment struct {
	ID          int       `json:"id"`
	Text        string    `json:"text"`
	CreatedBy   *identity `json:"createdBy,omitempty"`
	CreatedDate string    `json:"createdDate,omitempty"`
}

// commentListResponse is the comments collection envelope.
type commentListResponse struct {
	Count    int           `json:"count"`
	Comments []wireComment `json:"comments"`
}

// commentRequest is the body for posting a comment.
type commentRequest struct {
	Text string `json:"text"`
}

// batchSubResponse is one entry in a $batch response.
type batchSubResponse struct {
	Code int    `json:"code"`
	Body string `json:"body,omitempty"`
}

// batchResponse is the $batch envelope.
type batchResponse struct {
	Count int                `json:"count"`
	Value []batchSubResponse `json:"value"`
}
