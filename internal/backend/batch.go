package backend

import "fmt"

// PatchBatchRequest builds the $batch sub-request for patching one work item.
func PatchBatchRequest(id int, ops []PatchOperation) BatchRequest {
	return BatchRequest{
		Method: "PATCH",
		URI:    fmt.Sprintf("/_apis/wit/workitems/%d?api-version=7.0", id),
		Headers: map[string]string{
			"Content-Type": "application/json-patch+json",
		},
		Body: ops,
	}
}

// CommentBatchRequest builds the $batch sub-request for posting one comment.
func CommentBatchRequest(id int, text string) BatchRequest {
	return BatchRequest{
		Method: "POST",
		URI:    fmt.Sprintf("/_apis/wit/workItems/%d/comments?api-version=7.0", id),
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
		Body: map[string]string{"text": text},
	}
}
