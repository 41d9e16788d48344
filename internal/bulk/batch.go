package bulk

import (
	"context"
	"fmt"

	"github.com/kestrelworks/handlebar/internal/backend"
	"github.com/kestrelworks/handlebar/internal/debug"
	"github.com/kestrelworks/handlebar/internal/types"
)

// runBatched coalesces pending items into $batch chunks to cut round trips.
// Chunks are submitted in id order; sub-responses map positionally back to
// items. A wholesale chunk failure leaves its items pending so the caller's
// per-item path picks them up — the final success/failure partition must
// match what per-item execution would have produced.
func (e *Executor) runBatched(ctx context.Context, actionType types.ActionType, pending []int, plans map[int]*plan, ids []int, outcomes []types.ItemOutcome) []int {
	idx := indexOf(ids)
	var stillPending []int

	for start := 0; start < len(pending); start += e.BatchSize {
		end := start + e.BatchSize
		if end > len(pending) {
			end = len(pending)
		}
		chunk := pending[start:end]

		if err := ctx.Err(); err != nil {
			stillPending = append(stillPending, chunk...)
			continue
		}

		reqs := make([]backend.BatchRequest, len(chunk))
		for i, id := range chunk {
			p := plans[id]
			if p.comment != "" {
				reqs[i] = backend.CommentBatchRequest(id, p.comment)
			} else {
				reqs[i] = backend.PatchBatchRequest(id, p.ops)
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout())
		resps, err := e.Backend.SubmitBatch(callCtx, reqs)
		cancel()
		if err != nil || len(resps) != len(chunk) {
			// Wholesale failure: fall back to per-item concurrent execution
			// for this chunk.
			debug.Logf("batch submit failed (%v), falling back to per-item for %d items\n", err, len(chunk))
			stillPending = append(stillPending, chunk...)
			continue
		}

		for i, resp := range resps {
			id := chunk[i]
			if resp.OK() {
				outcomes[idx[id]] = types.ItemOutcome{ItemID: id, Status: types.OutcomeSucceeded}
			} else {
				outcomes[idx[id]] = types.ItemOutcome{
					ItemID: id,
					Status: types.OutcomeFailed,
					Reason: fmt.Sprintf("batch sub-request failed with status %d: %s", resp.Code, resp.Body),
				}
			}
		}
	}
	return stillPending
}
