package handle

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kestrelworks/handlebar/internal/types"
)

// ErrSelectorEmpty is returned when a selector resolves to zero items.
var ErrSelectorEmpty = errors.New("selector matched no items")

// Resolve maps (handle, selector) to a concrete ordered item-ID list.
//
// The "all" selector returns the stored list verbatim. Index selectors are
// 0-based into the stored list; any out-of-range index is an error rather
// than being dropped, since a bad index usually means the caller is working
// from a stale picture of the handle. Criteria selectors apply a conjunctive
// filter over stored item context, preserving original order.
func (s *Store) Resolve(id string, sel types.Selector) ([]int, error) {
	entry, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return resolve(entry, sel, s.now())
}

func resolve(entry *Entry, sel types.Selector, now time.Time) ([]int, error) {
	switch sel.Kind {
	case types.SelectAll, "":
		out := make([]int, len(entry.ItemIDs))
		copy(out, entry.ItemIDs)
		return nonEmpty(out)

	case types.SelectIndices:
		out := make([]int, 0, len(sel.Indices))
		for _, idx := range sel.Indices {
			if idx < 0 || idx >= len(entry.ItemIDs) {
				return nil, fmt.Errorf("index %d out of range for handle with %d items", idx, len(entry.ItemIDs))
			}
			out = append(out, entry.ItemIDs[idx])
		}
		return nonEmpty(out)

	case types.SelectCriteria:
		if sel.Criteria == nil {
			return nil, errors.New("criteria selector requires a criteria object")
		}
		out := make([]int, 0, len(entry.ItemIDs))
		for _, itemID := range entry.ItemIDs {
			ctx, ok := entry.Context[itemID]
			if !ok {
				continue // no context captured, cannot match criteria
			}
			if matches(ctx, sel.Criteria, now) {
				out = append(out, itemID)
			}
		}
		return nonEmpty(out)

	default:
		return nil, fmt.Errorf("unknown selector kind %q", sel.Kind)
	}
}

func nonEmpty(ids []int) ([]int, error) {
	if len(ids) == 0 {
		return nil, ErrSelectorEmpty
	}
	return ids, nil
}

// matches applies every non-zero criteria field conjunctively.
func matches(ctx types.ItemContext, c *types.Criteria, now time.Time) bool {
	if len(c.States) > 0 && !containsFold(c.States, ctx.State) {
		return false
	}
	if c.Assignee != "" && !strings.EqualFold(c.Assignee, ctx.Assignee) {
		return false
	}
	if len(c.Tags) > 0 {
		for _, want := range c.Tags {
			if !containsFold(ctx.Tags, want) {
				return false
			}
		}
	}
	if c.MinInactiveDays > 0 {
		if ctx.LastChange.IsZero() {
			return false
		}
		inactive := now.Sub(ctx.LastChange)
		if inactive < time.Duration(c.MinInactiveDays)*24*time.Hour {
			return false
		}
	}
	return true
}

func containsFold(haystack []string, needle string) bool {
	for _, s := range haystack {
		if strings.EqualFold(s, needle) {
			return true
		}
	}
	return false
}
