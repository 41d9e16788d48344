package handle

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kestrelworks/handlebar/internal/types"
)

func selectorFixture(t *testing.T, now func() time.Time) (*Store, string) {
	t.Helper()
	s := NewStoreWithClock(now)
	base := now()
	context := map[int]types.ItemContext{
		101: {Title: "login broken", State: "Active", Assignee: "alice@example.com",
			Tags: []string{"bug", "auth"}, LastChange: base.Add(-10 * 24 * time.Hour)},
		102: {Title: "dark mode", State: "New", Assignee: "bob@example.com",
			Tags: []string{"feature"}, LastChange: base.Add(-1 * 24 * time.Hour)},
		103: {Title: "flaky test", State: "Active", Assignee: "alice@example.com",
			Tags: []string{"bug"}, LastChange: base.Add(-40 * 24 * time.Hour)},
	}
	id := s.Create([]int{101, 102, 103}, testMeta(), 0, context)
	return s, id
}

func fixedClock() func() time.Time {
	now := time.Date(2026, 8, 15, 9, 0, 0, 0, time.UTC)
	return func() time.Time { return now }
}

func TestResolveAll(t *testing.T) {
	s, id := selectorFixture(t, fixedClock())

	got, err := s.Resolve(id, types.All)
	if err != nil {
		t.Fatalf("Resolve(all): %v", err)
	}
	want := []int{101, 102, 103}
	if !equalInts(got, want) {
		t.Errorf("Resolve(all) = %v, want %v", got, want)
	}
}

func TestResolveIndices(t *testing.T) {
	s, id := selectorFixture(t, fixedClock())

	got, err := s.Resolve(id, types.Selector{Kind: types.SelectIndices, Indices: []int{2, 0}})
	if err != nil {
		t.Fatalf("Resolve(indices): %v", err)
	}
	if !equalInts(got, []int{103, 101}) {
		t.Errorf("Resolve(indices) = %v, want [103 101]", got)
	}
}

func TestResolveIndicesOutOfRange(t *testing.T) {
	s, id := selectorFixture(t, fixedClock())

	tests := []struct {
		name    string
		indices []int
	}{
		{"past end", []int{0, 3}},
		{"negative", []int{-1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Resolve(id, types.Selector{Kind: types.SelectIndices, Indices: tt.indices})
			if err == nil {
				t.Fatal("out-of-range index did not error")
			}
			if !strings.Contains(err.Error(), "out of range") {
				t.Errorf("error %q does not mention the range", err)
			}
		})
	}
}

func TestResolveCriteria(t *testing.T) {
	s, id := selectorFixture(t, fixedClock())

	tests := []struct {
		name     string
		criteria types.Criteria
		want     []int
	}{
		{"by state", types.Criteria{States: []string{"Active"}}, []int{101, 103}},
		{"state case-insensitive", types.Criteria{States: []string{"active"}}, []int{101, 103}},
		{"by assignee", types.Criteria{Assignee: "ALICE@example.com"}, []int{101, 103}},
		{"all tags required", types.Criteria{Tags: []string{"bug", "auth"}}, []int{101}},
		{"inactive window", types.Criteria{MinInactiveDays: 30}, []int{103}},
		{"conjunction", types.Criteria{States: []string{"Active"}, Tags: []string{"bug"}, MinInactiveDays: 5}, []int{101, 103}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Resolve(id, types.Selector{Kind: types.SelectCriteria, Criteria: &tt.criteria})
			if err != nil {
				t.Fatalf("Resolve(criteria): %v", err)
			}
			if !equalInts(got, tt.want) {
				t.Errorf("Resolve(criteria) = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolveEmptyResult(t *testing.T) {
	s, id := selectorFixture(t, fixedClock())

	_, err := s.Resolve(id, types.Selector{
		Kind:     types.SelectCriteria,
		Criteria: &types.Criteria{States: []string{"Closed"}},
	})
	if !errors.Is(err, ErrSelectorEmpty) {
		t.Errorf("Resolve(no matches) = %v, want ErrSelectorEmpty", err)
	}
}

func TestResolveExpiredHandle(t *testing.T) {
	now := time.Date(2026, 8, 15, 9, 0, 0, 0, time.UTC)
	s := NewStoreWithClock(func() time.Time { return now })
	id := s.Create([]int{1}, testMeta(), time.Minute, nil)

	now = now.Add(2 * time.Minute)
	if _, err := s.Resolve(id, types.All); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve(expired) = %v, want ErrNotFound", err)
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
