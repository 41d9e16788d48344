// Package forensic detects and reverts changes made by a specific actor in a
// time window by replaying the backend's own revision history. It is
// independent of the operation ledger: it works on changes made through any
// client, not just this one.
package forensic

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/kestrelworks/handlebar/internal/backend"
)

// workItemIDRe pulls the trailing work-item id out of a relation URL,
// tolerating the REST and vstfs formats the backend emits.
var workItemIDRe = regexp.MustCompile(`(?i)(?:workitems?[/%2F]+|vstfs:///WorkItemTracking/WorkItem/)(\d+)\s*$`)

// relKey is the normalized identity of a relation: (link type, normalized
// target reference). Differing URL encodings of the same target collapse to
// one key so additions and removals are tracked consistently. This is
// best-effort; collisions and formats seen are surfaced via diagnostics.
type relKey struct {
	rel    string
	target string
}

// normalizeRelation computes the identity key and a coarse format label for
// diagnostics.
func normalizeRelation(r backend.Relation) (relKey, string) {
	raw := strings.TrimSpace(r.URL)
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		decoded = raw
	}
	decoded = strings.ToLower(decoded)

	format := "other"
	switch {
	case strings.HasPrefix(decoded, "vstfs:"):
		format = "vstfs"
	case strings.HasPrefix(decoded, "http"):
		format = "rest"
	}

	target := decoded
	if m := workItemIDRe.FindStringSubmatch(decoded); m != nil {
		target = "workitem:" + m[1]
	}

	return relKey{rel: strings.ToLower(r.Rel), target: target}, format
}

// relTargetID extracts the numeric target id from a normalized key, when the
// target is a work item.
func relTargetID(k relKey) (int, bool) {
	if !strings.HasPrefix(k.target, "workitem:") {
		return 0, false
	}
	id, err := strconv.Atoi(strings.TrimPrefix(k.target, "workitem:"))
	return id, err == nil
}

// relationSet indexes relations by normalized key, keeping the first raw
// relation seen per key and counting normalization collisions (two distinct
// raw URLs mapping to the same key).
type relationSet struct {
	byKey      map[relKey]backend.Relation
	rawByKey   map[relKey]map[string]struct{}
	formats    map[string]struct{}
	collisions int
}

func newRelationSet(rels []backend.Relation) *relationSet {
	s := &relationSet{
		byKey:    make(map[relKey]backend.Relation),
		rawByKey: make(map[relKey]map[string]struct{}),
		formats:  make(map[string]struct{}),
	}
	for _, r := range rels {
		key, format := normalizeRelation(r)
		s.formats[format] = struct{}{}
		if _, ok := s.byKey[key]; !ok {
			s.byKey[key] = r
		}
		if s.rawByKey[key] == nil {
			s.rawByKey[key] = make(map[string]struct{})
		}
		s.rawByKey[key][r.URL] = struct{}{}
		if len(s.rawByKey[key]) > 1 {
			s.collisions++
		}
	}
	return s
}

func (s *relationSet) has(k relKey) bool {
	_, ok := s.byKey[k]
	return ok
}

// diffRelations returns keys added and removed going from prev to next.
func diffRelations(prev, next *relationSet) (added, removed []relKey) {
	for k := range next.byKey {
		if !prev.has(k) {
			added = append(added, k)
		}
	}
	for k := range prev.byKey {
		if !next.has(k) {
			removed = append(removed, k)
		}
	}
	return added, removed
}
