package sync

import (
	"sort"

	"github.com/laclasse-com/annuaire-sync/internal/models"
)

// Scope is the set of structures a run operates on: the intersection of the
// sync-eligible (or caller-requested) target structures with the structures
// present in the feed. A structure missing from either side is silently out
// of scope; partial feed coverage is expected.
type Scope struct {
	ids    map[int64]struct{}
	byUAI  map[string]*models.Structure
	byID   map[int64]*models.Structure
	sorted []string
}

// ResolveScope intersects the candidate target structures with the feed
// structures keyed by UAI. Target structures are fully loaded aggregates.
func ResolveScope(target []models.Structure, feedUAIs map[string]struct{}) *Scope {
	s := &Scope{
		ids:   make(map[int64]struct{}),
		byUAI: make(map[string]*models.Structure),
		byID:  make(map[int64]*models.Structure),
	}
	for i := range target {
		st := &target[i]
		if _, inFeed := feedUAIs[st.UAI]; !inFeed {
			continue
		}
		s.ids[st.ID] = struct{}{}
		s.byUAI[st.UAI] = st
		s.byID[st.ID] = st
		s.sorted = append(s.sorted, st.UAI)
	}
	sort.Strings(s.sorted)
	return s
}

// Contains reports whether the structure is in scope.
func (s *Scope) Contains(structureID int64) bool {
	if s == nil {
		return false
	}
	_, ok := s.ids[structureID]
	return ok
}

// ByUAI returns the in-scope target structure with the given UAI.
func (s *Scope) ByUAI(uai string) (*models.Structure, bool) {
	st, ok := s.byUAI[uai]
	return st, ok
}

// ByID returns the in-scope target structure with the given id.
func (s *Scope) ByID(id int64) (*models.Structure, bool) {
	st, ok := s.byID[id]
	return st, ok
}

// UAIs returns the in-scope UAIs in sorted order.
func (s *Scope) UAIs() []string {
	return s.sorted
}

// IDs returns the in-scope structure ids.
func (s *Scope) IDs() []int64 {
	ids := make([]int64, 0, len(s.ids))
	for id := range s.ids {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
