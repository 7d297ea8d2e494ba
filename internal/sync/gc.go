package sync

import (
	"context"
	"fmt"

	"github.com/laclasse-com/annuaire-sync/internal/models"
)

// collectGarbage revokes the access of bound persons that the feed no
// longer mentions. Profiles fall first; memberships only fall where the
// person retains no profile in the group's structure. Accounts themselves
// are never deleted.
func (s *Synchronizer) collectGarbage(ctx context.Context, r *run) error {
	managed := make(map[models.ProfileType]struct{})
	requested := make(map[models.Category]struct{})
	for _, cat := range r.opts.Categories {
		if !cat.IsPerson() {
			continue
		}
		requested[cat] = struct{}{}
		for _, t := range models.ProfileTypesFor(cat) {
			managed[t] = struct{}{}
		}
	}

	bound, err := s.persons.ListBoundInScope(ctx, r.scope.IDs())
	if err != nil {
		return fmt.Errorf("load bound persons: %w", err)
	}

	gc := &models.GCResult{}
	for i := range bound {
		p := &bound[i]
		if _, ok := requested[p.Category]; !ok {
			continue
		}
		if _, ok := r.seen[p.ID]; ok {
			continue
		}

		remaining := make(map[int64]int)
		for _, profile := range p.Profiles {
			remaining[profile.StructureID]++
		}
		for _, profile := range p.Profiles {
			_, revocable := managed[profile.Type]
			if !revocable || !r.scope.Contains(profile.StructureID) {
				continue
			}
			gc.RevokedProfiles = append(gc.RevokedProfiles, profile)
			remaining[profile.StructureID]--
		}

		for _, m := range p.Memberships {
			structureID, _, known := r.groupInfo(m.GroupID)
			if !known {
				continue // group outside the run's scope
			}
			if remaining[structureID] > 0 {
				continue
			}
			gc.RevokedMemberships = append(gc.RevokedMemberships, m)
		}
	}

	if r.opts.Apply {
		for _, profile := range gc.RevokedProfiles {
			if err := s.persons.RemoveProfile(ctx, profile); err != nil {
				return fmt.Errorf("revoke profile of %s: %w", profile.PersonID, err)
			}
		}
		for _, m := range gc.RevokedMemberships {
			if err := s.persons.RemoveMembership(ctx, m); err != nil {
				return fmt.Errorf("revoke membership of %s: %w", m.PersonID, err)
			}
		}
	}

	r.res.GC = gc
	return nil
}
