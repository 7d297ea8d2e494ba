package sync

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/laclasse-com/annuaire-sync/internal/models"
)

// syncPersons reconciles one person category. Guardians are matched and
// updated here but never created: an unmatched guardian only materializes
// once a student stage proves a child needs it.
func (s *Synchronizer) syncPersons(ctx context.Context, r *run, category models.Category) error {
	stats := r.res.StatsFor(category)

	loadStart := s.now()
	feedPersons, err := s.normalizeFeedPersons(ctx, r, category)
	if err != nil {
		return err
	}
	target, err := s.persons.ListByCategory(ctx, category)
	if err != nil {
		return fmt.Errorf("load %s: %w", category, err)
	}
	targets := make([]*models.Person, len(target))
	for i := range target {
		targets[i] = &target[i]
	}
	ix := NewPersonIndex(targets)
	stats.LoadMillis = millisSince(loadStart)

	diffStart := s.now()
	diff := &models.PersonDiff{}
	for _, fp := range feedPersons {
		match, conflict := ix.Match(fp)
		if conflict != "" {
			r.res.AddError(conflict)
		}
		if match == nil {
			s.admitNewPerson(r, diff, category, fp)
			continue
		}

		// Rewrite the feed person's provisional id so later stages (guardian
		// links, TUT profiles) see the bound identity.
		fp.ID = match.ID
		r.seen[match.ID] = struct{}{}
		if category == models.CategoryGuardian {
			r.guardianTargets[match.ID] = match
		}
		if category == models.CategoryStudent {
			s.recordRequiredTUT(r, fp)
		}

		ch := s.diffPerson(r, category, match, fp)
		if !ch.Empty() {
			diff.Changed = append(diff.Changed, *ch)
		}
	}
	stats.DiffMillis = millisSince(diffStart)
	stats.Added = len(diff.Added)
	stats.Changed = len(diff.Changed)

	if r.opts.Apply {
		applyStart := s.now()
		for i := range diff.Added {
			if err := s.applyPersonCreate(ctx, r, &diff.Added[i]); err != nil {
				return err
			}
		}
		for i := range diff.Changed {
			if err := s.applyPersonChange(ctx, r, &diff.Changed[i]); err != nil {
				return err
			}
		}
		stats.ApplyMillis = millisSince(applyStart)
	}

	switch category {
	case models.CategoryStaff:
		r.res.Staff = diff
	case models.CategoryGuardian:
		r.res.Guardians = diff
	case models.CategoryStudent:
		r.res.Students = diff
	}
	return nil
}

// normalizeFeedPersons reads and normalizes the feed file of one category.
func (s *Synchronizer) normalizeFeedPersons(ctx context.Context, r *run, category models.Category) ([]*models.Person, error) {
	records, err := s.feed.Read(ctx, category)
	if err != nil {
		return nil, fmt.Errorf("read %s feed: %w", category, err)
	}
	out := make([]*models.Person, 0, len(records))
	for _, rec := range records {
		var p *models.Person
		switch category {
		case models.CategoryStaff:
			p, err = r.normalizer.Staff(rec, r.resolveStructure, r.resolveGroup)
		case models.CategoryGuardian:
			p, err = r.normalizer.Guardian(rec)
		case models.CategoryStudent:
			p, err = r.normalizer.Student(rec, r.resolveStructure, r.resolveGroup)
		}
		if err != nil {
			r.res.AddError(err.Error())
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// admitNewPerson decides whether an unmatched feed person becomes an
// addition. Persons with no in-scope anchor are out of this run's concern;
// guardians are parked until a student claims them.
func (s *Synchronizer) admitNewPerson(r *run, diff *models.PersonDiff, category models.Category, fp *models.Person) {
	if category == models.CategoryGuardian {
		r.newGuardians[fp.ID] = fp
		return
	}
	if len(fp.Profiles) == 0 && len(fp.Memberships) == 0 {
		return
	}
	if category == models.CategoryStudent {
		s.recordRequiredTUT(r, fp)
	}
	r.seen[fp.ID] = struct{}{}
	diff.Added = append(diff.Added, *fp)
}

// recordRequiredTUT marks, for each of the student's guardians, the in-scope
// structures where a TUT profile must exist.
func (s *Synchronizer) recordRequiredTUT(r *run, student *models.Person) {
	if len(student.ParentLinks) == 0 || len(student.Profiles) == 0 {
		return
	}
	for _, link := range student.ParentLinks {
		set, ok := r.requiredTUT[link.ParentID]
		if !ok {
			set = make(map[int64]struct{})
			r.requiredTUT[link.ParentID] = set
		}
		for _, profile := range student.Profiles {
			set[profile.StructureID] = struct{}{}
		}
	}
}

// diffPerson builds the change record of one matched person.
func (s *Synchronizer) diffPerson(r *run, category models.Category, match, fp *models.Person) *models.PersonChange {
	after := *match
	ch := &models.PersonChange{PersonID: match.ID, After: &after}
	ch.Fields = personFields(match, fp, &after)
	ch.Phones = diffPhones(fp.Phones, match.Phones)
	ch.Emails = diffEmails(category, fp.Emails, match.Emails)

	// Guardian profiles follow from student links, not from the guardian
	// feed; they are reconciled after the student stage.
	if category != models.CategoryGuardian {
		ch.Profiles = diffProfiles(category, r.scope, fp.Profiles, match.Profiles)
		ch.Memberships = diffMemberships(r.scope, r.groupInfo, fp.Memberships, match.Memberships)
	}
	// Parent links only resolve when the guardian stage ran; without it the
	// feed side would look empty and wipe every link.
	if category == models.CategoryStudent && r.opts.wants(models.CategoryGuardian) {
		ch.ParentLinks = DiffSets(fp.ParentLinks, match.ParentLinks,
			parentLinkKey,
			func(_, _ models.ParentLink) bool { return true },
		)
		if !ch.ParentLinks.Empty() {
			after.ParentLinks = fp.ParentLinks
		}
	}
	return ch
}

func parentLinkKey(l models.ParentLink) string {
	return l.ParentID + "$" + l.Type + "$" +
		strconv.FormatBool(l.Legal) + "$" + strconv.FormatBool(l.Financial) + "$" + strconv.FormatBool(l.Contact)
}

// applyPersonCreate inserts a new person aggregate, remapping synthetic
// group ids assigned during group resolution.
func (s *Synchronizer) applyPersonCreate(ctx context.Context, r *run, p *models.Person) error {
	p.Memberships = s.remapMemberships(r, p.ID, p.Memberships)
	for i := range p.Profiles {
		p.Profiles[i].PersonID = p.ID
	}
	for i := range p.ParentLinks {
		p.ParentLinks[i].ChildID = p.ID
	}
	if err := s.persons.Create(ctx, p); err != nil {
		return fmt.Errorf("create %s %s: %w", p.Category, p.ID, err)
	}
	return nil
}

// applyPersonChange writes one matched person's diff to the store.
func (s *Synchronizer) applyPersonChange(ctx context.Context, r *run, ch *models.PersonChange) error {
	id := ch.PersonID
	if len(ch.Fields) > 0 {
		if err := s.persons.Update(ctx, ch.After, ch.Fields); err != nil {
			return fmt.Errorf("update person %s: %w", id, err)
		}
	}
	for _, phone := range ch.Phones.Added {
		if err := s.persons.AddPhone(ctx, id, phone); err != nil {
			return fmt.Errorf("add phone for %s: %w", id, err)
		}
	}
	for _, phone := range ch.Phones.Removed {
		if err := s.persons.RemovePhone(ctx, id, phone); err != nil {
			return fmt.Errorf("remove phone for %s: %w", id, err)
		}
	}
	for _, email := range ch.Emails.Added {
		if err := s.persons.AddEmail(ctx, id, email); err != nil {
			return fmt.Errorf("add email for %s: %w", id, err)
		}
	}
	for _, email := range ch.Emails.Removed {
		if err := s.persons.RemoveEmail(ctx, id, email); err != nil {
			return fmt.Errorf("remove email for %s: %w", id, err)
		}
	}
	for _, profile := range ch.Profiles.Added {
		profile.PersonID = id
		if err := s.persons.AddProfile(ctx, profile); err != nil {
			return fmt.Errorf("add profile for %s: %w", id, err)
		}
	}
	for _, profile := range ch.Profiles.Removed {
		profile.PersonID = id
		if err := s.persons.RemoveProfile(ctx, profile); err != nil {
			return fmt.Errorf("remove profile for %s: %w", id, err)
		}
	}
	added := s.remapMemberships(r, id, ch.Memberships.Added)
	for _, m := range added {
		if err := s.persons.AddMembership(ctx, m); err != nil {
			return fmt.Errorf("add membership for %s: %w", id, err)
		}
	}
	for _, change := range ch.Memberships.Changed {
		before, afterM := change.Before, change.After
		before.PersonID, afterM.PersonID = id, id
		mapped, ok := r.mapGroupID(afterM.GroupID)
		if !ok {
			r.res.AddError(fmt.Sprintf("person %s: membership in uncreated group dropped", id))
			continue
		}
		afterM.GroupID = mapped
		if err := s.persons.UpdateMembership(ctx, before, afterM); err != nil {
			return fmt.Errorf("update membership for %s: %w", id, err)
		}
	}
	for _, m := range ch.Memberships.Removed {
		m.PersonID = id
		if err := s.persons.RemoveMembership(ctx, m); err != nil {
			return fmt.Errorf("remove membership for %s: %w", id, err)
		}
	}
	if !ch.ParentLinks.Empty() {
		links := ch.After.ParentLinks
		for i := range links {
			links[i].ChildID = id
		}
		if err := s.persons.ReplaceParentLinks(ctx, id, links); err != nil {
			return fmt.Errorf("replace parent links for %s: %w", id, err)
		}
	}
	return nil
}

// remapMemberships translates synthetic group ids and stamps the person id.
// Memberships whose group was never created are dropped with a soft error.
func (s *Synchronizer) remapMemberships(r *run, personID string, ms []models.Membership) []models.Membership {
	out := ms[:0]
	for _, m := range ms {
		mapped, ok := r.mapGroupID(m.GroupID)
		if !ok {
			r.res.AddError(fmt.Sprintf("person %s: membership in uncreated group dropped", personID))
			continue
		}
		m.GroupID = mapped
		m.PersonID = personID
		out = append(out, m)
	}
	return out
}

// syncGuardianProfiles runs after the student stage. It creates the parked
// guardians that a student claimed and reconciles in-scope TUT profiles
// against the links observed this run.
func (s *Synchronizer) syncGuardianProfiles(ctx context.Context, r *run) error {
	if !r.opts.wants(models.CategoryGuardian) || r.res.Guardians == nil {
		return nil
	}
	stats := r.res.StatsFor(models.CategoryGuardian)
	diff := r.res.Guardians

	diffStart := s.now()
	ids := make([]string, 0, len(r.guardianTargets)+len(r.newGuardians))
	for id := range r.guardianTargets {
		ids = append(ids, id)
	}
	for id := range r.newGuardians {
		if _, needed := r.requiredTUT[id]; needed {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var created []models.Person
	var profileChanges []models.PersonChange
	for _, id := range ids {
		required := r.requiredTUT[id]
		if fp, isNew := r.newGuardians[id]; isNew {
			for structureID := range required {
				fp.Profiles = append(fp.Profiles, models.Profile{
					PersonID:    id,
					StructureID: structureID,
					Type:        models.ProfileGuardian,
				})
			}
			sort.Slice(fp.Profiles, func(i, j int) bool {
				return fp.Profiles[i].StructureID < fp.Profiles[j].StructureID
			})
			r.seen[id] = struct{}{}
			created = append(created, *fp)
			continue
		}

		target := r.guardianTargets[id]
		ch := models.PersonChange{PersonID: id}
		for structureID := range required {
			if !hasProfile(target.Profiles, structureID, models.ProfileGuardian) {
				ch.Profiles.Added = append(ch.Profiles.Added, models.Profile{
					PersonID:    id,
					StructureID: structureID,
					Type:        models.ProfileGuardian,
				})
			}
		}
		for _, profile := range target.Profiles {
			if profile.Type != models.ProfileGuardian || !r.scope.Contains(profile.StructureID) {
				continue
			}
			if _, still := required[profile.StructureID]; !still {
				ch.Profiles.Removed = append(ch.Profiles.Removed, profile)
			}
		}
		if !ch.Empty() {
			sort.Slice(ch.Profiles.Added, func(i, j int) bool {
				return ch.Profiles.Added[i].StructureID < ch.Profiles.Added[j].StructureID
			})
			profileChanges = append(profileChanges, ch)
		}
	}
	stats.DiffMillis += millisSince(diffStart)
	stats.Added += len(created)
	stats.Changed += len(profileChanges)

	if r.opts.Apply {
		applyStart := s.now()
		for i := range created {
			if err := s.applyPersonCreate(ctx, r, &created[i]); err != nil {
				return err
			}
		}
		for i := range profileChanges {
			if err := s.applyPersonChange(ctx, r, &profileChanges[i]); err != nil {
				return err
			}
		}
		stats.ApplyMillis += millisSince(applyStart)
	}

	diff.Added = append(diff.Added, created...)
	diff.Changed = append(diff.Changed, profileChanges...)
	return nil
}

func hasProfile(profiles []models.Profile, structureID int64, t models.ProfileType) bool {
	for _, p := range profiles {
		if p.StructureID == structureID && p.Type == t {
			return true
		}
	}
	return false
}
