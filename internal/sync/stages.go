package sync

import (
	"context"
	"fmt"
	"sort"

	"github.com/laclasse-com/annuaire-sync/internal/models"
)

// syncStructures diffs in-scope structures field by field and reconciles
// their nested groups and grade attachments. Structures themselves are never
// added or removed here.
func (s *Synchronizer) syncStructures(ctx context.Context, r *run) error {
	stats := r.res.StatsFor(models.CategoryStructure)
	diff := &models.StructureDiff{}

	diffStart := s.now()
	for _, uai := range r.scope.UAIs() {
		targetS, _ := r.scope.ByUAI(uai)
		feedS := r.feedStructures[uai]

		ch := models.StructureChange{UAI: uai}
		after := *targetS
		after.Groups = nil
		if feedS.Name != "" && feedS.Name != targetS.Name {
			after.Name = feedS.Name
			ch.Fields = append(ch.Fields, "name")
		}
		if feedS.Address != "" && feedS.Address != targetS.Address {
			after.Address = feedS.Address
			ch.Fields = append(ch.Fields, "address")
		}
		if feedS.ZipCode != "" && feedS.ZipCode != targetS.ZipCode {
			after.ZipCode = feedS.ZipCode
			ch.Fields = append(ch.Fields, "zip_code")
		}
		if feedS.City != "" && feedS.City != targetS.City {
			after.City = feedS.City
			ch.Fields = append(ch.Fields, "city")
		}
		if feedS.ExternalID != nil && targetS.ExternalID == nil {
			after.ExternalID = feedS.ExternalID
			ch.Fields = append(ch.Fields, "external_id")
		}
		ch.After = &after

		ch.Groups = DiffSets(feedS.Groups, targetS.Groups,
			func(g models.Group) string { return string(g.Type) + "$" + g.Name },
			func(t, f models.Group) bool { return t.Description == f.Description },
		)
		ch.Grades = DiffSets(groupGrades(feedS.Groups), groupGrades(targetS.Groups),
			func(gg models.GroupGrade) models.GroupGrade { return gg },
			func(_, _ models.GroupGrade) bool { return true },
		)

		if len(ch.Fields) == 0 && ch.Groups.Empty() && ch.Grades.Empty() {
			continue
		}
		diff.Changed = append(diff.Changed, ch)

		stats.Added += len(ch.Groups.Added) + len(ch.Grades.Added)
		stats.Changed += len(ch.Groups.Changed)
		if len(ch.Fields) > 0 {
			stats.Changed++
		}
		stats.Removed += len(ch.Groups.Removed) + len(ch.Grades.Removed)
	}
	stats.DiffMillis = millisSince(diffStart)

	if r.opts.Apply {
		applyStart := s.now()
		for i := range diff.Changed {
			if err := s.applyStructureChange(ctx, r, &diff.Changed[i]); err != nil {
				return err
			}
		}
		stats.ApplyMillis = millisSince(applyStart)
	}

	r.res.Structures = diff
	return nil
}

// groupGrades flattens the grade attachments of a structure's groups.
func groupGrades(groups []models.Group) []models.GroupGrade {
	var out []models.GroupGrade
	for _, g := range groups {
		out = append(out, g.Grades...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GroupID != out[j].GroupID {
			return out[i].GroupID < out[j].GroupID
		}
		return out[i].Grade < out[j].Grade
	})
	return out
}

// applyStructureChange writes one structure's diff to the store. Newly
// created groups register their assigned ids in the run's remap table so
// person memberships can be redirected at apply time.
func (s *Synchronizer) applyStructureChange(ctx context.Context, r *run, ch *models.StructureChange) error {
	if len(ch.Fields) > 0 {
		if err := s.structures.Update(ctx, ch.After, ch.Fields); err != nil {
			return fmt.Errorf("update structure %s: %w", ch.UAI, err)
		}
	}
	for i := range ch.Groups.Added {
		g := ch.Groups.Added[i]
		synthetic := g.ID
		if err := s.structures.CreateGroup(ctx, &g); err != nil {
			return fmt.Errorf("create group %q in %s: %w", g.Name, ch.UAI, err)
		}
		r.groupRemap[synthetic] = g.ID
	}
	for _, change := range ch.Groups.Changed {
		g := change.After
		if err := s.structures.UpdateGroup(ctx, &g, []string{"description"}); err != nil {
			return fmt.Errorf("update group %q in %s: %w", g.Name, ch.UAI, err)
		}
	}
	for _, g := range ch.Groups.Removed {
		if err := s.structures.DeleteGroup(ctx, g.ID); err != nil {
			return fmt.Errorf("delete group %q in %s: %w", g.Name, ch.UAI, err)
		}
	}
	for _, gg := range ch.Grades.Added {
		mapped, ok := r.mapGroupID(gg.GroupID)
		if !ok {
			r.res.AddError(fmt.Sprintf("structure %s: grade %s attachment to uncreated group dropped", ch.UAI, gg.Grade))
			continue
		}
		gg.GroupID = mapped
		if err := s.structures.AddGroupGrade(ctx, gg); err != nil {
			return fmt.Errorf("attach grade %s in %s: %w", gg.Grade, ch.UAI, err)
		}
	}
	for _, gg := range ch.Grades.Removed {
		if err := s.structures.RemoveGroupGrade(ctx, gg); err != nil {
			return fmt.Errorf("detach grade %s in %s: %w", gg.Grade, ch.UAI, err)
		}
	}
	return nil
}

// syncSubjects reconciles the subject reference collection. Subjects still
// referenced by a membership survive even when absent from the feed.
func (s *Synchronizer) syncSubjects(ctx context.Context, r *run) error {
	stats := r.res.StatsFor(models.CategorySubject)

	loadStart := s.now()
	records, err := s.feed.Read(ctx, models.CategorySubject)
	if err != nil {
		return fmt.Errorf("read subject feed: %w", err)
	}
	var feedSubjects []models.Subject
	for _, rec := range records {
		subject, err := r.normalizer.Subject(rec)
		if err != nil {
			r.res.AddError(err.Error())
			continue
		}
		feedSubjects = append(feedSubjects, *subject)
	}
	target, err := s.subjects.List(ctx)
	if err != nil {
		return fmt.Errorf("load subjects: %w", err)
	}
	inUse, err := s.subjects.InUseCodes(ctx)
	if err != nil {
		return fmt.Errorf("load in-use subjects: %w", err)
	}
	stats.LoadMillis = millisSince(loadStart)

	diffStart := s.now()
	delta := DiffSets(feedSubjects, target,
		func(s models.Subject) string { return s.Code },
		func(t, f models.Subject) bool { return t.Name == f.Name },
	)
	kept := delta.Removed[:0]
	for _, subject := range delta.Removed {
		if _, used := inUse[subject.Code]; !used {
			kept = append(kept, subject)
		}
	}
	delta.Removed = kept
	stats.DiffMillis = millisSince(diffStart)
	stats.Added, stats.Changed, stats.Removed = len(delta.Added), len(delta.Changed), len(delta.Removed)

	if r.opts.Apply {
		applyStart := s.now()
		for i := range delta.Added {
			if err := s.subjects.Create(ctx, &delta.Added[i]); err != nil {
				return fmt.Errorf("create subject %s: %w", delta.Added[i].Code, err)
			}
		}
		for _, change := range delta.Changed {
			subject := change.After
			if err := s.subjects.Update(ctx, &subject); err != nil {
				return fmt.Errorf("update subject %s: %w", subject.Code, err)
			}
		}
		for _, subject := range delta.Removed {
			if err := s.subjects.Delete(ctx, subject.Code); err != nil {
				return fmt.Errorf("delete subject %s: %w", subject.Code, err)
			}
		}
		stats.ApplyMillis = millisSince(applyStart)
	}

	r.res.Subjects = &delta
	return nil
}

// syncGrades reconciles the grade reference collection.
func (s *Synchronizer) syncGrades(ctx context.Context, r *run) error {
	stats := r.res.StatsFor(models.CategoryGrade)

	loadStart := s.now()
	records, err := s.feed.Read(ctx, models.CategoryGrade)
	if err != nil {
		return fmt.Errorf("read grade feed: %w", err)
	}
	var feedGrades []models.Grade
	for _, rec := range records {
		grade, err := r.normalizer.Grade(rec)
		if err != nil {
			r.res.AddError(err.Error())
			continue
		}
		feedGrades = append(feedGrades, *grade)
	}
	target, err := s.grades.List(ctx)
	if err != nil {
		return fmt.Errorf("load grades: %w", err)
	}
	stats.LoadMillis = millisSince(loadStart)

	diffStart := s.now()
	delta := DiffSets(feedGrades, target,
		func(g models.Grade) string { return g.Code },
		func(t, f models.Grade) bool {
			return t.Name == f.Name && t.Rattach == f.Rattach && t.Stat == f.Stat
		},
	)
	stats.DiffMillis = millisSince(diffStart)
	stats.Added, stats.Changed, stats.Removed = len(delta.Added), len(delta.Changed), len(delta.Removed)

	if r.opts.Apply {
		applyStart := s.now()
		for i := range delta.Added {
			if err := s.grades.Create(ctx, &delta.Added[i]); err != nil {
				return fmt.Errorf("create grade %s: %w", delta.Added[i].Code, err)
			}
		}
		for _, change := range delta.Changed {
			grade := change.After
			if err := s.grades.Update(ctx, &grade); err != nil {
				return fmt.Errorf("update grade %s: %w", grade.Code, err)
			}
		}
		for _, grade := range delta.Removed {
			if err := s.grades.Delete(ctx, grade.Code); err != nil {
				return fmt.Errorf("delete grade %s: %w", grade.Code, err)
			}
		}
		stats.ApplyMillis = millisSince(applyStart)
	}

	r.res.Grades = &delta
	return nil
}
