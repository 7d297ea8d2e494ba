package sync

import (
	"sort"
	"strings"
	"time"

	"github.com/laclasse-com/annuaire-sync/internal/models"
)

// DiffSets classifies feed entries against target entries into add/change/
// remove sets. Entries pair up through key; paired entries that fail equal
// become change records (target first, feed second). Duplicate feed keys keep
// the first occurrence.
func DiffSets[T any, K comparable](feed, target []T, key func(T) K, equal func(target, feed T) bool) models.Delta[T] {
	var delta models.Delta[T]

	targetByKey := make(map[K]T, len(target))
	for _, t := range target {
		k := key(t)
		if _, dup := targetByKey[k]; !dup {
			targetByKey[k] = t
		}
	}

	matched := make(map[K]struct{}, len(feed))
	for _, f := range feed {
		k := key(f)
		if _, dup := matched[k]; dup {
			continue
		}
		matched[k] = struct{}{}
		t, ok := targetByKey[k]
		if !ok {
			delta.Added = append(delta.Added, f)
			continue
		}
		if !equal(t, f) {
			delta.Changed = append(delta.Changed, models.Change[T]{Before: t, After: f})
		}
	}

	for _, t := range target {
		if _, ok := matched[key(t)]; !ok {
			delta.Removed = append(delta.Removed, t)
		}
	}
	return delta
}

// diffPhones compares phone sets. The tuple (type, number) is the full key,
// so the delta only ever contains additions and removals.
func diffPhones(feed, target []models.Phone) models.Delta[models.Phone] {
	return DiffSets(feed, target,
		func(p models.Phone) string { return p.Type + "$" + p.Number },
		func(_, _ models.Phone) bool { return true },
	)
}

// emailTypesFor returns the email types a category's diff considers. Staff
// and students only own their academic address; guardians only their
// personal one.
func emailTypesFor(c models.Category) map[string]struct{} {
	switch c {
	case models.CategoryGuardian:
		return map[string]struct{}{models.EmailTypeOther: {}}
	default:
		return map[string]struct{}{models.EmailTypeAcademic: {}}
	}
}

// diffEmails compares email sets after filtering both sides down to the
// category-appropriate types.
func diffEmails(category models.Category, feed, target []models.Email) models.Delta[models.Email] {
	allowed := emailTypesFor(category)
	filter := func(in []models.Email) []models.Email {
		var out []models.Email
		for _, e := range in {
			if _, ok := allowed[e.Type]; ok {
				out = append(out, e)
			}
		}
		return out
	}
	return DiffSets(filter(feed), filter(target),
		func(e models.Email) string { return e.Type + "$" + strings.ToLower(e.Address) },
		func(_, _ models.Email) bool { return true },
	)
}

// diffProfiles compares profile sets. The target side is restricted to the
// category's own role types within in-scope structures, so administrative
// profiles and out-of-scope structures are never perturbed.
func diffProfiles(category models.Category, scope *Scope, feed, target []models.Profile) models.Delta[models.Profile] {
	managed := make(map[models.ProfileType]struct{})
	for _, t := range models.ProfileTypesFor(category) {
		managed[t] = struct{}{}
	}

	var feedIn, targetIn []models.Profile
	for _, p := range feed {
		if scope.Contains(p.StructureID) {
			feedIn = append(feedIn, p)
		}
	}
	for _, p := range target {
		if _, ok := managed[p.Type]; !ok {
			continue
		}
		if p.Type == models.ProfileAdmin || !scope.Contains(p.StructureID) {
			continue
		}
		targetIn = append(targetIn, p)
	}

	type profileKey struct {
		structureID int64
		ptype       models.ProfileType
	}
	return DiffSets(feedIn, targetIn,
		func(p models.Profile) profileKey { return profileKey{p.StructureID, p.Type} },
		func(_, _ models.Profile) bool { return true },
	)
}

// groupInfo resolves a membership's group to its structure and type.
type groupInfo func(groupID int64) (structureID int64, gtype models.GroupType, ok bool)

// diffMemberships compares membership sets, restricted to in-scope groups.
// A student's class membership is keyed by (structure, role): a student
// holds one class per structure, so moving class is a change, not a
// remove/add pair. Every other membership is keyed by the full
// (group, role, subject) tuple.
func diffMemberships(scope *Scope, info groupInfo, feed, target []models.Membership) models.Delta[models.Membership] {
	type memberKey struct {
		classOf int64 // structure id for class memberships, 0 otherwise
		groupID int64
		role    models.MembershipRole
		subject string
	}
	keyOf := func(m models.Membership) (memberKey, bool) {
		structureID, gtype, ok := info(m.GroupID)
		if !ok || !scope.Contains(structureID) {
			return memberKey{}, false
		}
		if m.Role == models.RoleMember && gtype == models.GroupTypeClass {
			return memberKey{classOf: structureID, role: m.Role}, true
		}
		subject := ""
		if m.SubjectCode != nil {
			subject = *m.SubjectCode
		}
		return memberKey{groupID: m.GroupID, role: m.Role, subject: subject}, true
	}

	inScope := func(in []models.Membership) []models.Membership {
		var ms []models.Membership
		for _, m := range in {
			if _, ok := keyOf(m); ok {
				ms = append(ms, m)
			}
		}
		return ms
	}

	return DiffSets(inScope(feed), inScope(target),
		func(m models.Membership) memberKey {
			k, _ := keyOf(m)
			return k
		},
		func(t, f models.Membership) bool {
			return t.GroupID == f.GroupID && sameString(t.SubjectCode, f.SubjectCode)
		},
	)
}

// personFields compares the non-identity scalar fields of a matched person.
// Only fields the feed actually carries participate; an absent feed value
// never clears the target value. The merged state is written back into
// after.
func personFields(target *models.Person, feedP *models.Person, after *models.Person) []string {
	var fields []string
	*after = *target
	after.Phones, after.Emails = nil, nil
	after.Profiles, after.Memberships, after.ParentLinks = nil, nil, nil

	if feedP.FirstName != "" && feedP.FirstName != target.FirstName {
		after.FirstName = feedP.FirstName
		fields = append(fields, "first_name")
	}
	if feedP.LastName != "" && feedP.LastName != target.LastName {
		after.LastName = feedP.LastName
		fields = append(fields, "last_name")
	}
	if feedP.BirthDate != nil && !sameDate(feedP.BirthDate, target.BirthDate) {
		after.BirthDate = feedP.BirthDate
		fields = append(fields, "birth_date")
	}
	if feedP.StructRattachID != nil && !sameString(feedP.StructRattachID, target.StructRattachID) {
		after.StructRattachID = feedP.StructRattachID
		fields = append(fields, "struct_rattach_id")
	}
	if feedP.GradeCode != nil && !sameString(feedP.GradeCode, target.GradeCode) {
		after.GradeCode = feedP.GradeCode
		fields = append(fields, "grade_code")
	}
	if feedP.ExternalID != nil && target.ExternalID == nil {
		after.ExternalID = feedP.ExternalID
		fields = append(fields, "external_id")
	}
	sort.Strings(fields)
	return fields
}

func sameString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
