package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laclasse-com/annuaire-sync/internal/models"
)

func strPtr(s string) *string { return &s }

func datePtr(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func testScope(t *testing.T, structures ...models.Structure) *Scope {
	t.Helper()
	uais := make(map[string]struct{}, len(structures))
	for _, s := range structures {
		uais[s.UAI] = struct{}{}
	}
	return ResolveScope(structures, uais)
}

func TestDiffSets(t *testing.T) {
	feed := []models.Subject{
		{Code: "MATH", Name: "Mathematiques"},
		{Code: "HIST", Name: "Histoire"},
		{Code: "PHYS", Name: "Physique"},
	}
	target := []models.Subject{
		{Code: "MATH", Name: "Maths"},
		{Code: "HIST", Name: "Histoire"},
		{Code: "LATN", Name: "Latin"},
	}

	delta := DiffSets(feed, target,
		func(s models.Subject) string { return s.Code },
		func(tgt, f models.Subject) bool { return tgt.Name == f.Name },
	)

	require.Len(t, delta.Added, 1)
	assert.Equal(t, "PHYS", delta.Added[0].Code)
	require.Len(t, delta.Changed, 1)
	assert.Equal(t, "Maths", delta.Changed[0].Before.Name)
	assert.Equal(t, "Mathematiques", delta.Changed[0].After.Name)
	require.Len(t, delta.Removed, 1)
	assert.Equal(t, "LATN", delta.Removed[0].Code)
}

func TestDiffSetsDuplicateFeedKeysFirstWins(t *testing.T) {
	feed := []models.Subject{
		{Code: "MATH", Name: "First"},
		{Code: "MATH", Name: "Second"},
	}

	delta := DiffSets(feed, nil,
		func(s models.Subject) string { return s.Code },
		func(_, _ models.Subject) bool { return true },
	)

	require.Len(t, delta.Added, 1)
	assert.Equal(t, "First", delta.Added[0].Name)
}

func TestDiffSetsEmptySides(t *testing.T) {
	key := func(s models.Subject) string { return s.Code }
	eq := func(_, _ models.Subject) bool { return true }

	delta := DiffSets(nil, []models.Subject{{Code: "MATH"}}, key, eq)
	assert.Empty(t, delta.Added)
	assert.Len(t, delta.Removed, 1)

	delta = DiffSets([]models.Subject{{Code: "MATH"}}, nil, key, eq)
	assert.Len(t, delta.Added, 1)
	assert.Empty(t, delta.Removed)
}

func TestDiffPhones(t *testing.T) {
	feed := []models.Phone{
		{Type: models.PhoneTypeMobile, Number: "0601020304"},
		{Type: models.PhoneTypeWork, Number: "0411121314"},
	}
	target := []models.Phone{
		{Type: models.PhoneTypeMobile, Number: "0601020304"},
		{Type: models.PhoneTypeHome, Number: "0499999999"},
	}

	delta := diffPhones(feed, target)

	require.Len(t, delta.Added, 1)
	assert.Equal(t, "0411121314", delta.Added[0].Number)
	assert.Empty(t, delta.Changed)
	require.Len(t, delta.Removed, 1)
	assert.Equal(t, "0499999999", delta.Removed[0].Number)
}

func TestDiffEmailsIgnoresForeignTypes(t *testing.T) {
	feed := []models.Email{
		{Type: models.EmailTypeAcademic, Address: "jean.dupont@ac-lyon.fr"},
	}
	target := []models.Email{
		{Type: models.EmailTypeAcademic, Address: "old.address@ac-lyon.fr"},
		{Type: models.EmailTypeOther, Address: "jean@example.org"},
	}

	delta := diffEmails(models.CategoryStaff, feed, target)

	require.Len(t, delta.Added, 1)
	assert.Equal(t, "jean.dupont@ac-lyon.fr", delta.Added[0].Address)
	require.Len(t, delta.Removed, 1)
	assert.Equal(t, "old.address@ac-lyon.fr", delta.Removed[0].Address)
}

func TestDiffEmailsCaseInsensitive(t *testing.T) {
	feed := []models.Email{{Type: models.EmailTypeAcademic, Address: "Jean.Dupont@ac-lyon.fr"}}
	target := []models.Email{{Type: models.EmailTypeAcademic, Address: "jean.dupont@ac-lyon.fr"}}

	delta := diffEmails(models.CategoryStudent, feed, target)
	assert.True(t, delta.Empty())
}

func TestDiffProfilesNeverTouchesAdminOrOutOfScope(t *testing.T) {
	scope := testScope(t, models.Structure{ID: 1, UAI: "0691234A"})

	feed := []models.Profile{
		{StructureID: 1, Type: models.ProfileTeacher},
		{StructureID: 99, Type: models.ProfileTeacher}, // out of scope
	}
	target := []models.Profile{
		{StructureID: 1, Type: models.ProfileStaff},
		{StructureID: 1, Type: models.ProfileAdmin},
		{StructureID: 2, Type: models.ProfileTeacher}, // out of scope
	}

	delta := diffProfiles(models.CategoryStaff, scope, feed, target)

	require.Len(t, delta.Added, 1)
	assert.Equal(t, models.ProfileTeacher, delta.Added[0].Type)
	require.Len(t, delta.Removed, 1)
	assert.Equal(t, models.ProfileStaff, delta.Removed[0].Type)
}

func TestDiffProfilesLeavesOtherCategoryTypes(t *testing.T) {
	scope := testScope(t, models.Structure{ID: 1, UAI: "0691234A"})

	target := []models.Profile{
		{StructureID: 1, Type: models.ProfileStudent},
		{StructureID: 1, Type: models.ProfileGuardian},
	}

	delta := diffProfiles(models.CategoryStaff, scope, nil, target)
	assert.True(t, delta.Empty())
}

func membershipScope(t *testing.T) (*Scope, groupInfo) {
	t.Helper()
	scope := testScope(t, models.Structure{ID: 1, UAI: "0691234A"})
	groups := map[int64]models.Group{
		10: {ID: 10, StructureID: 1, Type: models.GroupTypeClass, Name: "6A"},
		11: {ID: 11, StructureID: 1, Type: models.GroupTypeClass, Name: "6B"},
		20: {ID: 20, StructureID: 1, Type: models.GroupTypeGroup, Name: "Chorale"},
		90: {ID: 90, StructureID: 9, Type: models.GroupTypeClass, Name: "5C"},
	}
	info := func(id int64) (int64, models.GroupType, bool) {
		g, ok := groups[id]
		if !ok {
			return 0, "", false
		}
		return g.StructureID, g.Type, true
	}
	return scope, info
}

func TestDiffMembershipsClassMoveIsOneChange(t *testing.T) {
	scope, info := membershipScope(t)

	feed := []models.Membership{{GroupID: 11, Role: models.RoleMember}}
	target := []models.Membership{{GroupID: 10, Role: models.RoleMember}}

	delta := diffMemberships(scope, info, feed, target)

	assert.Empty(t, delta.Added)
	assert.Empty(t, delta.Removed)
	require.Len(t, delta.Changed, 1)
	assert.Equal(t, int64(10), delta.Changed[0].Before.GroupID)
	assert.Equal(t, int64(11), delta.Changed[0].After.GroupID)
}

func TestDiffMembershipsGroupsUseFullKey(t *testing.T) {
	scope, info := membershipScope(t)

	feed := []models.Membership{
		{GroupID: 20, Role: models.RoleGroupTeacher, SubjectCode: strPtr("MATH")},
	}
	target := []models.Membership{
		{GroupID: 20, Role: models.RoleGroupTeacher, SubjectCode: strPtr("HIST")},
	}

	delta := diffMemberships(scope, info, feed, target)

	require.Len(t, delta.Added, 1)
	require.Len(t, delta.Removed, 1)
	assert.Empty(t, delta.Changed)
}

func TestDiffMembershipsIgnoresOutOfScopeGroups(t *testing.T) {
	scope, info := membershipScope(t)

	target := []models.Membership{
		{GroupID: 90, Role: models.RoleMember},  // structure 9, out of scope
		{GroupID: 404, Role: models.RoleMember}, // unknown group
	}

	delta := diffMemberships(scope, info, nil, target)
	assert.True(t, delta.Empty())
}

func TestPersonFieldsAbsentFeedValueNeverClears(t *testing.T) {
	target := &models.Person{
		ID:        "ENE00000001",
		FirstName: "Jean",
		LastName:  "DUPONT",
		BirthDate: datePtr(2010, time.March, 14),
		GradeCode: strPtr("6EME"),
	}
	feedP := &models.Person{
		FirstName: "Jean",
		LastName:  "DURAND",
	}

	var after models.Person
	fields := personFields(target, feedP, &after)

	assert.Equal(t, []string{"last_name"}, fields)
	assert.Equal(t, "DURAND", after.LastName)
	require.NotNil(t, after.BirthDate)
	assert.Equal(t, "6EME", *after.GradeCode)
}

func TestPersonFieldsBindsExternalIDOnce(t *testing.T) {
	target := &models.Person{ID: "ENP00000001", LastName: "MARTIN"}
	feedP := &models.Person{ExternalID: strPtr("12345"), LastName: "MARTIN"}

	var after models.Person
	fields := personFields(target, feedP, &after)
	assert.Equal(t, []string{"external_id"}, fields)

	bound := &models.Person{ID: "ENP00000001", LastName: "MARTIN", ExternalID: strPtr("99999")}
	fields = personFields(bound, feedP, &after)
	assert.Empty(t, fields)
	assert.Equal(t, "99999", *after.ExternalID)
}
