package sync

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laclasse-com/annuaire-sync/internal/feed"
	"github.com/laclasse-com/annuaire-sync/internal/models"
)

// fakeFeed serves canned records per category.
type fakeFeed struct {
	records map[models.Category][]feed.Record
	err     error
}

func (f *fakeFeed) Read(_ context.Context, c models.Category) ([]feed.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.records[c], nil
}

// fakeStore is an in-memory target directory implementing every store
// interface, with real mutation so runs can be chained.
type fakeStore struct {
	structures  []models.Structure
	subjects    []models.Subject
	inUse       map[string]struct{}
	grades      []models.Grade
	persons     []models.Person
	nextGroupID int64
}

func (s *fakeStore) copyStructures(src []models.Structure) []models.Structure {
	out := make([]models.Structure, len(src))
	for i, st := range src {
		out[i] = st
		out[i].Groups = make([]models.Group, len(st.Groups))
		for j, g := range st.Groups {
			out[i].Groups[j] = g
			out[i].Groups[j].Grades = append([]models.GroupGrade(nil), g.Grades...)
		}
	}
	return out
}

func (s *fakeStore) ListSyncEnabled(_ context.Context) ([]models.Structure, error) {
	var out []models.Structure
	for _, st := range s.structures {
		if st.SyncEnabled {
			out = append(out, st)
		}
	}
	return s.copyStructures(out), nil
}

func (s *fakeStore) ListByUAI(_ context.Context, uais []string) ([]models.Structure, error) {
	var out []models.Structure
	for _, st := range s.structures {
		for _, uai := range uais {
			if st.UAI == uai {
				out = append(out, st)
			}
		}
	}
	return s.copyStructures(out), nil
}

func (s *fakeStore) Update(_ context.Context, u *models.Structure, fields []string) error {
	for i := range s.structures {
		if s.structures[i].ID != u.ID {
			continue
		}
		for _, f := range fields {
			switch f {
			case "name":
				s.structures[i].Name = u.Name
			case "address":
				s.structures[i].Address = u.Address
			case "zip_code":
				s.structures[i].ZipCode = u.ZipCode
			case "city":
				s.structures[i].City = u.City
			case "external_id":
				s.structures[i].ExternalID = u.ExternalID
			}
		}
	}
	return nil
}

func (s *fakeStore) CreateGroup(_ context.Context, g *models.Group) error {
	s.nextGroupID++
	g.ID = s.nextGroupID
	for i := range s.structures {
		if s.structures[i].ID == g.StructureID {
			stored := *g
			stored.Grades = nil
			s.structures[i].Groups = append(s.structures[i].Groups, stored)
		}
	}
	return nil
}

func (s *fakeStore) UpdateGroup(_ context.Context, g *models.Group, fields []string) error {
	for i := range s.structures {
		for j := range s.structures[i].Groups {
			if s.structures[i].Groups[j].ID != g.ID {
				continue
			}
			for _, f := range fields {
				if f == "description" {
					s.structures[i].Groups[j].Description = g.Description
				}
			}
		}
	}
	return nil
}

func (s *fakeStore) DeleteGroup(_ context.Context, groupID int64) error {
	for i := range s.structures {
		kept := s.structures[i].Groups[:0]
		for _, g := range s.structures[i].Groups {
			if g.ID != groupID {
				kept = append(kept, g)
			}
		}
		s.structures[i].Groups = kept
	}
	return nil
}

func (s *fakeStore) AddGroupGrade(_ context.Context, gg models.GroupGrade) error {
	for i := range s.structures {
		for j := range s.structures[i].Groups {
			if s.structures[i].Groups[j].ID == gg.GroupID {
				s.structures[i].Groups[j].Grades = append(s.structures[i].Groups[j].Grades, gg)
			}
		}
	}
	return nil
}

func (s *fakeStore) RemoveGroupGrade(_ context.Context, gg models.GroupGrade) error {
	for i := range s.structures {
		for j := range s.structures[i].Groups {
			g := &s.structures[i].Groups[j]
			if g.ID != gg.GroupID {
				continue
			}
			kept := g.Grades[:0]
			for _, got := range g.Grades {
				if got.Grade != gg.Grade {
					kept = append(kept, got)
				}
			}
			g.Grades = kept
		}
	}
	return nil
}

func (s *fakeStore) List(_ context.Context) ([]models.Subject, error) {
	return append([]models.Subject(nil), s.subjects...), nil
}

func (s *fakeStore) InUseCodes(_ context.Context) (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(s.inUse))
	for code := range s.inUse {
		out[code] = struct{}{}
	}
	return out, nil
}

func (s *fakeStore) Create(_ context.Context, subject *models.Subject) error {
	s.subjects = append(s.subjects, *subject)
	return nil
}

func (s *fakeStore) Update2(_ context.Context, subject *models.Subject) error {
	for i := range s.subjects {
		if s.subjects[i].Code == subject.Code {
			s.subjects[i] = *subject
		}
	}
	return nil
}

func (s *fakeStore) Delete(_ context.Context, code string) error {
	kept := s.subjects[:0]
	for _, subject := range s.subjects {
		if subject.Code != code {
			kept = append(kept, subject)
		}
	}
	s.subjects = kept
	return nil
}

// subjectStore and gradeStore adapt the shared fakeStore to the two
// reference-data interfaces, whose method names collide.
type subjectStore struct{ s *fakeStore }

func (a subjectStore) List(ctx context.Context) ([]models.Subject, error) { return a.s.List(ctx) }
func (a subjectStore) InUseCodes(ctx context.Context) (map[string]struct{}, error) {
	return a.s.InUseCodes(ctx)
}
func (a subjectStore) Create(ctx context.Context, subject *models.Subject) error {
	return a.s.Create(ctx, subject)
}
func (a subjectStore) Update(ctx context.Context, subject *models.Subject) error {
	return a.s.Update2(ctx, subject)
}
func (a subjectStore) Delete(ctx context.Context, code string) error { return a.s.Delete(ctx, code) }

type gradeStore struct{ s *fakeStore }

func (a gradeStore) List(_ context.Context) ([]models.Grade, error) {
	return append([]models.Grade(nil), a.s.grades...), nil
}

func (a gradeStore) Create(_ context.Context, g *models.Grade) error {
	a.s.grades = append(a.s.grades, *g)
	return nil
}

func (a gradeStore) Update(_ context.Context, g *models.Grade) error {
	for i := range a.s.grades {
		if a.s.grades[i].Code == g.Code {
			a.s.grades[i] = *g
		}
	}
	return nil
}

func (a gradeStore) Delete(_ context.Context, code string) error {
	kept := a.s.grades[:0]
	for _, g := range a.s.grades {
		if g.Code != code {
			kept = append(kept, g)
		}
	}
	a.s.grades = kept
	return nil
}

type personStore struct{ s *fakeStore }

func (a personStore) copyPersons(src []models.Person) []models.Person {
	out := make([]models.Person, len(src))
	for i, p := range src {
		out[i] = p
		out[i].Phones = append([]models.Phone(nil), p.Phones...)
		out[i].Emails = append([]models.Email(nil), p.Emails...)
		out[i].Profiles = append([]models.Profile(nil), p.Profiles...)
		out[i].Memberships = append([]models.Membership(nil), p.Memberships...)
		out[i].ParentLinks = append([]models.ParentLink(nil), p.ParentLinks...)
	}
	return out
}

func (a personStore) ListByCategory(_ context.Context, c models.Category) ([]models.Person, error) {
	var out []models.Person
	for _, p := range a.s.persons {
		if p.Category == c {
			out = append(out, p)
		}
	}
	return a.copyPersons(out), nil
}

func (a personStore) ListBoundInScope(_ context.Context, structureIDs []int64) ([]models.Person, error) {
	in := make(map[int64]struct{}, len(structureIDs))
	for _, id := range structureIDs {
		in[id] = struct{}{}
	}
	var out []models.Person
	for _, p := range a.s.persons {
		if p.ExternalID == nil || *p.ExternalID == "" {
			continue
		}
		for _, profile := range p.Profiles {
			if _, ok := in[profile.StructureID]; ok {
				out = append(out, p)
				break
			}
		}
	}
	return a.copyPersons(out), nil
}

func (a personStore) SyntheticSequence(_ context.Context, c models.Category) (int64, error) {
	prefix := map[models.Category]string{
		models.CategoryStaff:    "ENP",
		models.CategoryStudent:  "ENE",
		models.CategoryGuardian: "ENR",
	}[c]
	var last int64
	for _, p := range a.s.persons {
		if !strings.HasPrefix(p.ID, prefix) {
			continue
		}
		n, err := strconv.ParseInt(p.ID[len(prefix):], 10, 64)
		if err == nil && n > last {
			last = n
		}
	}
	return last, nil
}

func (a personStore) Create(_ context.Context, p *models.Person) error {
	a.s.persons = append(a.s.persons, a.copyPersons([]models.Person{*p})[0])
	return nil
}

func (a personStore) find(id string) *models.Person {
	for i := range a.s.persons {
		if a.s.persons[i].ID == id {
			return &a.s.persons[i]
		}
	}
	return nil
}

func (a personStore) Update(_ context.Context, p *models.Person, fields []string) error {
	stored := a.find(p.ID)
	if stored == nil {
		return nil
	}
	for _, f := range fields {
		switch f {
		case "first_name":
			stored.FirstName = p.FirstName
		case "last_name":
			stored.LastName = p.LastName
		case "birth_date":
			stored.BirthDate = p.BirthDate
		case "struct_rattach_id":
			stored.StructRattachID = p.StructRattachID
		case "grade_code":
			stored.GradeCode = p.GradeCode
		case "external_id":
			stored.ExternalID = p.ExternalID
		}
	}
	return nil
}

func (a personStore) AddPhone(_ context.Context, id string, phone models.Phone) error {
	if p := a.find(id); p != nil {
		p.Phones = append(p.Phones, phone)
	}
	return nil
}

func (a personStore) RemovePhone(_ context.Context, id string, phone models.Phone) error {
	if p := a.find(id); p != nil {
		kept := p.Phones[:0]
		for _, got := range p.Phones {
			if got != phone {
				kept = append(kept, got)
			}
		}
		p.Phones = kept
	}
	return nil
}

func (a personStore) AddEmail(_ context.Context, id string, email models.Email) error {
	if p := a.find(id); p != nil {
		p.Emails = append(p.Emails, email)
	}
	return nil
}

func (a personStore) RemoveEmail(_ context.Context, id string, email models.Email) error {
	if p := a.find(id); p != nil {
		kept := p.Emails[:0]
		for _, got := range p.Emails {
			if got != email {
				kept = append(kept, got)
			}
		}
		p.Emails = kept
	}
	return nil
}

func (a personStore) AddProfile(_ context.Context, profile models.Profile) error {
	if p := a.find(profile.PersonID); p != nil {
		p.Profiles = append(p.Profiles, profile)
	}
	return nil
}

func (a personStore) RemoveProfile(_ context.Context, profile models.Profile) error {
	if p := a.find(profile.PersonID); p != nil {
		kept := p.Profiles[:0]
		for _, got := range p.Profiles {
			if got.StructureID != profile.StructureID || got.Type != profile.Type {
				kept = append(kept, got)
			}
		}
		p.Profiles = kept
	}
	return nil
}

func sameMembership(a, b models.Membership) bool {
	return a.GroupID == b.GroupID && a.Role == b.Role && sameString(a.SubjectCode, b.SubjectCode)
}

func (a personStore) AddMembership(_ context.Context, m models.Membership) error {
	if p := a.find(m.PersonID); p != nil {
		p.Memberships = append(p.Memberships, m)
	}
	return nil
}

func (a personStore) RemoveMembership(_ context.Context, m models.Membership) error {
	if p := a.find(m.PersonID); p != nil {
		kept := p.Memberships[:0]
		for _, got := range p.Memberships {
			if !sameMembership(got, m) {
				kept = append(kept, got)
			}
		}
		p.Memberships = kept
	}
	return nil
}

func (a personStore) UpdateMembership(_ context.Context, before, after models.Membership) error {
	if p := a.find(before.PersonID); p != nil {
		for i := range p.Memberships {
			if sameMembership(p.Memberships[i], before) {
				p.Memberships[i] = after
			}
		}
	}
	return nil
}

func (a personStore) ReplaceParentLinks(_ context.Context, childID string, links []models.ParentLink) error {
	if p := a.find(childID); p != nil {
		p.ParentLinks = append([]models.ParentLink(nil), links...)
	}
	return nil
}

// fixture builds a target directory with one in-scope structure holding two
// classes and one bound teacher.
func fixture() *fakeStore {
	return &fakeStore{
		structures: []models.Structure{
			{
				ID: 1, UAI: "0691234A", Name: "College Jean Moulin",
				City: "Lyon", SyncEnabled: true,
				Groups: []models.Group{
					{ID: 10, StructureID: 1, Type: models.GroupTypeClass, Name: "6A", Description: "Sixieme A",
						Grades: []models.GroupGrade{{GroupID: 10, Grade: "6EME"}}},
					{ID: 11, StructureID: 1, Type: models.GroupTypeClass, Name: "6B", Description: "Sixieme B"},
				},
			},
			{
				ID: 2, UAI: "0699999Z", Name: "Lycee Hors Champ", SyncEnabled: false,
				Groups: []models.Group{
					{ID: 90, StructureID: 2, Type: models.GroupTypeClass, Name: "2A"},
				},
			},
		},
		subjects:    []models.Subject{{Code: "MATH", Name: "Mathematiques"}, {Code: "LATN", Name: "Latin"}},
		inUse:       map[string]struct{}{"LATN": {}},
		grades:      []models.Grade{{Code: "6EME", Name: "Sixieme"}},
		nextGroupID: 100,
		persons: []models.Person{
			{
				ID: "ENP00000001", Category: models.CategoryStaff, ExternalID: strPtr("PROF-1"),
				FirstName: "Julie", LastName: "MARTIN",
				Emails:   []models.Email{{Type: models.EmailTypeAcademic, Address: "julie.martin@ac-lyon.fr"}},
				Profiles: []models.Profile{{PersonID: "ENP00000001", StructureID: 1, Type: models.ProfileTeacher}},
				Memberships: []models.Membership{
					{PersonID: "ENP00000001", GroupID: 10, Role: models.RoleGroupTeacher, SubjectCode: strPtr("MATH")},
				},
			},
		},
	}
}

func fullFeed() *fakeFeed {
	return &fakeFeed{records: map[models.Category][]feed.Record{
		models.CategoryStructure: {
			record("ETAB-1", map[string][]string{
				"ENTStructureUAI":        {"0691234A"},
				"ENTStructureNomCourant": {"College Jean Moulin"},
				"ENTStructureVille":      {"Lyon"},
				"ENTStructureClasses":    {"6A$Sixieme A$6EME", "6B$Sixieme B"},
			}),
			record("ETAB-404", map[string][]string{
				"ENTStructureUAI":        {"0700001B"},
				"ENTStructureNomCourant": {"College Inconnu"},
				"ENTStructureClasses":    {"3A$Troisieme A"},
			}),
		},
		models.CategorySubject: {
			record("MATH", map[string][]string{"ENTLibelleMatiere": {"Mathematiques"}}),
		},
		models.CategoryGrade: {
			record("6EME", map[string][]string{"ENTLibelleMef": {"Sixieme"}}),
		},
		models.CategoryStaff: {
			record("PROF-1", map[string][]string{
				"ENTPersonNom":             {"Martin"},
				"ENTPersonPrenom":          {"Julie"},
				"ENTPersonMail":            {"julie.martin@ac-lyon.fr"},
				"ENTPersonFonctions":       {"0691234A$ENS"},
				"ENTAuxEnsClassesMatieres": {"0691234A$6A$MATH"},
			}),
		},
		models.CategoryGuardian: {
			record("TUTEUR-1", map[string][]string{
				"ENTPersonNom":        {"Bernard"},
				"ENTPersonPrenom":     {"Paul"},
				"ENTPersRelEleveMail": {"paul.bernard@example.org"},
			}),
		},
		models.CategoryStudent: {
			record("ELEVE-1", map[string][]string{
				"ENTPersonNom":            {"Bernard"},
				"ENTPersonPrenom":         {"Lea"},
				"ENTPersonDateNaissance":  {"02/06/2011"},
				"ENTPersonStructRattach":  {"0691234A"},
				"ENTEleveStructRattachId": {"R-100"},
				"ENTEleveMEF":             {"6EME"},
				"ENTEleveClasses":         {"0691234A$6A"},
				"ENTElevePersRelEleve":    {"TUTEUR-1$PERE$1$1$1"},
			}),
		},
	}}
}

func newTestSynchronizer(store *fakeStore, f *fakeFeed) *Synchronizer {
	return New(f, store, subjectStore{store}, gradeStore{store}, personStore{store}, nil)
}

func allCategoryOptions(apply bool) RunOptions {
	return RunOptions{Categories: models.AllCategories, Apply: apply}
}

func findPerson(t *testing.T, store *fakeStore, extID string) *models.Person {
	t.Helper()
	for i := range store.persons {
		if store.persons[i].ExternalID != nil && *store.persons[i].ExternalID == extID {
			return &store.persons[i]
		}
	}
	t.Fatalf("person %s not in store", extID)
	return nil
}

func TestRunRejectsEmptyAndUnknownCategories(t *testing.T) {
	s := newTestSynchronizer(fixture(), fullFeed())

	_, err := s.Run(context.Background(), RunOptions{})
	assert.Error(t, err)

	_, err = s.Run(context.Background(), RunOptions{Categories: []models.Category{"classroom"}})
	assert.Error(t, err)
}

func TestRunDryRunLeavesStoreUntouched(t *testing.T) {
	store := fixture()
	s := newTestSynchronizer(store, fullFeed())

	res, err := s.Run(context.Background(), allCategoryOptions(false))
	require.NoError(t, err)

	assert.False(t, res.Applied)
	assert.Equal(t, []string{"0691234A"}, res.ScopeUAIs)
	require.NotNil(t, res.Students)
	assert.Len(t, res.Students.Added, 1)
	require.NotNil(t, res.Guardians)
	assert.Len(t, res.Guardians.Added, 1)

	// untouched target
	assert.Len(t, store.persons, 1)
	assert.Len(t, store.subjects, 2)
	assert.Len(t, store.structures[0].Groups, 2)
}

func TestRunApplyThenIdempotent(t *testing.T) {
	store := fixture()
	s := newTestSynchronizer(store, fullFeed())

	res, err := s.Run(context.Background(), allCategoryOptions(true))
	require.NoError(t, err)
	require.NotNil(t, res.Students)
	require.Len(t, res.Students.Added, 1)

	student := findPerson(t, store, "ELEVE-1")
	assert.Equal(t, "ENE00000001", student.ID)
	require.Len(t, student.Profiles, 1)
	assert.Equal(t, models.ProfileStudent, student.Profiles[0].Type)
	require.Len(t, student.Memberships, 1)
	assert.Equal(t, int64(10), student.Memberships[0].GroupID)
	require.Len(t, student.ParentLinks, 1)

	guardian := findPerson(t, store, "TUTEUR-1")
	assert.Equal(t, guardian.ID, student.ParentLinks[0].ParentID)
	require.Len(t, guardian.Profiles, 1)
	assert.Equal(t, models.ProfileGuardian, guardian.Profiles[0].Type)
	assert.Equal(t, int64(1), guardian.Profiles[0].StructureID)

	// LATN is referenced by a membership and survives the feed's silence
	codes := make([]string, 0, len(store.subjects))
	for _, subject := range store.subjects {
		codes = append(codes, subject.Code)
	}
	assert.ElementsMatch(t, []string{"MATH", "LATN"}, codes)

	again := newTestSynchronizer(store, fullFeed())
	res2, err := again.Run(context.Background(), allCategoryOptions(true))
	require.NoError(t, err)

	assert.Empty(t, res2.Errors)
	assert.Empty(t, res2.Students.Added)
	assert.Empty(t, res2.Students.Changed)
	assert.Empty(t, res2.Guardians.Added)
	assert.Empty(t, res2.Guardians.Changed)
	assert.Empty(t, res2.Staff.Added)
	assert.Empty(t, res2.Staff.Changed)
	assert.Empty(t, res2.Structures.Changed)
	assert.True(t, res2.Subjects.Empty())
	assert.True(t, res2.Grades.Empty())
	assert.Empty(t, res2.GC.RevokedProfiles)
	assert.Empty(t, res2.GC.RevokedMemberships)
}

func TestRunScopeContainment(t *testing.T) {
	store := fixture()
	s := newTestSynchronizer(store, fullFeed())

	_, err := s.Run(context.Background(), allCategoryOptions(true))
	require.NoError(t, err)

	// the sync-disabled structure and its class are untouched
	assert.Equal(t, "Lycee Hors Champ", store.structures[1].Name)
	require.Len(t, store.structures[1].Groups, 1)
	assert.Equal(t, int64(90), store.structures[1].Groups[0].ID)
	for _, p := range store.persons {
		for _, m := range p.Memberships {
			assert.NotEqual(t, int64(90), m.GroupID)
		}
	}
}

func TestRunCreatesMissingGroupAndMembership(t *testing.T) {
	store := fixture()
	f := fullFeed()
	f.records[models.CategoryStructure][0].Attrs["ENTStructureClasses"] = []string{
		"6A$Sixieme A$6EME", "6B$Sixieme B", "6C$Sixieme C$6EME",
	}
	f.records[models.CategoryStudent][0].Attrs["ENTEleveClasses"] = []string{"0691234A$6C"}

	s := newTestSynchronizer(store, f)
	_, err := s.Run(context.Background(), allCategoryOptions(true))
	require.NoError(t, err)

	require.Len(t, store.structures[0].Groups, 3)
	created := store.structures[0].Groups[2]
	assert.Equal(t, "6C", created.Name)
	assert.Equal(t, int64(101), created.ID)
	require.Len(t, created.Grades, 1)
	assert.Equal(t, "6EME", created.Grades[0].Grade)

	student := findPerson(t, store, "ELEVE-1")
	require.Len(t, student.Memberships, 1)
	assert.Equal(t, created.ID, student.Memberships[0].GroupID)
}

func TestRunClassMoveIsSingleChange(t *testing.T) {
	store := fixture()
	f := fullFeed()
	s := newTestSynchronizer(store, f)
	_, err := s.Run(context.Background(), allCategoryOptions(true))
	require.NoError(t, err)

	f.records[models.CategoryStudent][0].Attrs["ENTEleveClasses"] = []string{"0691234A$6B"}
	again := newTestSynchronizer(store, f)
	res, err := again.Run(context.Background(), allCategoryOptions(true))
	require.NoError(t, err)

	require.Len(t, res.Students.Changed, 1)
	ch := res.Students.Changed[0]
	require.Len(t, ch.Memberships.Changed, 1)
	assert.Empty(t, ch.Memberships.Added)
	assert.Empty(t, ch.Memberships.Removed)
	assert.Equal(t, int64(10), ch.Memberships.Changed[0].Before.GroupID)
	assert.Equal(t, int64(11), ch.Memberships.Changed[0].After.GroupID)

	student := findPerson(t, store, "ELEVE-1")
	require.Len(t, student.Memberships, 1)
	assert.Equal(t, int64(11), student.Memberships[0].GroupID)
}

func TestRunGarbageCollection(t *testing.T) {
	store := fixture()
	f := fullFeed()
	s := newTestSynchronizer(store, f)
	_, err := s.Run(context.Background(), allCategoryOptions(true))
	require.NoError(t, err)

	// next export no longer mentions the teacher
	f.records[models.CategoryStaff] = nil
	again := newTestSynchronizer(store, f)
	res, err := again.Run(context.Background(), allCategoryOptions(true))
	require.NoError(t, err)

	require.NotNil(t, res.GC)
	require.Len(t, res.GC.RevokedProfiles, 1)
	assert.Equal(t, "ENP00000001", res.GC.RevokedProfiles[0].PersonID)
	require.Len(t, res.GC.RevokedMemberships, 1)

	teacher := findPerson(t, store, "PROF-1")
	assert.Empty(t, teacher.Profiles)
	assert.Empty(t, teacher.Memberships)
	assert.Equal(t, "MARTIN", teacher.LastName, "the account itself survives")
}

func TestRunGCOnlyTouchesRequestedCategories(t *testing.T) {
	store := fixture()
	f := fullFeed()
	s := newTestSynchronizer(store, f)
	_, err := s.Run(context.Background(), allCategoryOptions(true))
	require.NoError(t, err)

	// a student-only run must not garbage-collect the absent teacher
	f.records[models.CategoryStaff] = nil
	again := newTestSynchronizer(store, f)
	res, err := again.Run(context.Background(), RunOptions{
		Categories: []models.Category{models.CategoryStructure, models.CategoryStudent},
		Apply:      true,
	})
	require.NoError(t, err)

	assert.Empty(t, res.GC.RevokedProfiles)
	teacher := findPerson(t, store, "PROF-1")
	assert.Len(t, teacher.Profiles, 1)
}

func TestRunDuplicateAccountGuard(t *testing.T) {
	store := fixture()
	store.persons = append(store.persons, models.Person{
		ID: "ENE00000007", Category: models.CategoryStudent, ExternalID: strPtr("ELEVE-OLD"),
		FirstName: "Lea", LastName: "BERNARD",
		BirthDate: datePtr(2011, 6, 2),
		Profiles:  []models.Profile{{PersonID: "ENE00000007", StructureID: 1, Type: models.ProfileStudent}},
	})

	s := newTestSynchronizer(store, fullFeed())
	res, err := s.Run(context.Background(), allCategoryOptions(true))
	require.NoError(t, err)

	require.Len(t, res.Students.Added, 1)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "duplicate account suspected")

	// a fresh account was created instead of rebinding ENE00000007
	created := findPerson(t, store, "ELEVE-1")
	assert.NotEqual(t, "ENE00000007", created.ID)
	assert.Equal(t, "ENE00000008", created.ID, "sequence seeded past the highest stored id")
}

func TestRunGuardianProfileFollowsStudent(t *testing.T) {
	store := fixture()
	f := fullFeed()
	s := newTestSynchronizer(store, f)
	_, err := s.Run(context.Background(), allCategoryOptions(true))
	require.NoError(t, err)

	// the next export drops the student; the guardian stays but loses the
	// TUT profile through GC of the student and guardian reconciliation
	f.records[models.CategoryStudent] = nil
	again := newTestSynchronizer(store, f)
	res, err := again.Run(context.Background(), allCategoryOptions(true))
	require.NoError(t, err)

	guardian := findPerson(t, store, "TUTEUR-1")
	assert.Empty(t, guardian.Profiles)
	require.NotNil(t, res.Guardians)
	require.Len(t, res.Guardians.Changed, 1)
	assert.Len(t, res.Guardians.Changed[0].Profiles.Removed, 1)
}

func TestRunExplicitScopeRestriction(t *testing.T) {
	store := fixture()
	store.structures[1].SyncEnabled = true

	s := newTestSynchronizer(store, fullFeed())
	res, err := s.Run(context.Background(), RunOptions{
		Categories:     models.AllCategories,
		StructureScope: []string{"0699999Z"},
		Apply:          false,
	})
	require.NoError(t, err)

	// the feed has no entry for 0699999Z, so the scope intersection is empty
	assert.Empty(t, res.ScopeUAIs)
	assert.Empty(t, res.Structures.Changed)
	assert.Empty(t, res.Students.Added)
}

func TestRunUnscopedNewPersonSkipped(t *testing.T) {
	store := fixture()
	f := fullFeed()
	f.records[models.CategoryStudent] = append(f.records[models.CategoryStudent],
		record("ELEVE-2", map[string][]string{
			"ENTPersonNom":           {"Petit"},
			"ENTPersonPrenom":        {"Tom"},
			"ENTPersonStructRattach": {"0700001B"}, // not an in-scope structure
		}))

	s := newTestSynchronizer(store, f)
	res, err := s.Run(context.Background(), allCategoryOptions(true))
	require.NoError(t, err)

	require.Len(t, res.Students.Added, 1)
	assert.Equal(t, "ELEVE-1", *res.Students.Added[0].ExternalID)
}

func TestRunRemovesUnusedAbsentSubject(t *testing.T) {
	store := fixture()
	store.subjects = append(store.subjects, models.Subject{Code: "GREC", Name: "Grec ancien"})

	s := newTestSynchronizer(store, fullFeed())
	res, err := s.Run(context.Background(), allCategoryOptions(true))
	require.NoError(t, err)

	// GREC has no membership referencing it, so the feed's silence removes it
	require.NotNil(t, res.Subjects)
	require.Len(t, res.Subjects.Removed, 1)
	assert.Equal(t, "GREC", res.Subjects.Removed[0].Code)

	codes := make([]string, 0, len(store.subjects))
	for _, subject := range store.subjects {
		codes = append(codes, subject.Code)
	}
	assert.ElementsMatch(t, []string{"MATH", "LATN"}, codes)
}

func TestRunStructureStageRecordsScopeLoadTime(t *testing.T) {
	s := newTestSynchronizer(fixture(), fullFeed())
	base := time.Now()
	calls := 0
	s.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * 5 * time.Millisecond)
	}

	res, err := s.Run(context.Background(), RunOptions{
		Categories: []models.Category{models.CategoryStructure},
	})
	require.NoError(t, err)

	stats := res.Stats[models.CategoryStructure]
	require.NotNil(t, stats)
	assert.Equal(t, int64(5), stats.LoadMillis)
}
