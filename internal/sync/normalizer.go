package sync

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/laclasse-com/annuaire-sync/internal/feed"
	"github.com/laclasse-com/annuaire-sync/internal/models"
)

// AAF attribute names, per export vocabulary.
const (
	attrStructureUAI     = "ENTStructureUAI"
	attrStructureName    = "ENTStructureNomCourant"
	attrStructureAddress = "ENTStructureAdresse"
	attrStructureZip     = "ENTStructureCodePostal"
	attrStructureCity    = "ENTStructureVille"
	attrStructureClasses = "ENTStructureClasses" // name$description[$grade]
	attrStructureGroups  = "ENTStructureGroupes" // name$description

	attrSubjectName  = "ENTLibelleMatiere"
	attrGradeName    = "ENTLibelleMef"
	attrGradeRattach = "ENTMEFRattach"
	attrGradeStat    = "ENTMEFSTAT11"

	attrPersonLastName  = "ENTPersonNom"
	attrPersonFirstName = "ENTPersonPrenom"
	attrPersonBirthDate = "ENTPersonDateNaissance"
	attrPersonMail      = "ENTPersonMail"
	attrPersonPhones    = "ENTPersonTelephones" // type$number

	attrStaffFunctions = "ENTPersonFonctions"      // uai$function
	attrStaffClasses   = "ENTAuxEnsClassesMatieres" // uai$class$subject
	attrStaffGroups    = "ENTAuxEnsGroupesMatieres" // uai$group$subject
	attrStaffHomeroom  = "ENTAuxEnsClassesPrincipal" // uai$class

	attrStudentStructUAI = "ENTPersonStructRattach"
	attrStudentRattachID = "ENTEleveStructRattachId"
	attrStudentGrade     = "ENTEleveMEF"
	attrStudentClasses   = "ENTEleveClasses" // uai$class
	attrStudentGroups    = "ENTEleveGroupes" // uai$group
	attrStudentParents   = "ENTElevePersRelEleve" // parentId$type$legal$financial$contact

	attrGuardianMail = "ENTPersRelEleveMail"
)

const feedDateLayout = "02/01/2006"

// Synthetic id prefixes per person category.
var idPrefixes = map[models.Category]string{
	models.CategoryStaff:    "ENP",
	models.CategoryStudent:  "ENE",
	models.CategoryGuardian: "ENR",
}

// Counters owns the category-scoped synthetic id sequences of one run. They
// are seeded from the target store's current maxima so that an id created by
// an earlier run is never handed out again.
type Counters struct {
	seq map[models.Category]int64
}

// NewCounters builds counters seeded with the per-category sequence maxima.
func NewCounters(seed map[models.Category]int64) *Counters {
	seq := make(map[models.Category]int64, len(seed))
	for c, v := range seed {
		seq[c] = v
	}
	return &Counters{seq: seq}
}

// Next returns the next synthetic person id for the category.
func (c *Counters) Next(cat models.Category) string {
	c.seq[cat]++
	return fmt.Sprintf("%s%08d", idPrefixes[cat], c.seq[cat])
}

// SyntheticGroupID hands out negative ids for feed groups that do not exist
// in the target store yet.
type syntheticGroupIDs struct {
	last int64
}

func (s *syntheticGroupIDs) next() int64 {
	s.last--
	return s.last
}

var titleCaser = cases.Title(language.French)

// Normalizer converts raw feed records into typed entities. Partial data
// problems are reported through the sink and never abort a run; a record
// that cannot yield an entity at all returns an error and is skipped.
type Normalizer struct {
	counters *Counters
	report   func(msg string)

	// guardians normalized earlier in the same run, by external id; student
	// parent links only resolve against these.
	guardians map[string]*models.Person
}

// NewNormalizer builds a normalizer bound to one run's counters and soft
// error sink.
func NewNormalizer(counters *Counters, report func(msg string)) *Normalizer {
	if report == nil {
		report = func(string) {}
	}
	return &Normalizer{
		counters:  counters,
		report:    report,
		guardians: make(map[string]*models.Person),
	}
}

// Structure normalizes one EtabEducNat record. Groups keep a zero id; the
// group resolution step assigns target or synthetic ids.
func (n *Normalizer) Structure(rec feed.Record) (*models.Structure, error) {
	uai := strings.TrimSpace(rec.First(attrStructureUAI))
	name := strings.TrimSpace(rec.First(attrStructureName))
	if uai == "" || name == "" {
		return nil, fmt.Errorf("structure %s: missing %s or %s", rec.ExternalID, attrStructureUAI, attrStructureName)
	}
	extID := rec.ExternalID
	s := &models.Structure{
		ExternalID: &extID,
		UAI:        uai,
		Name:       name,
		Address:    strings.TrimSpace(rec.First(attrStructureAddress)),
		ZipCode:    strings.TrimSpace(rec.First(attrStructureZip)),
		City:       strings.TrimSpace(rec.First(attrStructureCity)),
	}

	declared := make(map[string]struct{})
	addGroup := func(gtype models.GroupType, name, description, grade string) {
		key := string(gtype) + "$" + name
		if _, dup := declared[key]; dup {
			// First occurrence wins; the duplicate is surfaced rather than
			// silently discarded.
			n.report(fmt.Sprintf("structure %s: duplicate %s declaration %q dropped", uai, gtype, name))
			return
		}
		declared[key] = struct{}{}
		g := models.Group{Type: gtype, Name: name, Description: description}
		if grade != "" {
			g.Grades = []models.GroupGrade{{Grade: grade}}
		}
		s.Groups = append(s.Groups, g)
	}

	for _, raw := range rec.Values(attrStructureClasses) {
		parts := strings.Split(raw, "$")
		if len(parts) != 2 && len(parts) != 3 {
			n.report(fmt.Sprintf("structure %s: malformed class tuple %q dropped", uai, raw))
			continue
		}
		grade := ""
		if len(parts) == 3 {
			grade = strings.TrimSpace(parts[2])
		}
		addGroup(models.GroupTypeClass, strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), grade)
	}
	for _, raw := range rec.Values(attrStructureGroups) {
		parts := strings.Split(raw, "$")
		if len(parts) != 2 {
			n.report(fmt.Sprintf("structure %s: malformed group tuple %q dropped", uai, raw))
			continue
		}
		addGroup(models.GroupTypeGroup, strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), "")
	}
	return s, nil
}

// Subject normalizes one MatiereEducNat record.
func (n *Normalizer) Subject(rec feed.Record) (*models.Subject, error) {
	name := strings.TrimSpace(rec.First(attrSubjectName))
	if rec.ExternalID == "" || name == "" {
		return nil, fmt.Errorf("subject %s: missing code or %s", rec.ExternalID, attrSubjectName)
	}
	return &models.Subject{Code: rec.ExternalID, Name: name}, nil
}

// Grade normalizes one MefEducNat record.
func (n *Normalizer) Grade(rec feed.Record) (*models.Grade, error) {
	name := strings.TrimSpace(rec.First(attrGradeName))
	if rec.ExternalID == "" || name == "" {
		return nil, fmt.Errorf("grade %s: missing code or %s", rec.ExternalID, attrGradeName)
	}
	return &models.Grade{
		Code:    rec.ExternalID,
		Name:    name,
		Rattach: strings.TrimSpace(rec.First(attrGradeRattach)),
		Stat:    strings.TrimSpace(rec.First(attrGradeStat)),
	}, nil
}

// person normalizes the base fields shared by every person category and
// assigns the provisional synthetic id. The id is discarded if the matcher
// later finds a target record.
func (n *Normalizer) person(rec feed.Record, cat models.Category) (*models.Person, error) {
	if rec.ExternalID == "" {
		return nil, fmt.Errorf("%s record without external id", cat)
	}
	last := strings.TrimSpace(rec.First(attrPersonLastName))
	if last == "" {
		return nil, fmt.Errorf("%s %s: missing %s", cat, rec.ExternalID, attrPersonLastName)
	}
	extID := rec.ExternalID
	p := &models.Person{
		ID:         n.counters.Next(cat),
		ExternalID: &extID,
		Category:   cat,
		FirstName:  titleCaser.String(strings.ToLower(strings.TrimSpace(rec.First(attrPersonFirstName)))),
		LastName:   strings.ToUpper(last),
	}
	if raw := strings.TrimSpace(rec.First(attrPersonBirthDate)); raw != "" {
		birth, err := time.Parse(feedDateLayout, raw)
		if err != nil {
			return nil, fmt.Errorf("%s %s: invalid birthdate %q", cat, rec.ExternalID, raw)
		}
		p.BirthDate = &birth
	}
	for _, raw := range rec.Values(attrPersonPhones) {
		parts := strings.Split(raw, "$")
		if len(parts) != 2 {
			n.report(fmt.Sprintf("%s %s: malformed phone tuple %q dropped", cat, rec.ExternalID, raw))
			continue
		}
		p.Phones = append(p.Phones, models.Phone{
			Type:   strings.TrimSpace(parts[0]),
			Number: strings.TrimSpace(parts[1]),
		})
	}
	return p, nil
}

// groupResolver resolves a (uai, type, name) composite to a group with an
// assigned (target or synthetic) id. A false second value means the
// structure is out of scope; a nil group with true means the group is
// unknown within an in-scope structure.
type groupResolver func(uai string, gtype models.GroupType, name string) (*models.Group, bool)

// structureResolver resolves an in-scope structure by UAI.
type structureResolver func(uai string) (*models.Structure, bool)

// Staff normalizes one PersEducNat record.
func (n *Normalizer) Staff(rec feed.Record, structures structureResolver, groups groupResolver) (*models.Person, error) {
	p, err := n.person(rec, models.CategoryStaff)
	if err != nil {
		return nil, err
	}
	if mail := strings.TrimSpace(rec.First(attrPersonMail)); mail != "" {
		p.Emails = append(p.Emails, models.Email{Type: models.EmailTypeAcademic, Address: mail})
	}

	for _, raw := range rec.Values(attrStaffFunctions) {
		parts := strings.Split(raw, "$")
		if len(parts) != 2 {
			n.report(fmt.Sprintf("staff %s: malformed function tuple %q dropped", rec.ExternalID, raw))
			continue
		}
		st, ok := structures(strings.TrimSpace(parts[0]))
		if !ok {
			continue // out of scope
		}
		p.Profiles = append(p.Profiles, models.Profile{
			StructureID: st.ID,
			Type:        profileTypeForFunction(strings.TrimSpace(parts[1])),
		})
	}

	n.teachingMemberships(rec, p, attrStaffClasses, models.GroupTypeClass, models.RoleGroupTeacher, groups)
	n.teachingMemberships(rec, p, attrStaffGroups, models.GroupTypeGroup, models.RoleGroupTeacher, groups)

	for _, raw := range rec.Values(attrStaffHomeroom) {
		parts := strings.Split(raw, "$")
		if len(parts) != 2 {
			n.report(fmt.Sprintf("staff %s: malformed homeroom tuple %q dropped", rec.ExternalID, raw))
			continue
		}
		g, inScope := groups(strings.TrimSpace(parts[0]), models.GroupTypeClass, strings.TrimSpace(parts[1]))
		if !inScope {
			continue
		}
		if g == nil {
			n.report(fmt.Sprintf("staff %s: unknown class %q in %s", rec.ExternalID, parts[1], parts[0]))
			continue
		}
		p.Memberships = append(p.Memberships, models.Membership{GroupID: g.ID, Role: models.RoleHomeroomLead})
	}
	return p, nil
}

// teachingMemberships parses uai$group$subject tuples into teacher
// memberships. A missing subject in this run's feed nulls the membership's
// subject rather than dropping it.
func (n *Normalizer) teachingMemberships(rec feed.Record, p *models.Person, attr string, gtype models.GroupType, role models.MembershipRole, groups groupResolver) {
	for _, raw := range rec.Values(attr) {
		parts := strings.Split(raw, "$")
		if len(parts) != 3 {
			n.report(fmt.Sprintf("staff %s: malformed teaching tuple %q dropped", rec.ExternalID, raw))
			continue
		}
		g, inScope := groups(strings.TrimSpace(parts[0]), gtype, strings.TrimSpace(parts[1]))
		if !inScope {
			continue
		}
		if g == nil {
			n.report(fmt.Sprintf("staff %s: unknown %s %q in %s", rec.ExternalID, gtype, parts[1], parts[0]))
			continue
		}
		m := models.Membership{GroupID: g.ID, Role: role}
		if subject := strings.TrimSpace(parts[2]); subject != "" {
			m.SubjectCode = &subject
		}
		p.Memberships = append(p.Memberships, m)
	}
}

// profileTypeForFunction maps an AAF function code to a profile type.
func profileTypeForFunction(function string) models.ProfileType {
	switch function {
	case "ENS", "DOC":
		return models.ProfileTeacher
	case "DIR":
		return models.ProfileDirector
	default:
		return models.ProfileStaff
	}
}

// Guardian normalizes one PersRelEleve record and registers it for link
// resolution by the students normalized later in the same run.
func (n *Normalizer) Guardian(rec feed.Record) (*models.Person, error) {
	p, err := n.person(rec, models.CategoryGuardian)
	if err != nil {
		return nil, err
	}
	if mail := strings.TrimSpace(rec.First(attrGuardianMail)); mail != "" {
		p.Emails = append(p.Emails, models.Email{Type: models.EmailTypeOther, Address: mail})
	}
	n.guardians[rec.ExternalID] = p
	return p, nil
}

// Student normalizes one Eleve record. Parent links resolve only against
// guardians already normalized this run; unresolved links are reported and
// dropped.
func (n *Normalizer) Student(rec feed.Record, structures structureResolver, groups groupResolver) (*models.Person, error) {
	p, err := n.person(rec, models.CategoryStudent)
	if err != nil {
		return nil, err
	}
	if mail := strings.TrimSpace(rec.First(attrPersonMail)); mail != "" {
		p.Emails = append(p.Emails, models.Email{Type: models.EmailTypeAcademic, Address: mail})
	}
	if raw := strings.TrimSpace(rec.First(attrStudentRattachID)); raw != "" {
		p.StructRattachID = &raw
	}
	if raw := strings.TrimSpace(rec.First(attrStudentGrade)); raw != "" {
		p.GradeCode = &raw
	}
	if uai := strings.TrimSpace(rec.First(attrStudentStructUAI)); uai != "" {
		if st, ok := structures(uai); ok {
			p.Profiles = append(p.Profiles, models.Profile{StructureID: st.ID, Type: models.ProfileStudent})
		}
	}

	memberships := func(attr string, gtype models.GroupType) {
		for _, raw := range rec.Values(attr) {
			parts := strings.Split(raw, "$")
			if len(parts) != 2 {
				n.report(fmt.Sprintf("student %s: malformed membership tuple %q dropped", rec.ExternalID, raw))
				continue
			}
			g, inScope := groups(strings.TrimSpace(parts[0]), gtype, strings.TrimSpace(parts[1]))
			if !inScope {
				continue
			}
			if g == nil {
				n.report(fmt.Sprintf("student %s: unknown %s %q in %s", rec.ExternalID, gtype, parts[1], parts[0]))
				continue
			}
			p.Memberships = append(p.Memberships, models.Membership{GroupID: g.ID, Role: models.RoleMember})
		}
	}
	memberships(attrStudentClasses, models.GroupTypeClass)
	memberships(attrStudentGroups, models.GroupTypeGroup)

	for _, raw := range rec.Values(attrStudentParents) {
		parts := strings.Split(raw, "$")
		if len(parts) != 5 {
			n.report(fmt.Sprintf("student %s: malformed parent link tuple %q dropped", rec.ExternalID, raw))
			continue
		}
		guardian, ok := n.guardians[strings.TrimSpace(parts[0])]
		if !ok {
			n.report(fmt.Sprintf("student %s: parent link to unknown guardian %q dropped", rec.ExternalID, parts[0]))
			continue
		}
		p.ParentLinks = append(p.ParentLinks, models.ParentLink{
			ParentID:  guardian.ID,
			Type:      strings.TrimSpace(parts[1]),
			Legal:     parts[2] == "1",
			Financial: parts[3] == "1",
			Contact:   parts[4] == "1",
		})
	}
	return p, nil
}

// Guardians exposes the guardians normalized so far, keyed by external id.
func (n *Normalizer) Guardians() map[string]*models.Person {
	return n.guardians
}
