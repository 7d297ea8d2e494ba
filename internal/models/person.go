package models

import "time"

// ProfileType is the role a person holds within a structure.
type ProfileType string

// Profile types. ADM is administrative and never touched by sync runs.
const (
	ProfileAdmin    ProfileType = "ADM"
	ProfileDirector ProfileType = "DIR"
	ProfileTeacher  ProfileType = "ENS"
	ProfileStaff    ProfileType = "ETB"
	ProfileStudent  ProfileType = "ELV"
	ProfileGuardian ProfileType = "TUT"
)

// ProfileTypesFor returns the profile types managed by a person category.
func ProfileTypesFor(c Category) []ProfileType {
	switch c {
	case CategoryStaff:
		return []ProfileType{ProfileDirector, ProfileTeacher, ProfileStaff}
	case CategoryStudent:
		return []ProfileType{ProfileStudent}
	case CategoryGuardian:
		return []ProfileType{ProfileGuardian}
	}
	return nil
}

// MembershipRole qualifies a person's binding to a group.
type MembershipRole string

// Membership roles.
const (
	RoleMember       MembershipRole = "ELV"
	RoleGroupTeacher MembershipRole = "ENS"
	RoleHomeroomLead MembershipRole = "PRI"
)

// Phone types.
const (
	PhoneTypeWork   = "WORK"
	PhoneTypeHome   = "HOME"
	PhoneTypeMobile = "MOBILE"
)

// Email types. Academic addresses are the only ones compared for staff
// and students; guardians carry OTHER addresses.
const (
	EmailTypeAcademic = "ACADEMIC"
	EmailTypeOther    = "OTHER"
)

// Phone is a typed phone number.
type Phone struct {
	Type   string `db:"type" json:"type"`
	Number string `db:"number" json:"number"`
}

// Email is a typed email address.
type Email struct {
	Type    string `db:"type" json:"type"`
	Address string `db:"address" json:"address"`
}

// Profile binds a person to a structure with a role type. Profiles are the
// unit of access scope.
type Profile struct {
	PersonID    string      `db:"person_id" json:"person_id"`
	StructureID int64       `db:"structure_id" json:"structure_id"`
	Type        ProfileType `db:"type" json:"type"`
}

// Membership binds a person to a group with a role and an optional subject.
type Membership struct {
	PersonID    string         `db:"person_id" json:"person_id"`
	GroupID     int64          `db:"group_id" json:"group_id"`
	Role        MembershipRole `db:"role" json:"role"`
	SubjectCode *string        `db:"subject_code" json:"subject_code,omitempty"`
}

// ParentLink relates a student to a legal guardian.
type ParentLink struct {
	ChildID   string `db:"child_id" json:"child_id"`
	ParentID  string `db:"parent_id" json:"parent_id"`
	Type      string `db:"type" json:"type"`
	Legal     bool   `db:"legal" json:"legal"`
	Financial bool   `db:"financial" json:"financial"`
	Contact   bool   `db:"contact" json:"contact"`
}

// Person is a staff member, student or legal guardian. Target-side persons
// are loaded as fully populated aggregates; feed-side persons live only for
// the duration of one run.
type Person struct {
	ID              string     `db:"id" json:"id"`
	ExternalID      *string    `db:"external_id" json:"external_id,omitempty"`
	Category        Category   `db:"category" json:"category"`
	FirstName       string     `db:"first_name" json:"first_name"`
	LastName        string     `db:"last_name" json:"last_name"`
	BirthDate       *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	StructRattachID *string    `db:"struct_rattach_id" json:"struct_rattach_id,omitempty"`
	GradeCode       *string    `db:"grade_code" json:"grade_code,omitempty"`

	Phones      []Phone      `db:"-" json:"phones,omitempty"`
	Emails      []Email      `db:"-" json:"emails,omitempty"`
	Profiles    []Profile    `db:"-" json:"profiles,omitempty"`
	Memberships []Membership `db:"-" json:"memberships,omitempty"`
	ParentLinks []ParentLink `db:"-" json:"parent_links,omitempty"`
}

// AcademicEmail returns the person's academic address, or "".
func (p *Person) AcademicEmail() string {
	for _, e := range p.Emails {
		if e.Type == EmailTypeAcademic {
			return e.Address
		}
	}
	return ""
}

// HasProfileIn reports whether the person holds any profile in the structure.
func (p *Person) HasProfileIn(structureID int64) bool {
	for _, pr := range p.Profiles {
		if pr.StructureID == structureID {
			return true
		}
	}
	return false
}
