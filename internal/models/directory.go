package models

// Category identifies one entity collection of the AAF export.
type Category string

// Feed categories. Person categories are the last three.
const (
	CategoryStructure Category = "structure"
	CategorySubject   Category = "subject"
	CategoryGrade     Category = "grade"
	CategoryStaff     Category = "staff"
	CategoryStudent   Category = "student"
	CategoryGuardian  Category = "guardian"
)

// AllCategories lists every syncable category in stage order.
var AllCategories = []Category{
	CategoryStructure,
	CategorySubject,
	CategoryGrade,
	CategoryStaff,
	CategoryGuardian,
	CategoryStudent,
}

// IsPerson reports whether the category is one of the person collections.
func (c Category) IsPerson() bool {
	return c == CategoryStaff || c == CategoryStudent || c == CategoryGuardian
}

// Valid reports whether the category is known.
func (c Category) Valid() bool {
	switch c {
	case CategoryStructure, CategorySubject, CategoryGrade, CategoryStaff, CategoryStudent, CategoryGuardian:
		return true
	}
	return false
}

// Structure is a school or administrative establishment. Groups are always
// loaded together with the structure.
type Structure struct {
	ID          int64   `db:"id" json:"id"`
	ExternalID  *string `db:"external_id" json:"external_id,omitempty"`
	UAI         string  `db:"uai" json:"uai"`
	Name        string  `db:"name" json:"name"`
	Address     string  `db:"address" json:"address"`
	ZipCode     string  `db:"zip_code" json:"zip_code"`
	City        string  `db:"city" json:"city"`
	SyncEnabled bool    `db:"sync_enabled" json:"sync_enabled"`
	Groups      []Group `db:"-" json:"groups,omitempty"`
}

// GroupType discriminates classes from free activity groups.
type GroupType string

// Group types.
const (
	GroupTypeClass GroupType = "CLS"
	GroupTypeGroup GroupType = "GRP"
)

// Group is a class or activity group owned by a structure. Feed-side groups
// that do not exist in the target store yet carry a negative synthetic ID
// until the apply step creates them.
type Group struct {
	ID          int64        `db:"id" json:"id"`
	StructureID int64        `db:"structure_id" json:"structure_id"`
	Type        GroupType    `db:"type" json:"type"`
	Name        string       `db:"name" json:"name"`
	DisplayName string       `db:"display_name" json:"display_name"`
	Description string       `db:"description" json:"description"`
	Grades      []GroupGrade `db:"-" json:"grades,omitempty"`
}

// GroupGrade attaches a grade level to a group.
type GroupGrade struct {
	GroupID int64  `db:"group_id" json:"group_id"`
	Grade   string `db:"grade" json:"grade"`
}

// Grade is immutable national reference data (MEF codes).
type Grade struct {
	Code    string `db:"code" json:"code"`
	Name    string `db:"name" json:"name"`
	Rattach string `db:"rattach" json:"rattach"`
	Stat    string `db:"stat" json:"stat"`
}

// Subject is a taught discipline. InUse is populated from membership
// references; in-use subjects are never removed by a sync run.
type Subject struct {
	Code string `db:"code" json:"code"`
	Name string `db:"name" json:"name"`
}
