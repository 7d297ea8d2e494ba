package sync

import (
	"fmt"
	"strings"
	"time"

	"github.com/laclasse-com/annuaire-sync/internal/models"
)

// PersonIndex holds the target-side lookup tables the matcher works from.
// All lookups are O(1) after construction.
type PersonIndex struct {
	byExternalID    map[string]*models.Person
	byAcademicEmail map[string]*models.Person
	byNameBirth     map[string]*models.Person
	byRattachID     map[string]*models.Person
}

// NewPersonIndex indexes target persons by external id, lower-cased academic
// email, name+birthdate composite and structure-rattachment id.
func NewPersonIndex(persons []*models.Person) *PersonIndex {
	ix := &PersonIndex{
		byExternalID:    make(map[string]*models.Person, len(persons)),
		byAcademicEmail: make(map[string]*models.Person, len(persons)),
		byNameBirth:     make(map[string]*models.Person, len(persons)),
		byRattachID:     make(map[string]*models.Person, len(persons)),
	}
	for _, p := range persons {
		if p.ExternalID != nil && *p.ExternalID != "" {
			ix.byExternalID[*p.ExternalID] = p
		}
		if mail := p.AcademicEmail(); mail != "" {
			ix.byAcademicEmail[strings.ToLower(mail)] = p
		}
		if key := nameBirthKey(p.FirstName, p.LastName, p.BirthDate); key != "" {
			ix.byNameBirth[key] = p
		}
		if p.StructRattachID != nil && *p.StructRattachID != "" {
			ix.byRattachID[*p.StructRattachID] = p
		}
	}
	return ix
}

// nameBirthKey builds the "firstname$lastname$birthdate" composite; persons
// without a birthdate are not indexed by it.
func nameBirthKey(first, last string, birth *time.Time) string {
	if first == "" || last == "" || birth == nil {
		return ""
	}
	return fmt.Sprintf("%s$%s$%s",
		strings.ToLower(first), strings.ToLower(last), birth.Format("02/01/2006"))
}

// groupKey is the feed-side composite identity of a group.
type groupKey struct {
	structureID int64
	gtype       models.GroupType
	name        string
}

// GroupIndex resolves groups by composite key and by id, spanning both the
// target-side groups of in-scope structures and the feed-side groups that do
// not exist yet (negative synthetic ids).
type GroupIndex struct {
	byKey map[groupKey]*models.Group
	byID  map[int64]*models.Group
}

// NewGroupIndex returns an empty group index.
func NewGroupIndex() *GroupIndex {
	return &GroupIndex{
		byKey: make(map[groupKey]*models.Group),
		byID:  make(map[int64]*models.Group),
	}
}

// Add registers a group.
func (ix *GroupIndex) Add(g *models.Group) {
	ix.byKey[groupKey{g.StructureID, g.Type, g.Name}] = g
	ix.byID[g.ID] = g
}

// Lookup resolves a group by its composite identity.
func (ix *GroupIndex) Lookup(structureID int64, gtype models.GroupType, name string) (*models.Group, bool) {
	g, ok := ix.byKey[groupKey{structureID, gtype, name}]
	return g, ok
}

// ByID resolves a group by (possibly synthetic) id.
func (ix *GroupIndex) ByID(id int64) (*models.Group, bool) {
	g, ok := ix.byID[id]
	return g, ok
}

// Info adapts the index to the membership differ's lookup shape.
func (ix *GroupIndex) Info(groupID int64) (int64, models.GroupType, bool) {
	g, ok := ix.byID[groupID]
	if !ok {
		return 0, "", false
	}
	return g.StructureID, g.Type, true
}
