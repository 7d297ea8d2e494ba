package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laclasse-com/annuaire-sync/internal/models"
)

func TestMatchExternalIDWinsOverFallbacks(t *testing.T) {
	byEmail := &models.Person{
		ID:       "ENP00000001",
		Category: models.CategoryStaff,
		Emails:   []models.Email{{Type: models.EmailTypeAcademic, Address: "j.martin@ac-lyon.fr"}},
	}
	byExtID := &models.Person{
		ID:         "ENP00000002",
		Category:   models.CategoryStaff,
		ExternalID: strPtr("STAFF-42"),
	}
	ix := NewPersonIndex([]*models.Person{byEmail, byExtID})

	match, conflict := ix.Match(&models.Person{
		Category:   models.CategoryStaff,
		ExternalID: strPtr("STAFF-42"),
		Emails:     []models.Email{{Type: models.EmailTypeAcademic, Address: "j.martin@ac-lyon.fr"}},
	})

	require.NotNil(t, match)
	assert.Empty(t, conflict)
	assert.Equal(t, "ENP00000002", match.ID)
}

func TestMatchStaffFallsBackToAcademicEmail(t *testing.T) {
	target := &models.Person{
		ID:       "ENP00000001",
		Category: models.CategoryStaff,
		Emails:   []models.Email{{Type: models.EmailTypeAcademic, Address: "J.Martin@ac-lyon.fr"}},
	}
	ix := NewPersonIndex([]*models.Person{target})

	match, conflict := ix.Match(&models.Person{
		Category:   models.CategoryStaff,
		ExternalID: strPtr("STAFF-42"),
		Emails:     []models.Email{{Type: models.EmailTypeAcademic, Address: "j.martin@ac-lyon.fr"}},
	})

	require.NotNil(t, match)
	assert.Empty(t, conflict)
	assert.Equal(t, "ENP00000001", match.ID)
}

func TestMatchStudentFallbackOrder(t *testing.T) {
	birth := time.Date(2011, time.June, 2, 0, 0, 0, 0, time.UTC)
	byRattach := &models.Person{
		ID:              "ENE00000001",
		Category:        models.CategoryStudent,
		StructRattachID: strPtr("R-100"),
	}
	byName := &models.Person{
		ID:        "ENE00000002",
		Category:  models.CategoryStudent,
		FirstName: "Lea",
		LastName:  "BERNARD",
		BirthDate: &birth,
	}
	ix := NewPersonIndex([]*models.Person{byRattach, byName})

	feedP := &models.Person{
		Category:        models.CategoryStudent,
		ExternalID:      strPtr("ELEVE-7"),
		FirstName:       "Lea",
		LastName:        "BERNARD",
		BirthDate:       &birth,
		StructRattachID: strPtr("R-100"),
	}
	match, conflict := ix.Match(feedP)
	require.NotNil(t, match)
	assert.Empty(t, conflict)
	assert.Equal(t, "ENE00000001", match.ID, "rattach id outranks name and birthdate")

	feedP.StructRattachID = nil
	match, conflict = ix.Match(feedP)
	require.NotNil(t, match)
	assert.Empty(t, conflict)
	assert.Equal(t, "ENE00000002", match.ID)
}

func TestMatchGuardRejectsBoundTarget(t *testing.T) {
	birth := time.Date(2011, time.June, 2, 0, 0, 0, 0, time.UTC)
	target := &models.Person{
		ID:         "ENE00000001",
		Category:   models.CategoryStudent,
		ExternalID: strPtr("ELEVE-OLD"),
		FirstName:  "Lea",
		LastName:   "BERNARD",
		BirthDate:  &birth,
	}
	ix := NewPersonIndex([]*models.Person{target})

	match, conflict := ix.Match(&models.Person{
		Category:   models.CategoryStudent,
		ExternalID: strPtr("ELEVE-NEW"),
		FirstName:  "Lea",
		LastName:   "BERNARD",
		BirthDate:  &birth,
	})

	assert.Nil(t, match)
	assert.Contains(t, conflict, "duplicate account suspected")
	assert.Contains(t, conflict, "ELEVE-OLD")
}

func TestMatchGuardianExternalIDOnly(t *testing.T) {
	birth := time.Date(1980, time.January, 15, 0, 0, 0, 0, time.UTC)
	target := &models.Person{
		ID:        "ENR00000001",
		Category:  models.CategoryGuardian,
		FirstName: "Paul",
		LastName:  "BERNARD",
		BirthDate: &birth,
	}
	ix := NewPersonIndex([]*models.Person{target})

	match, conflict := ix.Match(&models.Person{
		Category:   models.CategoryGuardian,
		ExternalID: strPtr("TUTEUR-3"),
		FirstName:  "Paul",
		LastName:   "BERNARD",
		BirthDate:  &birth,
	})

	assert.Nil(t, match)
	assert.Empty(t, conflict)
}

func TestMatchUnknownPersonIsNew(t *testing.T) {
	ix := NewPersonIndex(nil)
	match, conflict := ix.Match(&models.Person{
		Category:   models.CategoryStaff,
		ExternalID: strPtr("STAFF-1"),
	})
	assert.Nil(t, match)
	assert.Empty(t, conflict)
}
