package sync

import (
	"fmt"
	"strings"

	"github.com/laclasse-com/annuaire-sync/internal/models"
)

// Match finds the target person corresponding to a feed person, or declares
// it new. The external id is authoritative; the later fallbacks only exist
// to link never-before-seen feed identities to legacy target records that
// have no external id bound yet, and must never rebind a record that
// already carries a different one. A rejected fallback comes back as
// (nil, conflict message): the feed person is treated as new and the
// conflict is reported as a soft error.
func (ix *PersonIndex) Match(p *models.Person) (*models.Person, string) {
	extID := ""
	if p.ExternalID != nil {
		extID = *p.ExternalID
	}
	if extID != "" {
		if target, ok := ix.byExternalID[extID]; ok {
			return target, ""
		}
	}

	switch p.Category {
	case models.CategoryStaff:
		if mail := p.AcademicEmail(); mail != "" {
			if target, ok := ix.byAcademicEmail[strings.ToLower(mail)]; ok {
				return ix.guard(target, p, extID, "academic email")
			}
		}
	case models.CategoryStudent:
		if p.StructRattachID != nil && *p.StructRattachID != "" {
			if target, ok := ix.byRattachID[*p.StructRattachID]; ok {
				return ix.guard(target, p, extID, "structure rattach id")
			}
		}
		if key := nameBirthKey(p.FirstName, p.LastName, p.BirthDate); key != "" {
			if target, ok := ix.byNameBirth[key]; ok {
				return ix.guard(target, p, extID, "name and birthdate")
			}
		}
	case models.CategoryGuardian:
		// external id only
	}
	return nil, ""
}

// guard rejects a fallback match when the candidate target record is
// already bound to a different external id (likely duplicate account).
func (ix *PersonIndex) guard(target *models.Person, p *models.Person, extID, via string) (*models.Person, string) {
	if target.ExternalID != nil && *target.ExternalID != "" && *target.ExternalID != extID {
		return nil, fmt.Sprintf(
			"duplicate account suspected: feed %s %q matches %s of target %s already bound to external id %s",
			p.Category, extID, via, target.ID, *target.ExternalID)
	}
	return target, ""
}
