package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/laclasse-com/annuaire-sync/internal/models"
)

// PersonRepository handles persistence for persons and their sub-entities.
// Reads return fully populated aggregates.
type PersonRepository struct {
	db sqlx.ExtContext
}

// NewPersonRepository creates a new repository instance.
func NewPersonRepository(db sqlx.ExtContext) *PersonRepository {
	return &PersonRepository{db: db}
}

const personColumns = `id, external_id, category, first_name, last_name, birth_date, struct_rattach_id, grade_code`

// ListByCategory returns every person of a category.
func (r *PersonRepository) ListByCategory(ctx context.Context, category models.Category) ([]models.Person, error) {
	query := fmt.Sprintf(`SELECT %s FROM persons WHERE category = $1 ORDER BY id`, personColumns)
	var persons []models.Person
	if err := sqlx.SelectContext(ctx, r.db, &persons, query, category); err != nil {
		return nil, fmt.Errorf("list %s: %w", category, err)
	}
	if err := r.loadSubEntities(ctx, persons); err != nil {
		return nil, err
	}
	return persons, nil
}

// ListBoundInScope returns the persons carrying an external id and at least
// one profile in the given structures. These are the garbage-collection
// candidates.
func (r *PersonRepository) ListBoundInScope(ctx context.Context, structureIDs []int64) ([]models.Person, error) {
	if len(structureIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`SELECT DISTINCT p.id, p.external_id, p.category, p.first_name, p.last_name,
		        p.birth_date, p.struct_rattach_id, p.grade_code
		 FROM persons p
		 JOIN profiles pr ON pr.person_id = p.id
		 WHERE p.external_id IS NOT NULL AND pr.structure_id IN (?)
		 ORDER BY p.id`, structureIDs)
	if err != nil {
		return nil, fmt.Errorf("build bound person query: %w", err)
	}
	var persons []models.Person
	if err := sqlx.SelectContext(ctx, r.db, &persons, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list bound persons: %w", err)
	}
	if err := r.loadSubEntities(ctx, persons); err != nil {
		return nil, err
	}
	return persons, nil
}

// SyntheticSequence returns the highest synthetic id number handed out for a
// category, 0 when none exists.
func (r *PersonRepository) SyntheticSequence(ctx context.Context, category models.Category) (int64, error) {
	prefix := syntheticPrefix(category)
	if prefix == "" {
		return 0, fmt.Errorf("category %s has no synthetic id prefix", category)
	}
	const query = `SELECT COALESCE(MAX(CAST(SUBSTRING(id FROM 4) AS BIGINT)), 0)
		FROM persons WHERE category = $1 AND id ~ ('^' || $2 || '[0-9]+$')`
	var last int64
	if err := sqlx.GetContext(ctx, r.db, &last, query, category, prefix); err != nil {
		return 0, fmt.Errorf("read %s id sequence: %w", category, err)
	}
	return last, nil
}

func syntheticPrefix(category models.Category) string {
	switch category {
	case models.CategoryStaff:
		return "ENP"
	case models.CategoryStudent:
		return "ENE"
	case models.CategoryGuardian:
		return "ENR"
	}
	return ""
}

// loadSubEntities attaches phones, emails, profiles, memberships and parent
// links to the persons in place.
func (r *PersonRepository) loadSubEntities(ctx context.Context, persons []models.Person) error {
	if len(persons) == 0 {
		return nil
	}
	ids := make([]string, len(persons))
	byID := make(map[string]*models.Person, len(persons))
	for i := range persons {
		ids[i] = persons[i].ID
		byID[persons[i].ID] = &persons[i]
	}

	type phoneRow struct {
		PersonID string `db:"person_id"`
		models.Phone
	}
	var phones []phoneRow
	if err := r.selectIn(ctx, &phones,
		`SELECT person_id, type, number FROM person_phones WHERE person_id IN (?) ORDER BY person_id, type, number`, ids); err != nil {
		return fmt.Errorf("list phones: %w", err)
	}
	for _, row := range phones {
		p := byID[row.PersonID]
		p.Phones = append(p.Phones, row.Phone)
	}

	type emailRow struct {
		PersonID string `db:"person_id"`
		models.Email
	}
	var emails []emailRow
	if err := r.selectIn(ctx, &emails,
		`SELECT person_id, type, address FROM person_emails WHERE person_id IN (?) ORDER BY person_id, type, address`, ids); err != nil {
		return fmt.Errorf("list emails: %w", err)
	}
	for _, row := range emails {
		p := byID[row.PersonID]
		p.Emails = append(p.Emails, row.Email)
	}

	var profiles []models.Profile
	if err := r.selectIn(ctx, &profiles,
		`SELECT person_id, structure_id, type FROM profiles WHERE person_id IN (?) ORDER BY person_id, structure_id, type`, ids); err != nil {
		return fmt.Errorf("list profiles: %w", err)
	}
	for _, profile := range profiles {
		p := byID[profile.PersonID]
		p.Profiles = append(p.Profiles, profile)
	}

	var memberships []models.Membership
	if err := r.selectIn(ctx, &memberships,
		`SELECT person_id, group_id, role, subject_code FROM memberships WHERE person_id IN (?) ORDER BY person_id, group_id, role`, ids); err != nil {
		return fmt.Errorf("list memberships: %w", err)
	}
	for _, m := range memberships {
		p := byID[m.PersonID]
		p.Memberships = append(p.Memberships, m)
	}

	var links []models.ParentLink
	if err := r.selectIn(ctx, &links,
		`SELECT child_id, parent_id, type, legal, financial, contact FROM parent_links WHERE child_id IN (?) ORDER BY child_id, parent_id`, ids); err != nil {
		return fmt.Errorf("list parent links: %w", err)
	}
	for _, link := range links {
		p := byID[link.ChildID]
		p.ParentLinks = append(p.ParentLinks, link)
	}
	return nil
}

func (r *PersonRepository) selectIn(ctx context.Context, dest interface{}, query string, ids []string) error {
	q, args, err := sqlx.In(query, ids)
	if err != nil {
		return err
	}
	return sqlx.SelectContext(ctx, r.db, dest, r.db.Rebind(q), args...)
}

// Create inserts a person aggregate under its pre-assigned id.
func (r *PersonRepository) Create(ctx context.Context, p *models.Person) error {
	const query = `INSERT INTO persons (id, external_id, category, first_name, last_name, birth_date, struct_rattach_id, grade_code)
		VALUES (:id, :external_id, :category, :first_name, :last_name, :birth_date, :struct_rattach_id, :grade_code)`
	if _, err := sqlx.NamedExecContext(ctx, r.db, query, p); err != nil {
		return fmt.Errorf("create person %s: %w", p.ID, err)
	}
	for _, phone := range p.Phones {
		if err := r.AddPhone(ctx, p.ID, phone); err != nil {
			return err
		}
	}
	for _, email := range p.Emails {
		if err := r.AddEmail(ctx, p.ID, email); err != nil {
			return err
		}
	}
	for _, profile := range p.Profiles {
		if err := r.AddProfile(ctx, profile); err != nil {
			return err
		}
	}
	for _, m := range p.Memberships {
		if err := r.AddMembership(ctx, m); err != nil {
			return err
		}
	}
	if len(p.ParentLinks) > 0 {
		if err := r.ReplaceParentLinks(ctx, p.ID, p.ParentLinks); err != nil {
			return err
		}
	}
	return nil
}

// person columns assignable by a sync run.
var personFieldColumns = map[string]string{
	"first_name":        "first_name",
	"last_name":         "last_name",
	"birth_date":        "birth_date",
	"struct_rattach_id": "struct_rattach_id",
	"grade_code":        "grade_code",
	"external_id":       "external_id",
}

// Update writes the named fields of a person.
func (r *PersonRepository) Update(ctx context.Context, p *models.Person, fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	assigns := make([]string, 0, len(fields))
	for _, f := range fields {
		column, ok := personFieldColumns[f]
		if !ok {
			return fmt.Errorf("person field %q is not assignable", f)
		}
		assigns = append(assigns, fmt.Sprintf("%s = :%s", column, column))
	}
	query := fmt.Sprintf(`UPDATE persons SET %s WHERE id = :id`, strings.Join(assigns, ", "))
	if _, err := sqlx.NamedExecContext(ctx, r.db, query, p); err != nil {
		return fmt.Errorf("update person %s: %w", p.ID, err)
	}
	return nil
}

// AddPhone attaches a phone number.
func (r *PersonRepository) AddPhone(ctx context.Context, personID string, phone models.Phone) error {
	const query = `INSERT INTO person_phones (person_id, type, number) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`
	if _, err := r.db.ExecContext(ctx, query, personID, phone.Type, phone.Number); err != nil {
		return fmt.Errorf("add phone for %s: %w", personID, err)
	}
	return nil
}

// RemovePhone detaches a phone number.
func (r *PersonRepository) RemovePhone(ctx context.Context, personID string, phone models.Phone) error {
	const query = `DELETE FROM person_phones WHERE person_id = $1 AND type = $2 AND number = $3`
	if _, err := r.db.ExecContext(ctx, query, personID, phone.Type, phone.Number); err != nil {
		return fmt.Errorf("remove phone for %s: %w", personID, err)
	}
	return nil
}

// AddEmail attaches an email address.
func (r *PersonRepository) AddEmail(ctx context.Context, personID string, email models.Email) error {
	const query = `INSERT INTO person_emails (person_id, type, address) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`
	if _, err := r.db.ExecContext(ctx, query, personID, email.Type, email.Address); err != nil {
		return fmt.Errorf("add email for %s: %w", personID, err)
	}
	return nil
}

// RemoveEmail detaches an email address.
func (r *PersonRepository) RemoveEmail(ctx context.Context, personID string, email models.Email) error {
	const query = `DELETE FROM person_emails WHERE person_id = $1 AND type = $2 AND address = $3`
	if _, err := r.db.ExecContext(ctx, query, personID, email.Type, email.Address); err != nil {
		return fmt.Errorf("remove email for %s: %w", personID, err)
	}
	return nil
}

// AddProfile grants a structure role.
func (r *PersonRepository) AddProfile(ctx context.Context, profile models.Profile) error {
	const query = `INSERT INTO profiles (person_id, structure_id, type) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`
	if _, err := r.db.ExecContext(ctx, query, profile.PersonID, profile.StructureID, profile.Type); err != nil {
		return fmt.Errorf("add profile for %s: %w", profile.PersonID, err)
	}
	return nil
}

// RemoveProfile revokes a structure role.
func (r *PersonRepository) RemoveProfile(ctx context.Context, profile models.Profile) error {
	const query = `DELETE FROM profiles WHERE person_id = $1 AND structure_id = $2 AND type = $3`
	if _, err := r.db.ExecContext(ctx, query, profile.PersonID, profile.StructureID, profile.Type); err != nil {
		return fmt.Errorf("remove profile for %s: %w", profile.PersonID, err)
	}
	return nil
}

// AddMembership attaches a person to a group.
func (r *PersonRepository) AddMembership(ctx context.Context, m models.Membership) error {
	const query = `INSERT INTO memberships (person_id, group_id, role, subject_code) VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`
	if _, err := r.db.ExecContext(ctx, query, m.PersonID, m.GroupID, m.Role, m.SubjectCode); err != nil {
		return fmt.Errorf("add membership for %s: %w", m.PersonID, err)
	}
	return nil
}

// RemoveMembership detaches a person from a group.
func (r *PersonRepository) RemoveMembership(ctx context.Context, m models.Membership) error {
	const query = `DELETE FROM memberships
		WHERE person_id = $1 AND group_id = $2 AND role = $3 AND subject_code IS NOT DISTINCT FROM $4`
	if _, err := r.db.ExecContext(ctx, query, m.PersonID, m.GroupID, m.Role, m.SubjectCode); err != nil {
		return fmt.Errorf("remove membership for %s: %w", m.PersonID, err)
	}
	return nil
}

// UpdateMembership rewrites one membership row in place.
func (r *PersonRepository) UpdateMembership(ctx context.Context, before, after models.Membership) error {
	const query = `UPDATE memberships SET group_id = $1, subject_code = $2
		WHERE person_id = $3 AND group_id = $4 AND role = $5 AND subject_code IS NOT DISTINCT FROM $6`
	if _, err := r.db.ExecContext(ctx, query,
		after.GroupID, after.SubjectCode,
		before.PersonID, before.GroupID, before.Role, before.SubjectCode); err != nil {
		return fmt.Errorf("update membership for %s: %w", before.PersonID, err)
	}
	return nil
}

// ReplaceParentLinks rewrites the full link set of a child.
func (r *PersonRepository) ReplaceParentLinks(ctx context.Context, childID string, links []models.ParentLink) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM parent_links WHERE child_id = $1`, childID); err != nil {
		return fmt.Errorf("clear parent links of %s: %w", childID, err)
	}
	const query = `INSERT INTO parent_links (child_id, parent_id, type, legal, financial, contact)
		VALUES ($1, $2, $3, $4, $5, $6)`
	for _, link := range links {
		if _, err := r.db.ExecContext(ctx, query,
			childID, link.ParentID, link.Type, link.Legal, link.Financial, link.Contact); err != nil {
			return fmt.Errorf("add parent link of %s: %w", childID, err)
		}
	}
	return nil
}
