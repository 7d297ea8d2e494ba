package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/laclasse-com/annuaire-sync/internal/models"
)

// StructureRepository handles persistence for structures and their groups.
// Every read returns fully populated aggregates, groups and grade
// attachments included.
type StructureRepository struct {
	db sqlx.ExtContext
}

// NewStructureRepository creates a new repository instance.
func NewStructureRepository(db sqlx.ExtContext) *StructureRepository {
	return &StructureRepository{db: db}
}

const structureColumns = `id, external_id, uai, name, address, zip_code, city, sync_enabled`

// ListSyncEnabled returns the structures open to synchronization.
func (r *StructureRepository) ListSyncEnabled(ctx context.Context) ([]models.Structure, error) {
	query := fmt.Sprintf(`SELECT %s FROM structures WHERE sync_enabled = TRUE ORDER BY uai`, structureColumns)
	var structures []models.Structure
	if err := sqlx.SelectContext(ctx, r.db, &structures, query); err != nil {
		return nil, fmt.Errorf("list sync-enabled structures: %w", err)
	}
	if err := r.loadGroups(ctx, structures); err != nil {
		return nil, err
	}
	return structures, nil
}

// ListByUAI returns the structures whose UAI is in the given set.
func (r *StructureRepository) ListByUAI(ctx context.Context, uais []string) ([]models.Structure, error) {
	if len(uais) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		fmt.Sprintf(`SELECT %s FROM structures WHERE uai IN (?) ORDER BY uai`, structureColumns), uais)
	if err != nil {
		return nil, fmt.Errorf("build structure query: %w", err)
	}
	var structures []models.Structure
	if err := sqlx.SelectContext(ctx, r.db, &structures, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list structures by uai: %w", err)
	}
	if err := r.loadGroups(ctx, structures); err != nil {
		return nil, err
	}
	return structures, nil
}

// FindByUAI returns one structure aggregate.
func (r *StructureRepository) FindByUAI(ctx context.Context, uai string) (*models.Structure, error) {
	structures, err := r.ListByUAI(ctx, []string{uai})
	if err != nil {
		return nil, err
	}
	if len(structures) == 0 {
		return nil, sql.ErrNoRows
	}
	return &structures[0], nil
}

// loadGroups attaches groups and grade links to the structures in place.
func (r *StructureRepository) loadGroups(ctx context.Context, structures []models.Structure) error {
	if len(structures) == 0 {
		return nil
	}
	ids := make([]int64, len(structures))
	byID := make(map[int64]*models.Structure, len(structures))
	for i := range structures {
		ids[i] = structures[i].ID
		byID[structures[i].ID] = &structures[i]
	}

	query, args, err := sqlx.In(
		`SELECT id, structure_id, type, name, display_name, description
		 FROM groups WHERE structure_id IN (?) ORDER BY structure_id, type, name`, ids)
	if err != nil {
		return fmt.Errorf("build group query: %w", err)
	}
	var groups []models.Group
	if err := sqlx.SelectContext(ctx, r.db, &groups, r.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("list groups: %w", err)
	}

	if len(groups) == 0 {
		return nil
	}
	for _, g := range groups {
		st := byID[g.StructureID]
		st.Groups = append(st.Groups, g)
	}
	// index after all appends so slice growth cannot move the entries
	groupByID := make(map[int64]*models.Group, len(groups))
	for i := range structures {
		for j := range structures[i].Groups {
			g := &structures[i].Groups[j]
			groupByID[g.ID] = g
		}
	}

	gids := make([]int64, 0, len(groups))
	for id := range groupByID {
		gids = append(gids, id)
	}
	query, args, err = sqlx.In(
		`SELECT group_id, grade FROM group_grades WHERE group_id IN (?) ORDER BY group_id, grade`, gids)
	if err != nil {
		return fmt.Errorf("build group grade query: %w", err)
	}
	var grades []models.GroupGrade
	if err := sqlx.SelectContext(ctx, r.db, &grades, r.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("list group grades: %w", err)
	}
	for _, gg := range grades {
		g := groupByID[gg.GroupID]
		g.Grades = append(g.Grades, gg)
	}
	return nil
}

// structure columns assignable by a sync run.
var structureFieldColumns = map[string]string{
	"name":        "name",
	"address":     "address",
	"zip_code":    "zip_code",
	"city":        "city",
	"external_id": "external_id",
}

// Update writes the named fields of a structure.
func (r *StructureRepository) Update(ctx context.Context, s *models.Structure, fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	assigns := make([]string, 0, len(fields))
	for _, f := range fields {
		column, ok := structureFieldColumns[f]
		if !ok {
			return fmt.Errorf("structure field %q is not assignable", f)
		}
		assigns = append(assigns, fmt.Sprintf("%s = :%s", column, column))
	}
	query := fmt.Sprintf(`UPDATE structures SET %s WHERE id = :id`, strings.Join(assigns, ", "))
	if _, err := sqlx.NamedExecContext(ctx, r.db, query, s); err != nil {
		return fmt.Errorf("update structure %s: %w", s.UAI, err)
	}
	return nil
}

// CreateGroup inserts a group and writes the assigned id back.
func (r *StructureRepository) CreateGroup(ctx context.Context, g *models.Group) error {
	const query = `INSERT INTO groups (structure_id, type, name, display_name, description)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`
	if err := sqlx.GetContext(ctx, r.db, &g.ID, query,
		g.StructureID, g.Type, g.Name, g.DisplayName, g.Description); err != nil {
		return fmt.Errorf("create group %s: %w", g.Name, err)
	}
	return nil
}

// UpdateGroup writes the named fields of a group.
func (r *StructureRepository) UpdateGroup(ctx context.Context, g *models.Group, fields []string) error {
	allowed := map[string]struct{}{"display_name": {}, "description": {}}
	assigns := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, ok := allowed[f]; !ok {
			return fmt.Errorf("group field %q is not assignable", f)
		}
		assigns = append(assigns, fmt.Sprintf("%s = :%s", f, f))
	}
	if len(assigns) == 0 {
		return nil
	}
	query := fmt.Sprintf(`UPDATE groups SET %s WHERE id = :id`, strings.Join(assigns, ", "))
	if _, err := sqlx.NamedExecContext(ctx, r.db, query, g); err != nil {
		return fmt.Errorf("update group %d: %w", g.ID, err)
	}
	return nil
}

// DeleteGroup removes a group; memberships and grade links cascade.
func (r *StructureRepository) DeleteGroup(ctx context.Context, groupID int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM groups WHERE id = $1`, groupID); err != nil {
		return fmt.Errorf("delete group %d: %w", groupID, err)
	}
	return nil
}

// AddGroupGrade attaches a grade level to a group.
func (r *StructureRepository) AddGroupGrade(ctx context.Context, gg models.GroupGrade) error {
	const query = `INSERT INTO group_grades (group_id, grade) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	if _, err := r.db.ExecContext(ctx, query, gg.GroupID, gg.Grade); err != nil {
		return fmt.Errorf("attach grade %s to group %d: %w", gg.Grade, gg.GroupID, err)
	}
	return nil
}

// RemoveGroupGrade detaches a grade level from a group.
func (r *StructureRepository) RemoveGroupGrade(ctx context.Context, gg models.GroupGrade) error {
	const query = `DELETE FROM group_grades WHERE group_id = $1 AND grade = $2`
	if _, err := r.db.ExecContext(ctx, query, gg.GroupID, gg.Grade); err != nil {
		return fmt.Errorf("detach grade %s from group %d: %w", gg.Grade, gg.GroupID, err)
	}
	return nil
}
