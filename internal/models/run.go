package models

import "time"

// Delta groups the add/change/remove sets computed for one collection.
type Delta[T any] struct {
	Added   []T         `json:"added,omitempty"`
	Changed []Change[T] `json:"changed,omitempty"`
	Removed []T         `json:"removed,omitempty"`
}

// Empty reports whether the delta carries no entries at all.
func (d *Delta[T]) Empty() bool {
	return d == nil || (len(d.Added) == 0 && len(d.Changed) == 0 && len(d.Removed) == 0)
}

// Size returns the total number of delta entries.
func (d *Delta[T]) Size() int {
	if d == nil {
		return 0
	}
	return len(d.Added) + len(d.Changed) + len(d.Removed)
}

// Change pairs the target-side state with the feed-side state of one entity.
type Change[T any] struct {
	Before T        `json:"before"`
	After  T        `json:"after"`
	Fields []string `json:"fields,omitempty"`
}

// StructureChange is the per-structure diff. Structures are never created or
// deleted by the engine; only their fields and nested groups change.
type StructureChange struct {
	UAI    string            `json:"uai"`
	Fields []string          `json:"fields,omitempty"`
	After  *Structure        `json:"after,omitempty"`
	Groups Delta[Group]      `json:"groups"`
	Grades Delta[GroupGrade] `json:"grades"`
}

// StructureDiff collects the structure changes of one run.
type StructureDiff struct {
	Changed []StructureChange `json:"changed,omitempty"`
}

// PersonChange carries the field-level and nested collection diffs for one
// matched person.
type PersonChange struct {
	PersonID    string            `json:"person_id"`
	Fields      []string          `json:"fields,omitempty"`
	After       *Person           `json:"after,omitempty"`
	Phones      Delta[Phone]      `json:"phones"`
	Emails      Delta[Email]      `json:"emails"`
	Profiles    Delta[Profile]    `json:"profiles"`
	Memberships Delta[Membership] `json:"memberships"`
	ParentLinks Delta[ParentLink] `json:"parent_links"`
}

// Empty reports whether the change record carries no effective change.
func (c *PersonChange) Empty() bool {
	return len(c.Fields) == 0 &&
		c.Phones.Empty() && c.Emails.Empty() && c.Profiles.Empty() &&
		c.Memberships.Empty() && c.ParentLinks.Empty()
}

// PersonDiff collects person additions and changes for one category.
type PersonDiff struct {
	Added   []Person       `json:"added,omitempty"`
	Changed []PersonChange `json:"changed,omitempty"`
}

// GCResult lists the revocations of the garbage-collection pass.
type GCResult struct {
	RevokedProfiles    []Profile    `json:"revoked_profiles,omitempty"`
	RevokedMemberships []Membership `json:"revoked_memberships,omitempty"`
}

// StageStats records per-stage timings and entry counts.
type StageStats struct {
	LoadMillis  int64 `json:"load_ms"`
	DiffMillis  int64 `json:"diff_ms"`
	ApplyMillis int64 `json:"apply_ms"`
	Added       int   `json:"added"`
	Changed     int   `json:"changed"`
	Removed     int   `json:"removed"`
}

// RunResult is the outcome of one synchronization run. A nil diff means the
// stage was not requested; an empty diff means the stage ran and found
// nothing to do.
type RunResult struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Applied    bool      `json:"applied"`

	Categories []Category `json:"categories"`
	ScopeUAIs  []string   `json:"scope_uais"`

	Structures *StructureDiff  `json:"structures,omitempty"`
	Subjects   *Delta[Subject] `json:"subjects,omitempty"`
	Grades     *Delta[Grade]   `json:"grades,omitempty"`
	Staff      *PersonDiff     `json:"staff,omitempty"`
	Guardians  *PersonDiff     `json:"guardians,omitempty"`
	Students   *PersonDiff     `json:"students,omitempty"`
	GC         *GCResult       `json:"gc,omitempty"`

	Stats       map[Category]*StageStats `json:"stats"`
	TotalMillis int64                    `json:"total_ms"`
	Errors      []string                 `json:"errors,omitempty"`
}

// AddError appends a soft error to the run result.
func (r *RunResult) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
}

// StatsFor returns (allocating if needed) the stats bucket of a category.
func (r *RunResult) StatsFor(c Category) *StageStats {
	if r.Stats == nil {
		r.Stats = make(map[Category]*StageStats)
	}
	s, ok := r.Stats[c]
	if !ok {
		s = &StageStats{}
		r.Stats[c] = s
	}
	return s
}

// RunSummary is the persisted row describing a completed run; the full
// result document is stored alongside as JSON.
type RunSummary struct {
	ID          string    `db:"id" json:"id"`
	StartedAt   time.Time `db:"started_at" json:"started_at"`
	FinishedAt  time.Time `db:"finished_at" json:"finished_at"`
	Applied     bool      `db:"applied" json:"applied"`
	Categories  string    `db:"categories" json:"categories"`
	ScopeUAIs   string    `db:"scope_uais" json:"scope_uais"`
	ErrorCount  int       `db:"error_count" json:"error_count"`
	TotalMillis int64     `db:"total_ms" json:"total_ms"`
}
