package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/laclasse-com/annuaire-sync/internal/feed"
	"github.com/laclasse-com/annuaire-sync/internal/models"
)

// FeedReader yields the raw attribute records of one export category.
type FeedReader interface {
	Read(ctx context.Context, category models.Category) ([]feed.Record, error)
}

// StructureStore persists structures and their nested groups. Structures are
// returned as fully populated aggregates; the engine never creates or
// deletes a structure itself.
type StructureStore interface {
	ListSyncEnabled(ctx context.Context) ([]models.Structure, error)
	ListByUAI(ctx context.Context, uais []string) ([]models.Structure, error)
	Update(ctx context.Context, s *models.Structure, fields []string) error
	CreateGroup(ctx context.Context, g *models.Group) error
	UpdateGroup(ctx context.Context, g *models.Group, fields []string) error
	DeleteGroup(ctx context.Context, groupID int64) error
	AddGroupGrade(ctx context.Context, gg models.GroupGrade) error
	RemoveGroupGrade(ctx context.Context, gg models.GroupGrade) error
}

// SubjectStore persists subjects. InUseCodes reports subjects referenced by
// at least one membership; those are never removed.
type SubjectStore interface {
	List(ctx context.Context) ([]models.Subject, error)
	InUseCodes(ctx context.Context) (map[string]struct{}, error)
	Create(ctx context.Context, s *models.Subject) error
	Update(ctx context.Context, s *models.Subject) error
	Delete(ctx context.Context, code string) error
}

// GradeStore persists grade reference data.
type GradeStore interface {
	List(ctx context.Context) ([]models.Grade, error)
	Create(ctx context.Context, g *models.Grade) error
	Update(ctx context.Context, g *models.Grade) error
	Delete(ctx context.Context, code string) error
}

// PersonStore persists persons as fully populated aggregates.
type PersonStore interface {
	ListByCategory(ctx context.Context, category models.Category) ([]models.Person, error)
	ListBoundInScope(ctx context.Context, structureIDs []int64) ([]models.Person, error)
	SyntheticSequence(ctx context.Context, category models.Category) (int64, error)
	Create(ctx context.Context, p *models.Person) error
	Update(ctx context.Context, p *models.Person, fields []string) error
	AddPhone(ctx context.Context, personID string, phone models.Phone) error
	RemovePhone(ctx context.Context, personID string, phone models.Phone) error
	AddEmail(ctx context.Context, personID string, email models.Email) error
	RemoveEmail(ctx context.Context, personID string, email models.Email) error
	AddProfile(ctx context.Context, profile models.Profile) error
	RemoveProfile(ctx context.Context, profile models.Profile) error
	AddMembership(ctx context.Context, m models.Membership) error
	RemoveMembership(ctx context.Context, m models.Membership) error
	UpdateMembership(ctx context.Context, before, after models.Membership) error
	ReplaceParentLinks(ctx context.Context, childID string, links []models.ParentLink) error
}

// RunOptions selects what a run synchronizes.
type RunOptions struct {
	Categories     []models.Category
	StructureScope []string // UAIs; empty means every sync-enabled structure
	Apply          bool
}

func (o RunOptions) wants(c models.Category) bool {
	for _, cat := range o.Categories {
		if cat == c {
			return true
		}
	}
	return false
}

func (o RunOptions) wantsPersons() bool {
	for _, cat := range o.Categories {
		if cat.IsPerson() {
			return true
		}
	}
	return false
}

// Synchronizer reconciles one AAF export against the target store. A
// Synchronizer is built per run, over stores already bound to the run's
// transaction; it is not safe for concurrent use.
type Synchronizer struct {
	feed       FeedReader
	structures StructureStore
	subjects   SubjectStore
	grades     GradeStore
	persons    PersonStore
	logger     *zap.Logger
	now        func() time.Time
}

// New constructs a Synchronizer.
func New(reader FeedReader, structures StructureStore, subjects SubjectStore, grades GradeStore, persons PersonStore, logger *zap.Logger) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{
		feed:       reader,
		structures: structures,
		subjects:   subjects,
		grades:     grades,
		persons:    persons,
		logger:     logger,
		now:        time.Now,
	}
}

// run is the state of one synchronization, discarded at run end.
type run struct {
	opts RunOptions
	res  *models.RunResult

	counters   *Counters
	normalizer *Normalizer

	scope          *Scope
	feedStructures map[string]*models.Structure // by UAI

	targetGroups *GroupIndex
	feedGroups   *GroupIndex
	groupIDs     syntheticGroupIDs
	groupRemap   map[int64]int64 // synthetic id -> created id

	seen            map[string]struct{}           // target person ids seen this run
	guardianTargets map[string]*models.Person     // matched target guardians by id
	newGuardians    map[string]*models.Person     // unmatched guardians, created only when a student needs them
	requiredTUT     map[string]map[int64]struct{} // guardian id -> structure ids
}

// groupInfo resolves any (target or synthetic) group id.
func (r *run) groupInfo(id int64) (int64, models.GroupType, bool) {
	if g, ok := r.targetGroups.ByID(id); ok {
		return g.StructureID, g.Type, true
	}
	if g, ok := r.feedGroups.ByID(id); ok {
		return g.StructureID, g.Type, true
	}
	return 0, "", false
}

// mapGroupID translates a synthetic group id to the id assigned at creation.
func (r *run) mapGroupID(id int64) (int64, bool) {
	if id >= 0 {
		return id, true
	}
	mapped, ok := r.groupRemap[id]
	return mapped, ok
}

// resolveGroup is the groupResolver handed to the normalizer.
func (r *run) resolveGroup(uai string, gtype models.GroupType, name string) (*models.Group, bool) {
	st, ok := r.scope.ByUAI(uai)
	if !ok {
		return nil, false
	}
	if g, ok := r.targetGroups.Lookup(st.ID, gtype, name); ok {
		return g, true
	}
	if g, ok := r.feedGroups.Lookup(st.ID, gtype, name); ok {
		return g, true
	}
	return nil, true
}

// resolveStructure is the structureResolver handed to the normalizer.
func (r *run) resolveStructure(uai string) (*models.Structure, bool) {
	return r.scope.ByUAI(uai)
}

// Run executes one synchronization. Soft problems (parse, reference,
// identity conflicts) accumulate on the result; only storage and archive
// failures return an error, and the caller is then expected to roll the
// transaction back.
func (s *Synchronizer) Run(ctx context.Context, opts RunOptions) (*models.RunResult, error) {
	if len(opts.Categories) == 0 {
		return nil, fmt.Errorf("no categories requested")
	}
	for _, c := range opts.Categories {
		if !c.Valid() {
			return nil, fmt.Errorf("unknown category %q", c)
		}
	}

	started := s.now()
	r := &run{
		opts: opts,
		res: &models.RunResult{
			ID:         uuid.NewString(),
			StartedAt:  started,
			Applied:    opts.Apply,
			Categories: opts.Categories,
			Stats:      make(map[models.Category]*models.StageStats),
		},
		groupRemap:      make(map[int64]int64),
		seen:            make(map[string]struct{}),
		guardianTargets: make(map[string]*models.Person),
		newGuardians:    make(map[string]*models.Person),
		requiredTUT:     make(map[string]map[int64]struct{}),
	}

	if err := s.seedCounters(ctx, r); err != nil {
		return nil, err
	}
	r.normalizer = NewNormalizer(r.counters, r.res.AddError)

	scopeStart := s.now()
	if err := s.resolveScope(ctx, r); err != nil {
		return nil, err
	}
	// the structure feed is read while resolving scope, so its load time
	// lands on the structure stage
	if opts.wants(models.CategoryStructure) {
		r.res.StatsFor(models.CategoryStructure).LoadMillis = s.now().Sub(scopeStart).Milliseconds()
	}
	s.resolveGroups(r)

	if opts.wants(models.CategoryStructure) {
		if err := s.syncStructures(ctx, r); err != nil {
			return nil, err
		}
	}
	if opts.wants(models.CategorySubject) {
		if err := s.syncSubjects(ctx, r); err != nil {
			return nil, err
		}
	}
	if opts.wants(models.CategoryGrade) {
		if err := s.syncGrades(ctx, r); err != nil {
			return nil, err
		}
	}

	// Guardians run before students: student parent links only resolve
	// against guardians already matched this run.
	if opts.wants(models.CategoryStaff) {
		if err := s.syncPersons(ctx, r, models.CategoryStaff); err != nil {
			return nil, err
		}
	}
	if opts.wants(models.CategoryGuardian) {
		if err := s.syncPersons(ctx, r, models.CategoryGuardian); err != nil {
			return nil, err
		}
	}
	if opts.wants(models.CategoryStudent) {
		if err := s.syncPersons(ctx, r, models.CategoryStudent); err != nil {
			return nil, err
		}
		if err := s.syncGuardianProfiles(ctx, r); err != nil {
			return nil, err
		}
	}

	if opts.wantsPersons() {
		if err := s.collectGarbage(ctx, r); err != nil {
			return nil, err
		}
	}

	r.res.FinishedAt = s.now()
	r.res.TotalMillis = r.res.FinishedAt.Sub(started).Milliseconds()
	s.logger.Info("sync run finished",
		zap.String("run_id", r.res.ID),
		zap.Bool("applied", opts.Apply),
		zap.Strings("scope", r.res.ScopeUAIs),
		zap.Int("errors", len(r.res.Errors)),
		zap.Int64("total_ms", r.res.TotalMillis))
	return r.res, nil
}

// seedCounters initializes the synthetic id sequences from the target
// store's maxima, so ids are never reused across runs.
func (s *Synchronizer) seedCounters(ctx context.Context, r *run) error {
	seed := make(map[models.Category]int64)
	for _, cat := range r.opts.Categories {
		if !cat.IsPerson() {
			continue
		}
		last, err := s.persons.SyntheticSequence(ctx, cat)
		if err != nil {
			return fmt.Errorf("seed %s id counter: %w", cat, err)
		}
		seed[cat] = last
	}
	r.counters = NewCounters(seed)
	return nil
}

// resolveScope reads the feed's structure file, normalizes it, and
// intersects it with the eligible target structures.
func (s *Synchronizer) resolveScope(ctx context.Context, r *run) error {
	records, err := s.feed.Read(ctx, models.CategoryStructure)
	if err != nil {
		return fmt.Errorf("read structure feed: %w", err)
	}

	r.feedStructures = make(map[string]*models.Structure, len(records))
	feedUAIs := make(map[string]struct{}, len(records))
	for _, rec := range records {
		fs, err := r.normalizer.Structure(rec)
		if err != nil {
			r.res.AddError(err.Error())
			continue
		}
		r.feedStructures[fs.UAI] = fs
		feedUAIs[fs.UAI] = struct{}{}
	}

	var target []models.Structure
	if len(r.opts.StructureScope) > 0 {
		target, err = s.structures.ListByUAI(ctx, r.opts.StructureScope)
	} else {
		target, err = s.structures.ListSyncEnabled(ctx)
	}
	if err != nil {
		return fmt.Errorf("load target structures: %w", err)
	}

	r.scope = ResolveScope(target, feedUAIs)
	r.res.ScopeUAIs = r.scope.UAIs()
	return nil
}

// resolveGroups indexes the target groups of in-scope structures and binds
// feed groups to them by composite key; feed groups with no counterpart get
// synthetic negative ids until the apply step creates them.
func (s *Synchronizer) resolveGroups(r *run) {
	r.targetGroups = NewGroupIndex()
	r.feedGroups = NewGroupIndex()

	for _, uai := range r.scope.UAIs() {
		targetS, _ := r.scope.ByUAI(uai)
		for i := range targetS.Groups {
			g := &targetS.Groups[i]
			g.StructureID = targetS.ID
			r.targetGroups.Add(g)
		}

		feedS := r.feedStructures[uai]
		for i := range feedS.Groups {
			g := &feedS.Groups[i]
			g.StructureID = targetS.ID
			if t, ok := r.targetGroups.Lookup(targetS.ID, g.Type, g.Name); ok {
				g.ID = t.ID
				g.DisplayName = t.DisplayName
			} else {
				g.ID = r.groupIDs.next()
				g.DisplayName = fmt.Sprintf("%s %s", g.Name, s.now().Format(feedDateLayout))
				r.feedGroups.Add(g)
			}
			for j := range g.Grades {
				g.Grades[j].GroupID = g.ID
			}
		}
	}
}

func millisSince(from time.Time) int64 {
	return time.Since(from).Milliseconds()
}
