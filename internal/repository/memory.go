package repository

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/otcheredev/dicom-archive-core/internal/archive"
	"github.com/otcheredev/dicom-archive-core/internal/models"
	"github.com/otcheredev/dicom-archive-core/internal/predicate"
)

// Memory is an in-process Backend. Transactions run one at a time on a
// shallow copy of the committed arena: a table is copied on its first write
// and a row on its first change, and the copy is published on commit.
// Queries read the last committed arena, which is never modified after
// publication. Lookups by natural key scan their table, so Memory suits
// tests and small embedded archives rather than production volumes.
type Memory struct {
	mu   sync.Mutex
	data atomic.Pointer[arena]
}

// NewMemory creates an empty in-memory backend
func NewMemory() *Memory {
	m := &Memory{}
	m.data.Store(newArena())
	return m
}

type arena struct {
	patients  map[uuid.UUID]*models.Patient
	studies   map[uuid.UUID]*models.Study
	series    map[uuid.UUID]*models.Series
	instances map[uuid.UUID]*models.Instance
	issuers   map[uuid.UUID]*models.Issuer
	codes     map[uuid.UUID]*models.Code
	links     map[uuid.UUID]*models.CodeLink
	requests  map[uuid.UUID]*models.RequestAttributes
	observers map[uuid.UUID]*models.VerifyingObserver
	items     map[uuid.UUID]*models.ContentItem
	files     map[uuid.UUID]*models.FileRef
	perms     map[uuid.UUID]*models.StudyPermission
}

func newArena() *arena {
	return &arena{
		patients:  map[uuid.UUID]*models.Patient{},
		studies:   map[uuid.UUID]*models.Study{},
		series:    map[uuid.UUID]*models.Series{},
		instances: map[uuid.UUID]*models.Instance{},
		issuers:   map[uuid.UUID]*models.Issuer{},
		codes:     map[uuid.UUID]*models.Code{},
		links:     map[uuid.UUID]*models.CodeLink{},
		requests:  map[uuid.UUID]*models.RequestAttributes{},
		observers: map[uuid.UUID]*models.VerifyingObserver{},
		items:     map[uuid.UUID]*models.ContentItem{},
		files:     map[uuid.UUID]*models.FileRef{},
		perms:     map[uuid.UUID]*models.StudyPermission{},
	}
}

func (a *arena) shallow() *arena {
	c := *a
	return &c
}

func copyOf[T any](v *T) *T {
	c := *v
	return &c
}

func values[T any](m map[uuid.UUID]*T) []any {
	out := make([]any, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

// table returns the rows of a table as entity pointers.
func (a *arena) table(name string) []any {
	switch name {
	case models.TablePatient:
		return values(a.patients)
	case models.TableStudy:
		return values(a.studies)
	case models.TableSeries:
		return values(a.series)
	case models.TableInstance:
		return values(a.instances)
	case models.TableIssuer:
		return values(a.issuers)
	case models.TableCode:
		return values(a.codes)
	case models.TableCodeLink:
		return values(a.links)
	case models.TableRequestAttributes:
		return values(a.requests)
	case models.TableVerifyingObserver:
		return values(a.observers)
	case models.TableContentItem:
		return values(a.items)
	case models.TableFileRef:
		return values(a.files)
	case models.TableStudyPermission:
		return values(a.perms)
	}
	return nil
}

// Transaction runs fn against a private copy of the arena
func (m *Memory) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.data.Load().shallow()
	if err := fn(newMemTx(work)); err != nil {
		return err
	}
	m.data.Store(work)
	return nil
}

// Query evaluates sel against the last committed arena
func (m *Memory) Query(ctx context.Context, sel Select) (Rows, error) {
	if err := ctx.Err(); err != nil {
		return nil, archive.NewResourceError("query", err)
	}
	a := m.data.Load()
	src := &memSource{a: a, records: map[any]predicate.Record{}}

	var out []Row
	consider := func(row Row) {
		env := predicate.Env{}
		if row.Patient != nil {
			env[models.TablePatient] = src.record(row.Patient)
		}
		if row.Study != nil {
			env[models.TableStudy] = src.record(row.Study)
		}
		if row.Series != nil {
			env[models.TableSeries] = src.record(row.Series)
		}
		if row.Instance != nil {
			env[models.TableInstance] = src.record(row.Instance)
		}
		if predicate.Eval(sel.Where, env, src) {
			out = append(out, row)
		}
	}

	switch sel.Level {
	case archive.Patient:
		for _, p := range a.patients {
			consider(Row{Patient: p})
		}
	case archive.Study:
		for _, st := range a.studies {
			consider(Row{Patient: a.patients[st.PatientFK], Study: st})
		}
	case archive.Series:
		for _, se := range a.series {
			st := a.studies[se.StudyFK]
			consider(Row{Patient: a.patients[st.PatientFK], Study: st, Series: se})
		}
	case archive.Image:
		for _, inst := range a.instances {
			se := a.series[inst.SeriesFK]
			st := a.studies[se.StudyFK]
			consider(Row{Patient: a.patients[st.PatientFK], Study: st, Series: se, Instance: inst})
		}
	default:
		return nil, fmt.Errorf("unsupported query level %s", sel.Level)
	}

	sort.Slice(out, func(i, j int) bool { return rowLess(sel.Level, out[i], out[j]) })
	out = page(out, sel.Offset, sel.Limit)

	for i := range out {
		out[i] = copyRow(out[i])
		if sel.WithFiles && out[i].Instance != nil {
			out[i].Files = a.filesOf(out[i].Instance.ID)
		}
	}
	return &memRows{rows: out, pos: -1}, nil
}

func rowLess(level archive.Level, x, y Row) bool {
	var kx, ky [2]uuid.UUID
	switch level {
	case archive.Patient:
		kx, ky = [2]uuid.UUID{x.Patient.ID}, [2]uuid.UUID{y.Patient.ID}
	case archive.Study:
		kx, ky = [2]uuid.UUID{x.Patient.ID, x.Study.ID}, [2]uuid.UUID{y.Patient.ID, y.Study.ID}
	case archive.Series:
		kx, ky = [2]uuid.UUID{x.Study.ID, x.Series.ID}, [2]uuid.UUID{y.Study.ID, y.Series.ID}
	case archive.Image:
		kx, ky = [2]uuid.UUID{x.Series.ID, x.Instance.ID}, [2]uuid.UUID{y.Series.ID, y.Instance.ID}
	}
	if c := bytes.Compare(kx[0][:], ky[0][:]); c != 0 {
		return c < 0
	}
	return bytes.Compare(kx[1][:], ky[1][:]) < 0
}

func page(rows []Row, offset, limit int) []Row {
	if offset > 0 {
		if offset >= len(rows) {
			return nil
		}
		rows = rows[offset:]
	}
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

func copyRow(r Row) Row {
	out := Row{}
	if r.Patient != nil {
		out.Patient = copyOf(r.Patient)
	}
	if r.Study != nil {
		out.Study = copyOf(r.Study)
	}
	if r.Series != nil {
		out.Series = copyOf(r.Series)
	}
	if r.Instance != nil {
		out.Instance = copyOf(r.Instance)
	}
	return out
}

func (a *arena) filesOf(instancePK uuid.UUID) []models.FileRef {
	var files []models.FileRef
	for _, f := range a.files {
		if f.InstanceFK == instancePK {
			files = append(files, *f)
		}
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].Availability != files[j].Availability {
			return files[i].Availability < files[j].Availability
		}
		return files[i].CreatedAt.Before(files[j].CreatedAt)
	})
	return files
}

// memSource resolves Exists over the arena, memoizing column maps.
type memSource struct {
	a       *arena
	records map[any]predicate.Record
}

func (s *memSource) record(entity any) predicate.Record {
	if rec, ok := s.records[entity]; ok {
		return rec
	}
	rec := predicate.Record(models.Columns(entity))
	s.records[entity] = rec
	return rec
}

func (s *memSource) Related(table, column, value string) []predicate.Record {
	var out []predicate.Record
	for _, e := range s.a.table(table) {
		rec := s.record(e)
		if v, ok := rec[column]; ok && v == value {
			out = append(out, rec)
		}
	}
	return out
}

type memRows struct {
	rows   []Row
	pos    int
	closed bool
}

func (r *memRows) Next() bool {
	if r.closed || r.pos+1 >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

func (r *memRows) Row() Row {
	if r.pos < 0 || r.pos >= len(r.rows) {
		return Row{}
	}
	return r.rows[r.pos]
}

func (r *memRows) Err() error { return nil }

func (r *memRows) Close() error {
	r.closed = true
	r.rows = nil
	return nil
}

type memTx struct {
	a *arena
	// cloned lists the tables already copied from the committed arena and
	// private holds the rows the transaction may change in place.
	cloned  map[string]bool
	private map[any]bool
}

func newMemTx(a *arena) *memTx {
	return &memTx{a: a, cloned: map[string]bool{}, private: map[any]bool{}}
}

// writable returns table name of the transaction's arena, copying it from the
// committed arena on first use.
func writable[T any](t *memTx, name string, m *map[uuid.UUID]*T) map[uuid.UUID]*T {
	if !t.cloned[name] {
		*m = maps.Clone(*m)
		t.cloned[name] = true
	}
	return *m
}

// insert stores a copy of v under pk.
func insert[T any](t *memTx, name string, m *map[uuid.UUID]*T, pk uuid.UUID, v *T) {
	c := copyOf(v)
	writable(t, name, m)[pk] = c
	t.private[c] = true
}

// mutable returns row pk for in-place changes, copying it on first use.
func mutable[T any](t *memTx, name string, m *map[uuid.UUID]*T, pk uuid.UUID) (*T, bool) {
	tbl := writable(t, name, m)
	v, ok := tbl[pk]
	if !ok {
		return nil, false
	}
	if !t.private[v] {
		v = copyOf(v)
		tbl[pk] = v
		t.private[v] = true
	}
	return v, true
}

func conflict(kind, key string) error {
	return fmt.Errorf("%w: %s %s already exists", archive.ErrConflict, kind, key)
}

func find[T any](m map[uuid.UUID]*T, match func(*T) bool) (*T, error) {
	for _, v := range m {
		if match(v) {
			return copyOf(v), nil
		}
	}
	return nil, archive.ErrNotFound
}

func get[T any](m map[uuid.UUID]*T, pk uuid.UUID) (*T, error) {
	v, ok := m[pk]
	if !ok {
		return nil, archive.ErrNotFound
	}
	return copyOf(v), nil
}

func (t *memTx) FindPatient(idKey string) (*models.Patient, error) {
	return find(t.a.patients, func(p *models.Patient) bool { return p.IDKey != nil && *p.IDKey == idKey })
}

func (t *memTx) GetPatient(pk uuid.UUID) (*models.Patient, error) { return get(t.a.patients, pk) }

func (t *memTx) FindStudy(studyIUID string) (*models.Study, error) {
	return find(t.a.studies, func(s *models.Study) bool { return s.StudyInstanceUID == studyIUID })
}

func (t *memTx) GetStudy(pk uuid.UUID) (*models.Study, error) { return get(t.a.studies, pk) }

func (t *memTx) FindSeries(seriesIUID string) (*models.Series, error) {
	return find(t.a.series, func(s *models.Series) bool { return s.SeriesInstanceUID == seriesIUID })
}

func (t *memTx) GetSeries(pk uuid.UUID) (*models.Series, error) { return get(t.a.series, pk) }

func (t *memTx) FindInstance(sopIUID string) (*models.Instance, error) {
	return find(t.a.instances, func(i *models.Instance) bool { return i.SOPInstanceUID == sopIUID })
}

func (t *memTx) FindIssuer(n *models.Issuer) (*models.Issuer, error) {
	return find(t.a.issuers, func(i *models.Issuer) bool { return sameIssuer(i, n) })
}

func sameIssuer(a, b *models.Issuer) bool {
	return a.LocalNamespaceEntityID == b.LocalNamespaceEntityID &&
		a.UniversalEntityID == b.UniversalEntityID &&
		a.UniversalEntityIDType == b.UniversalEntityIDType
}

func (t *memTx) FindCode(value, designator, version string) (*models.Code, error) {
	return find(t.a.codes, func(c *models.Code) bool {
		return c.CodeValue == value && c.CodingSchemeDesignator == designator && c.CodingSchemeVersion == version
	})
}

func (t *memTx) Create(entity any) error {
	now := time.Now().UTC()
	switch e := entity.(type) {
	case *models.Patient:
		if e.IDKey != nil {
			if _, err := t.FindPatient(*e.IDKey); err == nil {
				return conflict("patient", *e.IDKey)
			}
		}
		_ = e.BeforeCreate(nil)
		e.CreatedAt, e.UpdatedAt = now, now
		insert(t, models.TablePatient, &t.a.patients, e.ID, e)
	case *models.Study:
		if _, err := t.FindStudy(e.StudyInstanceUID); err == nil {
			return conflict("study", e.StudyInstanceUID)
		}
		_ = e.BeforeCreate(nil)
		e.CreatedAt, e.UpdatedAt = now, now
		insert(t, models.TableStudy, &t.a.studies, e.ID, e)
	case *models.Series:
		if _, err := t.FindSeries(e.SeriesInstanceUID); err == nil {
			return conflict("series", e.SeriesInstanceUID)
		}
		_ = e.BeforeCreate(nil)
		e.CreatedAt, e.UpdatedAt = now, now
		insert(t, models.TableSeries, &t.a.series, e.ID, e)
	case *models.Instance:
		if _, err := t.FindInstance(e.SOPInstanceUID); err == nil {
			return conflict("instance", e.SOPInstanceUID)
		}
		_ = e.BeforeCreate(nil)
		e.CreatedAt, e.UpdatedAt = now, now
		insert(t, models.TableInstance, &t.a.instances, e.ID, e)
	case *models.Issuer:
		if _, err := t.FindIssuer(e); err == nil {
			return conflict("issuer", e.ToIssuer().String())
		}
		_ = e.BeforeCreate(nil)
		insert(t, models.TableIssuer, &t.a.issuers, e.ID, e)
	case *models.Code:
		if _, err := t.FindCode(e.CodeValue, e.CodingSchemeDesignator, e.CodingSchemeVersion); err == nil {
			return conflict("code", e.CodeValue)
		}
		_ = e.BeforeCreate(nil)
		insert(t, models.TableCode, &t.a.codes, e.ID, e)
	case *models.StudyPermission:
		for _, p := range t.a.perms {
			if p.StudyInstanceUID == e.StudyInstanceUID && p.Action == e.Action && p.Role == e.Role {
				return conflict("permission", e.StudyInstanceUID+"/"+e.Action+"/"+e.Role)
			}
		}
		_ = e.BeforeCreate(nil)
		insert(t, models.TableStudyPermission, &t.a.perms, e.ID, e)
	case *models.CodeLink:
		_ = e.BeforeCreate(nil)
		insert(t, models.TableCodeLink, &t.a.links, e.ID, e)
	case *models.RequestAttributes:
		_ = e.BeforeCreate(nil)
		insert(t, models.TableRequestAttributes, &t.a.requests, e.ID, e)
	case *models.VerifyingObserver:
		_ = e.BeforeCreate(nil)
		insert(t, models.TableVerifyingObserver, &t.a.observers, e.ID, e)
	case *models.ContentItem:
		_ = e.BeforeCreate(nil)
		insert(t, models.TableContentItem, &t.a.items, e.ID, e)
	case *models.FileRef:
		_ = e.BeforeCreate(nil)
		e.CreatedAt = now
		insert(t, models.TableFileRef, &t.a.files, e.ID, e)
	default:
		return fmt.Errorf("unsupported entity %T", entity)
	}
	return nil
}

func (t *memTx) LockStudy(pk uuid.UUID) (*models.Study, error)   { return t.GetStudy(pk) }
func (t *memTx) LockSeries(pk uuid.UUID) (*models.Series, error) { return t.GetSeries(pk) }

func (t *memTx) IncrementPatient(pk uuid.UUID, studies int) error {
	p, ok := mutable(t, models.TablePatient, &t.a.patients, pk)
	if !ok {
		return archive.ErrNotFound
	}
	p.NumStudies += studies
	return nil
}

func (t *memTx) IncrementStudy(pk uuid.UUID, series, instances int) error {
	s, ok := mutable(t, models.TableStudy, &t.a.studies, pk)
	if !ok {
		return archive.ErrNotFound
	}
	s.NumSeries += series
	s.NumInstances += instances
	return nil
}

func (t *memTx) IncrementSeries(pk uuid.UUID, instances int) error {
	s, ok := mutable(t, models.TableSeries, &t.a.series, pk)
	if !ok {
		return archive.ErrNotFound
	}
	s.NumInstances += instances
	return nil
}

func (t *memTx) Update(entity any, columns ...string) error {
	var stored any
	switch e := entity.(type) {
	case *models.Patient:
		p, ok := mutable(t, models.TablePatient, &t.a.patients, e.ID)
		if ok {
			p.UpdatedAt = time.Now().UTC()
			stored = p
		}
	case *models.Study:
		s, ok := mutable(t, models.TableStudy, &t.a.studies, e.ID)
		if ok {
			s.UpdatedAt = time.Now().UTC()
			stored = s
		}
	case *models.Series:
		s, ok := mutable(t, models.TableSeries, &t.a.series, e.ID)
		if ok {
			s.UpdatedAt = time.Now().UTC()
			stored = s
		}
	case *models.Instance:
		i, ok := mutable(t, models.TableInstance, &t.a.instances, e.ID)
		if ok {
			i.UpdatedAt = time.Now().UTC()
			stored = i
		}
	default:
		return fmt.Errorf("unsupported entity %T", entity)
	}
	if stored == nil {
		return archive.ErrNotFound
	}
	models.CopyColumns(stored, entity, columns...)
	return nil
}

func children[T any](m map[uuid.UUID]*T, owned func(*T) bool, key func(*T) uuid.UUID) []T {
	var out []T
	for _, v := range m {
		if owned(v) {
			out = append(out, *v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ki, kj := key(&out[i]), key(&out[j])
		return bytes.Compare(ki[:], kj[:]) < 0
	})
	return out
}

func (t *memTx) Studies(patientPK uuid.UUID) ([]models.Study, error) {
	return children(t.a.studies,
		func(s *models.Study) bool { return s.PatientFK == patientPK },
		func(s *models.Study) uuid.UUID { return s.ID }), nil
}

func (t *memTx) Series(studyPK uuid.UUID) ([]models.Series, error) {
	return children(t.a.series,
		func(s *models.Series) bool { return s.StudyFK == studyPK },
		func(s *models.Series) uuid.UUID { return s.ID }), nil
}

func (t *memTx) Instances(seriesPK uuid.UUID) ([]models.Instance, error) {
	return children(t.a.instances,
		func(i *models.Instance) bool { return i.SeriesFK == seriesPK },
		func(i *models.Instance) uuid.UUID { return i.ID }), nil
}

func (t *memTx) StudyModalities(studyPK uuid.UUID) ([]string, error) {
	set := map[string]bool{}
	for _, s := range t.a.series {
		if s.StudyFK == studyPK && s.Modality != models.Unknown {
			set[s.Modality] = true
		}
	}
	return sortedKeys(set), nil
}

func (t *memTx) StudySOPClasses(studyPK uuid.UUID) ([]string, error) {
	set := map[string]bool{}
	for _, i := range t.a.instances {
		s, ok := t.a.series[i.SeriesFK]
		if ok && s.StudyFK == studyPK && !i.Replaced && i.SOPClassUID != models.Unknown {
			set[i.SOPClassUID] = true
		}
	}
	return sortedKeys(set), nil
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (t *memTx) MoveStudies(from, to uuid.UUID) (int, error) {
	var moved []uuid.UUID
	for pk, s := range t.a.studies {
		if s.PatientFK == from {
			moved = append(moved, pk)
		}
	}
	for _, pk := range moved {
		s, _ := mutable(t, models.TableStudy, &t.a.studies, pk)
		s.PatientFK = to
	}
	n := len(moved)
	return n, nil
}
