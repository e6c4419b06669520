package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/otcheredev/dicom-archive-core/internal/archive"
	"github.com/otcheredev/dicom-archive-core/internal/models"
	"github.com/otcheredev/dicom-archive-core/internal/predicate"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Postgres implements Backend on gorm.
type Postgres struct {
	db *gorm.DB
}

// NewPostgres creates a Postgres backend
func NewPostgres(db *gorm.DB) *Postgres {
	return &Postgres{db: db}
}

// Transaction runs fn in a database transaction
func (p *Postgres) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	err := p.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&pgTx{db: db})
	})
	return translate(err)
}

// Query runs sel and returns a streaming cursor
func (p *Postgres) Query(ctx context.Context, sel Select) (Rows, error) {
	table, ok := levelTables[sel.Level]
	if !ok {
		return nil, fmt.Errorf("unsupported query level %s", sel.Level)
	}
	where, args := predicate.SQL(sel.Where)
	q := p.db.WithContext(ctx).
		Table(table).
		Select(table + ".*").
		Where(where, args...).
		Order(levelOrder[sel.Level])
	if joins := levelJoins[sel.Level]; joins != "" {
		q = q.Joins(joins)
	}
	if sel.Offset > 0 {
		q = q.Offset(sel.Offset)
	}
	if sel.Limit > 0 {
		q = q.Limit(sel.Limit)
	}

	rows, err := q.Rows()
	if err != nil {
		return nil, archive.NewResourceError("query "+table, err)
	}
	return newPgRows(p.db.WithContext(ctx), rows, sel), nil
}

var levelTables = map[archive.Level]string{
	archive.Patient: models.TablePatient,
	archive.Study:   models.TableStudy,
	archive.Series:  models.TableSeries,
	archive.Image:   models.TableInstance,
}

const (
	joinSeries  = "JOIN series ON series.pk = instance.series_fk"
	joinStudy   = "JOIN study ON study.pk = series.study_fk"
	joinPatient = "JOIN patient ON patient.pk = study.patient_fk"
)

var levelJoins = map[archive.Level]string{
	archive.Patient: "",
	archive.Study:   joinPatient,
	archive.Series:  joinStudy + " " + joinPatient,
	archive.Image:   joinSeries + " " + joinStudy + " " + joinPatient,
}

var levelOrder = map[archive.Level]string{
	archive.Patient: "patient.pk",
	archive.Study:   "patient.pk, study.pk",
	archive.Series:  "study.pk, series.pk",
	archive.Image:   "series.pk, instance.pk",
}

// rowPrefetch is the number of rows scanned before their ancestors and files
// are loaded.
const rowPrefetch = 100

// rowSource is the open result set of the selected level.
type rowSource interface {
	Next() bool
	Err() error
	Close() error
}

// pgRows scans the selected entities in batches and loads the ancestors and
// files of a batch with one query per table.
type pgRows struct {
	rows  rowSource
	sel   Select
	scan  func() (Row, error)
	fetch func(dst any, column string, keys []uuid.UUID, order string) error

	buf []Row
	pos int
	cur Row
	err error
}

func newPgRows(db *gorm.DB, rows *sql.Rows, sel Select) *pgRows {
	return &pgRows{
		rows: rows,
		sel:  sel,
		scan: func() (Row, error) { return scanRow(db, rows, sel.Level) },
		fetch: func(dst any, column string, keys []uuid.UUID, order string) error {
			q := db.Where(column+" IN ?", keys)
			if order != "" {
				q = q.Order(order)
			}
			return q.Find(dst).Error
		},
	}
}

func scanRow(db *gorm.DB, rows *sql.Rows, level archive.Level) (Row, error) {
	var row Row
	var dst any
	switch level {
	case archive.Image:
		row.Instance = &models.Instance{}
		dst = row.Instance
	case archive.Series:
		row.Series = &models.Series{}
		dst = row.Series
	case archive.Study:
		row.Study = &models.Study{}
		dst = row.Study
	default:
		row.Patient = &models.Patient{}
		dst = row.Patient
	}
	if err := db.ScanRows(rows, dst); err != nil {
		return row, fmt.Errorf("failed to scan %s: %w", level, err)
	}
	return row, nil
}

func (r *pgRows) Next() bool {
	if r.err != nil || r.rows == nil {
		return false
	}
	if r.pos >= len(r.buf) {
		if err := r.fill(); err != nil {
			r.err = err
			return false
		}
		if len(r.buf) == 0 {
			return false
		}
	}
	r.cur = r.buf[r.pos]
	r.pos++
	return true
}

func (r *pgRows) fill() error {
	r.buf, r.pos = nil, 0
	for len(r.buf) < rowPrefetch && r.rows.Next() {
		row, err := r.scan()
		if err != nil {
			return err
		}
		r.buf = append(r.buf, row)
	}
	if err := r.rows.Err(); err != nil {
		return err
	}
	if len(r.buf) == 0 {
		return nil
	}
	return r.attach()
}

// attach loads the ancestors and files of the buffered rows.
func (r *pgRows) attach() error {
	var seriesPKs []uuid.UUID
	for _, row := range r.buf {
		if row.Instance != nil {
			seriesPKs = append(seriesPKs, row.Instance.SeriesFK)
		}
	}
	series, err := fetchByPK[models.Series](r.fetch, seriesPKs, func(s *models.Series) uuid.UUID { return s.ID })
	if err != nil {
		return fmt.Errorf("failed to load series: %w", err)
	}

	var studyPKs []uuid.UUID
	for i := range r.buf {
		if in := r.buf[i].Instance; in != nil {
			r.buf[i].Series = series[in.SeriesFK]
		}
		if se := r.buf[i].Series; se != nil {
			studyPKs = append(studyPKs, se.StudyFK)
		}
	}
	studies, err := fetchByPK[models.Study](r.fetch, studyPKs, func(s *models.Study) uuid.UUID { return s.ID })
	if err != nil {
		return fmt.Errorf("failed to load studies: %w", err)
	}

	var patientPKs []uuid.UUID
	for i := range r.buf {
		if se := r.buf[i].Series; se != nil {
			r.buf[i].Study = studies[se.StudyFK]
		}
		if st := r.buf[i].Study; st != nil {
			patientPKs = append(patientPKs, st.PatientFK)
		}
	}
	patients, err := fetchByPK[models.Patient](r.fetch, patientPKs, func(p *models.Patient) uuid.UUID { return p.ID })
	if err != nil {
		return fmt.Errorf("failed to load patients: %w", err)
	}
	for i := range r.buf {
		if st := r.buf[i].Study; st != nil {
			r.buf[i].Patient = patients[st.PatientFK]
		}
	}

	if !r.sel.WithFiles || r.sel.Level != archive.Image {
		return nil
	}
	instancePKs := make([]uuid.UUID, len(r.buf))
	for i, row := range r.buf {
		instancePKs[i] = row.Instance.ID
	}
	var files []models.FileRef
	if err := r.fetch(&files, "instance_fk", instancePKs, "availability, created_at"); err != nil {
		return fmt.Errorf("failed to load file refs: %w", translate(err))
	}
	byInstance := make(map[uuid.UUID][]models.FileRef)
	for _, f := range files {
		byInstance[f.InstanceFK] = append(byInstance[f.InstanceFK], f)
	}
	for i := range r.buf {
		r.buf[i].Files = byInstance[r.buf[i].Instance.ID]
	}
	return nil
}

// fetchByPK loads the distinct entities of keys with one query. A key with no
// row is reported as archive.ErrNotFound.
func fetchByPK[T any](fetch func(any, string, []uuid.UUID, string) error, keys []uuid.UUID, pk func(*T) uuid.UUID) (map[uuid.UUID]*T, error) {
	out := make(map[uuid.UUID]*T)
	if len(keys) == 0 {
		return out, nil
	}
	seen := make(map[uuid.UUID]bool, len(keys))
	distinct := make([]uuid.UUID, 0, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			distinct = append(distinct, k)
		}
	}
	var found []T
	if err := fetch(&found, "pk", distinct, ""); err != nil {
		return nil, translate(err)
	}
	for i := range found {
		out[pk(&found[i])] = &found[i]
	}
	for _, k := range distinct {
		if out[k] == nil {
			return nil, fmt.Errorf("%w: pk %s", archive.ErrNotFound, k)
		}
	}
	return out, nil
}

func (r *pgRows) Row() Row   { return r.cur }
func (r *pgRows) Err() error { return r.err }

func (r *pgRows) Close() error {
	if r.rows == nil {
		return nil
	}
	err := r.rows.Close()
	r.rows = nil
	return err
}

type pgTx struct {
	db *gorm.DB
}

func take[T any](db *gorm.DB, query string, args ...any) (*T, error) {
	var v T
	if err := db.Where(query, args...).Take(&v).Error; err != nil {
		return nil, translate(err)
	}
	return &v, nil
}

func (t *pgTx) FindPatient(idKey string) (*models.Patient, error) {
	return take[models.Patient](t.db, "id_key = ?", idKey)
}

func (t *pgTx) GetPatient(pk uuid.UUID) (*models.Patient, error) {
	return take[models.Patient](t.db, "pk = ?", pk)
}

func (t *pgTx) FindStudy(studyIUID string) (*models.Study, error) {
	return take[models.Study](t.db, "study_iuid = ?", studyIUID)
}

func (t *pgTx) GetStudy(pk uuid.UUID) (*models.Study, error) {
	return take[models.Study](t.db, "pk = ?", pk)
}

func (t *pgTx) FindSeries(seriesIUID string) (*models.Series, error) {
	return take[models.Series](t.db, "series_iuid = ?", seriesIUID)
}

func (t *pgTx) GetSeries(pk uuid.UUID) (*models.Series, error) {
	return take[models.Series](t.db, "pk = ?", pk)
}

func (t *pgTx) FindInstance(sopIUID string) (*models.Instance, error) {
	return take[models.Instance](t.db, "sop_iuid = ?", sopIUID)
}

func (t *pgTx) FindIssuer(n *models.Issuer) (*models.Issuer, error) {
	return take[models.Issuer](t.db, "entity_id = ? AND entity_uid = ? AND entity_uid_type = ?",
		n.LocalNamespaceEntityID, n.UniversalEntityID, n.UniversalEntityIDType)
}

func (t *pgTx) FindCode(value, designator, version string) (*models.Code, error) {
	return take[models.Code](t.db, "code_value = ? AND code_designator = ? AND code_version = ?",
		value, designator, version)
}

func (t *pgTx) Create(entity any) error {
	return translate(t.db.Create(entity).Error)
}

func (t *pgTx) LockStudy(pk uuid.UUID) (*models.Study, error) {
	return take[models.Study](t.db.Clauses(clause.Locking{Strength: "UPDATE"}), "pk = ?", pk)
}

func (t *pgTx) LockSeries(pk uuid.UUID) (*models.Series, error) {
	return take[models.Series](t.db.Clauses(clause.Locking{Strength: "UPDATE"}), "pk = ?", pk)
}

func (t *pgTx) IncrementPatient(pk uuid.UUID, studies int) error {
	return t.increment(&models.Patient{}, pk, map[string]int{"num_studies": studies})
}

func (t *pgTx) IncrementStudy(pk uuid.UUID, series, instances int) error {
	return t.increment(&models.Study{}, pk, map[string]int{"num_series": series, "num_instances": instances})
}

func (t *pgTx) IncrementSeries(pk uuid.UUID, instances int) error {
	return t.increment(&models.Series{}, pk, map[string]int{"num_instances": instances})
}

func (t *pgTx) increment(model any, pk uuid.UUID, deltas map[string]int) error {
	updates := make(map[string]any, len(deltas))
	for col, d := range deltas {
		if d != 0 {
			updates[col] = gorm.Expr(col+" + ?", d)
		}
	}
	if len(updates) == 0 {
		return nil
	}
	if err := t.db.Model(model).Where("pk = ?", pk).UpdateColumns(updates).Error; err != nil {
		return fmt.Errorf("failed to increment counts: %w", translate(err))
	}
	return nil
}

func (t *pgTx) Update(entity any, columns ...string) error {
	if err := t.db.Model(entity).Select(columns).Updates(entity).Error; err != nil {
		return fmt.Errorf("failed to update %v: %w", columns, translate(err))
	}
	return nil
}

func (t *pgTx) Studies(patientPK uuid.UUID) ([]models.Study, error) {
	var out []models.Study
	err := t.db.Where("patient_fk = ?", patientPK).Order("pk").Find(&out).Error
	return out, translate(err)
}

func (t *pgTx) Series(studyPK uuid.UUID) ([]models.Series, error) {
	var out []models.Series
	err := t.db.Where("study_fk = ?", studyPK).Order("pk").Find(&out).Error
	return out, translate(err)
}

func (t *pgTx) Instances(seriesPK uuid.UUID) ([]models.Instance, error) {
	var out []models.Instance
	err := t.db.Where("series_fk = ?", seriesPK).Order("pk").Find(&out).Error
	return out, translate(err)
}

func (t *pgTx) StudyModalities(studyPK uuid.UUID) ([]string, error) {
	var mods []string
	err := t.db.Model(&models.Series{}).
		Where("study_fk = ? AND modality <> ?", studyPK, models.Unknown).
		Distinct().
		Order("modality").
		Pluck("modality", &mods).Error
	return mods, translate(err)
}

func (t *pgTx) StudySOPClasses(studyPK uuid.UUID) ([]string, error) {
	var cuids []string
	err := t.db.Model(&models.Instance{}).
		Joins(joinSeries).
		Where("series.study_fk = ? AND instance.replaced = ? AND instance.sop_cuid <> ?", studyPK, false, models.Unknown).
		Distinct().
		Order("instance.sop_cuid").
		Pluck("instance.sop_cuid", &cuids).Error
	return cuids, translate(err)
}

func (t *pgTx) MoveStudies(from, to uuid.UUID) (int, error) {
	res := t.db.Model(&models.Study{}).Where("patient_fk = ?", from).Update("patient_fk", to)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to move studies: %w", translate(res.Error))
	}
	return int(res.RowsAffected), nil
}

// Postgres error codes retried as conflicts.
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// translate maps driver errors to the archive error taxonomy.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return archive.ErrNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", archive.ErrConflict, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation, pgSerializationFailure, pgDeadlockDetected:
			return fmt.Errorf("%w: %s", archive.ErrConflict, pgErr.Message)
		}
	}
	return err
}
