// Package query answers hierarchical patient/study/series/image queries and
// locates instances for retrieval.
package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/otcheredev/dicom-archive-core/internal/archive"
	"github.com/otcheredev/dicom-archive-core/internal/codec"
	"github.com/otcheredev/dicom-archive-core/internal/dcm"
	"github.com/otcheredev/dicom-archive-core/internal/fuzzy"
	"github.com/otcheredev/dicom-archive-core/internal/metrics"
	"github.com/otcheredev/dicom-archive-core/internal/models"
	"github.com/otcheredev/dicom-archive-core/internal/predicate"
	"github.com/otcheredev/dicom-archive-core/internal/repository"
)

// Config configures an Engine.
type Config struct {
	// Filters must match the filters the store engine encodes with; their
	// custom attributes select the custom matching columns.
	Filters codec.Filters
	Fuzzy   fuzzy.FuzzyStr
	// Levels are the supported query levels. Empty supports all four.
	Levels []archive.Level
	// DefaultPatientIssuer and DefaultAccessionIssuer are the issuers of
	// identifiers in queries without one.
	DefaultPatientIssuer   *archive.Issuer
	DefaultAccessionIssuer *archive.Issuer
}

// Engine runs queries against a backend. It holds no per-query state and
// is safe for concurrent use.
type Engine struct {
	backend         repository.Backend
	filters         codec.Filters
	fuzzy           fuzzy.FuzzyStr
	levels          map[archive.Level]bool
	patientIssuer   *archive.Issuer
	accessionIssuer *archive.Issuer
}

// NewEngine creates a query engine
func NewEngine(backend repository.Backend, cfg Config) *Engine {
	levels := make(map[archive.Level]bool)
	for _, l := range cfg.Levels {
		levels[l] = true
	}
	if len(levels) == 0 {
		for l := archive.Patient; l <= archive.Image; l++ {
			levels[l] = true
		}
	}
	return &Engine{
		backend:         backend,
		filters:         cfg.Filters,
		fuzzy:           cfg.Fuzzy,
		levels:          levels,
		patientIssuer:   cfg.DefaultPatientIssuer,
		accessionIssuer: cfg.DefaultAccessionIssuer,
	}
}

// Find starts a query at level. Keys with a value are matching keys; pids
// are the patient identifiers to match, any of which may match. The caller
// must Close the returned cursor.
func (e *Engine) Find(ctx context.Context, level archive.Level, pids []archive.IDWithIssuer, keys *dcm.Attributes, opts archive.QueryOptions) (*Cursor, error) {
	if !level.Valid() {
		metrics.QueryTotal.WithLabelValues("invalid", "error").Inc()
		return nil, archive.NewQueryError(archive.InvalidLevel, "QueryRetrieveLevel", fmt.Sprintf("invalid level %s", level))
	}
	if !e.levels[level] {
		metrics.QueryTotal.WithLabelValues(level.String(), "error").Inc()
		return nil, archive.NewQueryError(archive.UnsupportedLevel, "QueryRetrieveLevel", fmt.Sprintf("level %s is not supported", level))
	}
	if keys == nil {
		keys = dcm.NewAttributes()
	}

	b := &builder{e: e, keys: keys, opts: opts}
	where, err := b.where(level, pids)
	if err != nil {
		metrics.QueryTotal.WithLabelValues(level.String(), "error").Inc()
		return nil, err
	}
	rows, err := e.backend.Query(ctx, repository.Select{
		Level:  level,
		Where:  where,
		Offset: opts.Offset,
		Limit:  opts.Limit,
	})
	if err != nil {
		metrics.QueryTotal.WithLabelValues(level.String(), "error").Inc()
		return nil, err
	}
	return &Cursor{
		rows:        rows,
		level:       level,
		post:        e.reconciler(pids, keys),
		unsupported: b.unsupported,
		start:       time.Now(),
	}, nil
}

// builder composes the predicate of one query.
type builder struct {
	e           *Engine
	keys        *dcm.Attributes
	opts        archive.QueryOptions
	unsupported bool
}

func (b *builder) fuzzy() fuzzy.FuzzyStr {
	if b.opts.FuzzyMatching {
		return b.e.fuzzy
	}
	return nil
}

// where validates the keys and returns the conjunction of the predicates of
// level and its ancestors.
func (b *builder) where(level archive.Level, pids []archive.IDWithIssuer) (predicate.Expr, error) {
	if err := b.check(level); err != nil {
		return nil, err
	}
	mu := b.opts.MatchUnknown
	terms := []predicate.Expr{
		predicate.IsNull{Col: predicate.Col(models.TablePatient, "merged_with_fk")},
		predicate.PatientIDs(pids, mu),
	}
	if level >= archive.Study {
		terms = append(terms, predicate.AccessControl(predicate.Col(models.TableStudy, "study_iuid"), b.opts.Roles))
	}
	if level == archive.Image {
		terms = append(terms, predicate.Compare{Col: predicate.Col(models.TableInstance, "replaced"), Op: predicate.Eq, Value: false})
	}

	for _, f := range fields {
		if f.level > level {
			continue
		}
		v, ok := b.keys.Get(f.tag)
		if !ok || v.IsEmpty() {
			continue
		}
		x, err := b.field(f, v)
		if err != nil {
			return nil, invalid(f.tag, err)
		}
		terms = append(terms, x)
	}
	for _, dt := range dateTimes {
		if dt.level > level {
			continue
		}
		x, err := b.dateTime(dt)
		if err != nil {
			return nil, err
		}
		terms = append(terms, x)
	}
	for l := archive.Patient; l <= level; l++ {
		for i, tg := range b.e.filters.For(l).Custom {
			col := predicate.Col(tables[l], fmt.Sprintf("%scustom%d", customPrefix[l], i+1))
			terms = append(terms, predicate.Wildcard(col, b.keys.String(tg), mu))
		}
	}
	return predicate.AllOf(terms...), nil
}

// check rejects matching keys below level. In relational mode those keys
// are ignored and reported as unsupported optional keys, as are keys with
// no matching column.
func (b *builder) check(level archive.Level) error {
	for _, tg := range b.keys.Tags() {
		v, _ := b.keys.Get(tg)
		if v.IsEmpty() || structural[tg] {
			continue
		}
		l, ok := b.e.levelOf(tg)
		switch {
		case !ok:
			b.unsupported = true
		case l > level && !b.opts.Relational:
			return archive.NewQueryError(archive.IllegalKey, dcm.Keyword(tg),
				fmt.Sprintf("%s key not permitted at %s level", l, level))
		case l > level:
			b.unsupported = true
		}
	}
	return nil
}

func (b *builder) dateTime(dt dateTime) (predicate.Expr, error) {
	table := tables[dt.level]
	dateCol := predicate.Col(table, dt.dateCol)
	timeCol := predicate.Col(table, dt.tmCol)
	d, t := b.keys.String(dt.date), b.keys.String(dt.time)
	mu := b.opts.MatchUnknown

	if b.opts.CombinedDateTime && !predicate.IsUniversal(d) && !predicate.IsUniversal(t) {
		x, err := predicate.CombinedDateTime(dateCol, timeCol, d, t, mu)
		if err != nil {
			return nil, invalid(dt.date, err)
		}
		return x, nil
	}
	dx, err := predicate.DateRange(dateCol, d, dcm.KindDate, mu)
	if err != nil {
		return nil, invalid(dt.date, err)
	}
	tx, err := predicate.DateRange(timeCol, t, dcm.KindTime, mu)
	if err != nil {
		return nil, invalid(dt.time, err)
	}
	return predicate.AllOf(dx, tx), nil
}

func invalid(tg dcm.Tag, err error) error {
	return archive.NewQueryError(archive.InvalidValue, dcm.Keyword(tg), err.Error())
}

func toUpper(s string) string {
	return strings.ToUpper(s)
}
