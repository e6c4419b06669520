// Package store maintains the patient/study/series/instance hierarchy and its
// aggregate columns as instances are received.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/otcheredev/dicom-archive-core/internal/archive"
	"github.com/otcheredev/dicom-archive-core/internal/cache"
	"github.com/otcheredev/dicom-archive-core/internal/codec"
	"github.com/otcheredev/dicom-archive-core/internal/dcm"
	"github.com/otcheredev/dicom-archive-core/internal/fuzzy"
	"github.com/otcheredev/dicom-archive-core/internal/metrics"
	"github.com/otcheredev/dicom-archive-core/internal/models"
	"github.com/otcheredev/dicom-archive-core/internal/repository"
	"github.com/rs/zerolog/log"
)

// ErrInvalidAttributes is returned for a store request lacking a required UID.
var ErrInvalidAttributes = errors.New("store: invalid attributes")

// Config configures an Engine.
type Config struct {
	Filters codec.Filters
	// Fuzzy derives the phonetic name codes. It must be the algorithm the
	// query engine matches with.
	Fuzzy fuzzy.FuzzyStr
	// MaxAttempts bounds the transaction attempts of one operation when it
	// keeps hitting natural key conflicts.
	MaxAttempts int
	// DefaultPatientIssuer and DefaultAccessionIssuer are applied to
	// received identifiers that carry no issuer.
	DefaultPatientIssuer   *archive.Issuer
	DefaultAccessionIssuer *archive.Issuer
	// KeyCache, when set, memoizes code and issuer keys.
	KeyCache    cache.Cache
	KeyCacheTTL time.Duration
}

// Engine stores instances. It is safe for concurrent use; per-request state
// lives in Session.
type Engine struct {
	backend         repository.Backend
	filters         codec.Filters
	fuzzy           fuzzy.FuzzyStr
	attempts        int
	patientIssuer   *archive.Issuer
	accessionIssuer *archive.Issuer
	keys            *keyCache
}

// NewEngine creates a store engine
func NewEngine(backend repository.Backend, cfg Config) *Engine {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 3
	}
	ttl := cfg.KeyCacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Engine{
		backend:         backend,
		filters:         cfg.Filters,
		fuzzy:           cfg.Fuzzy,
		attempts:        attempts,
		patientIssuer:   cfg.DefaultPatientIssuer,
		accessionIssuer: cfg.DefaultAccessionIssuer,
		keys:            &keyCache{c: cfg.KeyCache, ttl: ttl},
	}
}

// Request is one received instance.
type Request struct {
	Attributes          *dcm.Attributes
	SourceAET           string
	RetrieveAETs        []string
	ExternalRetrieveAET string
	Availability        archive.Availability
}

func (r Request) aggregates() models.Aggregates {
	return models.Aggregates{
		RetrieveAETs:        JoinAETs(r.RetrieveAETs),
		ExternalRetrieveAET: strings.TrimSpace(r.ExternalRetrieveAET),
		Availability:        r.Availability,
	}
}

// Session is the request-scoped state of a batch of stores: it remembers
// series resolved by earlier stores. A Session must not be shared between
// concurrent requests.
type Session struct {
	engine *Engine
	series map[string]*models.Series
}

// NewSession starts a store session
func (e *Engine) NewSession() *Session {
	return &Session{engine: e, series: make(map[string]*models.Series)}
}

// Store stores one instance in a session of its own.
func (e *Engine) Store(ctx context.Context, req Request) (*models.InstanceRef, error) {
	return e.NewSession().Store(ctx, req)
}

// Store stores one instance. Storing an instance that already exists returns
// it unchanged.
func (s *Session) Store(ctx context.Context, req Request) (*models.InstanceRef, error) {
	e := s.engine
	start := time.Now()
	attrs, err := e.prepare(req.Attributes)
	if err != nil {
		metrics.StoreTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	req.Attributes = attrs
	seriesIUID := attrs.String(dcm.SeriesInstanceUID)

	var (
		ref    *models.InstanceRef
		series *models.Series
	)
	err = e.retry(ctx, "store "+attrs.String(dcm.SOPInstanceUID), func(t *txn) error {
		var err error
		ref, series, err = t.store(req, s.series[seriesIUID])
		return err
	})
	metrics.StoreDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.StoreTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	s.series[seriesIUID] = series
	if ref.Created {
		metrics.StoreTotal.WithLabelValues("created").Inc()
	} else {
		metrics.StoreTotal.WithLabelValues("duplicate").Inc()
		log.Debug().Str("sop_iuid", ref.SOPInstanceUID).Msg("Instance already stored")
	}
	return ref, nil
}

// prepare validates the UIDs and applies the default issuers to a copy of
// the received attributes.
func (e *Engine) prepare(in *dcm.Attributes) (*dcm.Attributes, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: no attributes", ErrInvalidAttributes)
	}
	for _, tg := range []dcm.Tag{dcm.SOPInstanceUID, dcm.SeriesInstanceUID, dcm.StudyInstanceUID} {
		if strings.TrimSpace(in.String(tg)) == "" {
			return nil, fmt.Errorf("%w: missing %s", ErrInvalidAttributes, dcm.Keyword(tg))
		}
	}
	attrs := in.Clone()
	if e.patientIssuer != nil && attrs.String(dcm.PatientID) != "" && archive.PatientIssuer(attrs) == nil {
		archive.SetPatientIssuer(attrs, e.patientIssuer)
	}
	if e.accessionIssuer != nil && attrs.String(dcm.AccessionNumber) != "" && archive.AccessionIssuer(attrs) == nil {
		attrs.SetSequence(dcm.IssuerOfAccessionNumberSequence, e.accessionIssuer.Item())
	}
	return attrs, nil
}

// retry runs fn in a transaction, starting over while it conflicts with a
// concurrent transaction.
func (e *Engine) retry(ctx context.Context, op string, fn func(t *txn) error) error {
	var err error
	for attempt := 1; attempt <= e.attempts; attempt++ {
		var t *txn
		err = e.backend.Transaction(ctx, func(tx repository.Tx) error {
			t = e.newTxn(ctx, tx)
			return fn(t)
		})
		if err == nil {
			t.committed()
			return nil
		}
		if !errors.Is(err, archive.ErrConflict) {
			return err
		}
		metrics.StoreConflicts.Inc()
		log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("Conflicting transaction, retrying")
	}
	return archive.NewTransientError(op, e.attempts, err)
}

// store runs one attempt. cached is the series resolved by an earlier store
// of the session, if any.
func (t *txn) store(req Request, cached *models.Series) (*models.InstanceRef, *models.Series, error) {
	attrs := req.Attributes
	sopIUID := attrs.String(dcm.SOPInstanceUID)

	if inst, err := t.tx.FindInstance(sopIUID); err == nil {
		return t.existing(inst)
	} else if !errors.Is(err, archive.ErrNotFound) {
		return nil, nil, fmt.Errorf("failed to find instance: %w", err)
	}

	series, err := t.resolveSeries(req, cached)
	if err != nil {
		return nil, nil, err
	}
	study, err := t.tx.LockStudy(series.StudyFK)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to lock study: %w", err)
	}

	agg := req.aggregates()
	inst := t.newInstance(attrs, series.ID, agg)
	if err := t.tx.Create(inst); err != nil {
		return nil, nil, err
	}
	if err := t.instanceChildren(attrs, inst); err != nil {
		return nil, nil, err
	}

	if err := t.tx.IncrementSeries(series.ID, 1); err != nil {
		return nil, nil, err
	}
	if err := t.tx.IncrementStudy(study.ID, 0, 1); err != nil {
		return nil, nil, err
	}
	if err := t.updateStudySets(study, series.Modality, inst.SOPClassUID); err != nil {
		return nil, nil, err
	}

	// The locked rows still hold the counts from before this instance.
	if next := Combine(series.Aggregates, series.NumInstances == 0, agg); next != series.Aggregates {
		series.Aggregates = next
		if err := t.tx.Update(series, repository.AggregateColumns...); err != nil {
			return nil, nil, err
		}
	}
	if next := Combine(study.Aggregates, study.NumInstances == 0, agg); next != study.Aggregates {
		study.Aggregates = next
		if err := t.tx.Update(study, repository.AggregateColumns...); err != nil {
			return nil, nil, err
		}
	}
	series.NumInstances++
	study.NumInstances++

	return &models.InstanceRef{
		SOPInstanceUID:    sopIUID,
		SOPClassUID:       attrs.String(dcm.SOPClassUID),
		SeriesInstanceUID: series.SeriesInstanceUID,
		StudyInstanceUID:  study.StudyInstanceUID,
		Created:           true,
	}, series, nil
}

func (t *txn) existing(inst *models.Instance) (*models.InstanceRef, *models.Series, error) {
	series, err := t.tx.GetSeries(inst.SeriesFK)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load series of instance: %w", err)
	}
	study, err := t.tx.GetStudy(series.StudyFK)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load study of series: %w", err)
	}
	return &models.InstanceRef{
		SOPInstanceUID:    inst.SOPInstanceUID,
		SOPClassUID:       inst.SOPClassUID,
		SeriesInstanceUID: series.SeriesInstanceUID,
		StudyInstanceUID:  study.StudyInstanceUID,
	}, series, nil
}

// resolveSeries returns the locked series of the instance, creating it and
// its ancestors as needed.
func (t *txn) resolveSeries(req Request, cached *models.Series) (*models.Series, error) {
	attrs := req.Attributes
	if cached != nil {
		series, err := t.tx.LockSeries(cached.ID)
		if err == nil {
			return series, nil
		}
		if !errors.Is(err, archive.ErrNotFound) {
			return nil, fmt.Errorf("failed to lock series: %w", err)
		}
	}
	uid := attrs.String(dcm.SeriesInstanceUID)
	found, err := t.tx.FindSeries(uid)
	switch {
	case err == nil:
		series, err := t.tx.LockSeries(found.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to lock series: %w", err)
		}
		return series, nil
	case !errors.Is(err, archive.ErrNotFound):
		return nil, fmt.Errorf("failed to find series: %w", err)
	}

	study, err := t.resolveStudy(attrs)
	if err != nil {
		return nil, err
	}
	series := t.newSeries(attrs, study.ID, req.SourceAET)
	if err := t.tx.Create(series); err != nil {
		return nil, err
	}
	if err := t.seriesChildren(attrs, series); err != nil {
		return nil, err
	}
	if err := t.tx.IncrementStudy(study.ID, 1, 0); err != nil {
		return nil, err
	}
	metrics.HierarchyCreated.WithLabelValues("series").Inc()
	log.Info().
		Str("series_iuid", uid).
		Str("study_iuid", study.StudyInstanceUID).
		Str("modality", series.Modality).
		Msg("Created series")
	return series, nil
}

func (t *txn) resolveStudy(attrs *dcm.Attributes) (*models.Study, error) {
	uid := attrs.String(dcm.StudyInstanceUID)
	found, err := t.tx.FindStudy(uid)
	if err == nil {
		return found, nil
	}
	if !errors.Is(err, archive.ErrNotFound) {
		return nil, fmt.Errorf("failed to find study: %w", err)
	}

	patient, err := t.resolvePatient(attrs)
	if err != nil {
		return nil, err
	}
	study, err := t.newStudy(attrs, patient.ID)
	if err != nil {
		return nil, err
	}
	if err := t.tx.Create(study); err != nil {
		return nil, err
	}
	if err := t.link(study.ID, models.RoleProcedureCode, attrs.Sequence(dcm.ProcedureCodeSequence)); err != nil {
		return nil, err
	}
	if err := t.tx.IncrementPatient(patient.ID, 1); err != nil {
		return nil, err
	}
	metrics.HierarchyCreated.WithLabelValues("study").Inc()
	log.Info().
		Str("study_iuid", uid).
		Str("patient_id", patient.PatientID).
		Msg("Created study")
	return study, nil
}

// resolvePatient returns the terminal patient for the identifier of attrs,
// creating the patient when it is unknown.
func (t *txn) resolvePatient(attrs *dcm.Attributes) (*models.Patient, error) {
	id := strings.TrimSpace(attrs.String(dcm.PatientID))
	if key := idKey(id, archive.PatientIssuer(attrs)); key != nil {
		found, err := t.tx.FindPatient(*key)
		if err == nil {
			return terminal(t.tx, found)
		}
		if !errors.Is(err, archive.ErrNotFound) {
			return nil, fmt.Errorf("failed to find patient: %w", err)
		}
	}

	patient, err := t.newPatient(attrs)
	if err != nil {
		return nil, err
	}
	if err := t.tx.Create(patient); err != nil {
		return nil, err
	}
	metrics.HierarchyCreated.WithLabelValues("patient").Inc()
	log.Info().Str("patient_id", patient.PatientID).Msg("Created patient")
	return patient, nil
}
