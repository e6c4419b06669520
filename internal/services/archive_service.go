package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/otcheredev/dicom-archive-core/internal/archive"
	"github.com/otcheredev/dicom-archive-core/internal/dcm"
	"github.com/otcheredev/dicom-archive-core/internal/models"
	"github.com/otcheredev/dicom-archive-core/internal/query"
	"github.com/otcheredev/dicom-archive-core/internal/store"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
)

// Auditor records audit log entries
type Auditor interface {
	Create(ctx context.Context, log *models.AuditLog) error
}

// AuditHistory is an Auditor that can also list past entries
type AuditHistory interface {
	GetByResourceUID(ctx context.Context, resourceUID string, limit int) ([]models.AuditLog, error)
}

// ErrAuditDisabled is returned by AuditTrail when no audit history is kept.
var ErrAuditDisabled = errors.New("audit history is not available")

// ArchiveService is the entry point of the HTTP handlers into the query and
// store engines.
type ArchiveService struct {
	query      *query.Engine
	store      *store.Engine
	auditor    Auditor
	defaults   archive.QueryOptions
	maxResults int
}

// NewArchiveService creates a new archive service. auditor may be nil.
func NewArchiveService(q *query.Engine, s *store.Engine, auditor Auditor, defaults archive.QueryOptions, maxResults int) *ArchiveService {
	return &ArchiveService{
		query:      q,
		store:      s,
		auditor:    auditor,
		defaults:   defaults,
		maxResults: maxResults,
	}
}

// QueryDefaults returns the options of a query that sets none.
func (s *ArchiveService) QueryDefaults() archive.QueryOptions {
	return s.defaults
}

// Find starts a query. The caller must close the cursor.
func (s *ArchiveService) Find(ctx context.Context, level archive.Level, keys *dcm.Attributes, opts archive.QueryOptions) (*query.Cursor, error) {
	return s.query.Find(ctx, level, archive.PatientIDs(keys), keys, opts)
}

// Search runs a query and collects its matches, at most the configured
// maximum unless opts sets a lower limit.
func (s *ArchiveService) Search(ctx context.Context, level archive.Level, keys *dcm.Attributes, opts archive.QueryOptions) (*models.QueryResponse, error) {
	if s.maxResults > 0 && (opts.Limit <= 0 || opts.Limit > s.maxResults) {
		opts.Limit = s.maxResults
	}
	cursor, err := s.Find(ctx, level, keys, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	resp := &models.QueryResponse{Matches: []*dcm.Attributes{}}
	for cursor.HasMore() {
		attrs, err := cursor.Next()
		if err != nil {
			return nil, err
		}
		resp.Matches = append(resp.Matches, attrs)
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	resp.OptionalKeyNotSupported = cursor.OptionalKeyNotSupported()
	return resp, nil
}

// Store stores a batch of instances in one store session. It stops at the
// first failure and returns the instances stored before it.
func (s *ArchiveService) Store(ctx context.Context, subject string, reqs []models.StoreRequest) ([]models.InstanceRef, error) {
	session := s.store.NewSession()
	refs := make([]models.InstanceRef, 0, len(reqs))
	for i := range reqs {
		req := &reqs[i]
		start := time.Now()
		r, err := storeRequest(req)
		if err != nil {
			return refs, err
		}
		ref, err := session.Store(ctx, r)
		sop := req.Attributes.String(dcm.SOPInstanceUID)
		s.audit(ctx, &models.AuditLog{
			Subject:      subject,
			Action:       models.AuditActionStore,
			ResourceType: "instance",
			ResourceUID:  sop,
			SourceAET:    req.SourceAET,
		}, start, err, ref)
		if err != nil {
			return refs, fmt.Errorf("failed to store instance %s: %w", sop, err)
		}
		refs = append(refs, *ref)
	}
	return refs, nil
}

func storeRequest(req *models.StoreRequest) (store.Request, error) {
	var availability archive.Availability
	if req.Availability != "" {
		a, err := archive.ParseAvailability(req.Availability)
		if err != nil {
			return store.Request{}, err
		}
		availability = a
	}
	return store.Request{
		Attributes:          req.Attributes,
		SourceAET:           req.SourceAET,
		RetrieveAETs:        req.RetrieveAETs,
		ExternalRetrieveAET: req.ExternalRetrieveAET,
		Availability:        availability,
	}, nil
}

// Locate returns the instances selected by req.
func (s *ArchiveService) Locate(ctx context.Context, req *models.LocateRequest) ([]models.InstanceLocator, error) {
	keys := dcm.NewAttributes()
	if len(req.StudyInstanceUIDs) > 0 {
		keys.Set(dcm.StudyInstanceUID, dcm.VRUI, req.StudyInstanceUIDs...)
	}
	if len(req.SeriesInstanceUIDs) > 0 {
		keys.Set(dcm.SeriesInstanceUID, dcm.VRUI, req.SeriesInstanceUIDs...)
	}
	if len(req.SOPInstanceUIDs) > 0 {
		keys.Set(dcm.SOPInstanceUID, dcm.VRUI, req.SOPInstanceUIDs...)
	}
	pids := make([]archive.IDWithIssuer, 0, len(req.Patients))
	for _, p := range req.Patients {
		pids = append(pids, identifier(p))
	}
	return s.query.Locate(ctx, pids, keys)
}

func identifier(p models.PatientIdentifier) archive.IDWithIssuer {
	return archive.IDWithIssuer{ID: p.ID, Issuer: archive.ParseIssuer(p.Issuer)}
}

// MergePatient merges the prior patient into the target patient
func (s *ArchiveService) MergePatient(ctx context.Context, subject string, req *models.MergeRequest) (*models.Patient, error) {
	start := time.Now()
	prior, target := identifier(req.Prior), identifier(req.Target)
	p, err := s.store.MergePatient(ctx, prior, target)
	s.audit(ctx, &models.AuditLog{
		Subject:      subject,
		Action:       models.AuditActionMerge,
		ResourceType: "patient",
		ResourceUID:  prior.String(),
	}, start, err, map[string]string{"target": target.String()})
	return p, err
}

// RecalculateStudy recomputes the derived columns of a study
func (s *ArchiveService) RecalculateStudy(ctx context.Context, subject, studyIUID string) (*models.Study, error) {
	start := time.Now()
	st, err := s.store.RecalculateStudy(ctx, studyIUID)
	s.audit(ctx, &models.AuditLog{
		Subject:      subject,
		Action:       models.AuditActionRecalculate,
		ResourceType: "study",
		ResourceUID:  studyIUID,
	}, start, err, nil)
	return st, err
}

// RecalculateSeries recomputes the derived columns of a series
func (s *ArchiveService) RecalculateSeries(ctx context.Context, subject, seriesIUID string) (*models.Series, error) {
	start := time.Now()
	se, err := s.store.RecalculateSeries(ctx, seriesIUID)
	s.audit(ctx, &models.AuditLog{
		Subject:      subject,
		Action:       models.AuditActionRecalculate,
		ResourceType: "series",
		ResourceUID:  seriesIUID,
	}, start, err, nil)
	return se, err
}

// RegisterFile records the stored location of an instance
func (s *ArchiveService) RegisterFile(ctx context.Context, subject, sopIUID string, req *models.FileRefRequest) (*models.FileRef, error) {
	start := time.Now()
	var availability archive.Availability
	if req.Availability != "" {
		a, err := archive.ParseAvailability(req.Availability)
		if err != nil {
			return nil, err
		}
		availability = a
	}
	ref, err := s.store.RegisterFileRef(ctx, sopIUID, req.URI, req.TransferSyntaxUID, availability)
	s.audit(ctx, &models.AuditLog{
		Subject:      subject,
		Action:       models.AuditActionRegister,
		ResourceType: "instance",
		ResourceUID:  sopIUID,
	}, start, err, map[string]string{"uri": req.URI})
	return ref, err
}

// GrantPermission lets a role query a study
func (s *ArchiveService) GrantPermission(ctx context.Context, subject, studyIUID string, req *models.PermissionRequest) error {
	start := time.Now()
	err := s.store.GrantPermission(ctx, studyIUID, req.Action, req.Role)
	s.audit(ctx, &models.AuditLog{
		Subject:      subject,
		Action:       models.AuditActionGrant,
		ResourceType: "study",
		ResourceUID:  studyIUID,
	}, start, err, map[string]string{"action": req.Action, "role": req.Role})
	return err
}

// AuditTrail lists the audit entries of a resource, newest first.
func (s *ArchiveService) AuditTrail(ctx context.Context, resourceUID string, limit int) ([]models.AuditLog, error) {
	h, ok := s.auditor.(AuditHistory)
	if !ok {
		return nil, ErrAuditDisabled
	}
	return h.GetByResourceUID(ctx, resourceUID, limit)
}

// audit writes entry with the outcome of an operation. Audit failures are
// logged and never fail the operation.
func (s *ArchiveService) audit(ctx context.Context, entry *models.AuditLog, start time.Time, opErr error, details any) {
	if s.auditor == nil {
		return
	}
	entry.Duration = time.Since(start).Milliseconds()
	entry.Status = "success"
	if opErr != nil {
		entry.Status = "failure"
		entry.ErrorMessage = opErr.Error()
	}
	if details != nil {
		b, err := json.Marshal(details)
		if err == nil {
			entry.Details = datatypes.JSON(b)
		}
	}
	if err := s.auditor.Create(context.WithoutCancel(ctx), entry); err != nil {
		log.Error().Err(err).Str("action", entry.Action).Str("resource_uid", entry.ResourceUID).Msg("Failed to write audit log")
	}
}
