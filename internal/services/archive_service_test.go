package services_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/otcheredev/dicom-archive-core/internal/archive"
	"github.com/otcheredev/dicom-archive-core/internal/codec"
	"github.com/otcheredev/dicom-archive-core/internal/dcm"
	"github.com/otcheredev/dicom-archive-core/internal/fuzzy"
	"github.com/otcheredev/dicom-archive-core/internal/models"
	"github.com/otcheredev/dicom-archive-core/internal/query"
	"github.com/otcheredev/dicom-archive-core/internal/repository"
	"github.com/otcheredev/dicom-archive-core/internal/services"
	"github.com/otcheredev/dicom-archive-core/internal/store"
)

type recordingAuditor struct {
	mu      sync.Mutex
	entries []models.AuditLog
	err     error
}

func (a *recordingAuditor) Create(ctx context.Context, entry *models.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, *entry)
	return a.err
}

func (a *recordingAuditor) GetByResourceUID(ctx context.Context, resourceUID string, limit int) ([]models.AuditLog, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []models.AuditLog
	for i := len(a.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if a.entries[i].ResourceUID == resourceUID {
			out = append(out, a.entries[i])
		}
	}
	return out, nil
}

type createOnlyAuditor struct{}

func (createOnlyAuditor) Create(ctx context.Context, entry *models.AuditLog) error { return nil }

func newService(auditor services.Auditor, maxResults int) *services.ArchiveService {
	m := repository.NewMemory()
	filters := codec.DefaultFilters()
	q := query.NewEngine(m, query.Config{Filters: filters, Fuzzy: fuzzy.ESoundex{}})
	s := store.NewEngine(m, store.Config{Filters: filters, Fuzzy: fuzzy.ESoundex{}})
	return services.NewArchiveService(q, s, auditor, archive.QueryOptions{}, maxResults)
}

func storeRequest(patientID, study, sop string) models.StoreRequest {
	a := dcm.NewAttributes()
	a.Set(dcm.PatientID, dcm.VRLO, patientID)
	a.Set(dcm.StudyInstanceUID, dcm.VRUI, study)
	a.Set(dcm.SeriesInstanceUID, dcm.VRUI, study+".1")
	a.Set(dcm.SOPInstanceUID, dcm.VRUI, sop)
	a.Set(dcm.Modality, dcm.VRCS, "CT")
	return models.StoreRequest{Attributes: a, SourceAET: "MODALITY", RetrieveAETs: []string{"ARCHIVE"}}
}

func TestStoreBatch(t *testing.T) {
	auditor := &recordingAuditor{}
	svc := newService(auditor, 0)

	refs, err := svc.Store(context.Background(), "alice", []models.StoreRequest{
		storeRequest("P1", "1", "1.1.1"),
		storeRequest("P1", "1", "1.1.2"),
	})
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if len(refs) != 2 || !refs[0].Created || !refs[1].Created {
		t.Fatalf("refs = %+v", refs)
	}

	if len(auditor.entries) != 2 {
		t.Fatalf("audit entries = %d; want 2", len(auditor.entries))
	}
	e := auditor.entries[0]
	if e.Action != models.AuditActionStore || e.Status != "success" || e.Subject != "alice" || e.ResourceUID != "1.1.1" || e.SourceAET != "MODALITY" {
		t.Errorf("audit entry = %+v", e)
	}
}

func TestStoreBatchStopsAtFailure(t *testing.T) {
	auditor := &recordingAuditor{}
	svc := newService(auditor, 0)

	bad := storeRequest("P1", "1", "")
	refs, err := svc.Store(context.Background(), "alice", []models.StoreRequest{
		storeRequest("P1", "1", "1.1.1"),
		bad,
		storeRequest("P1", "1", "1.1.3"),
	})
	if !errors.Is(err, store.ErrInvalidAttributes) {
		t.Fatalf("Store error = %v; want ErrInvalidAttributes", err)
	}
	if len(refs) != 1 {
		t.Errorf("refs = %d; want the instance stored before the failure", len(refs))
	}
	last := auditor.entries[len(auditor.entries)-1]
	if last.Status != "failure" || last.ErrorMessage == "" {
		t.Errorf("failure not audited: %+v", last)
	}

	badAvailability := storeRequest("P1", "1", "1.1.4")
	badAvailability.Availability = "LOST"
	if _, err := svc.Store(context.Background(), "alice", []models.StoreRequest{badAvailability}); err == nil {
		t.Error("expected error for unknown availability")
	}
}

func TestAuditFailureDoesNotFailOperation(t *testing.T) {
	svc := newService(&recordingAuditor{err: errors.New("audit down")}, 0)
	if _, err := svc.Store(context.Background(), "alice", []models.StoreRequest{storeRequest("P1", "1", "1.1.1")}); err != nil {
		t.Errorf("Store failed: %v", err)
	}
}

func TestSearchLimit(t *testing.T) {
	svc := newService(nil, 2)
	ctx := context.Background()
	for i, id := range []string{"P1", "P2", "P3"} {
		uid := string(rune('1' + i))
		if _, err := svc.Store(ctx, "", []models.StoreRequest{storeRequest(id, uid, uid+".1.1")}); err != nil {
			t.Fatalf("Store failed: %v", err)
		}
	}

	resp, err := svc.Search(ctx, archive.Patient, dcm.NewAttributes(), archive.QueryOptions{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(resp.Matches) != 2 {
		t.Errorf("matches = %d; want the configured maximum 2", len(resp.Matches))
	}

	resp, err = svc.Search(ctx, archive.Patient, dcm.NewAttributes(), archive.QueryOptions{Limit: 1})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(resp.Matches) != 1 {
		t.Errorf("matches = %d; want 1", len(resp.Matches))
	}

	keys := dcm.NewAttributes()
	keys.Set(dcm.PatientID, dcm.VRLO, "P2")
	resp, err = svc.Search(ctx, archive.Patient, keys, archive.QueryOptions{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(resp.Matches) != 1 || resp.Matches[0].String(dcm.PatientID) != "P2" {
		t.Errorf("search by PatientID = %d matches", len(resp.Matches))
	}
}

func TestLocateAndMerge(t *testing.T) {
	auditor := &recordingAuditor{}
	svc := newService(auditor, 0)
	ctx := context.Background()
	for _, req := range []models.StoreRequest{
		storeRequest("OLD", "1", "1.1.1"),
		storeRequest("NEW", "2", "2.1.1"),
	} {
		if _, err := svc.Store(ctx, "alice", []models.StoreRequest{req}); err != nil {
			t.Fatalf("Store failed: %v", err)
		}
	}

	p, err := svc.MergePatient(ctx, "alice", &models.MergeRequest{
		Prior:  models.PatientIdentifier{ID: "OLD"},
		Target: models.PatientIdentifier{ID: "NEW"},
	})
	if err != nil {
		t.Fatalf("MergePatient failed: %v", err)
	}
	if p.NumStudies != 2 {
		t.Errorf("NumStudies = %d", p.NumStudies)
	}
	last := auditor.entries[len(auditor.entries)-1]
	if last.Action != models.AuditActionMerge || !strings.Contains(string(last.Details), `"target":"NEW"`) {
		t.Errorf("merge audit = %+v", last)
	}

	locs, err := svc.Locate(ctx, &models.LocateRequest{Patients: []models.PatientIdentifier{{ID: "NEW"}}})
	if err != nil {
		t.Fatalf("Locate failed: %v", err)
	}
	if len(locs) != 2 {
		t.Errorf("located %d instances of the merged patient; want 2", len(locs))
	}
	for _, l := range locs {
		if l.URI != "aet:ARCHIVE" {
			t.Errorf("URI = %q", l.URI)
		}
	}
}

func TestAuditTrail(t *testing.T) {
	auditor := &recordingAuditor{}
	svc := newService(auditor, 0)
	ctx := context.Background()
	if _, err := svc.Store(ctx, "alice", []models.StoreRequest{storeRequest("P1", "1", "1.1.1")}); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if _, err := svc.RecalculateStudy(ctx, "bob", "1"); err != nil {
		t.Fatalf("RecalculateStudy failed: %v", err)
	}

	entries, err := svc.AuditTrail(ctx, "1", 10)
	if err != nil {
		t.Fatalf("AuditTrail failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != models.AuditActionRecalculate || entries[0].Subject != "bob" {
		t.Errorf("entries = %+v", entries)
	}

	for _, a := range []services.Auditor{nil, createOnlyAuditor{}} {
		if _, err := newService(a, 0).AuditTrail(ctx, "1", 10); !errors.Is(err, services.ErrAuditDisabled) {
			t.Errorf("AuditTrail error = %v; want ErrAuditDisabled", err)
		}
	}
}
