package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/otcheredev/dicom-archive-core/internal/middleware"
	"github.com/otcheredev/dicom-archive-core/internal/models"
	"github.com/otcheredev/dicom-archive-core/internal/services"
)

type ManagementHandler struct {
	archiveService *services.ArchiveService
}

func NewManagementHandler(archiveService *services.ArchiveService) *ManagementHandler {
	return &ManagementHandler{
		archiveService: archiveService,
	}
}

func subject(r *http.Request) string {
	if user, ok := middleware.GetUser(r.Context()); ok {
		return user.Subject
	}
	return ""
}

// StoreInstances stores a JSON array of instances in one store session
func (h *ManagementHandler) StoreInstances(w http.ResponseWriter, r *http.Request) {
	var reqs []models.StoreRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		respondBadRequest(w, r, "Invalid request body")
		return
	}
	if len(reqs) == 0 {
		respondBadRequest(w, r, "At least one instance is required")
		return
	}
	for i := range reqs {
		if err := reqs[i].Validate(); err != nil {
			respondError(w, r, err, "Invalid store request")
			return
		}
	}

	refs, err := h.archiveService.Store(r.Context(), subject(r), reqs)
	if err != nil {
		respondError(w, r, err, "Failed to store instances")
		return
	}

	status := http.StatusOK
	for _, ref := range refs {
		if ref.Created {
			status = http.StatusCreated
			break
		}
	}
	render.Status(r, status)
	render.JSON(w, r, refs)
}

// Locate lists the instances selected by patient and UID filters
func (h *ManagementHandler) Locate(w http.ResponseWriter, r *http.Request) {
	var req models.LocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondBadRequest(w, r, "Invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		respondBadRequest(w, r, err.Error())
		return
	}

	locators, err := h.archiveService.Locate(r.Context(), &req)
	if err != nil {
		respondError(w, r, err, "Failed to locate instances")
		return
	}
	if locators == nil {
		locators = []models.InstanceLocator{}
	}
	render.JSON(w, r, locators)
}

// MergePatient merges a prior patient into a target patient
func (h *ManagementHandler) MergePatient(w http.ResponseWriter, r *http.Request) {
	var req models.MergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondBadRequest(w, r, "Invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, r, err, "Invalid merge request")
		return
	}

	patient, err := h.archiveService.MergePatient(r.Context(), subject(r), &req)
	if err != nil {
		respondError(w, r, err, "Failed to merge patient")
		return
	}
	render.JSON(w, r, patient)
}

// RecalculateStudy recomputes the counts and aggregates of a study
func (h *ManagementHandler) RecalculateStudy(w http.ResponseWriter, r *http.Request) {
	study, err := h.archiveService.RecalculateStudy(r.Context(), subject(r), chi.URLParam(r, "studyUID"))
	if err != nil {
		respondError(w, r, err, "Failed to recalculate study")
		return
	}
	render.JSON(w, r, study)
}

// RecalculateSeries recomputes the counts and aggregates of a series
func (h *ManagementHandler) RecalculateSeries(w http.ResponseWriter, r *http.Request) {
	series, err := h.archiveService.RecalculateSeries(r.Context(), subject(r), chi.URLParam(r, "seriesUID"))
	if err != nil {
		respondError(w, r, err, "Failed to recalculate series")
		return
	}
	render.JSON(w, r, series)
}

// RegisterFile records the stored file of an instance
func (h *ManagementHandler) RegisterFile(w http.ResponseWriter, r *http.Request) {
	var req models.FileRefRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondBadRequest(w, r, "Invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, r, err, "Invalid file request")
		return
	}

	ref, err := h.archiveService.RegisterFile(r.Context(), subject(r), chi.URLParam(r, "instanceUID"), &req)
	if err != nil {
		respondError(w, r, err, "Failed to register file")
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, ref)
}

// GrantPermission grants a role an action on a study
func (h *ManagementHandler) GrantPermission(w http.ResponseWriter, r *http.Request) {
	var req models.PermissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondBadRequest(w, r, "Invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		respondError(w, r, err, "Invalid permission request")
		return
	}

	if err := h.archiveService.GrantPermission(r.Context(), subject(r), chi.URLParam(r, "studyUID"), &req); err != nil {
		respondError(w, r, err, "Failed to grant permission")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AuditTrail lists the audit entries of a study, series or instance UID
func (h *ManagementHandler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondBadRequest(w, r, "Invalid limit")
			return
		}
		limit = n
	}

	entries, err := h.archiveService.AuditTrail(r.Context(), chi.URLParam(r, "resourceUID"), limit)
	if err != nil {
		respondError(w, r, err, "Failed to list audit entries")
		return
	}
	if entries == nil {
		entries = []models.AuditLog{}
	}
	render.JSON(w, r, entries)
}
