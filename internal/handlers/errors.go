package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"
	"github.com/go-ozzo/ozzo-validation"
	"github.com/otcheredev/dicom-archive-core/internal/archive"
	"github.com/otcheredev/dicom-archive-core/internal/services"
	"github.com/otcheredev/dicom-archive-core/internal/store"
	"github.com/rs/zerolog/log"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// statusOf maps an archive error to its HTTP status.
func statusOf(err error) int {
	var (
		qe  *archive.QueryError
		te  *archive.TransientError
		re  *archive.ResourceError
		ves validation.Errors
	)
	switch {
	case errors.As(err, &qe), errors.As(err, &ves), errors.Is(err, store.ErrInvalidAttributes):
		return http.StatusBadRequest
	case errors.Is(err, archive.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrMergeCycle), errors.Is(err, store.ErrMergeChainTooLong):
		return http.StatusConflict
	case errors.As(err, &te), errors.As(err, &re):
		return http.StatusServiceUnavailable
	case errors.Is(err, archive.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, services.ErrAuditDisabled):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

func respondError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	status := statusOf(err)
	resp := errorResponse{Error: err.Error()}
	var qe *archive.QueryError
	if errors.As(err, &qe) {
		resp.Code = qe.Code.String()
	}
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg(msg)
		if status == http.StatusInternalServerError {
			resp.Error = msg
		}
	}
	render.Status(r, status)
	render.JSON(w, r, resp)
}

func respondBadRequest(w http.ResponseWriter, r *http.Request, msg string) {
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, errorResponse{Error: msg})
}
