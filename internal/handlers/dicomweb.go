package handlers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/otcheredev/dicom-archive-core/internal/archive"
	"github.com/otcheredev/dicom-archive-core/internal/dcm"
	"github.com/otcheredev/dicom-archive-core/internal/middleware"
	"github.com/otcheredev/dicom-archive-core/internal/services"
)

const warningUnsupportedKey = `299 dicom-archive "One or more matching keys were not supported and were ignored"`

type DICOMWebHandler struct {
	archiveService *services.ArchiveService
}

func NewDICOMWebHandler(archiveService *services.ArchiveService) *DICOMWebHandler {
	return &DICOMWebHandler{
		archiveService: archiveService,
	}
}

// SearchPatients handles a patient level search
func (h *DICOMWebHandler) SearchPatients(w http.ResponseWriter, r *http.Request) {
	h.search(w, r, archive.Patient)
}

// SearchStudies handles a study level search
func (h *DICOMWebHandler) SearchStudies(w http.ResponseWriter, r *http.Request) {
	h.search(w, r, archive.Study)
}

// SearchSeries handles a series level search, optionally within a study
func (h *DICOMWebHandler) SearchSeries(w http.ResponseWriter, r *http.Request) {
	h.search(w, r, archive.Series)
}

// SearchInstances handles an instance level search, optionally within a
// study and series
func (h *DICOMWebHandler) SearchInstances(w http.ResponseWriter, r *http.Request) {
	h.search(w, r, archive.Image)
}

func (h *DICOMWebHandler) search(w http.ResponseWriter, r *http.Request, level archive.Level) {
	ctx := r.Context()
	opts, err := h.options(r)
	if err != nil {
		respondBadRequest(w, r, err.Error())
		return
	}
	if user, ok := middleware.GetUser(ctx); ok {
		if len(user.Roles) == 0 {
			http.Error(w, "No roles granted", http.StatusForbidden)
			return
		}
		opts.Roles = user.Roles
	}

	keys, err := ParseKeys(r.URL.Query())
	if err != nil {
		respondBadRequest(w, r, err.Error())
		return
	}
	if uid := chi.URLParam(r, "studyUID"); uid != "" {
		keys.Set(dcm.StudyInstanceUID, dcm.VRUI, uid)
	}
	if uid := chi.URLParam(r, "seriesUID"); uid != "" {
		keys.Set(dcm.SeriesInstanceUID, dcm.VRUI, uid)
	}

	resp, err := h.archiveService.Search(ctx, level, keys, opts)
	if err != nil {
		respondError(w, r, err, "Failed to search "+strings.ToLower(level.String()))
		return
	}

	if resp.OptionalKeyNotSupported {
		w.Header().Set("Warning", warningUnsupportedKey)
	}
	if len(resp.Matches) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/dicom+json")
	json.NewEncoder(w).Encode(resp.Matches)
}

// reserved are the query parameters that are options, not keys.
var reserved = map[string]bool{
	"fuzzymatching":    true,
	"matchunknown":     true,
	"combineddatetime": true,
	"relational":       true,
	"offset":           true,
	"limit":            true,
}

func (h *DICOMWebHandler) options(r *http.Request) (archive.QueryOptions, error) {
	opts := h.archiveService.QueryDefaults()
	q := r.URL.Query()
	for name, dst := range map[string]*bool{
		"fuzzymatching":    &opts.FuzzyMatching,
		"matchunknown":     &opts.MatchUnknown,
		"combineddatetime": &opts.CombinedDateTime,
		"relational":       &opts.Relational,
	} {
		if v := q.Get(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return opts, &url.Error{Op: "parse", URL: name, Err: err}
			}
			*dst = b
		}
	}
	for name, dst := range map[string]*int{"offset": &opts.Offset, "limit": &opts.Limit} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return opts, &url.Error{Op: "parse", URL: name, Err: strconv.ErrSyntax}
			}
			*dst = n
		}
	}
	return opts, nil
}

// ParseKeys converts query parameters of the form Keyword=value or
// GGGGEEEE=value to query keys. A dotted path such as
// RequestAttributesSequence.AccessionNumber sets a key in the first item of
// the sequence. UID values may be comma separated lists; an empty value is a
// return key.
func ParseKeys(params url.Values) (*dcm.Attributes, error) {
	keys := dcm.NewAttributes()
	for name, values := range params {
		if reserved[strings.ToLower(name)] {
			continue
		}
		path, err := dcm.ParseTagPath(name)
		if err != nil {
			return nil, err
		}
		target := keys
		for _, seq := range path[:len(path)-1] {
			item := target.Item(seq)
			if item == nil {
				item = target.NewItem(seq)
			}
			target = item
		}
		tg := path[len(path)-1]
		vr := dcm.VROf(tg)
		value := ""
		if len(values) > 0 {
			value = values[0]
		}
		switch {
		case vr == dcm.VRSQ:
			if target.Item(tg) == nil {
				target.SetSequence(tg)
			}
		case value == "":
			target.Set(tg, vr)
		case vr == dcm.VRUI || tg == dcm.ModalitiesInStudy:
			target.Set(tg, vr, strings.Split(value, ",")...)
		default:
			target.Set(tg, vr, value)
		}
	}
	return keys, nil
}
