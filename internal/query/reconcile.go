package query

import (
	"github.com/otcheredev/dicom-archive-core/internal/archive"
	"github.com/otcheredev/dicom-archive-core/internal/dcm"
	"github.com/otcheredev/dicom-archive-core/internal/predicate"
)

// reconciler adjusts the identifiers of a match to the identifiers the
// query asked with.
type reconciler struct {
	pids         []archive.IDWithIssuer
	returnOthers bool
	// Defaults the stored issuers are checked against; nil when the query
	// constrained the issuer itself.
	patientIssuer   *archive.Issuer
	accessionIssuer *archive.Issuer
}

func (e *Engine) reconciler(pids []archive.IDWithIssuer, keys *dcm.Attributes) *reconciler {
	r := &reconciler{returnOthers: keys.Contains(dcm.OtherPatientIDsSequence)}
	issuerGiven := false
	for _, p := range pids {
		if predicate.IsUniversal(p.ID) {
			continue
		}
		r.pids = append(r.pids, p)
		if !p.Issuer.IsEmpty() {
			issuerGiven = true
		}
	}
	if !issuerGiven {
		r.patientIssuer = e.patientIssuer
	}
	if archive.AccessionIssuer(keys).IsEmpty() {
		r.accessionIssuer = e.accessionIssuer
	}
	return r
}

func (r *reconciler) apply(attrs *dcm.Attributes) {
	r.patientID(attrs)
	if r.accessionIssuer.IsEmpty() {
		return
	}
	nullConflicting(attrs, r.accessionIssuer)
	for _, item := range attrs.Sequence(dcm.RequestAttributesSequence) {
		nullConflicting(item, r.accessionIssuer)
	}
}

func (r *reconciler) patientID(attrs *dcm.Attributes) {
	if len(r.pids) > 1 {
		first := r.pids[0]
		if !predicate.HasWildcard(first.ID) {
			attrs.Set(dcm.PatientID, dcm.VRLO, first.ID)
			if !first.Issuer.IsEmpty() {
				archive.SetPatientIssuer(attrs, first.Issuer)
			}
		}
		if r.returnOthers {
			var others []*dcm.Attributes
			for _, p := range r.pids[1:] {
				if predicate.HasWildcard(p.ID) {
					continue
				}
				item := dcm.NewAttributes()
				item.Set(dcm.PatientID, dcm.VRLO, p.ID)
				archive.SetPatientIssuer(item, p.Issuer)
				others = append(others, item)
			}
			attrs.SetSequence(dcm.OtherPatientIDsSequence, others...)
		}
	}
	if r.patientIssuer.IsEmpty() || attrs.String(dcm.PatientID) == "" {
		return
	}
	if stored := archive.PatientIssuer(attrs); stored != nil && !stored.Matches(r.patientIssuer) {
		attrs.Set(dcm.PatientID, dcm.VRLO)
	}
}

// nullConflicting empties an AccessionNumber whose issuer is not def, but
// keeps the issuer so the mismatch stays visible.
func nullConflicting(attrs *dcm.Attributes, def *archive.Issuer) {
	if attrs.String(dcm.AccessionNumber) == "" {
		return
	}
	if stored := archive.AccessionIssuer(attrs); stored != nil && !stored.Matches(def) {
		attrs.Set(dcm.AccessionNumber, dcm.VRSH)
	}
}
