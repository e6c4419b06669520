package codec

import (
	"fmt"

	"github.com/otcheredev/dicom-archive-core/internal/archive"
	"github.com/otcheredev/dicom-archive-core/internal/dcm"
)

// MaxCustomAttributes is the number of custom matching columns per entity.
const MaxCustomAttributes = 3

// Filter selects the attributes stored in an entity's blob. Custom tags are
// additionally extracted into the custom matching columns.
type Filter struct {
	Tags   []dcm.Tag
	Custom []dcm.Tag
}

// Selects reports whether tg is stored by the filter.
func (f Filter) Selects(tg dcm.Tag) bool {
	for _, s := range f.Tags {
		if s == tg {
			return true
		}
	}
	for _, s := range f.Custom {
		if s == tg {
			return true
		}
	}
	return false
}

// Apply returns a deep copy of the selected attributes.
func (f Filter) Apply(attrs *dcm.Attributes) *dcm.Attributes {
	sel := make([]dcm.Tag, 0, len(f.Tags)+len(f.Custom))
	sel = append(sel, f.Tags...)
	sel = append(sel, f.Custom...)
	return attrs.Select(sel...)
}

// Filters holds one filter per entity.
type Filters struct {
	Patient  Filter
	Study    Filter
	Series   Filter
	Instance Filter
}

// For returns the filter of the entity queried at level l.
func (fs Filters) For(l archive.Level) Filter {
	switch l {
	case archive.Patient:
		return fs.Patient
	case archive.Study:
		return fs.Study
	case archive.Series:
		return fs.Series
	default:
		return fs.Instance
	}
}

// SetCustom configures the custom attributes of the entity at level l.
func (fs *Filters) SetCustom(l archive.Level, tags []dcm.Tag) error {
	if len(tags) > MaxCustomAttributes {
		return fmt.Errorf("%s: at most %d custom attributes, got %d", l, MaxCustomAttributes, len(tags))
	}
	custom := append([]dcm.Tag(nil), tags...)
	switch l {
	case archive.Patient:
		fs.Patient.Custom = custom
	case archive.Study:
		fs.Study.Custom = custom
	case archive.Series:
		fs.Series.Custom = custom
	default:
		fs.Instance.Custom = custom
	}
	return nil
}

// DefaultFilters returns the stock attribute selection.
func DefaultFilters() Filters {
	return Filters{
		Patient: Filter{Tags: []dcm.Tag{
			dcm.SpecificCharacterSet,
			dcm.PatientName,
			dcm.PatientID,
			dcm.IssuerOfPatientID,
			dcm.TypeOfPatientID,
			dcm.IssuerOfPatientIDQualifiersSequence,
			dcm.PatientBirthDate,
			dcm.PatientSex,
			dcm.OtherPatientIDsSequence,
			dcm.PatientComments,
		}},
		Study: Filter{Tags: []dcm.Tag{
			dcm.SpecificCharacterSet,
			dcm.StudyDate,
			dcm.StudyTime,
			dcm.AccessionNumber,
			dcm.IssuerOfAccessionNumberSequence,
			dcm.ReferringPhysicianName,
			dcm.TimezoneOffsetFromUTC,
			dcm.StudyDescription,
			dcm.ProcedureCodeSequence,
			dcm.StudyInstanceUID,
			dcm.StudyID,
		}},
		Series: Filter{Tags: []dcm.Tag{
			dcm.SpecificCharacterSet,
			dcm.SeriesDate,
			dcm.SeriesTime,
			dcm.Modality,
			dcm.InstitutionName,
			dcm.InstitutionCodeSequence,
			dcm.StationName,
			dcm.SeriesDescription,
			dcm.InstitutionalDepartmentName,
			dcm.PerformingPhysicianName,
			dcm.BodyPartExamined,
			dcm.SeriesInstanceUID,
			dcm.SeriesNumber,
			dcm.Laterality,
			dcm.PerformedProcedureStepStartDate,
			dcm.PerformedProcedureStepStartTime,
			dcm.RequestAttributesSequence,
		}},
		Instance: Filter{Tags: []dcm.Tag{
			dcm.SpecificCharacterSet,
			dcm.SOPClassUID,
			dcm.SOPInstanceUID,
			dcm.ContentDate,
			dcm.ContentTime,
			dcm.InstanceNumber,
			dcm.ConceptNameCodeSequence,
			dcm.VerifyingObserverSequence,
			dcm.CompletionFlag,
			dcm.VerificationFlag,
		}},
	}
}
