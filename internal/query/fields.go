package query

import (
	"fmt"

	"github.com/otcheredev/dicom-archive-core/internal/archive"
	"github.com/otcheredev/dicom-archive-core/internal/dcm"
	"github.com/otcheredev/dicom-archive-core/internal/models"
	"github.com/otcheredev/dicom-archive-core/internal/predicate"
)

type matcher int

const (
	matchWildcard matcher = iota
	matchUpper
	matchUID
	matchPersonName
	matchDate
	matchCode
	matchAccession
	matchModalities
	matchSOPClasses
	matchRequestAttributes
	matchVerifyingObserver
	matchContentItem
)

// field maps one matching key to the columns it is matched against.
type field struct {
	tag    dcm.Tag
	level  archive.Level
	kind   matcher
	column string // column, name prefix or code role
}

// dateTime pairs a DA key with the TM key it combines with.
type dateTime struct {
	level          archive.Level
	date, time     dcm.Tag
	dateCol, tmCol string
}

var fields = []field{
	{dcm.PatientName, archive.Patient, matchPersonName, "patient_name_"},
	{dcm.PatientBirthDate, archive.Patient, matchDate, "patient_birthdate"},
	{dcm.PatientSex, archive.Patient, matchUpper, "patient_sex"},

	{dcm.StudyInstanceUID, archive.Study, matchUID, "study_iuid"},
	{dcm.StudyID, archive.Study, matchWildcard, "study_id"},
	{dcm.StudyDescription, archive.Study, matchWildcard, "study_desc"},
	{dcm.AccessionNumber, archive.Study, matchAccession, "accession_no"},
	{dcm.ReferringPhysicianName, archive.Study, matchPersonName, "ref_phys_"},
	{dcm.ModalitiesInStudy, archive.Study, matchModalities, ""},
	{dcm.SOPClassesInStudy, archive.Study, matchSOPClasses, ""},
	{dcm.ProcedureCodeSequence, archive.Study, matchCode, models.RoleProcedureCode},

	{dcm.SeriesInstanceUID, archive.Series, matchUID, "series_iuid"},
	{dcm.SeriesNumber, archive.Series, matchWildcard, "series_no"},
	{dcm.Modality, archive.Series, matchUpper, "modality"},
	{dcm.BodyPartExamined, archive.Series, matchUpper, "body_part"},
	{dcm.Laterality, archive.Series, matchUpper, "laterality"},
	{dcm.SeriesDescription, archive.Series, matchWildcard, "series_desc"},
	{dcm.StationName, archive.Series, matchWildcard, "station_name"},
	{dcm.InstitutionName, archive.Series, matchWildcard, "institution"},
	{dcm.InstitutionalDepartmentName, archive.Series, matchWildcard, "department"},
	{dcm.PerformingPhysicianName, archive.Series, matchPersonName, "perf_phys_"},
	{dcm.InstitutionCodeSequence, archive.Series, matchCode, models.RoleInstitutionCode},
	{dcm.RequestAttributesSequence, archive.Series, matchRequestAttributes, ""},

	{dcm.SOPInstanceUID, archive.Image, matchUID, "sop_iuid"},
	{dcm.SOPClassUID, archive.Image, matchUID, "sop_cuid"},
	{dcm.InstanceNumber, archive.Image, matchWildcard, "inst_no"},
	{dcm.VerificationFlag, archive.Image, matchUpper, "sr_verified"},
	{dcm.CompletionFlag, archive.Image, matchUpper, "sr_complete"},
	{dcm.ConceptNameCodeSequence, archive.Image, matchCode, models.RoleConceptName},
	{dcm.VerifyingObserverSequence, archive.Image, matchVerifyingObserver, ""},
	{dcm.ContentSequence, archive.Image, matchContentItem, ""},
}

var dateTimes = []dateTime{
	{archive.Study, dcm.StudyDate, dcm.StudyTime, "study_date", "study_time"},
	{archive.Series, dcm.PerformedProcedureStepStartDate, dcm.PerformedProcedureStepStartTime, "pps_start_date", "pps_start_time"},
	{archive.Image, dcm.ContentDate, dcm.ContentTime, "content_date", "content_time"},
}

// structural keys never set OptionalKeyNotSupported.
var structural = map[dcm.Tag]bool{
	dcm.QueryRetrieveLevel:                  true,
	dcm.SpecificCharacterSet:                true,
	dcm.TimezoneOffsetFromUTC:               true,
	dcm.RetrieveAETitle:                     true,
	dcm.InstanceAvailability:                true,
	dcm.NumberOfPatientRelatedStudies:       true,
	dcm.NumberOfPatientRelatedSeries:        true,
	dcm.NumberOfPatientRelatedInstances:     true,
	dcm.NumberOfStudyRelatedSeries:          true,
	dcm.NumberOfStudyRelatedInstances:       true,
	dcm.NumberOfSeriesRelatedInstances:      true,
	dcm.PatientID:                           true,
	dcm.IssuerOfPatientID:                   true,
	dcm.IssuerOfPatientIDQualifiersSequence: true,
	dcm.OtherPatientIDsSequence:             true,
	dcm.IssuerOfAccessionNumberSequence:     true,
}

// tables holds the entity table of each level.
var tables = [...]string{models.TablePatient, models.TableStudy, models.TableSeries, models.TableInstance}

// customPrefix is the embedded prefix of the custom columns of each level.
var customPrefix = [...]string{"patient_", "study_", "series_", "inst_"}

// levelOf returns the level a key belongs to.
func (e *Engine) levelOf(tg dcm.Tag) (archive.Level, bool) {
	for _, f := range fields {
		if f.tag == tg {
			return f.level, true
		}
	}
	for _, dt := range dateTimes {
		if dt.date == tg || dt.time == tg {
			return dt.level, true
		}
	}
	for l := archive.Patient; l <= archive.Image; l++ {
		for _, c := range e.filters.For(l).Custom {
			if c == tg {
				return l, true
			}
		}
	}
	return 0, false
}

// field returns the predicate of one table entry.
func (b *builder) field(f field, v *dcm.Value) (predicate.Expr, error) {
	table := tables[f.level]
	col := predicate.Col(table, f.column)
	pk := predicate.Col(table, "pk")
	mu := b.opts.MatchUnknown
	first := ""
	if len(v.Strings) > 0 {
		first = v.Strings[0]
	}

	switch f.kind {
	case matchWildcard:
		return predicate.Wildcard(col, first, mu), nil
	case matchUpper:
		return predicate.Wildcard(col, toUpper(first), mu), nil
	case matchUID:
		return predicate.UIDs(col, v.Strings), nil
	case matchPersonName:
		return predicate.PersonName(predicate.NameCols(table, f.column), first, b.fuzzy(), mu), nil
	case matchDate:
		return predicate.DateRange(col, first, dcm.KindDate, mu)
	case matchCode:
		return predicate.LinkedCode(pk, f.column, firstItem(v), mu), nil
	case matchAccession:
		return predicate.AllOf(
			predicate.Wildcard(col, first, mu),
			predicate.Issuer(predicate.Col(table, "accession_issuer_fk"), archive.AccessionIssuer(b.keys), mu),
		), nil
	case matchModalities:
		mods := make([]string, len(v.Strings))
		for i, m := range v.Strings {
			mods[i] = toUpper(m)
		}
		return predicate.ModalitiesInStudy(pk, mods, mu), nil
	case matchSOPClasses:
		return predicate.SOPClassesInStudy(pk, v.Strings), nil
	case matchRequestAttributes:
		return predicate.RequestAttributes(pk, firstItem(v), b.fuzzy(), mu), nil
	case matchVerifyingObserver:
		return predicate.VerifyingObserver(pk, firstItem(v), b.fuzzy(), mu)
	case matchContentItem:
		return predicate.ContentItem(pk, firstItem(v), mu), nil
	}
	return nil, fmt.Errorf("unhandled matcher %d", f.kind)
}

func firstItem(v *dcm.Value) *dcm.Attributes {
	if len(v.Items) == 0 {
		return nil
	}
	return v.Items[0]
}
