package codec

import (
	"strings"

	"github.com/otcheredev/dicom-archive-core/internal/dcm"
	"github.com/otcheredev/dicom-archive-core/internal/fuzzy"
	"github.com/otcheredev/dicom-archive-core/internal/models"
)

// String returns the first value of tg, or the unknown sentinel when absent.
func String(attrs *dcm.Attributes, tg dcm.Tag) string {
	if s := strings.TrimSpace(attrs.String(tg)); s != "" {
		return s
	}
	return models.Unknown
}

// Date returns the canonical DA value of tg, or the unknown sentinel when
// absent or unparsable.
func Date(attrs *dcm.Attributes, tg dcm.Tag) string {
	return temporal(attrs, tg, dcm.KindDate)
}

// Time returns the canonical TM value of tg.
func Time(attrs *dcm.Attributes, tg dcm.Tag) string {
	return temporal(attrs, tg, dcm.KindTime)
}

// DateTime returns the canonical DT value of tg.
func DateTime(attrs *dcm.Attributes, tg dcm.Tag) string {
	return temporal(attrs, tg, dcm.KindDateTime)
}

func temporal(attrs *dcm.Attributes, tg dcm.Tag, kind dcm.TemporalKind) string {
	s := strings.TrimSpace(attrs.String(tg))
	if s == "" {
		return models.Unknown
	}
	v, err := dcm.Normalize(kind, s, false)
	if err != nil {
		return models.Unknown
	}
	return v
}

// PersonName extracts the matchable columns of the PN attribute tg.
func PersonName(attrs *dcm.Attributes, tg dcm.Tag, fz fuzzy.FuzzyStr) models.PersonName {
	return PersonNameOf(attrs.String(tg), fz)
}

// PersonNameOf extracts the matchable columns of a PN value. Representations
// are stored upper-cased so that matching is case insensitive.
func PersonNameOf(value string, fz fuzzy.FuzzyStr) models.PersonName {
	pn := dcm.ParsePersonName(value)
	if pn.IsEmpty() {
		return models.UnknownPersonName()
	}
	return models.PersonName{
		Alphabetic:  orUnknown(strings.ToUpper(pn.Group(dcm.Alphabetic))),
		Ideographic: orUnknown(strings.ToUpper(pn.Group(dcm.Ideographic))),
		Phonetic:    orUnknown(strings.ToUpper(pn.Group(dcm.Phonetic))),
		FamilyCode:  FuzzyCode(fz, pn.Get(dcm.Alphabetic, dcm.FamilyName)),
		GivenCode:   FuzzyCode(fz, pn.Get(dcm.Alphabetic, dcm.GivenName)),
	}
}

// FuzzyCode derives the phonetic code of one name component.
func FuzzyCode(fz fuzzy.FuzzyStr, component string) string {
	if fz == nil {
		return models.Unknown
	}
	return orUnknown(fz.ToFuzzy(component))
}

// Custom extracts the custom matching columns.
func Custom(attrs *dcm.Attributes, tags []dcm.Tag) models.CustomAttributes {
	vals := [MaxCustomAttributes]string{models.Unknown, models.Unknown, models.Unknown}
	for i, tg := range tags {
		if i == MaxCustomAttributes {
			break
		}
		vals[i] = String(attrs, tg)
	}
	return models.CustomAttributes{Custom1: vals[0], Custom2: vals[1], Custom3: vals[2]}
}

func orUnknown(s string) string {
	if s == "" {
		return models.Unknown
	}
	return s
}
