package dcm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom/pkg/tag"
)

// Tag is a DICOM attribute tag (group, element).
type Tag = tag.Tag

// VR is a DICOM value representation.
type VR string

const (
	VRAE VR = "AE"
	VRAS VR = "AS"
	VRCS VR = "CS"
	VRDA VR = "DA"
	VRDS VR = "DS"
	VRDT VR = "DT"
	VRIS VR = "IS"
	VRLO VR = "LO"
	VRLT VR = "LT"
	VROB VR = "OB"
	VROW VR = "OW"
	VRPN VR = "PN"
	VRSH VR = "SH"
	VRSQ VR = "SQ"
	VRST VR = "ST"
	VRTM VR = "TM"
	VRUI VR = "UI"
	VRUL VR = "UL"
	VRUN VR = "UN"
	VRUS VR = "US"
	VRUT VR = "UT"
)

func t(group, element uint16) Tag {
	return Tag{Group: group, Element: element}
}

var (
	TransferSyntaxUID                   = t(0x0002, 0x0010)
	SpecificCharacterSet                = t(0x0008, 0x0005)
	SOPClassUID                         = t(0x0008, 0x0016)
	SOPInstanceUID                      = t(0x0008, 0x0018)
	StudyDate                           = t(0x0008, 0x0020)
	SeriesDate                          = t(0x0008, 0x0021)
	ContentDate                         = t(0x0008, 0x0023)
	StudyTime                           = t(0x0008, 0x0030)
	SeriesTime                          = t(0x0008, 0x0031)
	ContentTime                         = t(0x0008, 0x0033)
	AccessionNumber                     = t(0x0008, 0x0050)
	IssuerOfAccessionNumberSequence     = t(0x0008, 0x0051)
	QueryRetrieveLevel                  = t(0x0008, 0x0052)
	RetrieveAETitle                     = t(0x0008, 0x0054)
	InstanceAvailability                = t(0x0008, 0x0056)
	Modality                            = t(0x0008, 0x0060)
	ModalitiesInStudy                   = t(0x0008, 0x0061)
	SOPClassesInStudy                   = t(0x0008, 0x0062)
	InstitutionName                     = t(0x0008, 0x0080)
	InstitutionCodeSequence             = t(0x0008, 0x0082)
	ReferringPhysicianName              = t(0x0008, 0x0090)
	CodeValue                           = t(0x0008, 0x0100)
	CodingSchemeDesignator              = t(0x0008, 0x0102)
	CodingSchemeVersion                 = t(0x0008, 0x0103)
	CodeMeaning                         = t(0x0008, 0x0104)
	TimezoneOffsetFromUTC               = t(0x0008, 0x0201)
	StationName                         = t(0x0008, 0x1010)
	StudyDescription                    = t(0x0008, 0x1030)
	ProcedureCodeSequence               = t(0x0008, 0x1032)
	SeriesDescription                   = t(0x0008, 0x103E)
	InstitutionalDepartmentName         = t(0x0008, 0x1040)
	PerformingPhysicianName             = t(0x0008, 0x1050)
	PatientName                         = t(0x0010, 0x0010)
	PatientID                           = t(0x0010, 0x0020)
	IssuerOfPatientID                   = t(0x0010, 0x0021)
	TypeOfPatientID                     = t(0x0010, 0x0022)
	IssuerOfPatientIDQualifiersSequence = t(0x0010, 0x0024)
	PatientBirthDate                    = t(0x0010, 0x0030)
	PatientSex                          = t(0x0010, 0x0040)
	OtherPatientIDsSequence             = t(0x0010, 0x1002)
	PatientComments                     = t(0x0010, 0x4000)
	BodyPartExamined                    = t(0x0018, 0x0015)
	StudyInstanceUID                    = t(0x0020, 0x000D)
	SeriesInstanceUID                   = t(0x0020, 0x000E)
	StudyID                             = t(0x0020, 0x0010)
	SeriesNumber                        = t(0x0020, 0x0011)
	InstanceNumber                      = t(0x0020, 0x0013)
	Laterality                          = t(0x0020, 0x0060)
	NumberOfPatientRelatedStudies       = t(0x0020, 0x1200)
	NumberOfPatientRelatedSeries        = t(0x0020, 0x1202)
	NumberOfPatientRelatedInstances     = t(0x0020, 0x1204)
	NumberOfStudyRelatedSeries          = t(0x0020, 0x1206)
	NumberOfStudyRelatedInstances       = t(0x0020, 0x1208)
	NumberOfSeriesRelatedInstances      = t(0x0020, 0x1209)
	RequestingPhysician                 = t(0x0032, 0x1032)
	RequestingService                   = t(0x0032, 0x1033)
	ScheduledProcedureStepID            = t(0x0040, 0x0009)
	LocalNamespaceEntityID              = t(0x0040, 0x0031)
	UniversalEntityID                   = t(0x0040, 0x0032)
	UniversalEntityIDType               = t(0x0040, 0x0033)
	PerformedProcedureStepStartDate     = t(0x0040, 0x0244)
	PerformedProcedureStepStartTime     = t(0x0040, 0x0245)
	RequestAttributesSequence           = t(0x0040, 0x0275)
	RequestedProcedureID                = t(0x0040, 0x1001)
	RelationshipType                    = t(0x0040, 0xA010)
	VerificationDateTime                = t(0x0040, 0xA030)
	ValueType                           = t(0x0040, 0xA040)
	ConceptNameCodeSequence             = t(0x0040, 0xA043)
	VerifyingObserverSequence           = t(0x0040, 0xA073)
	VerifyingObserverName               = t(0x0040, 0xA075)
	TextValue                           = t(0x0040, 0xA160)
	ConceptCodeSequence                 = t(0x0040, 0xA168)
	CompletionFlag                      = t(0x0040, 0xA491)
	VerificationFlag                    = t(0x0040, 0xA493)
	ContentSequence                     = t(0x0040, 0xA730)
	PixelData                           = t(0x7FE0, 0x0010)
)

// Key returns the 32-bit ordering key of a tag.
func Key(tg Tag) uint32 {
	return uint32(tg.Group)<<16 | uint32(tg.Element)
}

// Hex formats a tag as GGGGEEEE, the form used as DICOM JSON member name.
func Hex(tg Tag) string {
	return fmt.Sprintf("%04X%04X", tg.Group, tg.Element)
}

// VROf looks up the default VR of a tag in the data dictionary.
func VROf(tg Tag) VR {
	if tg.Element == 0x0000 {
		return VRUL
	}
	info, err := tag.Find(tg)
	if err != nil {
		return VRUN
	}
	vr := info.VR
	// Dictionary entries such as "OB or OW" collapse to the first choice.
	if i := strings.Index(vr, " "); i > 0 {
		vr = vr[:i]
	}
	return VR(vr)
}

// Keyword returns the dictionary keyword of a tag, or its hex form when unknown.
func Keyword(tg Tag) string {
	info, err := tag.Find(tg)
	if err != nil {
		return Hex(tg)
	}
	return info.Name
}

// ParseTag resolves a keyword ("PatientName") or hex form ("00100010") to a tag.
func ParseTag(s string) (Tag, error) {
	s = strings.TrimSpace(s)
	if len(s) == 8 {
		if v, err := strconv.ParseUint(s, 16, 32); err == nil {
			return t(uint16(v>>16), uint16(v)), nil
		}
	}
	info, err := tag.FindByName(s)
	if err != nil {
		return Tag{}, fmt.Errorf("unknown attribute %q: %w", s, err)
	}
	return info.Tag, nil
}

// ParseTagPath resolves a dotted attribute path such as
// "RequestAttributesSequence.AccessionNumber".
func ParseTagPath(s string) ([]Tag, error) {
	parts := strings.Split(s, ".")
	path := make([]Tag, 0, len(parts))
	for _, p := range parts {
		tg, err := ParseTag(p)
		if err != nil {
			return nil, err
		}
		path = append(path, tg)
	}
	return path, nil
}
