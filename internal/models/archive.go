package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/otcheredev/dicom-archive-core/internal/archive"
	"gorm.io/gorm"
)

// Table names, shared with the predicate builders.
const (
	TablePatient           = "patient"
	TableStudy             = "study"
	TableSeries            = "series"
	TableInstance          = "instance"
	TableIssuer            = "issuer"
	TableCode              = "code"
	TableCodeLink          = "code_link"
	TableRequestAttributes = "request_attrs"
	TableVerifyingObserver = "verify_observer"
	TableContentItem       = "content_item"
	TableFileRef           = "file_ref"
	TableStudyPermission   = "study_permission"
)

// Code link roles.
const (
	RoleProcedureCode   = "PROCEDURE"
	RoleInstitutionCode = "INSTITUTION"
	RoleConceptName     = "CONCEPT_NAME"
)

// Unknown is stored for attributes that were absent at store time.
const Unknown = "*"

// PersonName holds the matchable columns of a PN attribute.
type PersonName struct {
	Alphabetic  string `gorm:"column:alphabetic;type:varchar(255);not null;default:'*';index" json:"alphabetic"`
	Ideographic string `gorm:"column:ideographic;type:varchar(255);not null;default:'*'" json:"ideographic"`
	Phonetic    string `gorm:"column:phonetic;type:varchar(255);not null;default:'*'" json:"phonetic"`
	FamilyCode  string `gorm:"column:family_code;type:varchar(64);not null;default:'*';index" json:"family_code"`
	GivenCode   string `gorm:"column:given_code;type:varchar(64);not null;default:'*';index" json:"given_code"`
}

// UnknownPersonName is stored when the PN attribute is absent.
func UnknownPersonName() PersonName {
	return PersonName{Unknown, Unknown, Unknown, Unknown, Unknown}
}

// CustomAttributes are the site-configurable matching columns.
type CustomAttributes struct {
	Custom1 string `gorm:"column:custom1;type:varchar(64);not null;default:'*';index" json:"custom1"`
	Custom2 string `gorm:"column:custom2;type:varchar(64);not null;default:'*';index" json:"custom2"`
	Custom3 string `gorm:"column:custom3;type:varchar(64);not null;default:'*';index" json:"custom3"`
}

// Aggregates are the retrieve location columns of an instance, and their
// roll-up over children on series and study.
type Aggregates struct {
	RetrieveAETs        string               `gorm:"column:retrieve_aets;type:varchar(255);not null;default:''" json:"retrieve_aets"`
	ExternalRetrieveAET string               `gorm:"column:ext_retrieve_aet;type:varchar(64);not null;default:''" json:"external_retrieve_aet"`
	Availability        archive.Availability `gorm:"column:availability;type:smallint;not null;default:0" json:"availability"`
}

// Patient is the root of the hierarchy.
type Patient struct {
	ID           uuid.UUID        `gorm:"column:pk;type:uuid;primaryKey" json:"pk"`
	IssuerFK     *uuid.UUID       `gorm:"column:issuer_fk;type:uuid;index" json:"issuer_fk,omitempty"`
	MergedWithFK *uuid.UUID       `gorm:"column:merged_with_fk;type:uuid;index" json:"merged_with_fk,omitempty"`
	IDKey        *string          `gorm:"column:id_key;type:varchar(400);uniqueIndex" json:"-"`
	PatientID    string           `gorm:"column:patient_id;type:varchar(64);not null;index" json:"patient_id"`
	PatientName  PersonName       `gorm:"embedded;embeddedPrefix:patient_name_" json:"patient_name"`
	BirthDate    string           `gorm:"column:patient_birthdate;type:varchar(8);not null;index" json:"patient_birthdate"`
	Sex          string           `gorm:"column:patient_sex;type:varchar(16);not null;index" json:"patient_sex"`
	Custom       CustomAttributes `gorm:"embedded;embeddedPrefix:patient_" json:"custom"`
	NumStudies   int              `gorm:"column:num_studies;not null;default:0" json:"num_studies"`
	EncodedAttrs []byte           `gorm:"column:encoded_attrs;type:bytea" json:"-"`
	CreatedAt    time.Time        `gorm:"column:created_at" json:"created_at"`
	UpdatedAt    time.Time        `gorm:"column:updated_at" json:"updated_at"`
}

// TableName overrides the table name
func (Patient) TableName() string { return TablePatient }

// BeforeCreate hook
func (p *Patient) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = NewKey()
	}
	return nil
}

// Study is one imaging study of a patient.
type Study struct {
	ID                 uuid.UUID        `gorm:"column:pk;type:uuid;primaryKey" json:"pk"`
	PatientFK          uuid.UUID        `gorm:"column:patient_fk;type:uuid;not null;index" json:"patient_fk"`
	StudyInstanceUID   string           `gorm:"column:study_iuid;type:varchar(64);not null;uniqueIndex" json:"study_iuid"`
	StudyID            string           `gorm:"column:study_id;type:varchar(16);not null;index" json:"study_id"`
	StudyDate          string           `gorm:"column:study_date;type:varchar(8);not null;index" json:"study_date"`
	StudyTime          string           `gorm:"column:study_time;type:varchar(10);not null;index" json:"study_time"`
	AccessionNumber    string           `gorm:"column:accession_no;type:varchar(16);not null;index" json:"accession_no"`
	AccessionIssuerFK  *uuid.UUID       `gorm:"column:accession_issuer_fk;type:uuid" json:"accession_issuer_fk,omitempty"`
	ReferringPhysician PersonName       `gorm:"embedded;embeddedPrefix:ref_phys_" json:"referring_physician"`
	Description        string           `gorm:"column:study_desc;type:varchar(64);not null;index" json:"study_desc"`
	Custom             CustomAttributes `gorm:"embedded;embeddedPrefix:study_" json:"custom"`
	NumSeries          int              `gorm:"column:num_series;not null;default:0" json:"num_series"`
	NumInstances       int              `gorm:"column:num_instances;not null;default:0" json:"num_instances"`
	ModalitiesInStudy  string           `gorm:"column:mods_in_study;type:varchar(255);not null;default:''" json:"mods_in_study"`
	SOPClassesInStudy  string           `gorm:"column:cuids_in_study;type:text;not null;default:''" json:"cuids_in_study"`
	Aggregates         Aggregates       `gorm:"embedded" json:"aggregates"`
	EncodedAttrs       []byte           `gorm:"column:encoded_attrs;type:bytea" json:"-"`
	CreatedAt          time.Time        `gorm:"column:created_at" json:"created_at"`
	UpdatedAt          time.Time        `gorm:"column:updated_at" json:"updated_at"`
}

// TableName overrides the table name
func (Study) TableName() string { return TableStudy }

// BeforeCreate hook
func (s *Study) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = NewKey()
	}
	return nil
}

// Series is one series of a study.
type Series struct {
	ID                  uuid.UUID        `gorm:"column:pk;type:uuid;primaryKey" json:"pk"`
	StudyFK             uuid.UUID        `gorm:"column:study_fk;type:uuid;not null;index" json:"study_fk"`
	SeriesInstanceUID   string           `gorm:"column:series_iuid;type:varchar(64);not null;uniqueIndex" json:"series_iuid"`
	SeriesNumber        string           `gorm:"column:series_no;type:varchar(12);not null;index" json:"series_no"`
	Modality            string           `gorm:"column:modality;type:varchar(16);not null;index" json:"modality"`
	BodyPartExamined    string           `gorm:"column:body_part;type:varchar(16);not null;index" json:"body_part"`
	Laterality          string           `gorm:"column:laterality;type:varchar(16);not null;index" json:"laterality"`
	Description         string           `gorm:"column:series_desc;type:varchar(64);not null;index" json:"series_desc"`
	StationName         string           `gorm:"column:station_name;type:varchar(16);not null;index" json:"station_name"`
	InstitutionName     string           `gorm:"column:institution;type:varchar(64);not null;index" json:"institution"`
	Department          string           `gorm:"column:department;type:varchar(64);not null;index" json:"department"`
	PerformingPhysician PersonName       `gorm:"embedded;embeddedPrefix:perf_phys_" json:"performing_physician"`
	PPSStartDate        string           `gorm:"column:pps_start_date;type:varchar(8);not null;index" json:"pps_start_date"`
	PPSStartTime        string           `gorm:"column:pps_start_time;type:varchar(10);not null;index" json:"pps_start_time"`
	SourceAET           string           `gorm:"column:src_aet;type:varchar(16);not null;default:''" json:"src_aet"`
	Custom              CustomAttributes `gorm:"embedded;embeddedPrefix:series_" json:"custom"`
	NumInstances        int              `gorm:"column:num_instances;not null;default:0" json:"num_instances"`
	Aggregates          Aggregates       `gorm:"embedded" json:"aggregates"`
	EncodedAttrs        []byte           `gorm:"column:encoded_attrs;type:bytea" json:"-"`
	CreatedAt           time.Time        `gorm:"column:created_at" json:"created_at"`
	UpdatedAt           time.Time        `gorm:"column:updated_at" json:"updated_at"`
}

// TableName overrides the table name
func (Series) TableName() string { return TableSeries }

// BeforeCreate hook
func (s *Series) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = NewKey()
	}
	return nil
}

// Instance is one composite object (image, SR document, ...).
type Instance struct {
	ID               uuid.UUID        `gorm:"column:pk;type:uuid;primaryKey" json:"pk"`
	SeriesFK         uuid.UUID        `gorm:"column:series_fk;type:uuid;not null;index" json:"series_fk"`
	SOPInstanceUID   string           `gorm:"column:sop_iuid;type:varchar(64);not null;uniqueIndex" json:"sop_iuid"`
	SOPClassUID      string           `gorm:"column:sop_cuid;type:varchar(64);not null;index" json:"sop_cuid"`
	InstanceNumber   string           `gorm:"column:inst_no;type:varchar(12);not null;index" json:"inst_no"`
	ContentDate      string           `gorm:"column:content_date;type:varchar(8);not null;index" json:"content_date"`
	ContentTime      string           `gorm:"column:content_time;type:varchar(10);not null;index" json:"content_time"`
	VerificationFlag string           `gorm:"column:sr_verified;type:varchar(16);not null;index" json:"sr_verified"`
	CompletionFlag   string           `gorm:"column:sr_complete;type:varchar(16);not null;index" json:"sr_complete"`
	Replaced         bool             `gorm:"column:replaced;not null;default:false" json:"replaced"`
	Custom           CustomAttributes `gorm:"embedded;embeddedPrefix:inst_" json:"custom"`
	Aggregates       Aggregates       `gorm:"embedded" json:"aggregates"`
	EncodedAttrs     []byte           `gorm:"column:encoded_attrs;type:bytea" json:"-"`
	CreatedAt        time.Time        `gorm:"column:created_at" json:"created_at"`
	UpdatedAt        time.Time        `gorm:"column:updated_at" json:"updated_at"`
}

// TableName overrides the table name
func (Instance) TableName() string { return TableInstance }

// BeforeCreate hook
func (i *Instance) BeforeCreate(tx *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = NewKey()
	}
	return nil
}

// Issuer is an identifier namespace, deduplicated on its three sub-fields.
type Issuer struct {
	ID                     uuid.UUID `gorm:"column:pk;type:uuid;primaryKey" json:"pk"`
	LocalNamespaceEntityID string    `gorm:"column:entity_id;type:varchar(64);not null;uniqueIndex:idx_issuer_natural_key" json:"entity_id"`
	UniversalEntityID      string    `gorm:"column:entity_uid;type:varchar(64);not null;uniqueIndex:idx_issuer_natural_key" json:"entity_uid"`
	UniversalEntityIDType  string    `gorm:"column:entity_uid_type;type:varchar(64);not null;uniqueIndex:idx_issuer_natural_key" json:"entity_uid_type"`
}

// TableName overrides the table name
func (Issuer) TableName() string { return TableIssuer }

// BeforeCreate hook
func (i *Issuer) BeforeCreate(tx *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = NewKey()
	}
	return nil
}

// NewIssuer converts an issuer to its row form, using the unknown sentinel
// for absent sub-fields.
func NewIssuer(i *archive.Issuer) *Issuer {
	return &Issuer{
		LocalNamespaceEntityID: orUnknown(i.LocalNamespaceEntityID),
		UniversalEntityID:      orUnknown(i.UniversalEntityID),
		UniversalEntityIDType:  orUnknown(i.UniversalEntityIDType),
	}
}

// ToIssuer converts the row back.
func (i *Issuer) ToIssuer() *archive.Issuer {
	return &archive.Issuer{
		LocalNamespaceEntityID: orEmpty(i.LocalNamespaceEntityID),
		UniversalEntityID:      orEmpty(i.UniversalEntityID),
		UniversalEntityIDType:  orEmpty(i.UniversalEntityIDType),
	}
}

// Code is a coded concept, deduplicated on value, scheme and version.
type Code struct {
	ID                     uuid.UUID `gorm:"column:pk;type:uuid;primaryKey" json:"pk"`
	CodeValue              string    `gorm:"column:code_value;type:varchar(64);not null;uniqueIndex:idx_code_natural_key" json:"code_value"`
	CodingSchemeDesignator string    `gorm:"column:code_designator;type:varchar(64);not null;uniqueIndex:idx_code_natural_key" json:"code_designator"`
	CodingSchemeVersion    string    `gorm:"column:code_version;type:varchar(64);not null;uniqueIndex:idx_code_natural_key" json:"code_version"`
	CodeMeaning            string    `gorm:"column:code_meaning;type:varchar(255);not null" json:"code_meaning"`
}

// TableName overrides the table name
func (Code) TableName() string { return TableCode }

// BeforeCreate hook
func (c *Code) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = NewKey()
	}
	return nil
}

// CodeLink attaches a code to a study, series or instance in a role.
type CodeLink struct {
	ID      uuid.UUID `gorm:"column:pk;type:uuid;primaryKey" json:"pk"`
	OwnerFK uuid.UUID `gorm:"column:owner_fk;type:uuid;not null;index" json:"owner_fk"`
	Role    string    `gorm:"column:role;type:varchar(32);not null" json:"role"`
	CodeFK  uuid.UUID `gorm:"column:code_fk;type:uuid;not null;index" json:"code_fk"`
}

// TableName overrides the table name
func (CodeLink) TableName() string { return TableCodeLink }

// BeforeCreate hook
func (c *CodeLink) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = NewKey()
	}
	return nil
}

// RequestAttributes links a series to the imaging request it fulfils.
type RequestAttributes struct {
	ID                       uuid.UUID  `gorm:"column:pk;type:uuid;primaryKey" json:"pk"`
	SeriesFK                 uuid.UUID  `gorm:"column:series_fk;type:uuid;not null;index" json:"series_fk"`
	AccessionNumber          string     `gorm:"column:accession_no;type:varchar(16);not null;index" json:"accession_no"`
	AccessionIssuerFK        *uuid.UUID `gorm:"column:accession_issuer_fk;type:uuid" json:"accession_issuer_fk,omitempty"`
	StudyInstanceUID         string     `gorm:"column:study_iuid;type:varchar(64);not null;index" json:"study_iuid"`
	RequestedProcedureID     string     `gorm:"column:req_proc_id;type:varchar(16);not null;index" json:"req_proc_id"`
	ScheduledProcedureStepID string     `gorm:"column:sps_id;type:varchar(16);not null;index" json:"sps_id"`
	RequestingService        string     `gorm:"column:req_service;type:varchar(64);not null;index" json:"req_service"`
	RequestingPhysician      PersonName `gorm:"embedded;embeddedPrefix:req_phys_" json:"requesting_physician"`
}

// TableName overrides the table name
func (RequestAttributes) TableName() string { return TableRequestAttributes }

// BeforeCreate hook
func (r *RequestAttributes) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = NewKey()
	}
	return nil
}

// VerifyingObserver is one verifying observer of a structured report.
type VerifyingObserver struct {
	ID                   uuid.UUID  `gorm:"column:pk;type:uuid;primaryKey" json:"pk"`
	InstanceFK           uuid.UUID  `gorm:"column:instance_fk;type:uuid;not null;index" json:"instance_fk"`
	ObserverName         PersonName `gorm:"embedded;embeddedPrefix:observer_name_" json:"observer_name"`
	VerificationDateTime string     `gorm:"column:verify_datetime;type:varchar(18);not null;index" json:"verify_datetime"`
}

// TableName overrides the table name
func (VerifyingObserver) TableName() string { return TableVerifyingObserver }

// BeforeCreate hook
func (v *VerifyingObserver) BeforeCreate(tx *gorm.DB) error {
	if v.ID == uuid.Nil {
		v.ID = NewKey()
	}
	return nil
}

// ContentItem is a top-level content item of a structured report.
type ContentItem struct {
	ID               uuid.UUID  `gorm:"column:pk;type:uuid;primaryKey" json:"pk"`
	InstanceFK       uuid.UUID  `gorm:"column:instance_fk;type:uuid;not null;index" json:"instance_fk"`
	RelationshipType string     `gorm:"column:rel_type;type:varchar(32);not null" json:"rel_type"`
	NameCodeFK       *uuid.UUID `gorm:"column:name_fk;type:uuid;index" json:"name_fk,omitempty"`
	ConceptCodeFK    *uuid.UUID `gorm:"column:code_fk;type:uuid;index" json:"code_fk,omitempty"`
	TextValue        string     `gorm:"column:text_value;type:varchar(255);not null;default:'*'" json:"text_value"`
}

// TableName overrides the table name
func (ContentItem) TableName() string { return TableContentItem }

// BeforeCreate hook
func (c *ContentItem) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = NewKey()
	}
	return nil
}

// FileRef locates the stored object of an instance.
type FileRef struct {
	ID                uuid.UUID            `gorm:"column:pk;type:uuid;primaryKey" json:"pk"`
	InstanceFK        uuid.UUID            `gorm:"column:instance_fk;type:uuid;not null;index" json:"instance_fk"`
	URI               string               `gorm:"column:uri;type:varchar(4000);not null" json:"uri"`
	TransferSyntaxUID string               `gorm:"column:tsuid;type:varchar(64);not null" json:"transfer_syntax_uid"`
	Availability      archive.Availability `gorm:"column:availability;type:smallint;not null;default:0" json:"availability"`
	CreatedAt         time.Time            `gorm:"column:created_at" json:"created_at"`
}

// TableName overrides the table name
func (FileRef) TableName() string { return TableFileRef }

// BeforeCreate hook
func (f *FileRef) BeforeCreate(tx *gorm.DB) error {
	if f.ID == uuid.Nil {
		f.ID = NewKey()
	}
	return nil
}

// StudyPermission grants a role an action on a study.
type StudyPermission struct {
	ID               uuid.UUID `gorm:"column:pk;type:uuid;primaryKey" json:"pk"`
	StudyInstanceUID string    `gorm:"column:study_iuid;type:varchar(64);not null;uniqueIndex:idx_study_permission" json:"study_iuid"`
	Action           string    `gorm:"column:action;type:varchar(32);not null;uniqueIndex:idx_study_permission" json:"action"`
	Role             string    `gorm:"column:role;type:varchar(64);not null;uniqueIndex:idx_study_permission" json:"role"`
}

// TableName overrides the table name
func (StudyPermission) TableName() string { return TableStudyPermission }

// BeforeCreate hook
func (p *StudyPermission) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = NewKey()
	}
	return nil
}

// ActionQuery is the permission action checked by queries.
const ActionQuery = "QUERY"

func orUnknown(s string) string {
	if s == "" {
		return Unknown
	}
	return s
}

func orEmpty(s string) string {
	if s == Unknown {
		return ""
	}
	return s
}

// NewKey returns a surrogate key. Keys are time-ordered, so ordering rows by
// key follows insertion order.
func NewKey() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}
