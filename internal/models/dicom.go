package models

import (
	"errors"

	"github.com/go-ozzo/ozzo-validation"
	"github.com/otcheredev/dicom-archive-core/internal/dcm"
)

var availabilityValues = []interface{}{"", "ONLINE", "NEARLINE", "OFFLINE", "UNAVAILABLE"}

// StoreRequest carries one decoded instance to store
type StoreRequest struct {
	Attributes          *dcm.Attributes `json:"attributes"`
	SourceAET           string          `json:"source_aet,omitempty"`
	RetrieveAETs        []string        `json:"retrieve_aets,omitempty"`
	ExternalRetrieveAET string          `json:"external_retrieve_aet,omitempty"`
	Availability        string          `json:"availability,omitempty"`
}

// Validate validates the request
func (r *StoreRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Attributes, validation.Required),
		validation.Field(&r.SourceAET, validation.Length(0, 16)),
		validation.Field(&r.ExternalRetrieveAET, validation.Length(0, 16)),
		validation.Field(&r.Availability, validation.In(availabilityValues...)),
	)
}

// InstanceRef identifies a stored instance
type InstanceRef struct {
	SOPInstanceUID    string `json:"sop_instance_uid"`
	SOPClassUID       string `json:"sop_class_uid"`
	SeriesInstanceUID string `json:"series_instance_uid"`
	StudyInstanceUID  string `json:"study_instance_uid"`
	Created           bool   `json:"created"`
}

// PatientIdentifier is a patient ID with its optional issuer in HL7 form
type PatientIdentifier struct {
	ID     string `json:"id"`
	Issuer string `json:"issuer,omitempty"`
}

// Validate validates the identifier
func (p PatientIdentifier) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.ID, validation.Required, validation.Length(1, 64)),
	)
}

// LocateRequest selects instances for retrieval
type LocateRequest struct {
	Patients           []PatientIdentifier `json:"patients,omitempty"`
	StudyInstanceUIDs  []string            `json:"study_instance_uids,omitempty"`
	SeriesInstanceUIDs []string            `json:"series_instance_uids,omitempty"`
	SOPInstanceUIDs    []string            `json:"sop_instance_uids,omitempty"`
}

// Validate validates the request
func (r *LocateRequest) Validate() error {
	if len(r.Patients) == 0 && len(r.StudyInstanceUIDs) == 0 &&
		len(r.SeriesInstanceUIDs) == 0 && len(r.SOPInstanceUIDs) == 0 {
		return errors.New("at least one patient or UID filter is required")
	}
	return validation.ValidateStruct(r,
		validation.Field(&r.Patients),
	)
}

// InstanceLocator is one located instance
type InstanceLocator struct {
	SOPClassUID       string          `json:"sop_class_uid"`
	SOPInstanceUID    string          `json:"sop_instance_uid"`
	TransferSyntaxUID string          `json:"transfer_syntax_uid,omitempty"`
	URI               string          `json:"uri"`
	Attributes        *dcm.Attributes `json:"attributes,omitempty"`
}

// MergeRequest merges the prior patient into the target patient
type MergeRequest struct {
	Prior  PatientIdentifier `json:"prior"`
	Target PatientIdentifier `json:"target"`
}

// Validate validates the request
func (r *MergeRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Prior),
		validation.Field(&r.Target),
	)
}

// FileRefRequest registers the stored location of an instance
type FileRefRequest struct {
	URI               string `json:"uri"`
	TransferSyntaxUID string `json:"transfer_syntax_uid"`
	Availability      string `json:"availability,omitempty"`
}

// Validate validates the request
func (r *FileRefRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.URI, validation.Required, validation.Length(1, 4000)),
		validation.Field(&r.TransferSyntaxUID, validation.Required, validation.Length(1, 64)),
		validation.Field(&r.Availability, validation.In(availabilityValues...)),
	)
}

// PermissionRequest grants a role an action on a study
type PermissionRequest struct {
	Action string `json:"action"`
	Role   string `json:"role"`
}

// Validate validates the request
func (r *PermissionRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Action, validation.Required, validation.In(ActionQuery)),
		validation.Field(&r.Role, validation.Required, validation.Length(1, 64)),
	)
}

// QueryResponse wraps query matches when a warning must be reported
type QueryResponse struct {
	Matches                 []*dcm.Attributes `json:"matches"`
	OptionalKeyNotSupported bool              `json:"optional_key_not_supported,omitempty"`
}
