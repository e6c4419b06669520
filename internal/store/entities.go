package store

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/otcheredev/dicom-archive-core/internal/archive"
	"github.com/otcheredev/dicom-archive-core/internal/cache"
	"github.com/otcheredev/dicom-archive-core/internal/codec"
	"github.com/otcheredev/dicom-archive-core/internal/dcm"
	"github.com/otcheredev/dicom-archive-core/internal/models"
	"github.com/otcheredev/dicom-archive-core/internal/repository"
)

// txn is one attempt of a store transaction. Keys of codes and issuers found
// or created in it are cached once the transaction has committed.
type txn struct {
	ctx     context.Context
	tx      repository.Tx
	e       *Engine
	pending map[string]uuid.UUID
}

func (e *Engine) newTxn(ctx context.Context, tx repository.Tx) *txn {
	return &txn{ctx: ctx, tx: tx, e: e, pending: map[string]uuid.UUID{}}
}

func (t *txn) committed() {
	for key, pk := range t.pending {
		t.e.keys.put(t.ctx, key, pk)
	}
}

// issuer finds or creates the issuer row. An empty issuer has no row.
func (t *txn) issuer(i *archive.Issuer) (*uuid.UUID, error) {
	if i.IsEmpty() {
		return nil, nil
	}
	row := models.NewIssuer(i)
	key := cache.CacheKey("issuer", row.LocalNamespaceEntityID, row.UniversalEntityID, row.UniversalEntityIDType)
	if pk, ok := t.e.keys.get(t.ctx, key); ok {
		return &pk, nil
	}
	found, err := t.tx.FindIssuer(row)
	switch {
	case err == nil:
		row = found
	case errors.Is(err, archive.ErrNotFound):
		if err := t.tx.Create(row); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	t.pending[key] = row.ID
	return &row.ID, nil
}

// code finds or creates the code of a coded item. Items without value or
// scheme have no row.
func (t *txn) code(item *dcm.Attributes) (*uuid.UUID, error) {
	value := strings.TrimSpace(item.String(dcm.CodeValue))
	designator := strings.TrimSpace(item.String(dcm.CodingSchemeDesignator))
	if value == "" || designator == "" {
		return nil, nil
	}
	version := codec.String(item, dcm.CodingSchemeVersion)
	key := cache.CacheKey("code", value, designator, version)
	if pk, ok := t.e.keys.get(t.ctx, key); ok {
		return &pk, nil
	}
	found, err := t.tx.FindCode(value, designator, version)
	switch {
	case err == nil:
		t.pending[key] = found.ID
		return &found.ID, nil
	case !errors.Is(err, archive.ErrNotFound):
		return nil, err
	}
	row := &models.Code{
		CodeValue:              value,
		CodingSchemeDesignator: designator,
		CodingSchemeVersion:    version,
		CodeMeaning:            truncate(item.String(dcm.CodeMeaning), 255),
	}
	if err := t.tx.Create(row); err != nil {
		return nil, err
	}
	t.pending[key] = row.ID
	return &row.ID, nil
}

// link attaches the codes of every item of seq to owner in role.
func (t *txn) link(owner uuid.UUID, role string, items []*dcm.Attributes) error {
	for _, item := range items {
		pk, err := t.code(item)
		if err != nil {
			return err
		}
		if pk == nil {
			continue
		}
		if err := t.tx.Create(&models.CodeLink{OwnerFK: owner, Role: role, CodeFK: *pk}); err != nil {
			return err
		}
	}
	return nil
}

// idKey is the natural key of a patient. Patients without an ID have none
// and are never shared.
func idKey(id string, issuer *archive.Issuer) *string {
	if id == "" {
		return nil
	}
	key := id + "|" + issuer.String()
	return &key
}

func (t *txn) newPatient(attrs *dcm.Attributes) (*models.Patient, error) {
	issuer := archive.PatientIssuer(attrs)
	issuerFK, err := t.issuer(issuer)
	if err != nil {
		return nil, err
	}
	f := t.e.filters.Patient
	return &models.Patient{
		IssuerFK:     issuerFK,
		IDKey:        idKey(strings.TrimSpace(attrs.String(dcm.PatientID)), issuer),
		PatientID:    codec.String(attrs, dcm.PatientID),
		PatientName:  codec.PersonName(attrs, dcm.PatientName, t.e.fuzzy),
		BirthDate:    codec.Date(attrs, dcm.PatientBirthDate),
		Sex:          strings.ToUpper(codec.String(attrs, dcm.PatientSex)),
		Custom:       codec.Custom(attrs, f.Custom),
		EncodedAttrs: codec.Encode(attrs, f),
	}, nil
}

func (t *txn) newStudy(attrs *dcm.Attributes, patientPK uuid.UUID) (*models.Study, error) {
	accessionIssuerFK, err := t.accessionIssuer(attrs)
	if err != nil {
		return nil, err
	}
	f := t.e.filters.Study
	return &models.Study{
		PatientFK:          patientPK,
		StudyInstanceUID:   attrs.String(dcm.StudyInstanceUID),
		StudyID:            codec.String(attrs, dcm.StudyID),
		StudyDate:          codec.Date(attrs, dcm.StudyDate),
		StudyTime:          codec.Time(attrs, dcm.StudyTime),
		AccessionNumber:    codec.String(attrs, dcm.AccessionNumber),
		AccessionIssuerFK:  accessionIssuerFK,
		ReferringPhysician: codec.PersonName(attrs, dcm.ReferringPhysicianName, t.e.fuzzy),
		Description:        codec.String(attrs, dcm.StudyDescription),
		Custom:             codec.Custom(attrs, f.Custom),
		EncodedAttrs:       codec.Encode(attrs, f),
	}, nil
}

// accessionIssuer resolves the issuer of an accession number; there is none
// without an accession number.
func (t *txn) accessionIssuer(attrs *dcm.Attributes) (*uuid.UUID, error) {
	if strings.TrimSpace(attrs.String(dcm.AccessionNumber)) == "" {
		return nil, nil
	}
	return t.issuer(archive.AccessionIssuer(attrs))
}

func (t *txn) newSeries(attrs *dcm.Attributes, studyPK uuid.UUID, sourceAET string) *models.Series {
	f := t.e.filters.Series
	return &models.Series{
		StudyFK:             studyPK,
		SeriesInstanceUID:   attrs.String(dcm.SeriesInstanceUID),
		SeriesNumber:        codec.String(attrs, dcm.SeriesNumber),
		Modality:            strings.ToUpper(codec.String(attrs, dcm.Modality)),
		BodyPartExamined:    strings.ToUpper(codec.String(attrs, dcm.BodyPartExamined)),
		Laterality:          strings.ToUpper(codec.String(attrs, dcm.Laterality)),
		Description:         codec.String(attrs, dcm.SeriesDescription),
		StationName:         codec.String(attrs, dcm.StationName),
		InstitutionName:     codec.String(attrs, dcm.InstitutionName),
		Department:          codec.String(attrs, dcm.InstitutionalDepartmentName),
		PerformingPhysician: codec.PersonName(attrs, dcm.PerformingPhysicianName, t.e.fuzzy),
		PPSStartDate:        codec.Date(attrs, dcm.PerformedProcedureStepStartDate),
		PPSStartTime:        codec.Time(attrs, dcm.PerformedProcedureStepStartTime),
		SourceAET:           sourceAET,
		Custom:              codec.Custom(attrs, f.Custom),
		EncodedAttrs:        codec.Encode(attrs, f),
	}
}

// seriesChildren creates the institution codes and request attributes of a
// new series.
func (t *txn) seriesChildren(attrs *dcm.Attributes, series *models.Series) error {
	if err := t.link(series.ID, models.RoleInstitutionCode, attrs.Sequence(dcm.InstitutionCodeSequence)); err != nil {
		return err
	}
	for _, item := range attrs.Sequence(dcm.RequestAttributesSequence) {
		issuerFK, err := t.accessionIssuer(item)
		if err != nil {
			return err
		}
		ra := &models.RequestAttributes{
			SeriesFK:                 series.ID,
			AccessionNumber:          codec.String(item, dcm.AccessionNumber),
			AccessionIssuerFK:        issuerFK,
			StudyInstanceUID:         codec.String(item, dcm.StudyInstanceUID),
			RequestedProcedureID:     codec.String(item, dcm.RequestedProcedureID),
			ScheduledProcedureStepID: codec.String(item, dcm.ScheduledProcedureStepID),
			RequestingService:        codec.String(item, dcm.RequestingService),
			RequestingPhysician:      codec.PersonName(item, dcm.RequestingPhysician, t.e.fuzzy),
		}
		if err := t.tx.Create(ra); err != nil {
			return err
		}
	}
	return nil
}

func (t *txn) newInstance(attrs *dcm.Attributes, seriesPK uuid.UUID, agg models.Aggregates) *models.Instance {
	f := t.e.filters.Instance
	return &models.Instance{
		SeriesFK:         seriesPK,
		SOPInstanceUID:   attrs.String(dcm.SOPInstanceUID),
		SOPClassUID:      codec.String(attrs, dcm.SOPClassUID),
		InstanceNumber:   codec.String(attrs, dcm.InstanceNumber),
		ContentDate:      codec.Date(attrs, dcm.ContentDate),
		ContentTime:      codec.Time(attrs, dcm.ContentTime),
		VerificationFlag: strings.ToUpper(codec.String(attrs, dcm.VerificationFlag)),
		CompletionFlag:   strings.ToUpper(codec.String(attrs, dcm.CompletionFlag)),
		Custom:           codec.Custom(attrs, f.Custom),
		Aggregates:       agg,
		EncodedAttrs:     codec.Encode(attrs, f),
	}
}

// instanceChildren creates the concept name code, verifying observers and
// top-level content items of a new instance.
func (t *txn) instanceChildren(attrs *dcm.Attributes, inst *models.Instance) error {
	if err := t.link(inst.ID, models.RoleConceptName, attrs.Sequence(dcm.ConceptNameCodeSequence)); err != nil {
		return err
	}
	for _, item := range attrs.Sequence(dcm.VerifyingObserverSequence) {
		vo := &models.VerifyingObserver{
			InstanceFK:           inst.ID,
			ObserverName:         codec.PersonName(item, dcm.VerifyingObserverName, t.e.fuzzy),
			VerificationDateTime: codec.DateTime(item, dcm.VerificationDateTime),
		}
		if err := t.tx.Create(vo); err != nil {
			return err
		}
	}
	for _, item := range attrs.Sequence(dcm.ContentSequence) {
		nameFK, err := t.code(item.Item(dcm.ConceptNameCodeSequence))
		if err != nil {
			return err
		}
		codeFK, err := t.code(item.Item(dcm.ConceptCodeSequence))
		if err != nil {
			return err
		}
		text := truncate(strings.TrimSpace(item.String(dcm.TextValue)), 255)
		if codeFK == nil && text == "" {
			continue
		}
		if text == "" {
			text = models.Unknown
		}
		ci := &models.ContentItem{
			InstanceFK:       inst.ID,
			RelationshipType: strings.ToUpper(codec.String(item, dcm.RelationshipType)),
			NameCodeFK:       nameFK,
			ConceptCodeFK:    codeFK,
			TextValue:        text,
		}
		if err := t.tx.Create(ci); err != nil {
			return err
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
