package query

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/otcheredev/dicom-archive-core/internal/archive"
	"github.com/otcheredev/dicom-archive-core/internal/codec"
	"github.com/otcheredev/dicom-archive-core/internal/dcm"
	"github.com/otcheredev/dicom-archive-core/internal/models"
	"github.com/otcheredev/dicom-archive-core/internal/repository"
)

// entry caches the merged attributes of the last row seen at one level.
type entry struct {
	pk    uuid.UUID
	attrs *dcm.Attributes
}

func (c entry) hit(pk uuid.UUID) bool {
	return c.attrs != nil && c.pk == pk
}

// merger rebuilds result attributes from the stored blobs. Each level keeps
// the merged attributes of the last entity seen; rows come grouped by
// parent, so a parent is decoded once per run of its children.
type merger struct {
	patient entry
	study   entry
	series  entry
	decoded int
}

// attrs returns a fresh attribute set for the entity of row at level,
// merged with its ancestors.
func (m *merger) attrs(level archive.Level, row repository.Row) (*dcm.Attributes, error) {
	var (
		base *dcm.Attributes
		err  error
	)
	switch level {
	case archive.Patient:
		base, err = m.patientAttrs(row.Patient)
	case archive.Study:
		base, err = m.studyAttrs(row.Patient, row.Study)
	case archive.Series:
		base, err = m.seriesAttrs(row.Patient, row.Study, row.Series)
	default:
		if base, err = m.seriesAttrs(row.Patient, row.Study, row.Series); err != nil {
			return nil, err
		}
		own, err := m.decode(models.TableInstance, row.Instance.ID, row.Instance.EncodedAttrs)
		if err != nil {
			return nil, err
		}
		out := base.Clone()
		out.Merge(own)
		setAggregates(out, row.Instance.Aggregates)
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	return base.Clone(), nil
}

func (m *merger) patientAttrs(p *models.Patient) (*dcm.Attributes, error) {
	if m.patient.hit(p.ID) {
		return m.patient.attrs, nil
	}
	a, err := m.decode(models.TablePatient, p.ID, p.EncodedAttrs)
	if err != nil {
		return nil, err
	}
	setInt(a, dcm.NumberOfPatientRelatedStudies, p.NumStudies)
	m.patient = entry{pk: p.ID, attrs: a}
	return a, nil
}

func (m *merger) studyAttrs(p *models.Patient, st *models.Study) (*dcm.Attributes, error) {
	if m.study.hit(st.ID) {
		return m.study.attrs, nil
	}
	parent, err := m.patientAttrs(p)
	if err != nil {
		return nil, err
	}
	own, err := m.decode(models.TableStudy, st.ID, st.EncodedAttrs)
	if err != nil {
		return nil, err
	}
	a := parent.Clone()
	a.Merge(own)
	setInt(a, dcm.NumberOfStudyRelatedSeries, st.NumSeries)
	setInt(a, dcm.NumberOfStudyRelatedInstances, st.NumInstances)
	if mods := dcm.SplitMultiValue(st.ModalitiesInStudy); len(mods) > 0 {
		a.Set(dcm.ModalitiesInStudy, dcm.VRCS, mods...)
	}
	if cuids := dcm.SplitMultiValue(st.SOPClassesInStudy); len(cuids) > 0 {
		a.Set(dcm.SOPClassesInStudy, dcm.VRUI, cuids...)
	}
	setAggregates(a, st.Aggregates)
	m.study = entry{pk: st.ID, attrs: a}
	return a, nil
}

func (m *merger) seriesAttrs(p *models.Patient, st *models.Study, se *models.Series) (*dcm.Attributes, error) {
	if m.series.hit(se.ID) {
		return m.series.attrs, nil
	}
	parent, err := m.studyAttrs(p, st)
	if err != nil {
		return nil, err
	}
	own, err := m.decode(models.TableSeries, se.ID, se.EncodedAttrs)
	if err != nil {
		return nil, err
	}
	a := parent.Clone()
	a.Merge(own)
	setInt(a, dcm.NumberOfSeriesRelatedInstances, se.NumInstances)
	setAggregates(a, se.Aggregates)
	m.series = entry{pk: se.ID, attrs: a}
	return a, nil
}

func (m *merger) decode(table string, pk uuid.UUID, blob []byte) (*dcm.Attributes, error) {
	a, err := codec.Decode(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to decode attributes of %s %s: %w", table, pk, err)
	}
	m.decoded++
	return a, nil
}

func setInt(a *dcm.Attributes, tg dcm.Tag, n int) {
	a.Set(tg, dcm.VRIS, strconv.Itoa(n))
}

func setAggregates(a *dcm.Attributes, agg models.Aggregates) {
	if aets := RetrieveAETs(agg); len(aets) > 0 {
		a.Set(dcm.RetrieveAETitle, dcm.VRAE, aets...)
	} else {
		a.Remove(dcm.RetrieveAETitle)
	}
	a.Set(dcm.InstanceAvailability, dcm.VRCS, agg.Availability.String())
}

// RetrieveAETs lists the local retrieve AE titles followed by the external
// one, without duplicates.
func RetrieveAETs(agg models.Aggregates) []string {
	aets := dcm.SplitMultiValue(agg.RetrieveAETs)
	if ext := agg.ExternalRetrieveAET; ext != "" {
		for _, aet := range aets {
			if aet == ext {
				return aets
			}
		}
		aets = append(aets, ext)
	}
	return aets
}
