package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/otcheredev/dicom-archive-core/internal/archive"
	"github.com/otcheredev/dicom-archive-core/internal/dcm"
	"github.com/otcheredev/dicom-archive-core/internal/models"
	"github.com/otcheredev/dicom-archive-core/internal/repository"
	"github.com/rs/zerolog/log"
)

// MaxMergeDepth bounds the merge chains followed from a patient.
const MaxMergeDepth = 16

var (
	// ErrMergeCycle is returned when merging would make a patient forward
	// to itself.
	ErrMergeCycle = errors.New("store: patient merge would create a cycle")
	// ErrMergeChainTooLong is returned when a merge chain exceeds MaxMergeDepth.
	ErrMergeChainTooLong = errors.New("store: patient merge chain too long")
)

// terminal follows the merge chain from p to the patient it forwards to.
func terminal(tx repository.Tx, p *models.Patient) (*models.Patient, error) {
	for depth := 0; p.MergedWithFK != nil; depth++ {
		if depth == MaxMergeDepth {
			return nil, fmt.Errorf("%w: from patient %s", ErrMergeChainTooLong, p.PatientID)
		}
		next, err := tx.GetPatient(*p.MergedWithFK)
		if err != nil {
			return nil, fmt.Errorf("failed to follow merge chain: %w", err)
		}
		p = next
	}
	return p, nil
}

// updateStudySets adds the modality and SOP class of a new instance to the
// study's sets. A set is recomputed from the descendants only when the value
// is not already a member.
func (t *txn) updateStudySets(study *models.Study, modality, cuid string) error {
	var changed bool
	if modality != models.Unknown && !hasMember(study.ModalitiesInStudy, modality) {
		mods, err := t.tx.StudyModalities(study.ID)
		if err != nil {
			return fmt.Errorf("failed to collect modalities: %w", err)
		}
		study.ModalitiesInStudy = dcm.MultiValue(mods)
		changed = true
	}
	if cuid != models.Unknown && !hasMember(study.SOPClassesInStudy, cuid) {
		cuids, err := t.tx.StudySOPClasses(study.ID)
		if err != nil {
			return fmt.Errorf("failed to collect SOP classes: %w", err)
		}
		study.SOPClassesInStudy = dcm.MultiValue(cuids)
		changed = true
	}
	if !changed {
		return nil
	}
	return t.tx.Update(study, repository.StudySetColumns...)
}

// MergePatient makes prior forward to target. The studies of prior move to
// the terminal patient of target.
func (e *Engine) MergePatient(ctx context.Context, prior, target archive.IDWithIssuer) (*models.Patient, error) {
	var merged *models.Patient
	err := e.retry(ctx, "merge patient "+prior.String(), func(t *txn) error {
		from, err := t.findPatient(prior)
		if err != nil {
			return err
		}
		to, err := t.findPatient(target)
		if err != nil {
			return err
		}
		to, err = terminal(t.tx, to)
		if err != nil {
			return err
		}
		if to.ID == from.ID {
			return fmt.Errorf("%w: %s into %s", ErrMergeCycle, prior, target)
		}

		from.MergedWithFK = &to.ID
		if err := t.tx.Update(from, "merged_with_fk"); err != nil {
			return err
		}
		moved, err := t.tx.MoveStudies(from.ID, to.ID)
		if err != nil {
			return err
		}
		if err := t.tx.IncrementPatient(from.ID, -moved); err != nil {
			return err
		}
		if err := t.tx.IncrementPatient(to.ID, moved); err != nil {
			return err
		}
		to.NumStudies += moved
		merged = to
		log.Info().
			Str("prior", prior.String()).
			Str("target", target.String()).
			Int("studies", moved).
			Msg("Merged patient")
		return nil
	})
	return merged, err
}

func (t *txn) findPatient(id archive.IDWithIssuer) (*models.Patient, error) {
	key := idKey(strings.TrimSpace(id.ID), id.Issuer)
	if key == nil {
		return nil, fmt.Errorf("%w: empty patient ID", ErrInvalidAttributes)
	}
	p, err := t.tx.FindPatient(*key)
	if err != nil {
		return nil, fmt.Errorf("patient %s: %w", id, err)
	}
	return p, nil
}

// RecalculateSeries recomputes the counts and aggregates of a series, and
// then of its study, from the current children.
func (e *Engine) RecalculateSeries(ctx context.Context, seriesIUID string) (*models.Series, error) {
	var out *models.Series
	err := e.retry(ctx, "recalculate series "+seriesIUID, func(t *txn) error {
		found, err := t.tx.FindSeries(seriesIUID)
		if err != nil {
			return fmt.Errorf("series %s: %w", seriesIUID, err)
		}
		series, err := t.recalculateSeries(found.ID)
		if err != nil {
			return err
		}
		study, err := t.tx.GetStudy(series.StudyFK)
		if err != nil {
			return err
		}
		if _, err := t.recalculateStudy(study.ID); err != nil {
			return err
		}
		out = series
		return nil
	})
	return out, err
}

// RecalculateStudy recomputes the counts, sets and aggregates of a study and
// of each of its series.
func (e *Engine) RecalculateStudy(ctx context.Context, studyIUID string) (*models.Study, error) {
	var out *models.Study
	err := e.retry(ctx, "recalculate study "+studyIUID, func(t *txn) error {
		found, err := t.tx.FindStudy(studyIUID)
		if err != nil {
			return fmt.Errorf("study %s: %w", studyIUID, err)
		}
		series, err := t.tx.Series(found.ID)
		if err != nil {
			return err
		}
		for _, s := range series {
			if _, err := t.recalculateSeries(s.ID); err != nil {
				return err
			}
		}
		out, err = t.recalculateStudy(found.ID)
		return err
	})
	return out, err
}

func liveAggregates(instances []models.Instance) []models.Aggregates {
	out := make([]models.Aggregates, 0, len(instances))
	for _, inst := range instances {
		if !inst.Replaced {
			out = append(out, inst.Aggregates)
		}
	}
	return out
}

func (t *txn) recalculateSeries(id uuid.UUID) (*models.Series, error) {
	series, err := t.tx.LockSeries(id)
	if err != nil {
		return nil, err
	}
	instances, err := t.tx.Instances(series.ID)
	if err != nil {
		return nil, err
	}
	live := liveAggregates(instances)
	series.NumInstances = len(live)
	series.Aggregates = Reduce(live)
	cols := append([]string{"num_instances"}, repository.AggregateColumns...)
	if err := t.tx.Update(series, cols...); err != nil {
		return nil, err
	}
	return series, nil
}

func (t *txn) recalculateStudy(id uuid.UUID) (*models.Study, error) {
	study, err := t.tx.LockStudy(id)
	if err != nil {
		return nil, err
	}
	series, err := t.tx.Series(study.ID)
	if err != nil {
		return nil, err
	}
	var all []models.Aggregates
	for _, s := range series {
		instances, err := t.tx.Instances(s.ID)
		if err != nil {
			return nil, err
		}
		all = append(all, liveAggregates(instances)...)
	}
	mods, err := t.tx.StudyModalities(study.ID)
	if err != nil {
		return nil, err
	}
	cuids, err := t.tx.StudySOPClasses(study.ID)
	if err != nil {
		return nil, err
	}
	study.NumSeries = len(series)
	study.NumInstances = len(all)
	study.ModalitiesInStudy = dcm.MultiValue(mods)
	study.SOPClassesInStudy = dcm.MultiValue(cuids)
	study.Aggregates = Reduce(all)

	cols := append([]string{"num_series", "num_instances"}, repository.StudySetColumns...)
	cols = append(cols, repository.AggregateColumns...)
	if err := t.tx.Update(study, cols...); err != nil {
		return nil, err
	}
	log.Info().
		Str("study_iuid", study.StudyInstanceUID).
		Int("series", study.NumSeries).
		Int("instances", study.NumInstances).
		Msg("Recalculated study")
	return study, nil
}

// RegisterFileRef records where the object of an instance is stored.
func (e *Engine) RegisterFileRef(ctx context.Context, sopIUID, uri, tsuid string, availability archive.Availability) (*models.FileRef, error) {
	ref := &models.FileRef{URI: uri, TransferSyntaxUID: tsuid, Availability: availability}
	err := e.backend.Transaction(ctx, func(tx repository.Tx) error {
		inst, err := tx.FindInstance(sopIUID)
		if err != nil {
			return fmt.Errorf("instance %s: %w", sopIUID, err)
		}
		ref.InstanceFK = inst.ID
		return tx.Create(ref)
	})
	if err != nil {
		return nil, err
	}
	return ref, nil
}

// GrantPermission allows role to perform action on a study. Granting an
// existing permission succeeds.
func (e *Engine) GrantPermission(ctx context.Context, studyIUID, action, role string) error {
	err := e.backend.Transaction(ctx, func(tx repository.Tx) error {
		return tx.Create(&models.StudyPermission{
			StudyInstanceUID: studyIUID,
			Action:           strings.ToUpper(action),
			Role:             role,
		})
	})
	if errors.Is(err, archive.ErrConflict) {
		return nil
	}
	return err
}
