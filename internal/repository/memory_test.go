package repository_test

import (
	"context"
	"errors"
	"testing"

	"github.com/otcheredev/dicom-archive-core/internal/archive"
	"github.com/otcheredev/dicom-archive-core/internal/models"
	"github.com/otcheredev/dicom-archive-core/internal/predicate"
	"github.com/otcheredev/dicom-archive-core/internal/repository"
)

// seed creates one patient with one study holding one series per modality.
func seed(t *testing.T, m *repository.Memory, studyIUID string, modalities ...string) *models.Study {
	t.Helper()
	var study *models.Study
	err := m.Transaction(context.Background(), func(tx repository.Tx) error {
		p := &models.Patient{PatientID: "P-" + studyIUID, PatientName: models.UnknownPersonName()}
		if err := tx.Create(p); err != nil {
			return err
		}
		study = &models.Study{PatientFK: p.ID, StudyInstanceUID: studyIUID, StudyDate: "20240101"}
		if err := tx.Create(study); err != nil {
			return err
		}
		for i, mod := range modalities {
			se := &models.Series{StudyFK: study.ID, SeriesInstanceUID: studyIUID + "." + string(rune('1'+i)), Modality: mod}
			if err := tx.Create(se); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	return study
}

func collect(t *testing.T, rows repository.Rows) []repository.Row {
	t.Helper()
	defer rows.Close()
	var out []repository.Row
	for rows.Next() {
		out = append(out, rows.Row())
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows failed: %v", err)
	}
	return out
}

func TestMemoryTransactionRollback(t *testing.T) {
	m := repository.NewMemory()
	boom := errors.New("boom")

	err := m.Transaction(context.Background(), func(tx repository.Tx) error {
		if err := tx.Create(&models.Patient{PatientID: "P1"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Transaction error = %v; want boom", err)
	}

	rows, err := m.Query(context.Background(), repository.Select{Level: archive.Patient})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if got := collect(t, rows); len(got) != 0 {
		t.Errorf("rolled back patient is visible: %d rows", len(got))
	}
}

func TestMemoryConflict(t *testing.T) {
	m := repository.NewMemory()
	seed(t, m, "1.2.3")

	err := m.Transaction(context.Background(), func(tx repository.Tx) error {
		return tx.Create(&models.Study{StudyInstanceUID: "1.2.3"})
	})
	if !errors.Is(err, archive.ErrConflict) {
		t.Errorf("duplicate study error = %v; want ErrConflict", err)
	}

	err = m.Transaction(context.Background(), func(tx repository.Tx) error {
		_, err := tx.FindStudy("9.9.9")
		return err
	})
	if !errors.Is(err, archive.ErrNotFound) {
		t.Errorf("FindStudy error = %v; want ErrNotFound", err)
	}
}

func TestMemoryQuery(t *testing.T) {
	m := repository.NewMemory()
	seed(t, m, "1.1", "CT", "MR")
	seed(t, m, "1.2", "US")

	rows, err := m.Query(context.Background(), repository.Select{
		Level: archive.Series,
		Where: predicate.Wildcard(predicate.Col(models.TableSeries, "modality"), "?R", false),
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	got := collect(t, rows)
	if len(got) != 1 || got[0].Series.Modality != "MR" {
		t.Fatalf("got %d rows, want the MR series", len(got))
	}
	if got[0].Study.StudyInstanceUID != "1.1" || got[0].Patient.PatientID != "P-1.1" {
		t.Errorf("ancestors not attached: %+v", got[0].Study)
	}
	if got[0].Instance != nil {
		t.Error("series row should not carry an instance")
	}
}

func TestMemoryQueryOrderAndPaging(t *testing.T) {
	m := repository.NewMemory()
	seed(t, m, "1.1", "CT", "MR", "US")

	rows, err := m.Query(context.Background(), repository.Select{Level: archive.Series})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	all := collect(t, rows)
	if len(all) != 3 {
		t.Fatalf("got %d series, want 3", len(all))
	}
	for i, want := range []string{"CT", "MR", "US"} {
		if all[i].Series.Modality != want {
			t.Errorf("row %d = %s; want insertion order %s", i, all[i].Series.Modality, want)
		}
	}

	rows, err = m.Query(context.Background(), repository.Select{Level: archive.Series, Offset: 1, Limit: 1})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	paged := collect(t, rows)
	if len(paged) != 1 || paged[0].Series.Modality != "MR" {
		t.Errorf("page = %d rows; want the MR series", len(paged))
	}
}

func TestMemoryQueryIsolation(t *testing.T) {
	m := repository.NewMemory()
	study := seed(t, m, "1.1", "CT")

	rows, err := m.Query(context.Background(), repository.Select{Level: archive.Study})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	defer rows.Close()

	if err := m.Transaction(context.Background(), func(tx repository.Tx) error {
		return tx.IncrementStudy(study.ID, 5, 50)
	}); err != nil {
		t.Fatalf("Transaction failed: %v", err)
	}

	if !rows.Next() {
		t.Fatal("expected one row")
	}
	if n := rows.Row().Study.NumSeries; n != 0 {
		t.Errorf("open result saw a later commit: NumSeries = %d", n)
	}
}

func TestMemoryFilesOrderedByAvailability(t *testing.T) {
	m := repository.NewMemory()
	var inst *models.Instance
	err := m.Transaction(context.Background(), func(tx repository.Tx) error {
		p := &models.Patient{PatientID: "P1"}
		if err := tx.Create(p); err != nil {
			return err
		}
		st := &models.Study{PatientFK: p.ID, StudyInstanceUID: "1"}
		if err := tx.Create(st); err != nil {
			return err
		}
		se := &models.Series{StudyFK: st.ID, SeriesInstanceUID: "1.1"}
		if err := tx.Create(se); err != nil {
			return err
		}
		inst = &models.Instance{SeriesFK: se.ID, SOPInstanceUID: "1.1.1"}
		if err := tx.Create(inst); err != nil {
			return err
		}
		if err := tx.Create(&models.FileRef{InstanceFK: inst.ID, URI: "tape://a", Availability: archive.Nearline}); err != nil {
			return err
		}
		return tx.Create(&models.FileRef{InstanceFK: inst.ID, URI: "file:///a", Availability: archive.Online})
	})
	if err != nil {
		t.Fatalf("Transaction failed: %v", err)
	}

	rows, err := m.Query(context.Background(), repository.Select{Level: archive.Image, WithFiles: true})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	got := collect(t, rows)
	if len(got) != 1 || len(got[0].Files) != 2 {
		t.Fatalf("got %d rows", len(got))
	}
	if got[0].Files[0].URI != "file:///a" {
		t.Errorf("first file = %s; want the online copy", got[0].Files[0].URI)
	}
}

func TestMemoryUpdateAndAggregates(t *testing.T) {
	m := repository.NewMemory()
	study := seed(t, m, "1.1", "CT", "*", "MR", "CT")

	err := m.Transaction(context.Background(), func(tx repository.Tx) error {
		mods, err := tx.StudyModalities(study.ID)
		if err != nil {
			return err
		}
		if len(mods) != 2 || mods[0] != "CT" || mods[1] != "MR" {
			t.Errorf("StudyModalities = %v; want [CT MR]", mods)
		}

		changed := *study
		changed.ModalitiesInStudy = `CT\MR`
		changed.StudyDate = "19990101"
		return tx.Update(&changed, repository.StudySetColumns...)
	})
	if err != nil {
		t.Fatalf("Transaction failed: %v", err)
	}

	err = m.Transaction(context.Background(), func(tx repository.Tx) error {
		st, err := tx.GetStudy(study.ID)
		if err != nil {
			return err
		}
		if st.ModalitiesInStudy != `CT\MR` {
			t.Errorf("ModalitiesInStudy = %q", st.ModalitiesInStudy)
		}
		if st.StudyDate != "20240101" {
			t.Errorf("Update wrote an unlisted column: StudyDate = %q", st.StudyDate)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Transaction failed: %v", err)
	}
}

func TestMemoryMoveStudies(t *testing.T) {
	m := repository.NewMemory()
	from := seed(t, m, "1.1")
	to := seed(t, m, "1.2")

	err := m.Transaction(context.Background(), func(tx repository.Tx) error {
		n, err := tx.MoveStudies(from.PatientFK, to.PatientFK)
		if err != nil {
			return err
		}
		if n != 1 {
			t.Errorf("moved %d studies; want 1", n)
		}
		studies, err := tx.Studies(to.PatientFK)
		if err != nil {
			return err
		}
		if len(studies) != 2 {
			t.Errorf("target patient has %d studies; want 2", len(studies))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Transaction failed: %v", err)
	}
}

func TestMemoryQueryCanceled(t *testing.T) {
	m := repository.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Query(ctx, repository.Select{Level: archive.Study})
	var re *archive.ResourceError
	if !errors.As(err, &re) {
		t.Errorf("Query error = %v; want ResourceError", err)
	}
}
