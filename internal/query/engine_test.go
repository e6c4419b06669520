package query_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/otcheredev/dicom-archive-core/internal/archive"
	"github.com/otcheredev/dicom-archive-core/internal/codec"
	"github.com/otcheredev/dicom-archive-core/internal/dcm"
	"github.com/otcheredev/dicom-archive-core/internal/fuzzy"
	"github.com/otcheredev/dicom-archive-core/internal/query"
	"github.com/otcheredev/dicom-archive-core/internal/repository"
	"github.com/otcheredev/dicom-archive-core/internal/store"
)

type fixture struct {
	store *store.Engine
	query *query.Engine
}

func newFixture(t *testing.T, levels ...archive.Level) *fixture {
	t.Helper()
	m := repository.NewMemory()
	filters := codec.DefaultFilters()
	return &fixture{
		store: store.NewEngine(m, store.Config{Filters: filters, Fuzzy: fuzzy.Soundex{}}),
		query: query.NewEngine(m, query.Config{Filters: filters, Fuzzy: fuzzy.Soundex{}, Levels: levels}),
	}
}

type obj struct {
	patientID, patientName        string
	study, studyDate, studyTime   string
	series, modality, sop         string
	retrieveAETs                  []string
}

func (f *fixture) add(t *testing.T, o obj) {
	t.Helper()
	a := dcm.NewAttributes()
	a.Set(dcm.PatientID, dcm.VRLO, o.patientID)
	if o.patientName != "" {
		a.Set(dcm.PatientName, dcm.VRPN, o.patientName)
	}
	a.Set(dcm.StudyInstanceUID, dcm.VRUI, o.study)
	if o.studyDate != "" {
		a.Set(dcm.StudyDate, dcm.VRDA, o.studyDate)
	}
	if o.studyTime != "" {
		a.Set(dcm.StudyTime, dcm.VRTM, o.studyTime)
	}
	a.Set(dcm.SeriesInstanceUID, dcm.VRUI, o.series)
	a.Set(dcm.Modality, dcm.VRCS, o.modality)
	a.Set(dcm.SOPInstanceUID, dcm.VRUI, o.sop)
	a.Set(dcm.SOPClassUID, dcm.VRUI, "1.2.840.10008.5.1.4.1.1.2")
	if _, err := f.store.Store(context.Background(), store.Request{Attributes: a, RetrieveAETs: o.retrieveAETs}); err != nil {
		t.Fatalf("Store %s failed: %v", o.sop, err)
	}
}

// find runs a query and returns the values of tg of every match.
func (f *fixture) find(t *testing.T, level archive.Level, pids []archive.IDWithIssuer, keys *dcm.Attributes, opts archive.QueryOptions, tg dcm.Tag) []string {
	t.Helper()
	c, err := f.query.Find(context.Background(), level, pids, keys, opts)
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	defer c.Close()
	var out []string
	for c.HasMore() {
		attrs, err := c.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		out = append(out, attrs.String(tg))
	}
	if err := c.Err(); err != nil {
		t.Fatalf("cursor failed: %v", err)
	}
	return out
}

func keys(pairs ...any) *dcm.Attributes {
	a := dcm.NewAttributes()
	for i := 0; i < len(pairs); i += 2 {
		tg := pairs[i].(dcm.Tag)
		a.Set(tg, dcm.VROf(tg), pairs[i+1].(string))
	}
	return a
}

func seedStudies(t *testing.T, f *fixture) {
	t.Helper()
	for _, o := range []obj{
		{patientID: "PAT1", patientName: "Smith^John", study: "1", studyDate: "20240110", studyTime: "1030", series: "1.1", modality: "CT", sop: "1.1.1"},
		{patientID: "PAT1", patientName: "Smith^John", study: "1", series: "1.1", modality: "CT", sop: "1.1.2"},
		{patientID: "PAT1", patientName: "Smith^John", study: "1", series: "1.2", modality: "SR", sop: "1.2.1"},
		{patientID: "PAT2", patientName: "John^Smith", study: "2", studyDate: "20240111", studyTime: "0800", series: "2.1", modality: "MR", sop: "2.1.1"},
		{patientID: "OTHER", patientName: "Jones^Mary", study: "3", studyDate: "20230101", series: "3.1", modality: "CT", sop: "3.1.1"},
	} {
		f.add(t, o)
	}
}

func TestFindStudiesByPatientAndModality(t *testing.T) {
	f := newFixture(t)
	seedStudies(t, f)

	got := f.find(t, archive.Study, []archive.IDWithIssuer{{ID: "PAT*"}}, keys(dcm.ModalitiesInStudy, "CT"), archive.QueryOptions{}, dcm.StudyInstanceUID)
	if len(got) != 1 || got[0] != "1" {
		t.Errorf("studies = %v; want [1]", got)
	}

	got = f.find(t, archive.Study, nil, keys(dcm.ModalitiesInStudy, "CT"), archive.QueryOptions{}, dcm.StudyInstanceUID)
	if len(got) != 2 {
		t.Errorf("studies = %v; want [1 3]", got)
	}
}

func TestFindInjectsCounts(t *testing.T) {
	f := newFixture(t)
	seedStudies(t, f)

	c, err := f.query.Find(context.Background(), archive.Study, []archive.IDWithIssuer{{ID: "PAT1"}}, nil, archive.QueryOptions{})
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	defer c.Close()
	attrs, err := c.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}

	checks := map[dcm.Tag]string{
		dcm.QueryRetrieveLevel:            "STUDY",
		dcm.NumberOfPatientRelatedStudies: "1",
		dcm.NumberOfStudyRelatedSeries:    "2",
		dcm.NumberOfStudyRelatedInstances: "3",
		dcm.InstanceAvailability:          "ONLINE",
		dcm.PatientID:                     "PAT1",
	}
	for tg, want := range checks {
		if got := attrs.String(tg); got != want {
			t.Errorf("%s = %q; want %q", dcm.Keyword(tg), got, want)
		}
	}
	if mods := attrs.Strings(dcm.ModalitiesInStudy); len(mods) != 2 || mods[0] != "CT" || mods[1] != "SR" {
		t.Errorf("ModalitiesInStudy = %v", mods)
	}
}

func TestFindFuzzyPersonName(t *testing.T) {
	f := newFixture(t)
	seedStudies(t, f)
	k := keys(dcm.PatientName, "SMITH^JOHN")

	exact := f.find(t, archive.Patient, nil, k, archive.QueryOptions{}, dcm.PatientID)
	if len(exact) != 1 || exact[0] != "PAT1" {
		t.Errorf("literal match = %v; want [PAT1]", exact)
	}

	fuzzyMatches := f.find(t, archive.Patient, nil, k, archive.QueryOptions{FuzzyMatching: true}, dcm.PatientID)
	if len(fuzzyMatches) != 2 {
		t.Errorf("fuzzy match = %v; want PAT1 and PAT2", fuzzyMatches)
	}
}

func TestFindCombinedDateTime(t *testing.T) {
	f := newFixture(t)
	seedStudies(t, f)
	k := keys(dcm.StudyDate, "20240110-20240111", dcm.StudyTime, "1000-0900")

	combined := f.find(t, archive.Study, nil, k, archive.QueryOptions{CombinedDateTime: true}, dcm.StudyInstanceUID)
	if len(combined) != 2 {
		t.Errorf("combined range = %v; want [1 2]", combined)
	}

	separate := f.find(t, archive.Study, nil, k, archive.QueryOptions{}, dcm.StudyInstanceUID)
	if len(separate) != 0 {
		t.Errorf("separate ranges = %v; want none", separate)
	}
}

func TestFindOrderAndPaging(t *testing.T) {
	f := newFixture(t)
	seedStudies(t, f)

	all := f.find(t, archive.Image, nil, nil, archive.QueryOptions{}, dcm.SOPInstanceUID)
	want := []string{"1.1.1", "1.1.2", "1.2.1", "2.1.1", "3.1.1"}
	if strings.Join(all, ",") != strings.Join(want, ",") {
		t.Errorf("instances = %v; want %v", all, want)
	}

	page := f.find(t, archive.Image, nil, nil, archive.QueryOptions{Offset: 1, Limit: 2}, dcm.SOPInstanceUID)
	if strings.Join(page, ",") != "1.1.2,1.2.1" {
		t.Errorf("page = %v", page)
	}
}

func TestFindAccessControl(t *testing.T) {
	f := newFixture(t)
	seedStudies(t, f)
	opts := archive.QueryOptions{Roles: []string{"DOCTOR"}}

	if got := f.find(t, archive.Study, nil, nil, opts, dcm.StudyInstanceUID); len(got) != 0 {
		t.Errorf("studies without permission = %v", got)
	}
	if err := f.store.GrantPermission(context.Background(), "2", "QUERY", "DOCTOR"); err != nil {
		t.Fatalf("GrantPermission failed: %v", err)
	}
	if got := f.find(t, archive.Study, nil, nil, opts, dcm.StudyInstanceUID); len(got) != 1 || got[0] != "2" {
		t.Errorf("studies = %v; want [2]", got)
	}
	if got := f.find(t, archive.Patient, nil, nil, opts, dcm.PatientID); len(got) != 3 {
		t.Errorf("patient level is not access controlled: %v", got)
	}
}

func TestFindKeyValidation(t *testing.T) {
	f := newFixture(t)
	seedStudies(t, f)
	ctx := context.Background()

	t.Run("unsupported key", func(t *testing.T) {
		c, err := f.query.Find(ctx, archive.Study, nil, keys(dcm.PatientComments, "x"), archive.QueryOptions{})
		if err != nil {
			t.Fatalf("Find failed: %v", err)
		}
		defer c.Close()
		if !c.OptionalKeyNotSupported() {
			t.Error("OptionalKeyNotSupported = false")
		}
	})

	t.Run("lower level key", func(t *testing.T) {
		_, err := f.query.Find(ctx, archive.Study, nil, keys(dcm.SOPInstanceUID, "1.1.1"), archive.QueryOptions{})
		var qe *archive.QueryError
		if !errors.As(err, &qe) || qe.Code != archive.IllegalKey {
			t.Fatalf("Find error = %v; want IllegalKey", err)
		}
		if qe.Key != "SOPInstanceUID" {
			t.Errorf("Key = %q", qe.Key)
		}
	})

	t.Run("lower level key in relational mode", func(t *testing.T) {
		c, err := f.query.Find(ctx, archive.Study, nil, keys(dcm.Modality, "MR"), archive.QueryOptions{Relational: true})
		if err != nil {
			t.Fatalf("Find failed: %v", err)
		}
		defer c.Close()
		if !c.OptionalKeyNotSupported() {
			t.Error("OptionalKeyNotSupported = false")
		}
	})

	t.Run("malformed date", func(t *testing.T) {
		_, err := f.query.Find(ctx, archive.Study, nil, keys(dcm.StudyDate, "2024-01-01"), archive.QueryOptions{})
		var qe *archive.QueryError
		if !errors.As(err, &qe) || qe.Code != archive.InvalidValue {
			t.Errorf("Find error = %v; want InvalidValue", err)
		}
	})
}

func TestFindLevels(t *testing.T) {
	f := newFixture(t, archive.Study, archive.Series)
	ctx := context.Background()

	var qe *archive.QueryError
	if _, err := f.query.Find(ctx, archive.Level(7), nil, nil, archive.QueryOptions{}); !errors.As(err, &qe) || qe.Code != archive.InvalidLevel {
		t.Errorf("Find error = %v; want InvalidLevel", err)
	}
	if _, err := f.query.Find(ctx, archive.Patient, nil, nil, archive.QueryOptions{}); !errors.As(err, &qe) || qe.Code != archive.UnsupportedLevel {
		t.Errorf("Find error = %v; want UnsupportedLevel", err)
	}
}

func TestCursorLifecycle(t *testing.T) {
	f := newFixture(t)
	seedStudies(t, f)

	c, err := f.query.Find(context.Background(), archive.Patient, []archive.IDWithIssuer{{ID: "OTHER"}}, nil, archive.QueryOptions{})
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if !c.HasMore() || !c.HasMore() {
		t.Fatal("HasMore should be repeatable before Next")
	}
	if _, err := c.Next(); err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if _, err := c.Next(); !errors.Is(err, archive.ErrNoMoreResults) {
		t.Errorf("Next on exhausted cursor = %v; want ErrNoMoreResults", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if _, err := c.Next(); !errors.Is(err, archive.ErrCursorClosed) {
		t.Errorf("Next after Close = %v; want ErrCursorClosed", err)
	}
	if c.HasMore() {
		t.Error("HasMore after Close")
	}
}
