package dcm_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/otcheredev/dicom-archive-core/internal/dcm"
)

func TestAttributesBasics(t *testing.T) {
	a := dcm.NewAttributes()
	a.Set(dcm.PatientName, dcm.VRPN, "Doe^Jane")
	a.Set(dcm.PatientID, dcm.VRLO, "P1")
	a.Set(dcm.AccessionNumber, dcm.VRSH)

	if got := a.String(dcm.PatientName); got != "Doe^Jane" {
		t.Errorf("PatientName = %q, want Doe^Jane", got)
	}
	if !a.Contains(dcm.AccessionNumber) {
		t.Error("return key AccessionNumber should be present")
	}
	if a.HasValue(dcm.AccessionNumber) {
		t.Error("return key AccessionNumber should have no value")
	}
	if a.HasValue(dcm.StudyInstanceUID) {
		t.Error("missing attribute reported as having a value")
	}

	tags := a.Tags()
	if len(tags) != 3 || tags[0] != dcm.AccessionNumber || tags[2] != dcm.PatientID {
		t.Errorf("Tags not in ascending order: %v", tags)
	}

	a.Remove(dcm.PatientID)
	if a.Len() != 2 {
		t.Errorf("Len after Remove = %d, want 2", a.Len())
	}
}

func TestAttributesCloneIsDeep(t *testing.T) {
	a := dcm.NewAttributes()
	a.Set(dcm.ModalitiesInStudy, dcm.VRCS, "CT", "MR")
	item := a.NewItem(dcm.RequestAttributesSequence)
	item.Set(dcm.AccessionNumber, dcm.VRSH, "A1")

	c := a.Clone()
	v, _ := c.Get(dcm.ModalitiesInStudy)
	v.Strings[0] = "US"
	c.Item(dcm.RequestAttributesSequence).Set(dcm.AccessionNumber, dcm.VRSH, "A2")

	if got := a.Strings(dcm.ModalitiesInStudy); got[0] != "CT" {
		t.Errorf("clone shares value storage: %v", got)
	}
	if got := a.Item(dcm.RequestAttributesSequence).String(dcm.AccessionNumber); got != "A1" {
		t.Errorf("clone shares sequence items: %q", got)
	}
}

func TestAttributesNewItemAppends(t *testing.T) {
	a := dcm.NewAttributes()
	a.NewItem(dcm.OtherPatientIDsSequence).Set(dcm.PatientID, dcm.VRLO, "A")
	a.NewItem(dcm.OtherPatientIDsSequence).Set(dcm.PatientID, dcm.VRLO, "B")

	items := a.Sequence(dcm.OtherPatientIDsSequence)
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	if items[1].String(dcm.PatientID) != "B" {
		t.Errorf("second item PatientID = %q, want B", items[1].String(dcm.PatientID))
	}
}

func TestAttributesMergeAndSelect(t *testing.T) {
	a := dcm.NewAttributes()
	a.Set(dcm.PatientName, dcm.VRPN, "Old^Name")
	a.Set(dcm.PatientSex, dcm.VRCS, "F")

	b := dcm.NewAttributes()
	b.Set(dcm.PatientName, dcm.VRPN, "New^Name")
	b.Set(dcm.StudyID, dcm.VRSH, "S1")
	a.Merge(b)

	if got := a.String(dcm.PatientName); got != "New^Name" {
		t.Errorf("Merge did not replace PatientName: %q", got)
	}
	if got := a.String(dcm.StudyID); got != "S1" {
		t.Errorf("Merge did not add StudyID: %q", got)
	}

	s := a.Select(dcm.PatientSex, dcm.StudyInstanceUID)
	if s.Len() != 1 || s.String(dcm.PatientSex) != "F" {
		t.Errorf("Select = %d attributes, PatientSex %q", s.Len(), s.String(dcm.PatientSex))
	}
}

func TestMultiValue(t *testing.T) {
	if got := dcm.MultiValue([]string{"AE1", "AE2"}); got != `AE1\AE2` {
		t.Errorf("MultiValue = %q", got)
	}
	if got := dcm.SplitMultiValue(""); got != nil {
		t.Errorf("SplitMultiValue(\"\") = %v, want nil", got)
	}
	if got := dcm.SplitMultiValue(`CT\MR`); len(got) != 2 || got[1] != "MR" {
		t.Errorf("SplitMultiValue = %v", got)
	}
}

func TestMarshalJSON(t *testing.T) {
	a := dcm.NewAttributes()
	a.Set(dcm.PatientName, dcm.VRPN, "Smith^John")
	a.Set(dcm.NumberOfStudyRelatedSeries, dcm.VRIS, "3")
	a.Set(dcm.AccessionNumber, dcm.VRSH)
	a.NewItem(dcm.RequestAttributesSequence).Set(dcm.RequestedProcedureID, dcm.VRSH, "RP1")

	b, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	got := string(b)
	for _, want := range []string{
		`"00100010":{"vr":"PN","Value":[{"Alphabetic":"Smith^John"}]}`,
		`"00201206":{"vr":"IS","Value":[3]}`,
		`"00080050":{"vr":"SH"}`,
		`"00400275":{"vr":"SQ","Value":[{"00401001":{"vr":"SH","Value":["RP1"]}}]}`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("JSON %s\nmissing %s", got, want)
		}
	}
}

func TestUnmarshalJSON(t *testing.T) {
	in := `{
		"00100010": {"vr": "PN", "Value": [{"Alphabetic": "Doe^Jane", "Ideographic": "Doe^J"}]},
		"00201208": {"vr": "IS", "Value": [5]},
		"00080061": {"vr": "CS", "Value": ["CT", "MR"]},
		"00081032": {"vr": "SQ", "Value": [{"00080100": {"vr": "SH", "Value": ["P1"]}}]},
		"00100030": {"vr": "DA", "Value": [null]}
	}`
	a := dcm.NewAttributes()
	if err := json.Unmarshal([]byte(in), a); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if got := a.String(dcm.PatientName); got != "Doe^Jane=Doe^J" {
		t.Errorf("PatientName = %q", got)
	}
	if got := a.String(dcm.NumberOfStudyRelatedInstances); got != "5" {
		t.Errorf("NumberOfStudyRelatedInstances = %q", got)
	}
	if got := a.Strings(dcm.ModalitiesInStudy); len(got) != 2 {
		t.Errorf("ModalitiesInStudy = %v", got)
	}
	if got := a.Item(dcm.ProcedureCodeSequence).String(dcm.CodeValue); got != "P1" {
		t.Errorf("ProcedureCodeSequence CodeValue = %q", got)
	}
	if a.HasValue(dcm.PatientBirthDate) {
		t.Error("null value should decode as empty")
	}
}

func TestUnmarshalJSONRejectsUnknownKeyword(t *testing.T) {
	a := dcm.NewAttributes()
	if err := json.Unmarshal([]byte(`{"NotATag": {"vr": "LO"}}`), a); err == nil {
		t.Error("expected an error for an unknown attribute")
	}
}
