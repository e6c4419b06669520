package dcm_test

import (
	"testing"

	"github.com/otcheredev/dicom-archive-core/internal/dcm"
)

func TestParseTag(t *testing.T) {
	tests := []struct {
		in   string
		want dcm.Tag
	}{
		{"PatientName", dcm.PatientName},
		{"00100010", dcm.PatientName},
		{"0020000D", dcm.StudyInstanceUID},
		{" Modality ", dcm.Modality},
	}

	for _, tt := range tests {
		got, err := dcm.ParseTag(tt.in)
		if err != nil {
			t.Errorf("ParseTag(%q) failed: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTag(%q) = %v; want %v", tt.in, got, tt.want)
		}
	}

	if _, err := dcm.ParseTag("NoSuchKeyword"); err == nil {
		t.Error("expected error for an unknown keyword")
	}
}

func TestParseTagPath(t *testing.T) {
	path, err := dcm.ParseTagPath("RequestAttributesSequence.AccessionNumber")
	if err != nil {
		t.Fatalf("ParseTagPath failed: %v", err)
	}
	if len(path) != 2 || path[0] != dcm.RequestAttributesSequence || path[1] != dcm.AccessionNumber {
		t.Errorf("ParseTagPath = %v", path)
	}

	if _, err := dcm.ParseTagPath("RequestAttributesSequence.Bogus"); err == nil {
		t.Error("expected error for an unknown path element")
	}
}

func TestVROf(t *testing.T) {
	tests := []struct {
		tag  dcm.Tag
		want dcm.VR
	}{
		{dcm.PatientName, dcm.VRPN},
		{dcm.StudyDate, dcm.VRDA},
		{dcm.SOPInstanceUID, dcm.VRUI},
		{dcm.RequestAttributesSequence, dcm.VRSQ},
		{dcm.Tag{Group: 0x0010, Element: 0x0000}, dcm.VRUL},
	}

	for _, tt := range tests {
		if got := dcm.VROf(tt.tag); got != tt.want {
			t.Errorf("VROf(%s) = %s; want %s", dcm.Hex(tt.tag), got, tt.want)
		}
	}
}

func TestKeywordAndHex(t *testing.T) {
	if got := dcm.Keyword(dcm.StudyInstanceUID); got != "StudyInstanceUID" {
		t.Errorf("Keyword = %q", got)
	}
	if got := dcm.Hex(dcm.PatientName); got != "00100010" {
		t.Errorf("Hex = %q", got)
	}
	if dcm.Key(dcm.PatientName) >= dcm.Key(dcm.PatientID) {
		t.Error("Key must order PatientName before PatientID")
	}
}
