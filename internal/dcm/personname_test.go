package dcm_test

import (
	"testing"

	"github.com/otcheredev/dicom-archive-core/internal/dcm"
)

func TestParsePersonName(t *testing.T) {
	pn := dcm.ParsePersonName("Yamada^Tarou=山田^太郎=やまだ^たろう")

	if pn.Groups() != 3 {
		t.Errorf("Groups = %d, want 3", pn.Groups())
	}
	if got := pn.Get(dcm.Alphabetic, dcm.GivenName); got != "Tarou" {
		t.Errorf("alphabetic given name = %q", got)
	}
	if got := pn.Group(dcm.Ideographic); got != "山田^太郎" {
		t.Errorf("ideographic group = %q", got)
	}
	if got := pn.Get(dcm.Phonetic, dcm.FamilyName); got != "やまだ" {
		t.Errorf("phonetic family name = %q", got)
	}
}

func TestPersonNameString(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Smith^John", "Smith^John"},
		{"Smith^^^^", "Smith"},
		{"^John", "^John"},
		{"=Yamada", "=Yamada"},
		{"Smith^John==", "Smith^John"},
	}

	for _, tt := range tests {
		if got := dcm.ParsePersonName(tt.in).String(); got != tt.want {
			t.Errorf("ParsePersonName(%q).String() = %q; want %q", tt.in, got, tt.want)
		}
	}
}

func TestPersonNameGroupsAndEmpty(t *testing.T) {
	if got := dcm.ParsePersonName("Smith").Groups(); got != 1 {
		t.Errorf("Groups of a plain name = %d, want 1", got)
	}
	if !dcm.ParsePersonName("").IsEmpty() {
		t.Error("empty value should parse to an empty name")
	}
	if !dcm.ParsePersonName("^^=^").IsEmpty() {
		t.Error("name of empty components should be empty")
	}

	var pn dcm.PersonName
	pn.Set(dcm.Phonetic, dcm.FamilyName, "Doe")
	if pn.Groups() != 3 {
		t.Errorf("Set on phonetic group: Groups = %d, want 3", pn.Groups())
	}
	if got := pn.String(); got != "==Doe" {
		t.Errorf("String = %q, want ==Doe", got)
	}
}
