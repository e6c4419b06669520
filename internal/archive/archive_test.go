package archive_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/otcheredev/dicom-archive-core/internal/archive"
	"github.com/otcheredev/dicom-archive-core/internal/dcm"
)

func TestParseLevel(t *testing.T) {
	for _, s := range []string{"PATIENT", "study", "Series", "IMAGE"} {
		l, err := archive.ParseLevel(s)
		if err != nil {
			t.Errorf("ParseLevel(%q) failed: %v", s, err)
			continue
		}
		if !l.Valid() {
			t.Errorf("ParseLevel(%q) = %v is not valid", s, l)
		}
	}

	_, err := archive.ParseLevel("FRAME")
	var qe *archive.QueryError
	if !errors.As(err, &qe) || qe.Code != archive.InvalidLevel {
		t.Errorf("ParseLevel(FRAME) error = %v; want InvalidLevel", err)
	}
	if got := archive.Level(7).String(); got != "Level(7)" {
		t.Errorf("String of an invalid level = %q", got)
	}
}

func TestAvailability(t *testing.T) {
	a, err := archive.ParseAvailability("nearline")
	if err != nil || a != archive.Nearline {
		t.Fatalf("ParseAvailability(nearline) = %v, %v", a, err)
	}
	if archive.Worst(archive.Online, archive.Offline) != archive.Offline {
		t.Error("Worst(ONLINE, OFFLINE) should be OFFLINE")
	}
	if archive.Worst(archive.Unavailable, archive.Nearline) != archive.Unavailable {
		t.Error("Worst(UNAVAILABLE, NEARLINE) should be UNAVAILABLE")
	}
	if _, err := archive.ParseAvailability("LOST"); err == nil {
		t.Error("expected error for an unknown availability")
	}
}

func TestParseIssuer(t *testing.T) {
	if archive.ParseIssuer("") != nil {
		t.Error("empty issuer should parse to nil")
	}
	if archive.ParseIssuer("&&ISO") != nil {
		t.Error("issuer with only a type should parse to nil")
	}

	i := archive.ParseIssuer("HOSP&1.2.3&ISO")
	if i.LocalNamespaceEntityID != "HOSP" || i.UniversalEntityID != "1.2.3" || i.UniversalEntityIDType != "ISO" {
		t.Errorf("ParseIssuer = %+v", i)
	}
	if got := i.String(); got != "HOSP&1.2.3&ISO" {
		t.Errorf("String = %q", got)
	}
	if got := archive.ParseIssuer("HOSP").String(); got != "HOSP" {
		t.Errorf("String of a local issuer = %q", got)
	}
}

func TestIssuerMatches(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"HOSP", "HOSP", true},
		{"HOSP", "CLINIC", false},
		{"HOSP&1.2.3&ISO", "&1.2.3&ISO", true},
		{"HOSP&1.2.3&ISO", "HOSP&1.2.4&ISO", false},
		{"HOSP&1.2.3&ISO", "HOSP&1.2.3&DNS", false},
		{"HOSP", "&1.2.3&ISO", false},
		{"HOSP", "", false},
	}

	for _, tt := range tests {
		a, b := archive.ParseIssuer(tt.a), archive.ParseIssuer(tt.b)
		if got := a.Matches(b); got != tt.want {
			t.Errorf("%q matches %q = %v; want %v", tt.a, tt.b, got, tt.want)
		}
		if got := b.Matches(a); got != tt.want {
			t.Errorf("%q matches %q = %v; want %v", tt.b, tt.a, got, tt.want)
		}
	}
}

func TestPatientIssuerAttributes(t *testing.T) {
	attrs := dcm.NewAttributes()
	archive.SetPatientIssuer(attrs, archive.ParseIssuer("HOSP&1.2.3&ISO"))

	if got := attrs.String(dcm.IssuerOfPatientID); got != "HOSP" {
		t.Errorf("IssuerOfPatientID = %q", got)
	}
	if got := archive.PatientIssuer(attrs).String(); got != "HOSP&1.2.3&ISO" {
		t.Errorf("PatientIssuer = %q", got)
	}

	archive.SetPatientIssuer(attrs, nil)
	if attrs.Contains(dcm.IssuerOfPatientID) || attrs.Contains(dcm.IssuerOfPatientIDQualifiersSequence) {
		t.Error("SetPatientIssuer(nil) should remove the issuer attributes")
	}
}

func TestPatientIDs(t *testing.T) {
	attrs := dcm.NewAttributes()
	attrs.Set(dcm.PatientID, dcm.VRLO, "P1")
	attrs.Set(dcm.IssuerOfPatientID, dcm.VRLO, "HOSP")
	other := attrs.NewItem(dcm.OtherPatientIDsSequence)
	other.Set(dcm.PatientID, dcm.VRLO, "X9")
	other.Set(dcm.IssuerOfPatientID, dcm.VRLO, "CLINIC")
	attrs.NewItem(dcm.OtherPatientIDsSequence)

	ids := archive.PatientIDs(attrs)
	if len(ids) != 2 {
		t.Fatalf("got %d ids, want 2", len(ids))
	}
	if got := ids[0].String(); got != "P1^^^HOSP" {
		t.Errorf("primary id = %q", got)
	}
	if got := ids[1].String(); got != "X9^^^CLINIC" {
		t.Errorf("other id = %q", got)
	}
}

func TestAccessionIssuerItem(t *testing.T) {
	attrs := dcm.NewAttributes()
	attrs.SetSequence(dcm.IssuerOfAccessionNumberSequence, archive.ParseIssuer("RIS&2.16.1&ISO").Item())

	got := archive.AccessionIssuer(attrs)
	if got.String() != "RIS&2.16.1&ISO" {
		t.Errorf("AccessionIssuer = %q", got.String())
	}
	if archive.AccessionIssuer(dcm.NewAttributes()) != nil {
		t.Error("missing issuer sequence should yield nil")
	}
}

func TestIsTemporary(t *testing.T) {
	transient := archive.NewTransientError("store", 3, archive.ErrConflict)
	if !archive.IsTemporary(fmt.Errorf("wrapped: %w", transient)) {
		t.Error("wrapped transient error should be temporary")
	}
	if !errors.Is(transient, archive.ErrConflict) {
		t.Error("transient error should unwrap to its cause")
	}
	if !archive.IsTemporary(archive.NewResourceError("query", errors.New("pool exhausted"))) {
		t.Error("resource error should be temporary")
	}
	if archive.IsTemporary(archive.NewQueryError(archive.IllegalKey, "Modality", "not allowed")) {
		t.Error("query error should not be temporary")
	}
}
