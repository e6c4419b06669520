package query_test

import (
	"context"
	"strings"
	"testing"

	"github.com/otcheredev/dicom-archive-core/internal/archive"
	"github.com/otcheredev/dicom-archive-core/internal/dcm"
	"github.com/otcheredev/dicom-archive-core/internal/models"
	"github.com/otcheredev/dicom-archive-core/internal/query"
)

func TestLocate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, o := range []obj{
		{patientID: "P1", study: "1", series: "1.1", modality: "CT", sop: "1.1.1", retrieveAETs: []string{"AE1"}},
		{patientID: "P1", study: "1", series: "1.1", modality: "CT", sop: "1.1.2", retrieveAETs: []string{"AE1", "AE2"}},
		{patientID: "P2", study: "2", series: "2.1", modality: "MR", sop: "2.1.1", retrieveAETs: []string{"AE1"}},
	} {
		f.add(t, o)
	}
	if _, err := f.store.RegisterFileRef(ctx, "1.1.1", "file:///archive/1.1.1", "1.2.840.10008.1.2.1", archive.Online); err != nil {
		t.Fatalf("RegisterFileRef failed: %v", err)
	}

	locs, err := f.query.Locate(ctx, nil, keys(dcm.StudyInstanceUID, "1"))
	if err != nil {
		t.Fatalf("Locate failed: %v", err)
	}
	if len(locs) != 2 {
		t.Fatalf("located %d instances; want 2", len(locs))
	}

	byUID := map[string]models.InstanceLocator{}
	for _, l := range locs {
		byUID[l.SOPInstanceUID] = l
	}
	withFile := byUID["1.1.1"]
	if withFile.URI != "file:///archive/1.1.1" || withFile.TransferSyntaxUID != "1.2.840.10008.1.2.1" {
		t.Errorf("located file = %s %s", withFile.URI, withFile.TransferSyntaxUID)
	}
	noFile := byUID["1.1.2"]
	if noFile.URI != `aet:AE1\AE2` || noFile.TransferSyntaxUID != "" {
		t.Errorf("located without file = %s %q", noFile.URI, noFile.TransferSyntaxUID)
	}
	if noFile.Attributes.String(dcm.PatientID) != "P1" || noFile.SOPClassUID == "" {
		t.Errorf("locator attributes incomplete: %+v", noFile)
	}

	locs, err = f.query.Locate(ctx, []archive.IDWithIssuer{{ID: "P2"}}, nil)
	if err != nil {
		t.Fatalf("Locate failed: %v", err)
	}
	if len(locs) != 1 || locs[0].SOPInstanceUID != "2.1.1" {
		t.Errorf("locate by patient = %+v", locs)
	}
}

func TestRetrieveAETs(t *testing.T) {
	tests := []struct {
		agg  models.Aggregates
		want string
	}{
		{models.Aggregates{}, ""},
		{models.Aggregates{RetrieveAETs: `AE1\AE2`}, `AE1,AE2`},
		{models.Aggregates{RetrieveAETs: "AE1", ExternalRetrieveAET: "EXT"}, "AE1,EXT"},
		{models.Aggregates{RetrieveAETs: `AE1\EXT`, ExternalRetrieveAET: "EXT"}, "AE1,EXT"},
		{models.Aggregates{ExternalRetrieveAET: "EXT"}, "EXT"},
	}

	for _, tt := range tests {
		if got := strings.Join(query.RetrieveAETs(tt.agg), ","); got != tt.want {
			t.Errorf("RetrieveAETs(%+v) = %q; want %q", tt.agg, got, tt.want)
		}
	}
}
