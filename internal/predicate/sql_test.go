package predicate_test

import (
	"reflect"
	"testing"

	"github.com/otcheredev/dicom-archive-core/internal/archive"
	"github.com/otcheredev/dicom-archive-core/internal/models"
	"github.com/otcheredev/dicom-archive-core/internal/predicate"
)

var patientID = predicate.Col(models.TablePatient, "patient_id")

func TestSQL(t *testing.T) {
	tests := []struct {
		name     string
		expr     predicate.Expr
		wantSQL  string
		wantArgs []any
	}{
		{
			name:    "nil matches everything",
			expr:    nil,
			wantSQL: "1 = 1",
		},
		{
			name:     "literal",
			expr:     predicate.Wildcard(patientID, "P1", false),
			wantSQL:  "patient.patient_id = ?",
			wantArgs: []any{"P1"},
		},
		{
			name:     "wildcard",
			expr:     predicate.Wildcard(patientID, "PAT*", false),
			wantSQL:  "patient.patient_id LIKE ? ESCAPE '!'",
			wantArgs: []any{"PAT%"},
		},
		{
			name:     "match unknown",
			expr:     predicate.Wildcard(patientID, "P1", true),
			wantSQL:  "(patient.patient_id = ? OR patient.patient_id = ?)",
			wantArgs: []any{"P1", "*"},
		},
		{
			name:     "uid list",
			expr:     predicate.UIDs(predicate.Col("study", "study_iuid"), []string{"1.2", "1.3"}),
			wantSQL:  "study.study_iuid IN ?",
			wantArgs: []any{[]string{"1.2", "1.3"}},
		},
		{
			name:     "between",
			expr:     predicate.Between{Col: predicate.Col("study", "study_date"), Lo: "20240101", Hi: "20241231"},
			wantSQL:  "study.study_date BETWEEN ? AND ?",
			wantArgs: []any{"20240101", "20241231"},
		},
		{
			name:    "not null",
			expr:    predicate.Not{X: predicate.IsNull{Col: predicate.Col("patient", "merged_with_fk")}},
			wantSQL: "NOT (patient.merged_with_fk IS NULL)",
		},
		{
			name:     "access control",
			expr:     predicate.AccessControl(predicate.Col("study", "study_iuid"), []string{"DOCTOR"}),
			wantSQL:  "EXISTS (SELECT 1 FROM study_permission AS sp WHERE sp.study_iuid = study.study_iuid AND (sp.action = ? AND sp.role IN ?))",
			wantArgs: []any{models.ActionQuery, []string{"DOCTOR"}},
		},
		{
			name:     "issuer",
			expr:     predicate.Issuer(predicate.Col("patient", "issuer_fk"), archive.ParseIssuer("HOSP"), false),
			wantSQL:  "EXISTS (SELECT 1 FROM issuer AS patient_issuer WHERE patient_issuer.pk = patient.issuer_fk AND patient_issuer.entity_id = ?)",
			wantArgs: []any{"HOSP"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args := predicate.SQL(tt.expr)
			if sql != tt.wantSQL {
				t.Errorf("SQL = %s\nwant  %s", sql, tt.wantSQL)
			}
			if len(args) != len(tt.wantArgs) || (len(args) > 0 && !reflect.DeepEqual(args, tt.wantArgs)) {
				t.Errorf("args = %v; want %v", args, tt.wantArgs)
			}
		})
	}
}

func TestToLike(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"PAT*", "PAT%"},
		{"A**B", "A%B"},
		{"?X", "_X"},
		{"50%_!", "50!%!_!!"},
	}

	for _, tt := range tests {
		if got := predicate.ToLike(tt.in); got != tt.want {
			t.Errorf("ToLike(%q) = %q; want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsUniversal(t *testing.T) {
	for _, v := range []string{"", " ", "*", "***"} {
		if !predicate.IsUniversal(v) {
			t.Errorf("IsUniversal(%q) = false", v)
		}
	}
	for _, v := range []string{"A*", "?", "*B"} {
		if predicate.IsUniversal(v) {
			t.Errorf("IsUniversal(%q) = true", v)
		}
	}
}

func TestCombinators(t *testing.T) {
	x := predicate.Wildcard(patientID, "P1", false)

	if predicate.AllOf(nil, nil) != nil {
		t.Error("AllOf of nils should be nil")
	}
	if got := predicate.AllOf(nil, x); !reflect.DeepEqual(got, x) {
		t.Errorf("AllOf with one operand = %#v", got)
	}
	if predicate.AnyOf(x, nil) != nil {
		t.Error("AnyOf with a nil operand should match everything")
	}
	if _, ok := predicate.AnyOf(x, x).(predicate.Or); !ok {
		t.Error("AnyOf of two operands should be an Or")
	}
}

func TestPatientIDsUniversal(t *testing.T) {
	pids := []archive.IDWithIssuer{{ID: "P1"}, {ID: "*"}}
	if predicate.PatientIDs(pids, false) != nil {
		t.Error("a universal patient id should disable the patient predicate")
	}
	if predicate.PatientIDs(nil, false) != nil {
		t.Error("no patient ids should disable the patient predicate")
	}
}
