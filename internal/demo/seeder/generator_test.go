package seeder

import (
	"reflect"
	"testing"
	"time"
)

func TestDatasetDeterministicForSeed(t *testing.T) {
	fixedNow := time.Date(2026, 2, 19, 7, 30, 0, 0, time.UTC)

	g1 := NewGenerator(42)
	g2 := NewGenerator(42)
	g1.now = func() time.Time { return fixedNow }
	g2.now = func() time.Time { return fixedNow }

	d1 := g1.Dataset(2, 2, 3)
	d2 := g2.Dataset(2, 2, 3)
	if !reflect.DeepEqual(d1, d2) {
		t.Fatal("datasets with the same seed differ")
	}
}

func TestDatasetShape(t *testing.T) {
	g := NewGenerator(7)
	g.now = func() time.Time { return time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC) }

	ds := g.Dataset(2, 3, 4)
	if len(ds.Accounts) != 2 {
		t.Fatalf("accounts = %d, want 2", len(ds.Accounts))
	}
	if len(ds.Patients) != 6 {
		t.Fatalf("patients = %d, want 6", len(ds.Patients))
	}
	if len(ds.Reports) != 24 {
		t.Fatalf("reports = %d, want 24", len(ds.Reports))
	}

	accountIDs := map[string]struct{}{}
	for _, account := range ds.Accounts {
		accountIDs[account.AccountID] = struct{}{}
	}
	patientAccounts := map[string]string{}
	for _, patient := range ds.Patients {
		if _, ok := accountIDs[patient.AccountID]; !ok {
			t.Fatalf("patient %s references unknown account %s", patient.PatientID, patient.AccountID)
		}
		patientAccounts[patient.PatientID] = patient.AccountID
	}
	for _, report := range ds.Reports {
		accountID, ok := patientAccounts[report.PatientID]
		if !ok {
			t.Fatalf("report %s references unknown patient %s", report.ReportID, report.PatientID)
		}
		if report.AccountID != accountID {
			t.Fatalf("report %s account = %s, want %s", report.ReportID, report.AccountID, accountID)
		}
		if len(report.Results) < 4 {
			t.Fatalf("report %s has %d results, want at least 4", report.ReportID, len(report.Results))
		}
	}
}

func TestResultFlagsMatchReferenceRange(t *testing.T) {
	g := NewGenerator(11)
	ds := g.Dataset(3, 2, 6)

	for _, report := range ds.Reports {
		for _, result := range report.Results {
			if result.ValueNumeric == nil {
				if result.ValueText == "" {
					t.Fatalf("result %s has neither numeric nor text value", result.ResultID)
				}
				if result.AbnormalFlag != "" {
					t.Fatalf("qualitative result %s has flag %q", result.ResultID, result.AbnormalFlag)
				}
				continue
			}
			value := *result.ValueNumeric
			low, high := *result.ReferenceLow, *result.ReferenceHigh
			switch result.AbnormalFlag {
			case "H":
				if value <= high {
					t.Fatalf("%s flagged H with value %.2f <= %.2f", result.ParameterName, value, high)
				}
			case "L":
				if value >= low {
					t.Fatalf("%s flagged L with value %.2f >= %.2f", result.ParameterName, value, low)
				}
			case "":
				if value < low || value > high {
					t.Fatalf("%s unflagged with value %.2f outside [%.2f, %.2f]", result.ParameterName, value, low, high)
				}
			default:
				t.Fatalf("unexpected flag %q", result.AbnormalFlag)
			}
		}
	}
}

func TestDatasetIDsAreUnique(t *testing.T) {
	g := NewGenerator(3)
	ds := g.Dataset(2, 2, 3)

	seen := map[string]struct{}{}
	record := func(id string) {
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = struct{}{}
	}
	for _, account := range ds.Accounts {
		record(account.AccountID)
	}
	for _, patient := range ds.Patients {
		record(patient.PatientID)
	}
	for _, report := range ds.Reports {
		record(report.ReportID)
		for _, result := range report.Results {
			record(result.ResultID)
		}
	}
}
