package seeder

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

type Account struct {
	AccountID   string
	DisplayName string
}

type Patient struct {
	PatientID   string
	AccountID   string
	FullName    string
	DateOfBirth time.Time
	Sex         string
}

type Report struct {
	ReportID   string
	AccountID  string
	PatientID  string
	LabName    string
	ReportedAt time.Time
	SourceFile string
	Results    []Result
}

type Result struct {
	ResultID      string
	ParameterName string
	ParameterCode string
	ValueNumeric  *float64
	ValueText     string
	Unit          string
	ReferenceLow  *float64
	ReferenceHigh *float64
	AbnormalFlag  string
	MeasuredAt    time.Time
}

type Dataset struct {
	Accounts []Account
	Patients []Patient
	Reports  []Report
}

func (d Dataset) ResultCount() int {
	total := 0
	for _, report := range d.Reports {
		total += len(report.Results)
	}
	return total
}

// analyte carries the reference interval used both for sampling values
// and for filling reference_low/reference_high on the row.
type analyte struct {
	name string
	code string
	unit string
	low  float64
	high float64
}

var quantitativeAnalytes = []analyte{
	{"Hemoglobin", "718-7", "g/dL", 12.0, 16.0},
	{"Hematocrit", "4544-3", "%", 36, 48},
	{"Leukocytes", "6690-2", "10^9/L", 4.0, 10.0},
	{"Platelets", "777-3", "10^9/L", 150, 400},
	{"Glucose", "2345-7", "mmol/L", 3.9, 5.6},
	{"HbA1c", "4548-4", "%", 4.0, 5.6},
	{"Creatinine", "2160-0", "umol/L", 60, 110},
	{"ALT", "1742-6", "U/L", 7, 40},
	{"AST", "1920-8", "U/L", 10, 40},
	{"TSH", "3016-3", "mIU/L", 0.4, 4.0},
	{"LDL cholesterol", "13457-7", "mmol/L", 1.0, 3.0},
	{"HDL cholesterol", "2085-9", "mmol/L", 1.0, 2.5},
	{"Total cholesterol", "2093-3", "mmol/L", 2.9, 5.2},
	{"Triglycerides", "2571-8", "mmol/L", 0.5, 1.7},
	{"Vitamin D 25-OH", "1989-3", "nmol/L", 50, 125},
	{"Ferritin", "2276-4", "ug/L", 30, 300},
}

type qualitativeAnalyte struct {
	name   string
	code   string
	values []string
}

var qualitativeAnalytes = []qualitativeAnalyte{
	{"Urine protein", "2888-6", []string{"negative", "negative", "trace", "+"}},
	{"Urine glucose", "25428-4", []string{"negative", "negative", "negative", "trace"}},
}

var labNames = []string{"Synlab", "Northway Lab", "City Medical Lab", "BioDiagnostika"}

var familyNames = []string{"Janssen", "Kalvaitis", "Petrova", "Berger", "Okafor", "Tanaka", "Lindqvist", "Moreau"}

var givenNames = []string{"Anna", "Jonas", "Greta", "Lukas", "Marta", "Paulius", "Elena", "Tomas", "Ieva", "Simon"}

type Generator struct {
	rnd      *rand.Rand
	sequence int64
	now      func() time.Time
}

func NewGenerator(seed int64) *Generator {
	return &Generator{
		rnd: rand.New(rand.NewSource(seed)),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Dataset produces the full synthetic tree in insert order: accounts,
// their patients, then each patient's reports with results attached.
func (g *Generator) Dataset(accounts, patientsPerAccount, reportsPerPatient int) Dataset {
	var ds Dataset
	for i := 0; i < accounts; i++ {
		familyName := pickOne(g.rnd, familyNames)
		account := Account{
			AccountID:   g.newID(),
			DisplayName: familyName + " family",
		}
		ds.Accounts = append(ds.Accounts, account)

		for j := 0; j < patientsPerAccount; j++ {
			patient := g.patient(account.AccountID, familyName)
			ds.Patients = append(ds.Patients, patient)
			ds.Reports = append(ds.Reports, g.reports(patient, reportsPerPatient)...)
		}
	}
	return ds
}

func (g *Generator) patient(accountID, familyName string) Patient {
	patient := Patient{
		PatientID: g.newID(),
		AccountID: accountID,
		FullName:  pickOne(g.rnd, givenNames) + " " + familyName,
	}
	if g.rnd.Intn(10) > 0 {
		patient.DateOfBirth = g.dateOfBirth()
	}
	if g.rnd.Intn(10) > 0 {
		patient.Sex = pickOne(g.rnd, []string{"F", "M"})
	}
	return patient
}

func (g *Generator) reports(patient Patient, count int) []Report {
	reports := make([]Report, 0, count)
	// Oldest first, roughly one draw every two months with jitter.
	reportedAt := g.now().AddDate(0, -2*count, 0)
	for i := 0; i < count; i++ {
		reportedAt = reportedAt.AddDate(0, 2, g.rnd.Intn(21)-10)
		g.sequence++
		report := Report{
			ReportID:   g.newID(),
			AccountID:  patient.AccountID,
			PatientID:  patient.PatientID,
			LabName:    pickOne(g.rnd, labNames),
			ReportedAt: reportedAt,
			SourceFile: fmt.Sprintf("upload-%06d.pdf", g.sequence),
		}
		report.Results = g.results(report)
		reports = append(reports, report)
	}
	return reports
}

func (g *Generator) results(report Report) []Result {
	measuredAt := report.ReportedAt.Add(-time.Duration(2+g.rnd.Intn(6)) * time.Hour)

	count := 4 + g.rnd.Intn(5)
	if count > len(quantitativeAnalytes) {
		count = len(quantitativeAnalytes)
	}
	picked := g.rnd.Perm(len(quantitativeAnalytes))[:count]

	results := make([]Result, 0, count+1)
	for _, idx := range picked {
		results = append(results, g.quantitativeResult(quantitativeAnalytes[idx], measuredAt))
	}
	if g.rnd.Intn(4) == 0 {
		q := qualitativeAnalytes[g.rnd.Intn(len(qualitativeAnalytes))]
		results = append(results, Result{
			ResultID:      g.newID(),
			ParameterName: q.name,
			ParameterCode: q.code,
			ValueText:     pickOne(g.rnd, q.values),
			MeasuredAt:    measuredAt,
		})
	}
	return results
}

func (g *Generator) quantitativeResult(a analyte, measuredAt time.Time) Result {
	span := a.high - a.low
	value := round2(a.low - 0.15*span + g.rnd.Float64()*1.3*span)

	low, high := a.low, a.high
	result := Result{
		ResultID:      g.newID(),
		ParameterName: a.name,
		ParameterCode: a.code,
		ValueNumeric:  &value,
		Unit:          a.unit,
		ReferenceLow:  &low,
		ReferenceHigh: &high,
		MeasuredAt:    measuredAt,
	}
	switch {
	case value > a.high:
		result.AbnormalFlag = "H"
	case value < a.low:
		result.AbnormalFlag = "L"
	}
	return result
}

func (g *Generator) newID() string {
	return uuid.Must(uuid.NewRandomFromReader(g.rnd)).String()
}

func (g *Generator) dateOfBirth() time.Time {
	year := 1950 + g.rnd.Intn(63)
	month := time.Month(1 + g.rnd.Intn(12))
	day := 1 + g.rnd.Intn(28)
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}

func pickOne(r *rand.Rand, values []string) string {
	return values[r.Intn(len(values))]
}
