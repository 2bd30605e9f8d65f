// Package seeder fills the lab schema with synthetic families so a dev
// stack has data for the chat API to answer questions about.
package seeder

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"time"
)

type Seeder struct {
	cfg Config
	log *slog.Logger
	db  *sql.DB
	gen *Generator
}

type Summary struct {
	Accounts int `json:"accounts"`
	Patients int `json:"patients"`
	Reports  int `json:"reports"`
	Results  int `json:"results"`
}

func New(cfg Config, logger *slog.Logger, db *sql.DB) (*Seeder, error) {
	if db == nil {
		return nil, fmt.Errorf("db handle is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Seeder{
		cfg: cfg,
		log: logger,
		db:  db,
		gen: NewGenerator(cfg.Seed),
	}, nil
}

func (s *Seeder) Run(ctx context.Context) (Summary, error) {
	if s.cfg.Reset {
		if _, err := s.db.ExecContext(ctx, `TRUNCATE account, patient, lab_report, lab_result CASCADE`); err != nil {
			return Summary{}, fmt.Errorf("reset demo data: %w", err)
		}
		s.log.Warn("removed existing rows before seeding")
	}

	dataset := s.gen.Dataset(s.cfg.Accounts, s.cfg.PatientsPerAccount, s.cfg.ReportsPerPatient)
	if err := s.insert(ctx, dataset); err != nil {
		return Summary{}, err
	}

	summary := Summary{
		Accounts: len(dataset.Accounts),
		Patients: len(dataset.Patients),
		Reports:  len(dataset.Reports),
		Results:  dataset.ResultCount(),
	}
	s.log.Info(
		"seeded demo data",
		slog.Int("accounts", summary.Accounts),
		slog.Int("patients", summary.Patients),
		slog.Int("reports", summary.Reports),
		slog.Int("results", summary.Results),
	)
	return summary, nil
}

func (s *Seeder) insert(ctx context.Context, dataset Dataset) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seed tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, account := range dataset.Accounts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO account (account_id, display_name) VALUES ($1, $2)`,
			account.AccountID, account.DisplayName,
		); err != nil {
			return fmt.Errorf("insert account %s: %w", account.AccountID, err)
		}
	}

	for _, patient := range dataset.Patients {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO patient (patient_id, account_id, full_name, date_of_birth, sex) VALUES ($1, $2, $3, $4, $5)`,
			patient.PatientID, patient.AccountID, patient.FullName, nullDate(patient.DateOfBirth), nullString(patient.Sex),
		); err != nil {
			return fmt.Errorf("insert patient %s: %w", patient.PatientID, err)
		}
	}

	resultQuery := `
INSERT INTO lab_result (result_id, report_id, account_id, patient_id, parameter_name, parameter_code, value_numeric, value_text, unit, reference_low, reference_high, abnormal_flag, measured_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	for _, report := range dataset.Reports {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO lab_report (report_id, account_id, patient_id, lab_name, reported_at, source_file) VALUES ($1, $2, $3, $4, $5, $6)`,
			report.ReportID, report.AccountID, report.PatientID, nullString(report.LabName), report.ReportedAt, nullString(report.SourceFile),
		); err != nil {
			return fmt.Errorf("insert report %s: %w", report.ReportID, err)
		}
		for _, result := range report.Results {
			if _, err := tx.ExecContext(ctx, resultQuery,
				result.ResultID,
				report.ReportID,
				report.AccountID,
				report.PatientID,
				result.ParameterName,
				nullString(result.ParameterCode),
				result.ValueNumeric,
				nullString(result.ValueText),
				nullString(result.Unit),
				result.ReferenceLow,
				result.ReferenceHigh,
				nullString(result.AbnormalFlag),
				result.MeasuredAt,
			); err != nil {
				return fmt.Errorf("insert result %s: %w", result.ResultID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit seed tx: %w", err)
	}
	return nil
}

func nullString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func nullDate(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	return &value
}
