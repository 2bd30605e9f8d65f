package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rudnitski/HealthUp-sub002/internal/patient"
)

type Registry struct {
	db *sql.DB
}

func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db}
}

var _ patient.Registry = (*Registry)(nil)

func (r *Registry) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping store db: %w", err)
	}
	return nil
}

// List returns the account's patients in roster order. The ordering is part
// of the contract: ordinal references in conversation ("the second one")
// resolve against this exact sequence.
func (r *Registry) List(ctx context.Context, accountID string) ([]patient.Patient, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT patient_id, account_id, full_name, date_of_birth, sex, created_at
FROM patient
WHERE account_id = $1
ORDER BY full_name ASC, patient_id ASC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	defer func() { _ = rows.Close() }()

	patients := make([]patient.Patient, 0)
	for rows.Next() {
		var p patient.Patient
		var dob sql.NullTime
		var sex sql.NullString
		if err := rows.Scan(&p.PatientID, &p.AccountID, &p.FullName, &dob, &sex, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan patient row: %w", err)
		}
		if dob.Valid {
			value := dob.Time
			p.DateOfBirth = &value
		}
		if sex.Valid {
			p.Sex = sex.String
		}
		patients = append(patients, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate patient rows: %w", err)
	}
	return patients, nil
}

func (r *Registry) Get(ctx context.Context, accountID, patientID string) (patient.Patient, error) {
	query := `
SELECT patient_id, account_id, full_name, date_of_birth, sex, created_at
FROM patient
WHERE account_id = $1 AND patient_id = $2`

	var p patient.Patient
	var dob sql.NullTime
	var sex sql.NullString
	if err := r.db.QueryRowContext(ctx, query, accountID, patientID).Scan(
		&p.PatientID,
		&p.AccountID,
		&p.FullName,
		&dob,
		&sex,
		&p.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return patient.Patient{}, patient.ErrNotFound
		}
		return patient.Patient{}, fmt.Errorf("get patient: %w", err)
	}
	if dob.Valid {
		value := dob.Time
		p.DateOfBirth = &value
	}
	if sex.Valid {
		p.Sex = sex.String
	}
	return p, nil
}
