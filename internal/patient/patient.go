package patient

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("patient: not found")

// Registry reads the patient roster for an account. The chat engine never
// writes patients; they are provisioned by the ingestion side.
type Registry interface {
	HealthCheck(ctx context.Context) error
	List(ctx context.Context, accountID string) ([]Patient, error)
	Get(ctx context.Context, accountID, patientID string) (Patient, error)
}

type Patient struct {
	PatientID   string
	AccountID   string
	FullName    string
	DateOfBirth *time.Time
	Sex         string
	CreatedAt   time.Time
}
