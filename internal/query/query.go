// Package query executes validated statements against the health-record
// store under a scope binding. The engine never sees raw user input; the
// orchestrator only hands it statements the safety validator passed.
package query

import (
	"context"
	"time"

	"github.com/rudnitski/HealthUp-sub002/internal/scope"
)

// Request is one validated statement plus the scope it runs under.
// RowCap, when positive, wraps the statement with an outer LIMIT that
// holds regardless of what the statement itself asks for.
type Request struct {
	Statement string
	Scope     scope.Binding
	RowCap    int
}

type Result struct {
	Columns  []string
	Rows     [][]any
	Duration time.Duration
}

type Engine interface {
	Execute(ctx context.Context, request Request) (Result, error)
}
