package safety

import "context"

// Intent declares how the caller will consume the result set. Data and
// plot results carry different row ceilings.
type Intent string

const (
	IntentData Intent = "data"
	IntentPlot Intent = "plot"
)

// Violation codes surfaced in Result.Code and in API error payloads.
const (
	CodeEmptyStatement     = "EMPTY_STATEMENT"
	CodeNotReadOnly        = "NOT_READ_ONLY"
	CodeMutationKeyword    = "MUTATION_KEYWORD"
	CodeMultipleStatements = "MULTIPLE_STATEMENTS"
	CodeVolatileFunction   = "VOLATILE_FUNCTION"
	CodePlaceholderToken   = "PLACEHOLDER_TOKEN"
	CodeJoinLimit          = "JOIN_LIMIT"
	CodeSubqueryDepth      = "SUBQUERY_DEPTH"
	CodeAggregateLimit     = "AGGREGATE_LIMIT"
	CodeMissingScopeFilter = "MISSING_SCOPE_FILTER"
	CodeMutatingPlan       = "MUTATING_PLAN"
	CodePlotShape          = "PLOT_SHAPE"
)

// Config bounds the structural cost and result size of candidate
// statements.
type Config struct {
	MaxJoins         int
	MaxSubqueryDepth int
	MaxAggregates    int
	DataRowCap       int
	PlotRowCap       int
}

// Requirement describes the account's patient topology at validation
// time. When more than one patient exists the statement must carry an
// explicit patient_id filter naming the resolved identifier.
type Requirement struct {
	PatientCount int
	PatientID    string
}

// Result is the validator's verdict. Statement carries the statement as
// it should be executed, with the row ceiling injected or clamped. A
// rejected result has OK false and the first violation's Code and
// Message. Warnings record probe degradations that did not change the
// verdict.
type Result struct {
	OK        bool
	Statement string
	Code      string
	Message   string
	Warnings  []string
}

func reject(code, message string) Result {
	return Result{Code: code, Message: message}
}

// Column describes one output column of a candidate statement, as
// reported by a metadata probe.
type Column struct {
	Name string
	Type string
}

// Prober plans candidate statements against a schema mirror without
// executing them. Plan returns the textual execution plan; Shape
// returns the output column metadata.
type Prober interface {
	Plan(ctx context.Context, statement string) (string, error)
	Shape(ctx context.Context, statement string) ([]Column, error)
}
