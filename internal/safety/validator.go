package safety

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/rudnitski/HealthUp-sub002/internal/observability"
)

var mutationKeywords = map[string]struct{}{
	"insert": {}, "update": {}, "delete": {}, "drop": {}, "alter": {},
	"truncate": {}, "create": {}, "grant": {}, "revoke": {}, "copy": {},
	"merge": {}, "call": {}, "set": {}, "vacuum": {}, "reindex": {},
	"cluster": {}, "prepare": {}, "execute": {}, "deallocate": {}, "do": {},
	"lock": {}, "listen": {}, "notify": {}, "unlisten": {}, "discard": {},
	"reset": {}, "begin": {}, "commit": {}, "rollback": {}, "savepoint": {},
	"abort": {},
}

var volatileFunctions = map[string]struct{}{
	"pg_sleep": {}, "pg_sleep_for": {}, "pg_sleep_until": {},
	"pg_read_file": {}, "pg_read_binary_file": {}, "pg_ls_dir": {},
	"pg_stat_file": {}, "pg_terminate_backend": {}, "pg_cancel_backend": {},
	"pg_reload_conf": {}, "dblink": {}, "dblink_exec": {},
	"dblink_connect": {}, "set_config": {}, "lo_import": {}, "lo_export": {},
}

var aggregateFunctions = map[string]struct{}{
	"count": {}, "sum": {}, "avg": {}, "min": {}, "max": {},
	"stddev": {}, "stddev_pop": {}, "stddev_samp": {},
	"variance": {}, "var_pop": {}, "var_samp": {},
	"array_agg": {}, "string_agg": {}, "json_agg": {}, "jsonb_agg": {},
	"bool_and": {}, "bool_or": {},
	"percentile_cont": {}, "percentile_disc": {}, "corr": {},
}

// mutatingPlanNodes are matched case-sensitively against plan text so
// lower-case identifiers such as inserted_at never trip the check.
var mutatingPlanNodes = map[string]struct{}{
	"INSERT": {}, "BATCH_INSERT": {}, "DELETE": {}, "UPDATE": {},
	"CREATE": {}, "CREATE_TABLE": {}, "CREATE_INDEX": {}, "DROP": {},
	"ALTER": {}, "COPY": {}, "COPY_TO_FILE": {}, "EXPORT": {},
	"ATTACH": {}, "VACUUM": {}, "TRUNCATE": {},
}

type violation struct {
	code    string
	message string
}

// Validator screens candidate statements before they reach the
// executor. Stages run in order and stop at the first violation:
// lexical screen, structural limits, row-bound enforcement, scope
// filter, then the optional plan and shape probes. Stages before the
// probes are pure; the probes consult the Prober when one is set.
type Validator struct {
	Config Config
	Prober Prober
	Logger *slog.Logger
}

func (v *Validator) ensureDefaults() {
	if v.Config.MaxJoins == 0 {
		v.Config.MaxJoins = 8
	}
	if v.Config.MaxSubqueryDepth == 0 {
		v.Config.MaxSubqueryDepth = 3
	}
	if v.Config.MaxAggregates == 0 {
		v.Config.MaxAggregates = 10
	}
	if v.Config.DataRowCap == 0 {
		v.Config.DataRowCap = 500
	}
	if v.Config.PlotRowCap == 0 {
		v.Config.PlotRowCap = 2000
	}
}

func (v *Validator) logger() *slog.Logger {
	if v.Logger != nil {
		return v.Logger
	}
	return slog.Default()
}

// Validate screens one statement for the given intent and scope
// requirement. It never executes the statement. The returned result
// carries the statement to execute, with the row ceiling injected or
// clamped to the intent's cap.
func (v *Validator) Validate(ctx context.Context, statement string, intent Intent, req Requirement) Result {
	v.ensureDefaults()

	masked := maskStatement(statement)
	statement, masked = trimTrailing(statement, masked)
	if strings.TrimSpace(masked) == "" {
		return v.rejected(CodeEmptyStatement, "statement is empty")
	}
	tokens := sqlTokens(masked)

	// The screen scans tokens from the literal mask, which keeps
	// double-quoted identifiers visible: "set_config"(...) calls the
	// function all the same, so identifier quoting must not hide a
	// blocklisted word.
	if viol := lexicalScreen(masked, sqlTokens(maskLiterals(statement))); viol != nil {
		return v.rejected(viol.code, viol.message)
	}
	if viol := v.structuralScreen(masked, tokens); viol != nil {
		return v.rejected(viol.code, viol.message)
	}

	statement = enforceBound(statement, tokens, v.rowCap(intent))
	masked = maskStatement(statement)
	tokens = sqlTokens(masked)

	if viol := scopeFilterCheck(statement, tokens, req); viol != nil {
		return v.rejected(viol.code, viol.message)
	}

	result := Result{OK: true, Statement: statement}
	if v.Prober == nil {
		return result
	}

	viol, warning := v.probePlan(ctx, statement)
	if viol != nil {
		return v.rejected(viol.code, viol.message)
	}
	if warning != "" {
		result.Warnings = append(result.Warnings, warning)
	}

	if intent == IntentPlot {
		viol, warning = v.probeShape(ctx, statement)
		if viol != nil {
			return v.rejected(viol.code, viol.message)
		}
		if warning != "" {
			result.Warnings = append(result.Warnings, warning)
		}
	}
	return result
}

func (v *Validator) rejected(code, message string) Result {
	observability.ValidationRejected(code)
	return reject(code, message)
}

func (v *Validator) rowCap(intent Intent) int {
	if intent == IntentPlot {
		return v.Config.PlotRowCap
	}
	return v.Config.DataRowCap
}

// trimTrailing cuts trailing whitespace, semicolons, and comments from
// both the statement and its mask. Quoted regions mask to filler, not
// spaces, so a statement ending in a string literal keeps its full
// length. Interior semicolons survive and are rejected by the lexical
// screen.
func trimTrailing(statement, masked string) (string, string) {
	cut := len(masked)
	for cut > 0 {
		switch masked[cut-1] {
		case ' ', '\t', '\n', '\r', ';':
			cut--
		default:
			return statement[:cut], masked[:cut]
		}
	}
	return statement[:cut], masked[:cut]
}

func lexicalScreen(masked string, tokens []token) *violation {
	if len(tokens) == 0 {
		return &violation{CodeNotReadOnly, "statement must start with SELECT or WITH"}
	}
	first := strings.ToLower(tokens[0].text)
	if first != "select" && first != "with" {
		return &violation{CodeNotReadOnly, "statement must start with SELECT or WITH"}
	}
	if strings.Contains(masked, ";") {
		return &violation{CodeMultipleStatements, "statement must be a single command"}
	}
	if strings.Contains(masked, "?") {
		return &violation{CodePlaceholderToken, "statement must not contain placeholder tokens"}
	}
	for _, tok := range tokens {
		lower := strings.ToLower(tok.text)
		if _, ok := mutationKeywords[lower]; ok {
			return &violation{CodeMutationKeyword, fmt.Sprintf("statement contains forbidden keyword %q", strings.ToUpper(lower))}
		}
		if _, ok := volatileFunctions[lower]; ok {
			return &violation{CodeVolatileFunction, fmt.Sprintf("statement calls forbidden function %q", lower)}
		}
		if len(tok.text) > 1 && tok.text[0] == '$' && allDigits(tok.text[1:]) {
			return &violation{CodePlaceholderToken, fmt.Sprintf("statement must not contain placeholder tokens such as %q", tok.text)}
		}
	}
	return nil
}

func (v *Validator) structuralScreen(masked string, tokens []token) *violation {
	joins := 0
	aggregates := 0
	maxSelectDepth := 0
	for _, tok := range tokens {
		lower := strings.ToLower(tok.text)
		switch lower {
		case "join":
			joins++
		case "select":
			if tok.depth > maxSelectDepth {
				maxSelectDepth = tok.depth
			}
		}
		if _, ok := aggregateFunctions[lower]; ok {
			// only count call sites, not bare identifiers
			if nextNonSpace(masked, tok.start+len(tok.text)) == '(' {
				aggregates++
			}
		}
	}
	if joins > v.Config.MaxJoins {
		return &violation{CodeJoinLimit, fmt.Sprintf("statement uses %d joins, limit is %d", joins, v.Config.MaxJoins)}
	}
	if maxSelectDepth > v.Config.MaxSubqueryDepth {
		return &violation{CodeSubqueryDepth, fmt.Sprintf("statement nests subqueries %d deep, limit is %d", maxSelectDepth, v.Config.MaxSubqueryDepth)}
	}
	if aggregates > v.Config.MaxAggregates {
		return &violation{CodeAggregateLimit, fmt.Sprintf("statement uses %d aggregate calls, limit is %d", aggregates, v.Config.MaxAggregates)}
	}
	return nil
}

// enforceBound injects LIMIT when the statement has no top-level row
// ceiling, and clamps an oversized one. LIMIT inside subqueries bounds
// intermediate sets only and is left alone.
func enforceBound(statement string, tokens []token, cap int) string {
	limitIdx := -1
	fetchIdx := -1
	for i, tok := range tokens {
		if tok.depth != 0 {
			continue
		}
		switch strings.ToLower(tok.text) {
		case "limit":
			limitIdx = i
		case "fetch":
			fetchIdx = i
		}
	}

	switch {
	case limitIdx >= 0 && limitIdx+1 < len(tokens):
		next := tokens[limitIdx+1]
		if allDigits(next.text) {
			if n, err := strconv.Atoi(next.text); err == nil && n > cap {
				return splice(statement, next.start, len(next.text), strconv.Itoa(cap))
			}
			return statement
		}
		if strings.EqualFold(next.text, "all") {
			return splice(statement, next.start, len(next.text), strconv.Itoa(cap))
		}
		return statement
	case limitIdx >= 0:
		return statement
	case fetchIdx >= 0:
		// FETCH {FIRST|NEXT} [count] {ROW|ROWS} ONLY; a missing count
		// means one row.
		if fetchIdx+2 < len(tokens) && allDigits(tokens[fetchIdx+2].text) {
			num := tokens[fetchIdx+2]
			if n, err := strconv.Atoi(num.text); err == nil && n > cap {
				return splice(statement, num.start, len(num.text), strconv.Itoa(cap))
			}
		}
		return statement
	default:
		return statement + " LIMIT " + strconv.Itoa(cap)
	}
}

func scopeFilterCheck(statement string, tokens []token, req Requirement) *violation {
	if req.PatientCount <= 1 {
		return nil
	}
	if req.PatientID == "" {
		return &violation{CodeMissingScopeFilter, "account has multiple patients and no patient is bound"}
	}
	hasColumn := false
	for _, tok := range tokens {
		if strings.EqualFold(tok.text, "patient_id") {
			hasColumn = true
			break
		}
	}
	if !hasColumn || !strings.Contains(statement, req.PatientID) {
		return &violation{CodeMissingScopeFilter, fmt.Sprintf("statement must filter on patient_id = '%s'", req.PatientID)}
	}
	return nil
}

// probePlan asks the prober for an execution plan. A probe failure is
// recorded as a warning and the earlier verdict stands; a plan that
// contains a mutating node is a hard reject.
func (v *Validator) probePlan(ctx context.Context, statement string) (*violation, string) {
	plan, err := v.Prober.Plan(ctx, statement)
	if err != nil {
		observability.ValidationProbeFailure()
		v.logger().WarnContext(ctx, "plan probe failed", slog.String("error", err.Error()))
		return nil, fmt.Sprintf("plan probe failed: %v", err)
	}
	if node, ok := findMutatingNode(plan); ok {
		return &violation{CodeMutatingPlan, fmt.Sprintf("execution plan contains mutating node %q", node)}, ""
	}
	return nil, ""
}

func (v *Validator) probeShape(ctx context.Context, statement string) (*violation, string) {
	columns, err := v.Prober.Shape(ctx, statement)
	if err != nil {
		observability.ValidationProbeFailure()
		v.logger().WarnContext(ctx, "shape probe failed", slog.String("error", err.Error()))
		return nil, fmt.Sprintf("shape probe failed: %v", err)
	}
	hasTemporal := false
	hasNumeric := false
	for _, column := range columns {
		upper := strings.ToUpper(column.Type)
		if typeHasPrefix(upper, "DATE", "TIMESTAMP", "TIME") {
			hasTemporal = true
		}
		if typeHasPrefix(upper, "TINYINT", "SMALLINT", "INTEGER", "BIGINT", "HUGEINT",
			"UTINYINT", "USMALLINT", "UINTEGER", "UBIGINT",
			"FLOAT", "DOUBLE", "DECIMAL", "NUMERIC", "REAL") {
			hasNumeric = true
		}
	}
	if hasTemporal && hasNumeric {
		return nil, ""
	}
	return &violation{CodePlotShape, fmt.Sprintf(
		"plot output needs at least one temporal and one numeric column, statement returns %s",
		describeColumns(columns))}, ""
}

func describeColumns(columns []Column) string {
	if len(columns) == 0 {
		return "no columns"
	}
	parts := make([]string, 0, len(columns))
	for _, column := range columns {
		parts = append(parts, column.Name+" "+column.Type)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func typeHasPrefix(value string, prefixes ...string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(value, prefix) {
			return true
		}
	}
	return false
}

func findMutatingNode(plan string) (string, bool) {
	i := 0
	n := len(plan)
	for i < n {
		if !isWordByte(plan[i]) {
			i++
			continue
		}
		start := i
		for i < n && isWordByte(plan[i]) {
			i++
		}
		if _, ok := mutatingPlanNodes[plan[start:i]]; ok {
			return plan[start:i], true
		}
	}
	return "", false
}

func allDigits(value string) bool {
	if value == "" {
		return false
	}
	for i := 0; i < len(value); i++ {
		if value[i] < '0' || value[i] > '9' {
			return false
		}
	}
	return true
}

func splice(statement string, start, length int, replacement string) string {
	return statement[:start] + replacement + statement[start+length:]
}
