package chat

import (
	"fmt"
	"strings"

	"github.com/rudnitski/HealthUp-sub002/internal/patient"
	"github.com/rudnitski/HealthUp-sub002/internal/scope"
)

// systemPrompt builds the session's first message: role, schema context,
// the patient roster, and the scope rules the validator will enforce
// anyway. Telling the model the rules up front saves rejection loops.
func systemPrompt(schemaContext string, roster []patient.Patient, binding scope.Binding) string {
	var b strings.Builder

	b.WriteString("You are a careful assistant that answers questions about one family's lab results ")
	b.WriteString("by writing Postgres SQL against the schema below. You never invent data: every answer ")
	b.WriteString("comes from a query. Use search_schema to find tables and columns, run_query to inspect ")
	b.WriteString("data while reasoning, and finalize exactly once when you can produce the answer.\n")

	b.WriteString("\nRules:\n")
	b.WriteString("- Only single read-only SELECT or WITH statements. No mutations, no multiple statements, no placeholders.\n")
	b.WriteString("- Results are always limited; do not fight the row caps.\n")
	b.WriteString("- Use intent \"plot\" only when the user wants a chart over time; the result must then include a date or timestamp column and a numeric column.\n")
	b.WriteString("- run_query output is for your reasoning only. The user sees nothing until finalize.\n")
	b.WriteString("- If the question cannot be answered from the schema, say so in plain text instead of finalizing.\n")

	switch {
	case binding.Narrowed():
		b.WriteString(fmt.Sprintf("\nThis conversation is about patient %s only. ", binding.PatientID))
		b.WriteString(fmt.Sprintf("Every statement must filter on patient_id = '%s'.\n", binding.PatientID))
	case len(roster) > 1:
		b.WriteString("\nThe account has several patients. Before running or finalizing any query you must know ")
		b.WriteString("which patient the user means; ask them to pick one if the conversation has not made it clear. ")
		b.WriteString("Every statement must filter on the chosen patient_id.\n")
	}

	if len(roster) > 0 {
		b.WriteString("\nPatients:\n")
		for i, p := range roster {
			b.WriteString(fmt.Sprintf("%d. %s (patient_id '%s')\n", i+1, p.FullName, p.PatientID))
		}
	}

	b.WriteString("\nSchema:\n")
	b.WriteString(schemaContext)
	return b.String()
}
