package api

import (
	"net/http"
	"time"

	"github.com/rudnitski/HealthUp-sub002/internal/auth"
	"github.com/rudnitski/HealthUp-sub002/internal/schema"
)

type schemaColumn struct {
	Name        string `json:"name"`
	DataType    string `json:"data_type"`
	Nullable    bool   `json:"nullable"`
	Description string `json:"description,omitempty"`
}

type schemaTable struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Columns     []schemaColumn `json:"columns"`
}

type schemaRelationship struct {
	FromTable  string `json:"from_table"`
	FromColumn string `json:"from_column"`
	ToTable    string `json:"to_table"`
	ToColumn   string `json:"to_column"`
}

type schemaResponse struct {
	CapturedAt    time.Time            `json:"captured_at"`
	Tables        []schemaTable        `json:"tables"`
	Relationships []schemaRelationship `json:"relationships,omitempty"`
	ContextTokens int                  `json:"context_tokens"`
}

// handleSchemaSnapshot returns the manifest the model sees, plus the
// token estimate of its unbudgeted rendering, for admin review.
func handleSchemaSnapshot(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Schema == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SCHEMA_NOT_CONFIGURED", "schema provider is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleOpsAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	manifest, err := deps.Schema.Manifest(r.Context())
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "SCHEMA_UNAVAILABLE", "schema manifest could not be loaded", true, map[string]any{"details": err.Error()})
		return
	}

	response := schemaResponse{
		CapturedAt:    manifest.CapturedAt,
		Tables:        make([]schemaTable, 0, len(manifest.Tables)),
		ContextTokens: schema.EstimateTokens(manifest.Render(0)),
	}
	for _, table := range manifest.Tables {
		entry := schemaTable{
			Name:        table.Name,
			Description: table.Description,
			Columns:     make([]schemaColumn, 0, len(table.Columns)),
		}
		for _, column := range table.Columns {
			entry.Columns = append(entry.Columns, schemaColumn{
				Name:        column.Name,
				DataType:    column.DataType,
				Nullable:    column.Nullable,
				Description: column.Description,
			})
		}
		response.Tables = append(response.Tables, entry)
	}
	for _, rel := range manifest.Relationships {
		response.Relationships = append(response.Relationships, schemaRelationship{
			FromTable:  rel.FromTable,
			FromColumn: rel.FromColumn,
			ToTable:    rel.ToTable,
			ToColumn:   rel.ToColumn,
		})
	}

	writeJSON(w, http.StatusOK, response)
}
