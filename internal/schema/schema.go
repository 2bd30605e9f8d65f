// Package schema exposes the lab-data schema as a manifest the chat model
// can reason about: tables, columns, relationships, and the comments the
// migrations attach to them. The manifest is introspected from Postgres,
// cached, and rendered into the model context under a token budget.
package schema

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var ErrNotFound = errors.New("schema: not found")

type Provider interface {
	Manifest(ctx context.Context) (Manifest, error)
}

type Manifest struct {
	Tables        []Table
	Relationships []Relationship
	CapturedAt    time.Time
}

type Table struct {
	Name        string
	Description string
	Columns     []Column
}

type Column struct {
	Name        string
	DataType    string
	Nullable    bool
	Description string
}

type Relationship struct {
	FromTable  string
	FromColumn string
	ToTable    string
	ToColumn   string
}

func (m Manifest) Table(name string) (Table, error) {
	for _, table := range m.Tables {
		if table.Name == name {
			return table, nil
		}
	}
	return Table{}, ErrNotFound
}

// EstimateTokens approximates the model token count of a context string.
// Four characters per token is the usual rule of thumb for English and SQL.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// Render produces the schema context injected into the system prompt. When
// the full rendering exceeds the token budget it degrades in two steps:
// first dropping column descriptions, then dropping whole tables starting
// from the least connected ones.
func (m Manifest) Render(tokenBudget int) string {
	full := m.render(true, len(m.Tables))
	if tokenBudget <= 0 || EstimateTokens(full) <= tokenBudget {
		return full
	}

	compact := m.render(false, len(m.Tables))
	if EstimateTokens(compact) <= tokenBudget {
		return compact
	}

	for keep := len(m.Tables) - 1; keep > 0; keep-- {
		candidate := m.render(false, keep)
		if EstimateTokens(candidate) <= tokenBudget {
			return candidate
		}
	}
	return m.render(false, 1)
}

func (m Manifest) render(descriptions bool, keepTables int) string {
	tables := m.rankedTables()
	if keepTables < len(tables) {
		tables = tables[:keepTables]
	}
	kept := make(map[string]bool, len(tables))
	for _, table := range tables {
		kept[table.Name] = true
	}

	var b strings.Builder
	for i, table := range tables {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("TABLE ")
		b.WriteString(table.Name)
		if descriptions && table.Description != "" {
			b.WriteString(" -- ")
			b.WriteString(table.Description)
		}
		b.WriteString("\n")
		for _, column := range table.Columns {
			b.WriteString("  ")
			b.WriteString(column.Name)
			b.WriteString(" ")
			b.WriteString(column.DataType)
			if !column.Nullable {
				b.WriteString(" NOT NULL")
			}
			if descriptions && column.Description != "" {
				b.WriteString(" -- ")
				b.WriteString(column.Description)
			}
			b.WriteString("\n")
		}
	}

	wroteHeader := false
	for _, rel := range m.Relationships {
		if !kept[rel.FromTable] || !kept[rel.ToTable] {
			continue
		}
		if !wroteHeader {
			b.WriteString("\nFOREIGN KEYS\n")
			wroteHeader = true
		}
		fmt.Fprintf(&b, "  %s.%s -> %s.%s\n", rel.FromTable, rel.FromColumn, rel.ToTable, rel.ToColumn)
	}

	if omitted := len(m.Tables) - len(tables); omitted > 0 {
		fmt.Fprintf(&b, "\n-- %d more tables omitted for brevity\n", omitted)
	}
	return b.String()
}

// rankedTables orders tables by how connected they are so budget trimming
// drops leaf tables first.
func (m Manifest) rankedTables() []Table {
	degree := make(map[string]int, len(m.Tables))
	for _, rel := range m.Relationships {
		degree[rel.FromTable]++
		degree[rel.ToTable]++
	}
	tables := make([]Table, len(m.Tables))
	copy(tables, m.Tables)
	sort.SliceStable(tables, func(i, j int) bool {
		if degree[tables[i].Name] != degree[tables[j].Name] {
			return degree[tables[i].Name] > degree[tables[j].Name]
		}
		if len(tables[i].Columns) != len(tables[j].Columns) {
			return len(tables[i].Columns) > len(tables[j].Columns)
		}
		return tables[i].Name < tables[j].Name
	})
	return tables
}

type Match struct {
	Table   string
	Column  string
	Context string
	Score   int
}

// Search is the fuzzy lookup behind the model's schema-search tool. Query
// tokens are matched case-insensitively against table names, column names,
// and their comments; prefix hits on names score highest.
func (m Manifest) Search(query string, limit int) []Match {
	tokens := searchTokens(query)
	if len(tokens) == 0 {
		return nil
	}

	matches := make([]Match, 0)
	for _, table := range m.Tables {
		if score := scoreText(tokens, table.Name, table.Description); score > 0 {
			matches = append(matches, Match{
				Table:   table.Name,
				Context: table.Description,
				Score:   score + 1,
			})
		}
		for _, column := range table.Columns {
			if score := scoreText(tokens, column.Name, column.Description); score > 0 {
				matches = append(matches, Match{
					Table:   table.Name,
					Column:  column.Name,
					Context: column.Description,
					Score:   score,
				})
			}
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if matches[i].Table != matches[j].Table {
			return matches[i].Table < matches[j].Table
		}
		return matches[i].Column < matches[j].Column
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

func scoreText(tokens []string, name, description string) int {
	nameLower := strings.ToLower(name)
	descLower := strings.ToLower(description)
	score := 0
	for _, token := range tokens {
		switch {
		case nameLower == token:
			score += 8
		case strings.HasPrefix(nameLower, token):
			score += 4
		case strings.Contains(nameLower, token):
			score += 2
		case strings.Contains(descLower, token):
			score++
		}
	}
	return score
}

func searchTokens(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z':
			return false
		case r >= '0' && r <= '9':
			return false
		case r == '_':
			return false
		default:
			return true
		}
	})
	tokens := make([]string, 0, len(fields))
	for _, field := range fields {
		if len(field) < 2 {
			continue
		}
		tokens = append(tokens, field)
	}
	return tokens
}
