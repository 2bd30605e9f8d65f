// Package scope carries the tenant-isolation context attached to every
// executed statement. A Binding always names the owning account; it may be
// narrowed to a single patient once the conversation has identified one.
package scope

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/rudnitski/HealthUp-sub002/internal/patient"
)

type Binding struct {
	AccountID string
	PatientID string
}

// Narrowed reports whether the binding identifies a single patient.
func (b Binding) Narrowed() bool {
	return b.PatientID != ""
}

// Auto resolves the binding target without user input. Only possible when
// the account has exactly one patient.
func Auto(roster []patient.Patient) (patient.Patient, bool) {
	if len(roster) == 1 {
		return roster[0], true
	}
	return patient.Patient{}, false
}

// Resolve attempts to identify a single patient from free conversation text.
// Exact patient IDs are tried first, then fuzzy name matching. Ambiguous
// text resolves nothing; the caller is expected to ask the user to pick.
func Resolve(text string, roster []patient.Patient) (patient.Patient, bool) {
	tokens := tokenize(text)
	if len(tokens) == 0 || len(roster) == 0 {
		return patient.Patient{}, false
	}
	if p, ok := resolveID(tokens, roster); ok {
		return p, true
	}
	return resolveName(tokens, roster)
}

// ResolvePick is Resolve plus ordinal matching against the roster as last
// presented. Ordinals only make sense right after the user has been shown
// the numbered roster (session-create hint, or the reply to a clarification
// request); applying them to arbitrary messages would misread "last 3
// results" as a roster pick.
func ResolvePick(text string, roster []patient.Patient) (patient.Patient, bool) {
	tokens := tokenize(text)
	if len(tokens) == 0 || len(roster) == 0 {
		return patient.Patient{}, false
	}
	if p, ok := resolveID(tokens, roster); ok {
		return p, true
	}
	if p, ok := resolveOrdinal(tokens, roster); ok {
		return p, true
	}
	return resolveName(tokens, roster)
}

func resolveID(tokens []string, roster []patient.Patient) (patient.Patient, bool) {
	for _, token := range tokens {
		for _, p := range roster {
			if strings.EqualFold(token, p.PatientID) {
				return p, true
			}
		}
	}
	return patient.Patient{}, false
}

var ordinalWords = map[string]int{
	"first":  1,
	"second": 2,
	"third":  3,
	"fourth": 4,
	"fifth":  5,
}

// resolveOrdinal reads a short reply ("2", "the second one") as a roster
// position. Longer messages are conversation, not picks; a number inside
// "show the last 3 results" must not bind patient three.
func resolveOrdinal(tokens []string, roster []patient.Patient) (patient.Patient, bool) {
	if len(tokens) > 4 {
		return patient.Patient{}, false
	}
	position := 0
	for _, token := range tokens {
		candidate := 0
		if n, err := strconv.Atoi(token); err == nil {
			candidate = n
		} else if n, ok := ordinalWords[token]; ok {
			candidate = n
		}
		if candidate == 0 {
			continue
		}
		if position != 0 && position != candidate {
			return patient.Patient{}, false
		}
		position = candidate
	}
	if position < 1 || position > len(roster) {
		return patient.Patient{}, false
	}
	return roster[position-1], true
}

func resolveName(tokens []string, roster []patient.Patient) (patient.Patient, bool) {
	var match patient.Patient
	matches := 0
	for _, p := range roster {
		if nameMatches(tokens, p.FullName) {
			match = p
			matches++
		}
	}
	if matches != 1 {
		return patient.Patient{}, false
	}
	return match, true
}

// nameMatches reports whether any input token of at least two characters is
// a prefix of any token of the patient's name. Case-insensitive, so "anna"
// matches "Anna Petrova" and "petro" matches both Petrovs.
func nameMatches(tokens []string, fullName string) bool {
	nameTokens := tokenize(fullName)
	for _, token := range tokens {
		if len(token) < 2 {
			continue
		}
		for _, nameToken := range nameTokens {
			if strings.HasPrefix(nameToken, token) {
				return true
			}
		}
	}
	return false
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
	tokens := make([]string, 0, len(fields))
	for _, field := range fields {
		if field == "" {
			continue
		}
		tokens = append(tokens, field)
	}
	return tokens
}
