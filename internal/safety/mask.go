package safety

import "strings"

// literalFiller replaces quoted bytes in a mask. Comments mask to
// spaces instead, so trailing trimming can drop a comment while a
// statement ending in a literal keeps its full length.
const literalFiller = '#'

// maskStatement returns a copy of the statement with comments replaced
// by spaces and string literals, quoted identifiers, and dollar-quoted
// bodies replaced by filler. Length and byte positions are preserved so
// offsets into the mask index into the original text. Block comments
// nest, quoted regions honor '' and "" doubling, and an unterminated
// region masks through to the end.
func maskStatement(statement string) string {
	return mask(statement, true)
}

// maskLiterals masks comments, string literals, and dollar-quoted
// bodies but leaves double-quoted identifiers in place, so keyword
// screening sees words the model hides behind identifier quoting.
func maskLiterals(statement string) string {
	return mask(statement, false)
}

func mask(statement string, maskIdents bool) string {
	masked := []byte(statement)
	n := len(statement)
	i := 0
	for i < n {
		switch {
		case statement[i] == '-' && i+1 < n && statement[i+1] == '-':
			for i < n && statement[i] != '\n' {
				masked[i] = ' '
				i++
			}
		case statement[i] == '/' && i+1 < n && statement[i+1] == '*':
			depth := 0
			for i < n {
				if statement[i] == '/' && i+1 < n && statement[i+1] == '*' {
					masked[i], masked[i+1] = ' ', ' '
					i += 2
					depth++
					continue
				}
				if statement[i] == '*' && i+1 < n && statement[i+1] == '/' {
					masked[i], masked[i+1] = ' ', ' '
					i += 2
					depth--
					if depth == 0 {
						break
					}
					continue
				}
				masked[i] = ' '
				i++
			}
		case statement[i] == '\'':
			i = maskQuoted(statement, masked, i, '\'')
		case statement[i] == '"':
			if maskIdents {
				i = maskQuoted(statement, masked, i, '"')
			} else {
				i = skipQuoted(statement, i, '"')
			}
		case statement[i] == '$':
			delim, ok := dollarDelimiter(statement, i)
			if !ok {
				i++
				continue
			}
			end := n
			if rel := strings.Index(statement[i+len(delim):], delim); rel >= 0 {
				end = i + len(delim) + rel + len(delim)
			}
			for j := i; j < end; j++ {
				masked[j] = literalFiller
			}
			i = end
		default:
			i++
		}
	}
	return string(masked)
}

func maskQuoted(statement string, masked []byte, start int, quote byte) int {
	n := len(statement)
	masked[start] = literalFiller
	i := start + 1
	for i < n {
		if statement[i] == quote {
			if i+1 < n && statement[i+1] == quote {
				masked[i], masked[i+1] = literalFiller, literalFiller
				i += 2
				continue
			}
			masked[i] = literalFiller
			return i + 1
		}
		masked[i] = literalFiller
		i++
	}
	return i
}

// skipQuoted advances past a quoted region without masking it.
func skipQuoted(statement string, start int, quote byte) int {
	n := len(statement)
	i := start + 1
	for i < n {
		if statement[i] == quote {
			if i+1 < n && statement[i+1] == quote {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return i
}

// dollarDelimiter reports the dollar-quote delimiter starting at i, such
// as $$ or $body$. Tags may not start with a digit, which keeps bind
// placeholders like $1 out of the quoting rules.
func dollarDelimiter(statement string, i int) (string, bool) {
	n := len(statement)
	j := i + 1
	for j < n {
		c := statement[j]
		switch {
		case c == '$':
			return statement[i : j+1], true
		case c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z'):
			j++
		case c >= '0' && c <= '9':
			if j == i+1 {
				return "", false
			}
			j++
		default:
			return "", false
		}
	}
	return "", false
}

// token is a bare word extracted from a masked statement, with its byte
// offset in the original text and the parenthesis depth it sits at.
type token struct {
	text  string
	start int
	depth int
}

func isWordByte(c byte) bool {
	return c == '_' || c == '$' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// sqlTokens splits a masked statement into word tokens. Operators and
// punctuation are skipped; parentheses adjust the recorded depth.
func sqlTokens(masked string) []token {
	var tokens []token
	depth := 0
	i := 0
	n := len(masked)
	for i < n {
		c := masked[i]
		switch {
		case c == '(':
			depth++
			i++
		case c == ')':
			if depth > 0 {
				depth--
			}
			i++
		case isWordByte(c):
			start := i
			for i < n && isWordByte(masked[i]) {
				i++
			}
			tokens = append(tokens, token{text: masked[start:i], start: start, depth: depth})
		default:
			i++
		}
	}
	return tokens
}

// nextNonSpace returns the first non-space byte at or after offset, or
// zero when none remains.
func nextNonSpace(masked string, offset int) byte {
	for i := offset; i < len(masked); i++ {
		if masked[i] != ' ' && masked[i] != '\t' && masked[i] != '\n' && masked[i] != '\r' {
			return masked[i]
		}
	}
	return 0
}
