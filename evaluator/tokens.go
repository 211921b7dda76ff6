package evaluator

import "strings"

// tokenKind classifies lexed formula fragments.
type tokenKind int

const (
	tokenIdentifier tokenKind = iota
	tokenNumber
	tokenString
	tokenOperator
	tokenWhitespace
)

// token is one fragment of a formula. Dotted identifier chains such as
// "sensor.circuit_a.voltage" lex into a single identifier token so that all
// substitution passes can match whole references instead of raw substrings.
type token struct {
	kind tokenKind
	text string
}

// segments splits a dotted identifier into its path parts.
func (t token) segments() []string {
	return strings.Split(t.text, ".")
}

// lexFormula tokenizes formula text. Re-serializing an unmodified stream via
// renderTokens reproduces the input byte for byte.
func lexFormula(input string) []token {
	tokens := make([]token, 0, len(input)/3+1)
	for idx := 0; idx < len(input); {
		ch := input[idx]
		switch {
		case isSpaceByte(ch):
			start := idx
			for idx < len(input) && isSpaceByte(input[idx]) {
				idx++
			}
			tokens = append(tokens, token{kind: tokenWhitespace, text: input[start:idx]})
		case ch == '\'' || ch == '"':
			start := idx
			quote := ch
			idx++
			for idx < len(input) {
				if input[idx] == '\\' && idx+1 < len(input) {
					idx += 2
					continue
				}
				if input[idx] == quote {
					idx++
					break
				}
				idx++
			}
			tokens = append(tokens, token{kind: tokenString, text: input[start:idx]})
		case ch >= '0' && ch <= '9':
			start := idx
			for idx < len(input) && input[idx] >= '0' && input[idx] <= '9' {
				idx++
			}
			if idx+1 < len(input) && input[idx] == '.' && input[idx+1] >= '0' && input[idx+1] <= '9' {
				idx++
				for idx < len(input) && input[idx] >= '0' && input[idx] <= '9' {
					idx++
				}
			}
			// An exponent part belongs to the number only when digits
			// follow, so "2e" stays a number and an identifier.
			if idx < len(input) && (input[idx] == 'e' || input[idx] == 'E') {
				cursor := idx + 1
				if cursor < len(input) && (input[cursor] == '+' || input[cursor] == '-') {
					cursor++
				}
				if cursor < len(input) && input[cursor] >= '0' && input[cursor] <= '9' {
					idx = cursor
					for idx < len(input) && input[idx] >= '0' && input[idx] <= '9' {
						idx++
					}
				}
			}
			tokens = append(tokens, token{kind: tokenNumber, text: input[start:idx]})
		case isIdentStartByte(ch):
			start := idx
			idx = scanIdentifier(input, idx)
			// A dot continues the identifier only when another identifier
			// follows, so "a.b" is one token while "a." keeps the dot as an
			// operator.
			for idx+1 < len(input) && input[idx] == '.' && isIdentStartByte(input[idx+1]) {
				idx = scanIdentifier(input, idx+1)
			}
			tokens = append(tokens, token{kind: tokenIdentifier, text: input[start:idx]})
		default:
			tokens = append(tokens, token{kind: tokenOperator, text: input[idx : idx+1]})
			idx++
		}
	}
	return tokens
}

func scanIdentifier(input string, idx int) int {
	for idx < len(input) && isIdentPartByte(input[idx]) {
		idx++
	}
	return idx
}

// renderTokens re-serializes a token stream.
func renderTokens(tokens []token) string {
	var builder strings.Builder
	for _, t := range tokens {
		builder.WriteString(t.text)
	}
	return builder.String()
}

func isSpaceByte(ch byte) bool {
	switch ch {
	case ' ', '\t', '\r', '\n', '\f', '\v':
		return true
	default:
		return false
	}
}

func isIdentStartByte(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isIdentPartByte(ch byte) bool {
	return isIdentStartByte(ch) || (ch >= '0' && ch <= '9')
}
