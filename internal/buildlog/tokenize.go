package buildlog

import "unicode"

// Tokenize splits msg on whitespace. A double-quoted span is returned as one
// token with its quotes stripped. A quote with no closing partner is not a
// span: the rest of the line splits on whitespace as usual.
func Tokenize(msg string) []string {
	var tokens []string
	runes := []rune(msg)
	for i := 0; i < len(runes); {
		if unicode.IsSpace(runes[i]) {
			i++
			continue
		}
		if runes[i] == '"' {
			j := i + 1
			for j < len(runes) && runes[j] != '"' {
				j++
			}
			if j < len(runes) {
				tokens = append(tokens, string(runes[i+1:j]))
				i = j + 1
				continue
			}
		}
		j := i
		for j < len(runes) && !unicode.IsSpace(runes[j]) {
			j++
		}
		tokens = append(tokens, trimQuotes(string(runes[i:j])))
		i = j
	}
	return tokens
}

// trimQuotes strips stray quote characters glued to a bare token, e.g. the
// tail of `a"b"`.
func trimQuotes(s string) string {
	for len(s) > 0 && s[0] == '"' {
		s = s[1:]
	}
	for len(s) > 0 && s[len(s)-1] == '"' {
		s = s[:len(s)-1]
	}
	return s
}
