package config

import (
	"strings"
	"unicode"
)

// SplitQuotedFields splits in around runs of white space, like
// strings.Fields, except inside areas delimited by quote. A quote character
// inside a quoted area can be escaped with a backslash. Quoted areas that
// are empty still produce a field.
func SplitQuotedFields(in string, quote rune) []string {
	fields := []string{}
	var (
		cur     strings.Builder
		inField bool // cur holds a field, possibly empty
		quoted  bool
		escaped bool
	)
	for _, ch := range in {
		switch {
		case escaped:
			cur.WriteRune(ch)
			escaped = false
		case quoted && ch == '\\':
			escaped = true
		case ch == quote:
			quoted = !quoted
			inField = true
		case !quoted && unicode.IsSpace(ch):
			if inField {
				fields = append(fields, cur.String())
				cur.Reset()
				inField = false
			}
		default:
			cur.WriteRune(ch)
			inField = true
		}
	}
	if inField {
		fields = append(fields, cur.String())
	}
	return fields
}
