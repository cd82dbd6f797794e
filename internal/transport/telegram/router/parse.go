package router

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

func newReqID() string { return strings.ToLower(ulid.Make().String()) }

// tokenizeCommandLine splits command text into tokens. Quotes group words,
// also inside a key=value token: custom="stretch legs" yields one token.
func tokenizeCommandLine(s string) []string {
	s = strings.TrimSpace(s)
	var (
		out   []string
		buf   strings.Builder
		quote rune
		esc   bool
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for _, ch := range s {
		switch {
		case esc:
			buf.WriteRune(ch)
			esc = false
		case ch == '\\':
			esc = true
		case quote != 0:
			if ch == quote {
				quote = 0
			} else {
				buf.WriteRune(ch)
			}
		case ch == '"' || ch == '\'' || ch == '“' || ch == '”':
			if ch == '“' || ch == '”' {
				ch = '”'
			}
			quote = ch
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			flush()
		default:
			buf.WriteRune(ch)
		}
	}
	flush()
	return out
}
