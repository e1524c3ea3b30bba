package scm

import (
	"os"
	"strings"
)

// expandEnvironment replaces %NAME% references with the value of the
// environment variable NAME. Unknown references are left as written.
func expandEnvironment(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}

	var b strings.Builder
	for {
		start := strings.IndexByte(s, '%')
		if start < 0 {
			b.WriteString(s)
			return b.String()
		}
		end := strings.IndexByte(s[start+1:], '%')
		if end < 0 {
			b.WriteString(s)
			return b.String()
		}
		end += start + 1

		b.WriteString(s[:start])
		name := s[start+1 : end]
		if val, ok := os.LookupEnv(name); ok && name != "" {
			b.WriteString(val)
			s = s[end+1:]
			continue
		}
		// keep the opening '%' and rescan from the closing one
		b.WriteString(s[start:end])
		s = s[end:]
	}
}

// splitCommandLine splits a binary path into argv with the quoting rules
// of service command lines: whitespace separates arguments, double quotes
// group, and backslashes are literal unless they precede a quote.
func splitCommandLine(s string) []string {
	var (
		args    []string
		cur     strings.Builder
		inQuote bool
		started bool
	)

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\':
			n := 0
			for i < len(s) && s[i] == '\\' {
				n++
				i++
			}
			if i < len(s) && s[i] == '"' {
				cur.WriteString(strings.Repeat(`\`, n/2))
				if n%2 == 1 {
					cur.WriteByte('"')
				} else {
					inQuote = !inQuote
				}
			} else {
				cur.WriteString(strings.Repeat(`\`, n))
				i--
			}
			started = true
		case c == '"':
			inQuote = !inQuote
			started = true
		case (c == ' ' || c == '\t') && !inQuote:
			if started {
				args = append(args, cur.String())
				cur.Reset()
				started = false
			}
		default:
			cur.WriteByte(c)
			started = true
		}
	}
	if started {
		args = append(args, cur.String())
	}
	return args
}
