package migrate

import "strings"

// splitStatements cuts a script at top-level semicolons. Semicolons inside
// single-quoted strings, $$ bodies and -- comments are kept. Fragments holding
// only comments are dropped.
func splitStatements(script string) []string {
	var (
		out   []string
		start int
		quote string
	)
	flush := func(end int) {
		if stmt := strings.TrimSpace(script[start:end]); stmt != "" && stmt != ";" && !onlyComments(stmt) {
			out = append(out, stmt)
		}
		start = end
	}
	for i := 0; i < len(script); i++ {
		rest := script[i:]
		switch {
		case quote != "":
			if strings.HasPrefix(rest, quote) {
				i += len(quote) - 1
				quote = ""
			}
		case rest[0] == '\'':
			quote = "'"
		case strings.HasPrefix(rest, "$$"):
			quote = "$$"
			i++
		case strings.HasPrefix(rest, "--"):
			if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
				i += nl
			} else {
				i = len(script) - 1
			}
		case rest[0] == ';':
			flush(i + 1)
		}
	}
	flush(len(script))
	return out
}

func onlyComments(stmt string) bool {
	for _, line := range strings.Split(stmt, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && line != ";" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}
