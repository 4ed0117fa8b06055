package executor

import "strings"

// ShellQuote wraps v in single quotes for a POSIX shell. Embedded single
// quotes are closed, emitted inside double quotes and reopened, so
// a'b becomes 'a'"'"'b'.
func ShellQuote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", `'"'"'`) + "'"
}

// ShellJoin quotes every argument and joins them with spaces.
func ShellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = ShellQuote(a)
	}
	return strings.Join(quoted, " ")
}
