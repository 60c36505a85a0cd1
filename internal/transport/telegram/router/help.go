package router

import (
	"strings"
)

// helpText renders the command list as plain text, one command per line.
func helpText(cmds []Command) string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, c := range cmds {
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		b.WriteString(usage)
		if c.Description != "" {
			b.WriteString(": ")
			b.WriteString(c.Description)
		}
		if len(c.Aliases) > 0 {
			b.WriteString(" (also /")
			b.WriteString(strings.Join(c.Aliases, ", /"))
			b.WriteString(")")
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
