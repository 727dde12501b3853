package ir

import (
	"fmt"
	"strings"
)

// Print renders the module in its textual form.
func (m *Module) Print() string {
	var sb strings.Builder
	if m.Entry != "" {
		fmt.Fprintf(&sb, "; entry = @%s\n", m.Entry)
	}
	for _, g := range m.Globals {
		fmt.Fprintf(&sb, "@%s = global [%d x i8] %s\n", g.Name, len(g.Data), formatBytes(g.Data))
	}
	if len(m.Globals) > 0 && len(m.Functions) > 0 {
		sb.WriteByte('\n')
	}
	for i, fn := range m.Functions {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "define @%s() {\n", fn.Name)
		for _, block := range fn.Blocks {
			fmt.Fprintf(&sb, "%s:%s\n", block.Name, formatEdges(block))
			for _, inst := range block.Instructions {
				fmt.Fprintf(&sb, "  %s\n", inst)
			}
		}
		sb.WriteString("}\n")
	}
	return sb.String()
}

func formatEdges(b *BasicBlock) string {
	if len(b.Preds) == 0 {
		return ""
	}
	names := make([]string, len(b.Preds))
	for i, p := range b.Preds {
		names[i] = p.Name
	}
	return fmt.Sprintf(" ; preds = %s", strings.Join(names, ", "))
}

func formatBytes(data []byte) string {
	printable := true
	for _, c := range data {
		if c != 0 && (c < 0x20 || c > 0x7E) {
			printable = false
			break
		}
	}
	if printable && len(data) > 0 {
		return fmt.Sprintf("%q", string(data))
	}
	parts := make([]string, len(data))
	for i, c := range data {
		parts[i] = fmt.Sprintf("%#02x", c)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
