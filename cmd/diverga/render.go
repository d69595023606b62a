package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"diverga/pkg/protocol"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"
)

// theme defines the styling of CLI output. Colors are dropped
// automatically when the writer is not a terminal.
type theme struct {
	Header  lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Muted   lipgloss.Style
	cell    lipgloss.Style
}

func newTheme(w io.Writer) theme {
	r := lipgloss.NewRenderer(w)
	return theme{
		Header:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")), // Blue
		Success: r.NewStyle().Foreground(lipgloss.Color("10")),            // Green
		Warning: r.NewStyle().Foreground(lipgloss.Color("11")),            // Yellow
		Error:   r.NewStyle().Foreground(lipgloss.Color("9")),             // Red
		Muted:   r.NewStyle().Foreground(lipgloss.Color("240")),           // Gray
		cell:    r.NewStyle(),
	}
}

// table prints rows under headers in aligned columns.
func (t theme) table(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, c := range row {
			if i < len(widths) && lipgloss.Width(c) > widths[i] {
				widths[i] = lipgloss.Width(c)
			}
		}
	}

	line := func(cells []string, style lipgloss.Style) string {
		parts := make([]string, len(cells))
		for i, c := range cells {
			s := style
			if i < len(cells)-1 {
				s = s.Width(widths[i])
			}
			parts[i] = s.Render(c)
		}
		return strings.TrimRight(strings.Join(parts, "  "), " ")
	}

	fmt.Fprintln(w, line(headers, t.Header))
	for _, row := range rows {
		fmt.Fprintln(w, line(row, t.cell))
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// parseContent treats a JSON object or array argument as structured
// content and anything else as text.
func parseContent(s string) any {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	return s
}

// formatContent renders message content on one line.
func formatContent(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// parseScalar decodes numbers, booleans and null; other values stay strings.
func parseScalar(s string) any {
	if s == "true" || s == "false" {
		return s == "true"
	}
	if s == "null" {
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// parseAssignments turns key=value pairs into a tree. Dotted keys nest:
// "design.type=rct" becomes {"design": {"type": "rct"}}.
func parseAssignments(pairs []string) (map[string]any, error) {
	out := map[string]any{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: expected key=value, got %q", protocol.ErrInvalidArgument, pair)
		}
		node := out
		parts := strings.Split(key, ".")
		for _, p := range parts[:len(parts)-1] {
			child, ok := node[p].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[p] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = parseScalar(value)
	}
	return out, nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
