package util

import (
	"fmt"
	"io"
	"strings"
)

// TableColumn is one column of a rendered table.
type TableColumn struct {
	Header string
	Key    string // key to extract from a row
	Width  int
}

// RenderTable writes rows as aligned text columns sized to their widest
// cell. Cell widths ignore ANSI color codes.
func RenderTable(w io.Writer, columns []TableColumn, rows []map[string]interface{}) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No data to display")
		return
	}

	for i := range columns {
		columns[i].Width = len(columns[i].Header)
		for _, row := range rows {
			if value, ok := row[columns[i].Key]; ok {
				if width := displayWidth(fmt.Sprintf("%v", value)); width > columns[i].Width {
					columns[i].Width = width
				}
			}
		}
	}

	header := make([]string, 0, len(columns))
	separator := make([]string, 0, len(columns))
	for _, col := range columns {
		header = append(header, fmt.Sprintf("%-*s", col.Width, col.Header))
		separator = append(separator, strings.Repeat("-", col.Width))
	}
	fmt.Fprintln(w, strings.TrimRight(strings.Join(header, " "), " "))
	fmt.Fprintln(w, strings.Join(separator, " "))

	for _, row := range rows {
		cells := make([]string, 0, len(columns))
		for _, col := range columns {
			value := ""
			if v, ok := row[col.Key]; ok {
				value = fmt.Sprintf("%v", v)
			}
			cells = append(cells, padToWidth(value, col.Width))
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(cells, " "), " "))
	}
}

func stripANSI(s string) string {
	for {
		start := strings.Index(s, "\033[")
		if start == -1 {
			return s
		}
		end := strings.Index(s[start:], "m")
		if end == -1 {
			return s
		}
		s = s[:start] + s[start+end+1:]
	}
}

func displayWidth(s string) int {
	return len([]rune(stripANSI(s)))
}

func padToWidth(s string, width int) string {
	if n := displayWidth(s); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	return s
}
