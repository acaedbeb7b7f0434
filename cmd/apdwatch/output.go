package main

// ---------------------------------------------------------------------------
// output.go — format flag, table rendering, CSV, output helpers
// ---------------------------------------------------------------------------

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"
)

// OutputFormat enumerates supported output formats.
type OutputFormat int

const (
	FormatTable OutputFormat = iota
	FormatJSON
	FormatCSV
)

func parseFormat(s string) OutputFormat {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return FormatJSON
	case "csv":
		return FormatCSV
	default:
		return FormatTable
	}
}

// Table renders aligned, bordered tables to a writer.
type Table struct {
	headers []string
	rows    [][]string
	w       io.Writer
}

func NewTable(w io.Writer, headers ...string) *Table {
	return &Table{headers: headers, w: w}
}

// AddRow appends a row. Values are matched positionally to headers.
func (t *Table) AddRow(values ...string) {
	row := make([]string, len(t.headers))
	copy(row, values)
	t.rows = append(t.rows, row)
}

// Render writes the table with box-drawing borders.
func (t *Table) Render() {
	if len(t.headers) == 0 {
		return
	}

	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = utf8.RuneCountInString(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if n := utf8.RuneCountInString(cell); n > widths[i] {
				widths[i] = n
			}
		}
	}

	line := func(left, sep, right string) string {
		var b strings.Builder
		b.WriteString(left)
		for i, w := range widths {
			b.WriteString(strings.Repeat("─", w+2))
			if i < len(widths)-1 {
				b.WriteString(sep)
			}
		}
		b.WriteString(right)
		return b.String()
	}

	printRow := func(cells []string) {
		fmt.Fprint(t.w, "│")
		for i, cell := range cells {
			pad := widths[i] - utf8.RuneCountInString(cell)
			fmt.Fprintf(t.w, " %s%s │", cell, strings.Repeat(" ", pad))
		}
		fmt.Fprintln(t.w)
	}

	fmt.Fprintln(t.w, line("┌", "┬", "┐"))
	printRow(t.headers)
	fmt.Fprintln(t.w, line("├", "┼", "┤"))
	for _, row := range t.rows {
		printRow(row)
	}
	fmt.Fprintln(t.w, line("└", "┴", "┘"))
}

func writeCSV(w io.Writer, headers []string, rows [][]string) {
	cw := csv.NewWriter(w)
	cw.Write(headers)
	for _, row := range rows {
		cw.Write(row)
	}
	cw.Flush()
}

// outputWriter writes to a file if --output is set, otherwise stdout.
func outputWriter(path string) (*os.File, func()) {
	if path == "" || path == "-" {
		return os.Stdout, func() {}
	}
	f, err := os.Create(path)
	if err != nil {
		errorf("opening output file %q: %v", path, err)
	}
	return f, func() { f.Close() }
}
