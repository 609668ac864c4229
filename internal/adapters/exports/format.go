// Package exports serialises flattened session tables and runs asynchronous
// export jobs that store the results in a blob store.
package exports

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/bytedance/sonic"

	"ajiaco/internal/table"
)

// Format names an export encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// ParseFormat accepts a format name case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatJSON:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", s)
	}
}

// ContentType returns the MIME type of the format.
func (f Format) ContentType() string {
	if f == FormatJSON {
		return "application/json"
	}
	return "text/csv"
}

// Write serialises t in format f.
func Write(w io.Writer, f Format, t *table.Table) error {
	switch f {
	case FormatCSV:
		return WriteCSV(w, t)
	case FormatJSON:
		return WriteJSON(w, t)
	default:
		return fmt.Errorf("unsupported export format %q", f)
	}
}

// WriteCSV writes one header line of labels followed by one line per subject.
// The session header fields lead every line as Session.<field> columns so the
// file stays rectangular.
func WriteCSV(w io.Writer, t *table.Table) error {
	writer := csv.NewWriter(w)
	lead := len(t.Header)
	record := make([]string, lead+len(t.Columns))
	for i, cell := range t.Header {
		record[i] = "Session." + cell.Tag.Field
	}
	for i, col := range t.Columns {
		record[lead+i] = col.Label
	}
	if err := writer.Write(record); err != nil {
		return err
	}
	for i, cell := range t.Header {
		record[i] = cell.Text
	}
	for _, row := range t.Rows {
		for i, cell := range row.Cells {
			record[lead+i] = cell.Text
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

type jsonDocument struct {
	Session map[string]any   `json:"session"`
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

var jsonCodec = sonic.ConfigStd

// WriteJSON writes the session header fields and one object per subject keyed
// by column label. Values keep their native types.
func WriteJSON(w io.Writer, t *table.Table) error {
	doc := jsonDocument{
		Session: make(map[string]any, len(t.Header)),
		Columns: make([]string, len(t.Columns)),
		Rows:    make([]map[string]any, 0, len(t.Rows)),
	}
	for _, cell := range t.Header {
		doc.Session[cell.Tag.Field] = cell.Value
	}
	for i, col := range t.Columns {
		doc.Columns[i] = col.Label
	}
	for _, row := range t.Rows {
		obj := make(map[string]any, len(row.Cells))
		for i, cell := range row.Cells {
			obj[t.Columns[i].Label] = cell.Value
		}
		doc.Rows = append(doc.Rows, obj)
	}
	payload, err := jsonCodec.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json export: %w", err)
	}
	_, err = w.Write(append(payload, '\n'))
	return err
}
