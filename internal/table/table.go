// Package table flattens a session aggregate into a subject-per-row table
// whose cells carry the (model, id, field) tag used to address live updates.
package table

import (
	"fmt"
	"strconv"
	"time"

	"ajiaco/pkg/domain"
)

// Key addresses one rendered record.
type Key struct {
	Model domain.EntityType
	ID    int64
}

// Tag addresses one field of one rendered record. The same tag appears on
// every cell that shows that field.
type Tag struct {
	Model domain.EntityType `json:"model"`
	ID    int64             `json:"model_id"`
	Field string            `json:"field"`
}

// Key drops the field component.
func (t Tag) Key() Key { return Key{Model: t.Model, ID: t.ID} }

func (t Tag) String() string {
	return fmt.Sprintf("%s:%d.%s", t.Model, t.ID, t.Field)
}

// Column describes one position of a row. Round is zero for the subject block.
type Column struct {
	Label string            `json:"label"`
	Model domain.EntityType `json:"model"`
	Field string            `json:"field"`
	Round int               `json:"round,omitempty"`
}

// Cell is one rendered value.
type Cell struct {
	Tag       Tag    `json:"tag"`
	Value     any    `json:"value"`
	Text      string `json:"text"`
	Highlight bool   `json:"-"`
}

// Row holds the cells of one subject, aligned with Table.Columns.
type Row struct {
	SubjectID int64  `json:"subject_id"`
	Cells     []Cell `json:"cells"`
}

// Table is the flattened view of one session.
type Table struct {
	Session string   `json:"session"`
	Header  []Cell   `json:"header"`
	Columns []Column `json:"columns"`
	Rows    []Row    `json:"rows"`
}

// Width returns the number of columns of every row.
func (t *Table) Width() int { return len(t.Columns) }

// Clone returns a deep copy of the table layout and cell texts.
func (t *Table) Clone() *Table {
	out := &Table{
		Session: t.Session,
		Header:  append([]Cell(nil), t.Header...),
		Columns: append([]Column(nil), t.Columns...),
		Rows:    make([]Row, len(t.Rows)),
	}
	for i, row := range t.Rows {
		out.Rows[i] = Row{SubjectID: row.SubjectID, Cells: append([]Cell(nil), row.Cells...)}
	}
	return out
}

// Cell returns the cell at (row, col); row -1 addresses the header.
func (t *Table) Cell(row, col int) (Cell, bool) {
	cells := t.rowCells(row)
	if cells == nil || col < 0 || col >= len(cells) {
		return Cell{}, false
	}
	return cells[col], true
}

func (t *Table) rowCells(row int) []Cell {
	switch {
	case row == -1:
		return t.Header
	case row >= 0 && row < len(t.Rows):
		return t.Rows[row].Cells
	default:
		return nil
	}
}

// FormatValue renders a field value the way it is displayed and exported.
// Booleans use the True/False convention.
func FormatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case bool:
		if v {
			return "True"
		}
		return "False"
	case string:
		return v
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case fmt.Stringer:
		return v.String()
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprint(v)
	}
}
