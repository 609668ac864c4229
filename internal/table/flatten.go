package table

import (
	"fmt"

	"ajiaco/pkg/domain"
)

type block struct {
	entity domain.EntityType
	fields []string
}

func subjectColumns(schema domain.ExtraSchema) []Column {
	fields := schema.Fields(domain.EntitySubject)
	cols := make([]Column, 0, len(fields))
	for _, f := range fields {
		cols = append(cols, Column{Label: fmt.Sprintf("%s.%s", domain.EntitySubject, f), Model: domain.EntitySubject, Field: f})
	}
	return cols
}

func roundBlocks(schema domain.ExtraSchema) []block {
	return []block{
		{entity: domain.EntityRound, fields: schema.Fields(domain.EntityRound)},
		{entity: domain.EntityGroup, fields: schema.Fields(domain.EntityGroup)},
		{entity: domain.EntityRole, fields: schema.Fields(domain.EntityRole)},
	}
}

func tagged(r domain.Record, fields []string, dst []Cell) []Cell {
	values := r.Fields()
	for _, f := range fields {
		v := values[f]
		dst = append(dst, Cell{
			Tag:   Tag{Model: r.Entity(), ID: r.RecordID(), Field: f},
			Value: v,
			Text:  FormatValue(v),
		})
	}
	return dst
}

type roundIndex struct {
	round  domain.Round
	roles  map[int64]domain.Role
	groups map[int64]domain.Group
}

// Flatten renders agg as one row per subject (in the aggregate's subject
// order) followed by one column block per round. Column layout is derived
// from schema, so every row has the same width regardless of which extras
// are populated.
func Flatten(agg domain.SessionAggregate, schema domain.ExtraSchema) (*Table, error) {
	code := agg.Session.Code
	groupRound := make(map[int64]int64)
	rounds := make([]roundIndex, 0, len(agg.Rounds))
	for i, ra := range agg.Rounds {
		if i > 0 && ra.Round.Number <= agg.Rounds[i-1].Round.Number {
			return nil, &IntegrityError{Kind: ErrRoundOrder, Session: code, RoundID: ra.Round.ID, Round: ra.Round.Number}
		}
		idx := roundIndex{
			round:  ra.Round,
			roles:  make(map[int64]domain.Role, len(ra.Roles)),
			groups: make(map[int64]domain.Group, len(ra.Groups)),
		}
		for _, g := range ra.Groups {
			idx.groups[g.ID] = g
			groupRound[g.ID] = g.RoundID
		}
		for _, role := range ra.Roles {
			if prev, dup := idx.roles[role.SubjectID]; dup {
				return nil, &IntegrityError{Kind: ErrDuplicateRole, Session: code, SubjectID: role.SubjectID, RoundID: ra.Round.ID, Round: ra.Round.Number, RoleID: prev.ID}
			}
			idx.roles[role.SubjectID] = role
		}
		rounds = append(rounds, idx)
	}

	out := &Table{Session: code, Columns: subjectColumns(schema)}
	out.Header = tagged(agg.Session, schema.Fields(domain.EntitySession), nil)
	blocks := roundBlocks(schema)
	for _, idx := range rounds {
		for _, b := range blocks {
			for _, f := range b.fields {
				out.Columns = append(out.Columns, Column{
					Label: fmt.Sprintf("r%d.%s.%s", idx.round.Number, b.entity, f),
					Model: b.entity,
					Field: f,
					Round: idx.round.Number,
				})
			}
		}
	}

	subjectFields := schema.Fields(domain.EntitySubject)
	for _, subject := range agg.Subjects {
		cells := make([]Cell, 0, len(out.Columns))
		cells = tagged(subject, subjectFields, cells)
		for _, idx := range rounds {
			fault := &IntegrityError{Session: code, SubjectID: subject.ID, RoundID: idx.round.ID, Round: idx.round.Number}
			role, ok := idx.roles[subject.ID]
			if !ok {
				fault.Kind = ErrMissingRole
				return nil, fault
			}
			fault.RoleID = role.ID
			fault.GroupID = role.GroupID
			group, ok := idx.groups[role.GroupID]
			if !ok {
				if owner, elsewhere := groupRound[role.GroupID]; elsewhere && owner != idx.round.ID {
					fault.Kind = ErrGroupRound
				} else {
					fault.Kind = ErrMissingGroup
				}
				return nil, fault
			}
			if group.RoundID != idx.round.ID || role.RoundID != idx.round.ID {
				fault.Kind = ErrGroupRound
				return nil, fault
			}
			cells = tagged(idx.round, blocks[0].fields, cells)
			cells = tagged(group, blocks[1].fields, cells)
			cells = tagged(role, blocks[2].fields, cells)
		}
		out.Rows = append(out.Rows, Row{SubjectID: subject.ID, Cells: cells})
	}
	return out, nil
}

// Index maps every record shown in t to the positions of its cells. Row -1
// is the header.
func Index(t *Table) map[Key][]Position {
	index := make(map[Key][]Position)
	add := func(row int, cells []Cell) {
		for col, c := range cells {
			k := c.Tag.Key()
			index[k] = append(index[k], Position{Row: row, Col: col})
		}
	}
	add(-1, t.Header)
	for i, row := range t.Rows {
		add(i, row.Cells)
	}
	return index
}

// Position locates a cell inside a table.
type Position struct {
	Row int
	Col int
}
