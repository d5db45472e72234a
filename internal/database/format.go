package database

import "fmt"

// Shape selects how a successful result is returned to the caller.
type Shape int

const (
	// ShapeNone reports whether any row was returned or affected.
	ShapeNone Shape = iota
	ShapeRaw
	ShapeOne
	ShapeList
	ShapeOneValue
	ShapeKeyedBy
	ShapeAffectedRows
	ShapeLastInsertID
)

// Format is a result shape plus the column it reads, where relevant.
type Format struct {
	Shape  Shape
	Column string
}

// FormatNone yields true when the statement returned or affected rows.
var FormatNone = Format{}

// FormatRaw yields every row ([]Row), or an ExecResult for statements
// without a result set.
func FormatRaw() Format { return Format{Shape: ShapeRaw} }

// FormatOne yields the first Row, or false when there is none.
func FormatOne() Format { return Format{Shape: ShapeOne} }

// FormatList yields column from every row as []any. An empty column means
// the first column of the result.
func FormatList(column string) Format { return Format{Shape: ShapeList, Column: column} }

// FormatOneValue yields column of the first row, or nil when there is none.
func FormatOneValue(column string) Format { return Format{Shape: ShapeOneValue, Column: column} }

// FormatKeyedBy yields map[string]Row keyed by each row's column value.
func FormatKeyedBy(column string) Format { return Format{Shape: ShapeKeyedBy, Column: column} }

// FormatAffectedRows yields the affected row count as int64.
func FormatAffectedRows() Format { return Format{Shape: ShapeAffectedRows} }

// FormatLastInsertID yields the last insert id as int64.
func FormatLastInsertID() Format { return Format{Shape: ShapeLastInsertID} }

// Apply shapes res. An empty result never fails: it degrades to an empty
// collection, false, nil or zero depending on the shape.
func (f Format) Apply(res *Result) any {
	switch f.Shape {
	case ShapeAffectedRows:
		return res.AffectedRows

	case ShapeLastInsertID:
		return res.LastInsertID

	case ShapeRaw:
		if !res.Tabular {
			return ExecResult{
				AffectedRows: res.AffectedRows,
				LastInsertID: res.LastInsertID,
			}
		}
		if res.Rows == nil {
			return []Row{}
		}
		return res.Rows

	case ShapeOne:
		if len(res.Rows) == 0 {
			return false
		}
		return res.Rows[0]

	case ShapeList:
		col := f.column(res)
		out := make([]any, 0, len(res.Rows))
		for _, row := range res.Rows {
			out = append(out, row[col])
		}
		return out

	case ShapeOneValue:
		if len(res.Rows) == 0 {
			return nil
		}
		return res.Rows[0][f.column(res)]

	case ShapeKeyedBy:
		col := f.column(res)
		out := make(map[string]Row, len(res.Rows))
		for _, row := range res.Rows {
			out[fmt.Sprint(row[col])] = row
		}
		return out

	default:
		return res.AffectedRows > 0 || len(res.Rows) > 0
	}
}

func (f Format) column(res *Result) string {
	if f.Column != "" {
		return f.Column
	}
	if len(res.Columns) > 0 {
		return res.Columns[0]
	}
	return ""
}
