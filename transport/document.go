package transport

import (
	"github.com/tidwall/gjson"

	"github.com/scbc-app/fleetsync/internal"
)

// Document is a keyed collection of named row-sets as returned by the remote
// service. Each row-set covers one logical resource; the first wire row is a
// header naming the columns and is split off into RowSet.Header.
type Document struct {
	sets map[string]RowSet
}

// RowSet is one logical resource: a header plus data rows. Cells are
// stringly typed on the wire; callers convert as needed.
type RowSet struct {
	Header []string
	Rows   [][]string
}

// Col returns the value of the named header column in the given row, or ""
// if the column is absent or the row is short.
func (rs RowSet) Col(row []string, name string) string {
	for i, h := range rs.Header {
		if h == name {
			if i < len(row) {
				return row[i]
			}
			return ""
		}
	}
	return ""
}

// ParseDocument decodes the wire form: a JSON object mapping row-set names
// to arrays of rows, each row an array of cells.
func ParseDocument(data []byte) (*Document, error) {
	if !gjson.ValidBytes(data) {
		return nil, internal.NewDataError(internal.KindMalformed, "ParseDocument: not valid JSON")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, internal.NewDataError(internal.KindMalformed, "ParseDocument: document root is not an object")
	}
	doc := &Document{sets: make(map[string]RowSet)}
	root.ForEach(func(key, value gjson.Result) bool {
		if !value.IsArray() {
			// unrecognised shapes are skipped, not fatal: the remote side
			// may add scalar metadata keys at any time
			return true
		}
		var rows [][]string
		value.ForEach(func(_, row gjson.Result) bool {
			var cells []string
			row.ForEach(func(_, cell gjson.Result) bool {
				cells = append(cells, cell.String())
				return true
			})
			rows = append(rows, cells)
			return true
		})
		rs := RowSet{}
		if len(rows) > 0 {
			rs.Header = rows[0]
			rs.Rows = rows[1:]
		}
		doc.sets[key.String()] = rs
		return true
	})
	return doc, nil
}

// Set returns the named row-set. Absent sets come back empty rather than as
// an error so callers can range over them unconditionally.
func (d *Document) Set(name string) RowSet {
	return d.sets[name]
}

// SetNames lists the row-sets present in the document.
func (d *Document) SetNames() []string {
	names := make([]string, 0, len(d.sets))
	for name := range d.sets {
		names = append(names, name)
	}
	return names
}
