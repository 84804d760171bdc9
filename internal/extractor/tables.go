package extractor

import (
	"math"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
)

const (
	minTableRows = 2
	minTableCols = 2
)

type glyphRow struct {
	y     float64
	items []pdf.Text
}

// DetectTables finds grid-like runs in positioned text: consecutive rows
// that split into the same number (at least two) of horizontally separated
// cells. It is a heuristic for invoice and form layouts, not a full table
// recognizer.
func DetectTables(texts []pdf.Text) [][][]string {
	rows := groupRows(texts)

	var tables [][][]string
	var current [][]string
	flush := func() {
		if len(current) >= minTableRows {
			tables = append(tables, current)
		}
		current = nil
	}

	for _, r := range rows {
		cells := splitCells(r.items)
		if len(cells) < minTableCols {
			flush()
			continue
		}
		if len(current) > 0 && len(current[0]) != len(cells) {
			flush()
		}
		current = append(current, cells)
	}
	flush()
	return tables
}

// groupRows clusters glyphs by baseline, top of page first.
func groupRows(texts []pdf.Text) []glyphRow {
	items := make([]pdf.Text, 0, len(texts))
	for _, t := range texts {
		if strings.TrimSpace(t.S) == "" && t.S != " " {
			continue
		}
		items = append(items, t)
	}
	sort.SliceStable(items, func(i, j int) bool {
		if math.Abs(items[i].Y-items[j].Y) > rowTolerance(items[i]) {
			return items[i].Y > items[j].Y
		}
		return items[i].X < items[j].X
	})

	var rows []glyphRow
	for _, t := range items {
		if n := len(rows); n > 0 && math.Abs(rows[n-1].y-t.Y) <= rowTolerance(t) {
			rows[n-1].items = append(rows[n-1].items, t)
			continue
		}
		rows = append(rows, glyphRow{y: t.Y, items: []pdf.Text{t}})
	}
	for i := range rows {
		sort.SliceStable(rows[i].items, func(a, b int) bool { return rows[i].items[a].X < rows[i].items[b].X })
	}
	return rows
}

// splitCells joins glyphs into cell strings. A horizontal gap wider than
// twice the font size starts a new cell.
func splitCells(items []pdf.Text) []string {
	var cells []string
	var b strings.Builder
	var prevEnd float64

	for i, t := range items {
		size := t.FontSize
		if size <= 0 {
			size = 10
		}
		if i > 0 {
			gap := t.X - prevEnd
			switch {
			case gap > 2*size:
				if s := strings.TrimSpace(b.String()); s != "" {
					cells = append(cells, s)
				}
				b.Reset()
			case gap > 0.25*size && !strings.HasSuffix(b.String(), " "):
				b.WriteByte(' ')
			}
		}
		b.WriteString(t.S)
		prevEnd = t.X + t.W
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		cells = append(cells, s)
	}
	return cells
}

func rowTolerance(t pdf.Text) float64 {
	if t.FontSize > 0 {
		return t.FontSize * 0.4
	}
	return 2
}
