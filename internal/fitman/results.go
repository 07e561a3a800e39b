package fitman

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/xuri/excelize/v2"
)

// Layout selects one of the two result-table shapes.
type Layout string

const (
	// LayoutHorizontal has one row per site combination, with one group of
	// per-site columns for each site slot.
	LayoutHorizontal Layout = "horizontal"
	// LayoutVertical has one row per (combination, site) pair, the
	// orientation and cost columns repeated across a combination's rows.
	LayoutVertical Layout = "vertical"
)

// Table is an ordered-column result table. Cells are typed (float64, int,
// bool, string); formatting happens at export time.
type Table struct {
	Columns []string
	Rows    [][]any
}

func newTable(columns []string) *Table {
	return &Table{Columns: append([]string(nil), columns...)}
}

// appendRow adds a row from a column-name map; absent columns become nil.
func (t *Table) appendRow(cells map[string]any) {
	row := make([]any, len(t.Columns))
	for i, col := range t.Columns {
		if v, ok := cells[col]; ok {
			row[i] = v
		}
	}
	t.Rows = append(t.Rows, row)
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.Rows) }

// formatCell renders one cell for delimited-text output.
func formatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case float64:
		if math.IsNaN(x) {
			return ""
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

// WriteCSV writes the table as comma-separated text with a header row.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return err
	}
	record := make([]string, len(t.Columns))
	for _, row := range t.Rows {
		for i, cell := range row {
			record[i] = formatCell(cell)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// SaveCSV writes the table to a .csv or .txt file.
func (t *Table) SaveCSV(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()
	if err := t.WriteCSV(f); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}

// SaveXLSX writes the table to a spreadsheet file.
func (t *Table) SaveXLSX(path string) error {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Sheet1"
	header := make([]any, len(t.Columns))
	for i, c := range t.Columns {
		header[i] = c
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	for ri, row := range t.Rows {
		cells := make([]any, len(row))
		for i, cell := range row {
			if fv, ok := cell.(float64); ok && math.IsNaN(fv) {
				continue
			}
			cells[i] = cell
		}
		start, err := excelize.CoordinatesToCellName(1, ri+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, start, &cells); err != nil {
			return fmt.Errorf("writing row %d: %w", ri+2, err)
		}
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("saving %s: %w", path, err)
	}
	return nil
}

// Save writes the table to path, picking the format from the extension:
// .txt and .csv produce delimited text, .xlsx and .xls a spreadsheet.
func (t *Table) Save(path string) error {
	switch ext := filepath.Ext(path); ext {
	case ".txt", ".csv":
		return t.SaveCSV(path)
	case ".xlsx", ".xls":
		return t.SaveXLSX(path)
	default:
		return fmt.Errorf("extension %q not recognized, use txt, csv, xls or xlsx", ext)
	}
}

// fixedColumns are the orientation/cost columns shared by both layouts.
var fixedColumns = []string{
	"value", "D.O.F.", "x", "x_err", "y", "y_err", "phi", "phi_err",
	"counts", "counts_err", "sigma", "sigma_err",
}

// trailingColumns close out every row in both layouts. The failure reason
// column keeps skipped combinations visible and countable.
var trailingColumns = []string{"success", "orientation gradient", "fail reason"}

// horizontalColumns builds the wide-layout header for nSites site slots.
func horizontalColumns(nSites int) []string {
	cols := append([]string(nil), fixedColumns...)
	for i := 1; i <= nSites; i++ {
		cols = append(cols,
			fmt.Sprintf("site%d n", i),
			fmt.Sprintf("p%d", i),
			fmt.Sprintf("site%d description", i),
			fmt.Sprintf("site%d factor", i),
			fmt.Sprintf("site%d u1", i),
			fmt.Sprintf("site%d fraction", i),
			fmt.Sprintf("fraction%d_err", i),
		)
	}
	return append(cols, trailingColumns...)
}

// verticalColumns builds the long-layout header: one site group, one row per
// (combination, site) pair.
func verticalColumns() []string {
	cols := append([]string(nil), fixedColumns...)
	cols = append(cols,
		"site n", "p", "site description", "site factor", "site u1",
		"site fraction", "fraction_err",
	)
	return append(cols, trailingColumns...)
}
