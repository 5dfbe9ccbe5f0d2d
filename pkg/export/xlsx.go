// Package export converts run metric history into spreadsheet files.
package export

import (
	"context"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/trackflow/trackflow/pkg/query"
)

const sheetName = "Metrics"

// RunMetricsToXLSX writes a run's full metric history to an xlsx file.
// Column order follows the run's schema; progress, if non-nil, is
// called once per written row.
func RunMetricsToXLSX(ctx context.Context, eng *query.Engine, runPath, outPath string, progress func(rows int)) (int, error) {
	const viewName = "export_run"
	if err := eng.RegisterRunView(ctx, viewName, runPath); err != nil {
		return 0, err
	}
	defer eng.DropView(context.Background(), viewName)

	result, err := eng.Query(ctx, fmt.Sprintf("SELECT * FROM %q", viewName))
	if err != nil {
		return 0, err
	}
	columns := result.Columns()
	rows, err := result.ToMaps()
	if err != nil {
		return 0, err
	}

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return 0, err
	}

	sw, err := f.NewStreamWriter(sheetName)
	if err != nil {
		return 0, fmt.Errorf("create stream writer: %w", err)
	}

	header := make([]any, len(columns))
	for i, col := range columns {
		header[i] = excelize.Cell{Value: col, StyleID: 0}
	}
	if err := sw.SetRow("A1", header); err != nil {
		return 0, err
	}

	for i, row := range rows {
		cells := make([]any, len(columns))
		for j, col := range columns {
			cells[j] = cellValue(row[col])
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := sw.SetRow(cell, cells); err != nil {
			return 0, err
		}
		if progress != nil {
			progress(1)
		}
	}

	if err := sw.Flush(); err != nil {
		return 0, err
	}
	if err := f.SaveAs(outPath); err != nil {
		return 0, fmt.Errorf("save %s: %w", outPath, err)
	}
	return len(rows), nil
}

// cellValue narrows DuckDB scan results to types excelize renders
// cleanly.
func cellValue(v any) any {
	switch t := v.(type) {
	case nil:
		return ""
	case time.Time:
		return t.UTC().Format("2006-01-02 15:04:05.000")
	default:
		return v
	}
}
