package emergency

import (
	"fmt"
	"io"
	"strings"
	"time"

	"hotmess-kernel/internal/models"

	"github.com/xuri/excelize/v2"
)

const historySheet = "Incidents"

// HistoryExportHeader columns of the incident report.
var HistoryExportHeader = []string{
	"Event ID",
	"User ID",
	"Source",
	"Triggered At",
	"Resolved At",
	"Resolved By",
	"Duration (s)",
	"Latitude",
	"Longitude",
	"Contacts Alerted",
	"Safety Beacon",
	"Notes",
}

var historyColumnWidths = []float64{38, 38, 18, 22, 22, 14, 12, 12, 12, 30, 44, 40}

// ExportHistoryXLSX writes the resolved incidents as a spreadsheet.
func (c *Controller) ExportHistoryXLSX(w io.Writer) error {
	return ExportHistoryXLSX(w, c.History())
}

// ExportHistoryXLSX writes events as a one-sheet workbook.
func ExportHistoryXLSX(w io.Writer, events []models.EmergencyEvent) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(historySheet)
	if err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#FFE6E9"},
			Pattern: 1,
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	for col, header := range HistoryExportHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(historySheet, cell, header); err != nil {
			return fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(historySheet, cell, cell, headerStyle); err != nil {
			return fmt.Errorf("failed to set header style: %w", err)
		}
	}
	for i, width := range historyColumnWidths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return fmt.Errorf("failed to convert column number: %w", err)
		}
		if err := f.SetColWidth(historySheet, col, col, width); err != nil {
			return fmt.Errorf("failed to set column width: %w", err)
		}
	}

	for rowIdx, ev := range events {
		values := historyRow(ev)
		for colIdx, v := range values {
			cell, err := excelize.CoordinatesToCellName(colIdx+1, rowIdx+2)
			if err != nil {
				return fmt.Errorf("failed to convert coordinates: %w", err)
			}
			if err := f.SetCellValue(historySheet, cell, v); err != nil {
				return fmt.Errorf("failed to set cell %s: %w", cell, err)
			}
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func historyRow(ev models.EmergencyEvent) []any {
	row := []any{
		ev.ID,
		ev.UserID,
		ev.Source,
		ev.TriggeredAt.UTC().Format(time.RFC3339),
		"",
		ev.ResolvedBy,
		"",
		"",
		"",
		strings.Join(ev.ContactsAlerted, ", "),
		"",
		ev.Notes,
	}
	if ev.ResolvedAt != nil {
		row[4] = ev.ResolvedAt.UTC().Format(time.RFC3339)
		row[6] = int64(ev.ResolvedAt.Sub(ev.TriggeredAt).Seconds())
	}
	if ev.Location != nil {
		row[7] = ev.Location.Lat
		row[8] = ev.Location.Lng
	}
	if ev.AdminBeaconID != nil {
		row[10] = *ev.AdminBeaconID
	}
	return row
}
