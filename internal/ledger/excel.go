package ledger

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"lessonbook/internal/pricing"
)

const sheetName = "Partial commits"

var exportColumns = []string{
	"ID", "Created (UTC)", "Instructor", "Learner", "Learner email", "Payment", "Amount", "Currency",
	"Committed bookings", "Failed lesson", "Failure", "Not attempted",
}

// ExportXLSX writes entries as a single-sheet spreadsheet.
func ExportXLSX(w io.Writer, entries []Entry) error {
	f := excelize.NewFile()
	defer f.Close()

	f.SetSheetName("Sheet1", sheetName)

	for i, col := range exportColumns {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheetName, cell, col); err != nil {
			return err
		}
	}
	if style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}}); err == nil {
		endCell, _ := excelize.CoordinatesToCellName(len(exportColumns), 1)
		_ = f.SetCellStyle(sheetName, "A1", endCell, style)
	}

	for r, e := range entries {
		committed := make([]string, len(e.Committed))
		for i, c := range e.Committed {
			committed[i] = fmt.Sprintf("%s=%s", c.LessonID, c.BookingID)
		}
		row := []any{
			e.ID,
			e.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
			e.InstructorID,
			e.LearnerID,
			e.LearnerEmail,
			e.PaymentID,
			pricing.FormatCents(e.Amount),
			strings.ToUpper(e.Currency),
			strings.Join(committed, ", "),
			e.FailedLessonID,
			e.Failure,
			strings.Join(e.NotAttempted, ", "),
		}
		for c, val := range row {
			cell, err := excelize.CoordinatesToCellName(c+1, r+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheetName, cell, val); err != nil {
				return err
			}
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write spreadsheet: %w", err)
	}
	return nil
}
