// Package reports renders payroll prorations for people who want a spreadsheet.
package reports

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/araquach/turnstile-datahub/internal/services"
	"github.com/araquach/turnstile-datahub/internal/util"
)

const (
	summarySheet = "Summary"
	dailySheet   = "Daily"
)

// WritePayrollXLSX writes a two-sheet workbook: per-employee totals and the
// per-shift allocations. Amounts are written as text so no float rounding
// happens on the way into the cell.
func WritePayrollXLSX(w io.Writer, from, to string, rows []services.PayrollSummary) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName(f.GetSheetName(0), summarySheet); err != nil {
		return err
	}
	if _, err := f.NewSheet(dailySheet); err != nil {
		return err
	}

	if err := f.SetSheetRow(summarySheet, "A1", &[]any{"employee_id", "shifts", "total", "period"}); err != nil {
		return err
	}
	if err := f.SetSheetRow(dailySheet, "A1", &[]any{"employee_id", "work_date", "daily_amount"}); err != nil {
		return err
	}

	line := 2
	for i, s := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(summarySheet, cell, &[]any{
			s.EmployeeID, s.Shifts, s.Total.StringFixed(2), from + ".." + to,
		}); err != nil {
			return fmt.Errorf("summary row %s: %w", s.EmployeeID, err)
		}

		for _, a := range s.Allocations {
			cell, _ := excelize.CoordinatesToCellName(1, line)
			if err := f.SetSheetRow(dailySheet, cell, &[]any{
				a.EmployeeID, a.WorkDate.Format(util.DateLayout), a.DailyAmount.StringFixed(2),
			}); err != nil {
				return fmt.Errorf("daily row %s: %w", a.EmployeeID, err)
			}
			line++
		}
	}

	return f.Write(w)
}
