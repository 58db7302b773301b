package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PayrollAllocation is the share of a monthly payroll attributed to one shift.
// Computed on demand; never the source of truth.
type PayrollAllocation struct {
	EmployeeID  string          `json:"employee_id"`
	WorkDate    time.Time       `json:"work_date"`
	DailyAmount decimal.Decimal `json:"daily_amount"`
}
