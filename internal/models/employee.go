package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Employee is maintained by the admin side; the engine only reads it.
type Employee struct {
	EmployeeID string `gorm:"primaryKey;column:employee_id" json:"employee_id"`
	FullName   string `gorm:"column:full_name" json:"full_name"`

	OrgID      string `gorm:"column:org_id;index" json:"org_id"`
	Department string `gorm:"column:department;index" json:"department"`
	SiteCode   string `gorm:"column:site_code;not null" json:"site_code"`

	ScheduleCode string `gorm:"column:schedule_code" json:"schedule_code"`
	// Personnel number used by the turnstile API (tableNumber).
	TableNumber string `gorm:"column:table_number" json:"table_number"`

	MonthlyPayroll decimal.Decimal `gorm:"column:monthly_payroll;type:decimal(14,2)" json:"monthly_payroll"`
	Active         bool            `gorm:"column:active;not null" json:"active"`

	CreatedAt time.Time `gorm:"column:created_at" json:"-"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"-"`
}

func (Employee) TableName() string { return "employees" }
