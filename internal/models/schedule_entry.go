package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ScheduleEntry is one expected shift, imported from the payroll system.
type ScheduleEntry struct {
	ID int64 `gorm:"primaryKey;column:id" json:"-"`

	ScheduleCode string    `gorm:"column:schedule_code;not null;uniqueIndex:idx_schedule_code_date,priority:1" json:"schedule_code"`
	WorkDate     time.Time `gorm:"column:work_date;not null;uniqueIndex:idx_schedule_code_date,priority:2" json:"work_date"` // date-only (UTC midnight)

	ScheduleName  string          `gorm:"column:schedule_name" json:"schedule_name"`
	WorkMonth     string          `gorm:"column:work_month;index" json:"work_month"` // YYYY-MM
	TimeType      string          `gorm:"column:time_type" json:"time_type"`
	ExpectedHours decimal.Decimal `gorm:"column:expected_hours;type:decimal(5,2)" json:"expected_hours"`

	ExpectedCheckIn  string `gorm:"column:expected_check_in" json:"expected_check_in"`   // HH:MM:SS site-local
	ExpectedCheckOut string `gorm:"column:expected_check_out" json:"expected_check_out"` // HH:MM:SS site-local

	CreatedAt time.Time `gorm:"column:created_at" json:"-"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"-"`
}

func (ScheduleEntry) TableName() string { return "schedule_entries" }
