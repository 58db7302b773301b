package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type AttendanceStatus string

const (
	StatusOnTime      AttendanceStatus = "on_time"
	StatusLate        AttendanceStatus = "late"
	StatusEarlyLeave  AttendanceStatus = "early_leave"
	StatusAbsent      AttendanceStatus = "absent"
	StatusOffSchedule AttendanceStatus = "off_schedule"
	StatusIncomplete  AttendanceStatus = "incomplete" // scheduled day with only one of check-in/check-out
)

// AttendanceRecord is derived entirely from raw events plus the schedule.
// It carries no wall-clock bookkeeping columns so a rebuild is bit-identical.
type AttendanceRecord struct {
	ID int64 `gorm:"primaryKey;column:id" json:"-"`

	EmployeeID string    `gorm:"column:employee_id;not null;uniqueIndex:idx_attendance_employee_day,priority:1" json:"employee_id"`
	WorkDate   time.Time `gorm:"column:work_date;not null;uniqueIndex:idx_attendance_employee_day,priority:2" json:"work_date"` // date-only (UTC midnight)
	Timezone   string    `gorm:"column:timezone;not null" json:"timezone"`

	CheckIn     *time.Time      `gorm:"column:check_in" json:"check_in"`
	CheckOut    *time.Time      `gorm:"column:check_out" json:"check_out"`
	WorkedHours decimal.Decimal `gorm:"column:worked_hours;type:decimal(6,2);not null" json:"worked_hours"`

	Status        AttendanceStatus `gorm:"column:status;not null;index" json:"status"`
	IsOffSchedule bool             `gorm:"column:is_off_schedule;not null" json:"is_off_schedule"`

	ScheduleCode      *string `gorm:"column:schedule_code" json:"schedule_code,omitempty"`
	LateMinutes       int     `gorm:"column:late_minutes;not null" json:"late_minutes"`
	EarlyLeaveMinutes int     `gorm:"column:early_leave_minutes;not null" json:"early_leave_minutes"`
	EventCount        int     `gorm:"column:event_count;not null" json:"event_count"`
	Anomaly           *string `gorm:"column:anomaly" json:"anomaly,omitempty"`
}

func (AttendanceRecord) TableName() string { return "attendance_records" }
