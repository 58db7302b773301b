package repos

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/araquach/turnstile-datahub/internal/apperr"
	"github.com/araquach/turnstile-datahub/internal/models"
)

type AttendanceRepo struct {
	db *gorm.DB
	lg *logrus.Logger
}

func NewAttendanceRepo(db *gorm.DB, lg *logrus.Logger) *AttendanceRepo {
	return &AttendanceRepo{db: db, lg: lg}
}

// attendanceColumns are overwritten on rebuild. The row id is kept.
var attendanceColumns = []string{
	"timezone",
	"check_in",
	"check_out",
	"worked_hours",
	"status",
	"is_off_schedule",
	"schedule_code",
	"late_minutes",
	"early_leave_minutes",
	"event_count",
	"anomaly",
}

// Upsert writes rec, replacing any record for the same employee and day.
func (r *AttendanceRepo) Upsert(ctx context.Context, rec *models.AttendanceRecord) error {
	rec.ID = 0
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "employee_id"},
			{Name: "work_date"},
		},
		DoUpdates: clause.AssignmentColumns(attendanceColumns),
	}).Create(rec).Error
	return apperr.Storage("upsert attendance_records", err)
}

// DeleteDay removes a stale record for a day that no longer yields one.
func (r *AttendanceRepo) DeleteDay(ctx context.Context, employeeID string, day time.Time) error {
	err := r.db.WithContext(ctx).
		Where("employee_id = ? AND work_date = ?", employeeID, day).
		Delete(&models.AttendanceRecord{}).Error
	return apperr.Storage("delete attendance_records", err)
}

func (r *AttendanceRepo) Get(ctx context.Context, employeeID string, day time.Time) (*models.AttendanceRecord, error) {
	var rec models.AttendanceRecord
	err := r.db.WithContext(ctx).
		Where("employee_id = ? AND work_date = ?", employeeID, day).
		Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, apperr.Storage("get attendance_records", err)
	}
	return &rec, nil
}

// ListByEmployees returns records for the given employees in [from..to],
// ordered by employee then day.
func (r *AttendanceRepo) ListByEmployees(ctx context.Context, employeeIDs []string, from, to time.Time) ([]models.AttendanceRecord, error) {
	if len(employeeIDs) == 0 {
		return nil, nil
	}
	var out []models.AttendanceRecord
	err := r.db.WithContext(ctx).
		Where("employee_id IN ? AND work_date BETWEEN ? AND ?", employeeIDs, from, to).
		Order("employee_id ASC, work_date ASC").
		Find(&out).Error
	if err != nil {
		return nil, apperr.Storage("list attendance_records", err)
	}
	return out, nil
}
