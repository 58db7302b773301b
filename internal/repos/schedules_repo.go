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

type SchedulesRepo struct {
	db *gorm.DB
	lg *logrus.Logger
}

func NewSchedulesRepo(db *gorm.DB, lg *logrus.Logger) *SchedulesRepo {
	return &SchedulesRepo{db: db, lg: lg}
}

// UpsertBatch imports schedule rows; a re-import of the same
// (schedule_code, work_date) replaces the previous values.
func (r *SchedulesRepo) UpsertBatch(ctx context.Context, rows []models.ScheduleEntry, batchSize int) error {
	if len(rows) == 0 {
		return nil
	}
	if batchSize <= 0 {
		batchSize = 1000
	}

	for i := 0; i < len(rows); i += batchSize {
		end := i + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[i:end]

		res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "schedule_code"},
				{Name: "work_date"},
			},
			DoUpdates: clause.AssignmentColumns([]string{
				"schedule_name",
				"work_month",
				"time_type",
				"expected_hours",
				"expected_check_in",
				"expected_check_out",
				"updated_at",
			}),
		}).Create(&chunk)

		if res.Error != nil {
			return apperr.Storage("upsert schedule_entries", res.Error)
		}
	}

	r.lg.Printf("Upserted %d schedule_entries rows", len(rows))
	return nil
}

// Get returns the entry for one schedule day, or ErrNotFound.
func (r *SchedulesRepo) Get(ctx context.Context, scheduleCode string, day time.Time) (*models.ScheduleEntry, error) {
	var e models.ScheduleEntry
	err := r.db.WithContext(ctx).
		Where("schedule_code = ? AND work_date = ?", scheduleCode, day).
		Take(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, apperr.Storage("get schedule_entries", err)
	}
	return &e, nil
}

// ListByCodeRange returns entries in [from..to] ordered by day.
func (r *SchedulesRepo) ListByCodeRange(ctx context.Context, scheduleCode string, from, to time.Time) ([]models.ScheduleEntry, error) {
	var out []models.ScheduleEntry
	err := r.db.WithContext(ctx).
		Where("schedule_code = ? AND work_date BETWEEN ? AND ?", scheduleCode, from, to).
		Order("work_date ASC").
		Find(&out).Error
	if err != nil {
		return nil, apperr.Storage("list schedule_entries", err)
	}
	return out, nil
}

func (r *SchedulesRepo) CountByCodeRange(ctx context.Context, scheduleCode string, from, to time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&models.ScheduleEntry{}).
		Where("schedule_code = ? AND work_date BETWEEN ? AND ?", scheduleCode, from, to).
		Count(&n).Error
	if err != nil {
		return 0, apperr.Storage("count schedule_entries", err)
	}
	return n, nil
}
