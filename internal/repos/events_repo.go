package repos

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/araquach/turnstile-datahub/internal/apperr"
	"github.com/araquach/turnstile-datahub/internal/models"
)

// EventsRepo is the append-mostly log of raw swipes.
type EventsRepo struct {
	db       *gorm.DB
	lg       *logrus.Logger
	validate *validator.Validate
}

func NewEventsRepo(db *gorm.DB, lg *logrus.Logger) *EventsRepo {
	return &EventsRepo{db: db, lg: lg, validate: validator.New()}
}

// AppendResult reports what happened to each event of a batch.
type AppendResult struct {
	Inserted int
	Rejected int
	Errors   []error // one *apperr.ValidationError per rejected event
}

// EventQuery selects events in the half-open instant range [From, To).
type EventQuery struct {
	EmployeeID string
	SiteCode   string
	From       time.Time
	To         time.Time
}

// Append validates every event independently and stores the valid ones.
// Duplicates are stored, not rejected. The valid part of the batch is written
// in one transaction, so a reader never sees half of it.
func (r *EventsRepo) Append(ctx context.Context, events []models.RawEvent, batchSize int) (AppendResult, error) {
	var res AppendResult
	if len(events) == 0 {
		return res, nil
	}
	if batchSize <= 0 {
		batchSize = 1000
	}

	valid := make([]models.RawEvent, 0, len(events))
	for i, ev := range events {
		if err := r.check(i, ev); err != nil {
			res.Rejected++
			res.Errors = append(res.Errors, err)
			continue
		}
		ev.ID = 0
		ev.OccurredAt = ev.OccurredAt.UTC()
		valid = append(valid, ev)
	}

	if res.Rejected > 0 {
		r.lg.WithField("rejected", res.Rejected).Warnf("⚠️  raw_events: %d of %d events failed validation", res.Rejected, len(events))
	}
	if len(valid) == 0 {
		return res, nil
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := 0; i < len(valid); i += batchSize {
			end := i + batchSize
			if end > len(valid) {
				end = len(valid)
			}
			chunk := valid[i:end]
			if err := tx.Create(&chunk).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return res, apperr.Storage("append raw_events", err)
	}

	res.Inserted = len(valid)
	return res, nil
}

func (r *EventsRepo) check(i int, ev models.RawEvent) error {
	if err := r.validate.Struct(ev); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &apperr.ValidationError{Index: i, Field: verrs[0].Field(), Reason: "failed " + verrs[0].Tag()}
		}
		return &apperr.ValidationError{Index: i, Field: "event", Reason: err.Error()}
	}
	if ev.OccurredAt.IsZero() {
		return &apperr.ValidationError{Index: i, Field: "OccurredAt", Reason: "missing timestamp"}
	}
	return nil
}

func (r *EventsRepo) scoped(ctx context.Context, q EventQuery) *gorm.DB {
	tx := r.db.WithContext(ctx).Model(&models.RawEvent{}).
		Where("occurred_at >= ? AND occurred_at < ?", q.From.UTC(), q.To.UTC())
	if q.EmployeeID != "" {
		tx = tx.Where("employee_id = ?", q.EmployeeID)
	}
	if q.SiteCode != "" {
		tx = tx.Where("site_code = ?", q.SiteCode)
	}
	return tx
}

// Query streams matching events ordered by timestamp. Iteration stops at the
// first error, which is yielded once as a StorageError.
func (r *EventsRepo) Query(ctx context.Context, q EventQuery) iter.Seq2[models.RawEvent, error] {
	return func(yield func(models.RawEvent, error) bool) {
		rows, err := r.scoped(ctx, q).Order("occurred_at ASC, id ASC").Rows()
		if err != nil {
			yield(models.RawEvent{}, apperr.Storage("query raw_events", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var ev models.RawEvent
			if err := r.db.ScanRows(rows, &ev); err != nil {
				yield(models.RawEvent{}, apperr.Storage("scan raw_events", err))
				return
			}
			ev.OccurredAt = ev.OccurredAt.UTC()
			if !yield(ev, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(models.RawEvent{}, apperr.Storage("iterate raw_events", err))
		}
	}
}

// Collect drains Query into a slice.
func (r *EventsRepo) Collect(ctx context.Context, q EventQuery) ([]models.RawEvent, error) {
	var out []models.RawEvent
	for ev, err := range r.Query(ctx, q) {
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func (r *EventsRepo) Count(ctx context.Context, q EventQuery) (int64, error) {
	var n int64
	err := r.scoped(ctx, q).Count(&n).Error
	return n, apperr.Storage("count raw_events", err)
}

// Purge is the administrative delete for one employee's events in [from, to).
func (r *EventsRepo) Purge(ctx context.Context, employeeID string, from, to time.Time) (int64, error) {
	if employeeID == "" {
		return 0, &apperr.ValidationError{Index: -1, Field: "employee_id", Reason: "required for purge"}
	}
	res := r.db.WithContext(ctx).
		Where("employee_id = ? AND occurred_at >= ? AND occurred_at < ?", employeeID, from.UTC(), to.UTC()).
		Delete(&models.RawEvent{})
	if res.Error != nil {
		return 0, apperr.Storage("purge raw_events", res.Error)
	}
	r.lg.Printf("🧹 raw_events: purged %d events employee=%s", res.RowsAffected, employeeID)
	return res.RowsAffected, nil
}
