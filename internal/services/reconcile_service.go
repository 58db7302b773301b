package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/araquach/turnstile-datahub/internal/apperr"
	"github.com/araquach/turnstile-datahub/internal/models"
	"github.com/araquach/turnstile-datahub/internal/repos"
	"github.com/araquach/turnstile-datahub/internal/util"
)

type EventSource interface {
	Query(ctx context.Context, q repos.EventQuery) iter.Seq2[models.RawEvent, error]
}

type AttendanceStore interface {
	Upsert(ctx context.Context, rec *models.AttendanceRecord) error
	DeleteDay(ctx context.Context, employeeID string, day time.Time) error
}

type ScheduleSource interface {
	ListByCodeRange(ctx context.Context, scheduleCode string, from, to time.Time) ([]models.ScheduleEntry, error)
}

type EmployeeSource interface {
	Get(ctx context.Context, employeeID string) (*models.Employee, error)
	List(ctx context.Context, f repos.EmployeeFilter) ([]models.Employee, error)
}

// ReconcileService turns raw swipes plus the schedule into one attendance
// record per employee per site-local day.
type ReconcileService struct {
	Events     EventSource
	Attendance AttendanceStore
	Schedules  ScheduleSource
	Employees  EmployeeSource
	Sites      models.SiteDirectory

	// Tolerance applied to both the expected check-in and check-out.
	Grace time.Duration

	Logger *logrus.Logger
}

func (s *ReconcileService) lg() *logrus.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return logrus.StandardLogger()
}

// Reconcile rebuilds a single day. It returns nil when the day has neither
// swipes nor a scheduled shift.
func (s *ReconcileService) Reconcile(ctx context.Context, employeeID string, day time.Time) (*models.AttendanceRecord, error) {
	recs, err := s.reconcile(ctx, employeeID, day, day)
	if err != nil {
		return nil, err
	}
	return recs[util.DateOnly(day).Format(util.DateLayout)], nil
}

// ReconcileRange rebuilds every day in [from..to] independently and returns
// the number of records written.
func (s *ReconcileService) ReconcileRange(ctx context.Context, employeeID string, from, to time.Time) (int, error) {
	recs, err := s.reconcile(ctx, employeeID, from, to)
	return len(recs), err
}

func (s *ReconcileService) reconcile(ctx context.Context, employeeID string, from, to time.Time) (map[string]*models.AttendanceRecord, error) {
	from, to = util.DateOnly(from), util.DateOnly(to)
	if from.After(to) {
		return nil, fmt.Errorf("reconcile employee=%s: invalid range %s..%s",
			employeeID, from.Format(util.DateLayout), to.Format(util.DateLayout))
	}

	emp, err := s.Employees.Get(ctx, employeeID)
	if err != nil {
		return nil, fmt.Errorf("reconcile employee=%s: %w", employeeID, err)
	}
	site, err := s.Sites.Lookup(emp.SiteCode)
	if err != nil {
		return nil, fmt.Errorf("reconcile employee=%s: %w", employeeID, err)
	}
	loc := site.Location

	// One read covers the whole range; every event lands in its site-local day.
	start, _ := util.DayBounds(from, loc)
	_, end := util.DayBounds(to, loc)

	byDay := map[string][]models.RawEvent{}
	for ev, err := range s.Events.Query(ctx, repos.EventQuery{EmployeeID: employeeID, From: start, To: end}) {
		if err != nil {
			return nil, fmt.Errorf("reconcile employee=%s: %w", employeeID, err)
		}
		key := util.LocalDay(ev.OccurredAt, loc).Format(util.DateLayout)
		byDay[key] = append(byDay[key], ev)
	}

	schedByDay := map[string]*models.ScheduleEntry{}
	if emp.ScheduleCode != "" {
		entries, err := s.Schedules.ListByCodeRange(ctx, emp.ScheduleCode, from, to)
		if err != nil {
			return nil, fmt.Errorf("reconcile employee=%s: %w", employeeID, err)
		}
		for i := range entries {
			schedByDay[util.DateOnly(entries[i].WorkDate).Format(util.DateLayout)] = &entries[i]
		}
	}

	out := map[string]*models.AttendanceRecord{}
	for _, day := range util.Days(from, to) {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		key := day.Format(util.DateLayout)

		rec, anomaly := BuildRecord(employeeID, day, site, byDay[key], schedByDay[key], s.Grace)
		if anomaly != nil {
			s.lg().WithError(anomaly).WithField("employee_id", employeeID).Warn("⚠️  reconcile: degraded day")
		}

		if rec == nil {
			if err := s.Attendance.DeleteDay(ctx, employeeID, day); err != nil {
				return out, fmt.Errorf("reconcile employee=%s day=%s: %w", employeeID, key, err)
			}
			continue
		}
		if err := s.Attendance.Upsert(ctx, rec); err != nil {
			return out, fmt.Errorf("reconcile employee=%s day=%s: %w", employeeID, key, err)
		}
		out[key] = rec
	}

	s.lg().Debugf("✅ reconcile/%s: %s..%s (%d records)", employeeID,
		from.Format(util.DateLayout), to.Format(util.DateLayout), len(out))
	return out, nil
}

// BuildRecord derives one day's record. events must already be restricted to
// the site-local day; they may contain exact duplicates and be unordered.
// A nil record means there is nothing to record (no swipes, no shift).
func BuildRecord(
	employeeID string,
	day time.Time,
	site models.Site,
	events []models.RawEvent,
	sched *models.ScheduleEntry,
	grace time.Duration,
) (*models.AttendanceRecord, *apperr.ReconciliationAnomaly) {
	day = util.DateOnly(day)
	swipes := dedupeSwipes(events)

	if len(swipes) == 0 && sched == nil {
		return nil, nil
	}

	var (
		checkIn  *time.Time
		checkOut *time.Time
		reasons  []string
	)

	for i := range swipes {
		if swipes[i].Direction == models.DirectionEntry {
			t := swipes[i].OccurredAt
			checkIn = &t
			break
		}
	}
	for i := len(swipes) - 1; i >= 0; i-- {
		if checkIn == nil {
			break
		}
		if swipes[i].Direction == models.DirectionExit && swipes[i].OccurredAt.After(*checkIn) {
			t := swipes[i].OccurredAt
			checkOut = &t
			break
		}
	}
	for _, sw := range swipes {
		if sw.Direction == models.DirectionExit && (checkIn == nil || !sw.OccurredAt.After(*checkIn)) {
			reasons = append(reasons, "exit_without_entry")
			break
		}
	}

	rec := &models.AttendanceRecord{
		EmployeeID:  employeeID,
		WorkDate:    day,
		Timezone:    site.Timezone,
		CheckIn:     checkIn,
		CheckOut:    checkOut,
		WorkedHours: decimal.Zero,
		EventCount:  len(swipes),
	}
	if checkIn != nil && checkOut != nil {
		secs := int64(checkOut.Sub(*checkIn) / time.Second)
		rec.WorkedHours = decimal.NewFromInt(secs).Div(decimal.NewFromInt(3600)).Round(2)
	}

	switch {
	case sched != nil && checkIn == nil && checkOut == nil:
		rec.Status = models.StatusAbsent
	case sched == nil:
		rec.Status = models.StatusOffSchedule
		rec.IsOffSchedule = true
	case checkIn == nil || checkOut == nil:
		rec.Status = models.StatusIncomplete
	default:
		rec.Status = models.StatusOnTime
		expIn, expOut, err := expectedWindow(day, site.Location, sched)
		if err != nil {
			reasons = append(reasons, "bad_schedule_times")
			break
		}
		if late := checkIn.Sub(expIn); late > grace {
			rec.Status = models.StatusLate
			rec.LateMinutes = int(late / time.Minute)
		}
		if early := expOut.Sub(*checkOut); early > grace {
			if rec.Status == models.StatusOnTime {
				rec.Status = models.StatusEarlyLeave
			}
			rec.EarlyLeaveMinutes = int(early / time.Minute)
		}
	}
	if sched != nil {
		code := sched.ScheduleCode
		rec.ScheduleCode = &code
	}

	if len(reasons) == 0 {
		return rec, nil
	}
	reason := strings.Join(reasons, ",")
	rec.Anomaly = &reason
	return rec, &apperr.ReconciliationAnomaly{EmployeeID: employeeID, Day: day, Reason: reason}
}

// dedupeSwipes drops exact (timestamp, direction) repeats and orders the rest.
// Entries sort before exits at the same instant.
func dedupeSwipes(events []models.RawEvent) []models.RawEvent {
	type key struct {
		at  int64
		dir models.Direction
	}
	seen := make(map[key]bool, len(events))
	out := make([]models.RawEvent, 0, len(events))
	for _, ev := range events {
		k := key{at: ev.OccurredAt.UnixNano(), dir: ev.Direction}
		if seen[k] {
			continue
		}
		seen[k] = true
		ev.OccurredAt = ev.OccurredAt.UTC()
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].Direction == models.DirectionEntry && out[j].Direction != models.DirectionEntry
	})
	return out
}

// expectedWindow resolves the shift's local clock times to instants. A shift
// ending at or before its start runs past midnight.
func expectedWindow(day time.Time, loc *time.Location, sched *models.ScheduleEntry) (time.Time, time.Time, error) {
	in, err := util.ParseClock(sched.ExpectedCheckIn)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	out, err := util.ParseClock(sched.ExpectedCheckOut)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	expIn := util.At(day, in, loc)
	expOut := util.At(day, out, loc)
	if !expOut.After(expIn) {
		expOut = util.At(day.AddDate(0, 0, 1), out, loc)
	}
	return expIn, expOut, nil
}

// IsNotFound reports whether err means a missing employee or schedule.
func IsNotFound(err error) bool {
	return errors.Is(err, repos.ErrNotFound)
}
