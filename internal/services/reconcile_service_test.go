package services_test

import (
	"context"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/araquach/turnstile-datahub/internal/models"
	"github.com/araquach/turnstile-datahub/internal/repos"
	"github.com/araquach/turnstile-datahub/internal/services"
	"github.com/araquach/turnstile-datahub/internal/testutil"
	"github.com/araquach/turnstile-datahub/internal/util"
)

func tokyo(t testing.TB) models.Site {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	return models.Site{Code: "HQ", ObjectBIN: "100200300", Timezone: "Asia/Tokyo", Location: loc}
}

func date(s string) time.Time {
	d, err := util.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// at is the UTC instant of a site-local wall clock time.
func at(site models.Site, day, clock string) time.Time {
	c, err := util.ParseClock(clock)
	if err != nil {
		panic(err)
	}
	return util.At(date(day), c, site.Location).UTC()
}

func in(site models.Site, day, clock string) models.RawEvent {
	return models.RawEvent{EmployeeID: "E1", SiteCode: site.Code, OccurredAt: at(site, day, clock), Direction: models.DirectionEntry}
}

func out(site models.Site, day, clock string) models.RawEvent {
	return models.RawEvent{EmployeeID: "E1", SiteCode: site.Code, OccurredAt: at(site, day, clock), Direction: models.DirectionExit}
}

func shift(day, start, end string) *models.ScheduleEntry {
	return &models.ScheduleEntry{
		ScheduleCode:     "S1",
		WorkDate:         date(day),
		ExpectedHours:    decimal.NewFromInt(8),
		ExpectedCheckIn:  start,
		ExpectedCheckOut: end,
	}
}

func TestBuildRecordStatuses(t *testing.T) {
	site := tokyo(t)
	const d = "2024-03-04"

	cases := []struct {
		name   string
		events []models.RawEvent
		sched  *models.ScheduleEntry
		grace  time.Duration

		status models.AttendanceStatus
		hours  string
		late   int
		early  int
	}{
		{
			name:   "on time",
			events: []models.RawEvent{in(site, d, "08:55"), out(site, d, "18:05")},
			sched:  shift(d, "09:00:00", "18:00:00"),
			status: models.StatusOnTime,
			hours:  "9.17",
		},
		{
			name:   "one minute late without grace",
			events: []models.RawEvent{in(site, d, "09:01"), out(site, d, "18:00")},
			sched:  shift(d, "09:00:00", "18:00:00"),
			status: models.StatusLate,
			hours:  "8.98",
			late:   1,
		},
		{
			name:   "late within grace",
			events: []models.RawEvent{in(site, d, "09:04"), out(site, d, "18:00")},
			sched:  shift(d, "09:00:00", "18:00:00"),
			grace:  5 * time.Minute,
			status: models.StatusOnTime,
			hours:  "8.93",
		},
		{
			name:   "early leave",
			events: []models.RawEvent{in(site, d, "09:00"), out(site, d, "17:30")},
			sched:  shift(d, "09:00:00", "18:00:00"),
			status: models.StatusEarlyLeave,
			hours:  "8.50",
			early:  30,
		},
		{
			name:   "late and early reports late",
			events: []models.RawEvent{in(site, d, "09:30"), out(site, d, "17:00")},
			sched:  shift(d, "09:00:00", "18:00:00"),
			status: models.StatusLate,
			hours:  "7.50",
			late:   30,
			early:  60,
		},
		{
			name:   "absent",
			sched:  shift(d, "09:00:00", "18:00:00"),
			status: models.StatusAbsent,
			hours:  "0.00",
		},
		{
			name:   "off schedule",
			events: []models.RawEvent{in(site, d, "10:00"), out(site, d, "12:00")},
			status: models.StatusOffSchedule,
			hours:  "2.00",
		},
		{
			name:   "only entry",
			events: []models.RawEvent{in(site, d, "09:00")},
			sched:  shift(d, "09:00:00", "18:00:00"),
			status: models.StatusIncomplete,
			hours:  "0.00",
		},
		{
			name:   "overnight shift leaves before midnight",
			events: []models.RawEvent{in(site, d, "22:00"), out(site, d, "23:30")},
			sched:  shift(d, "22:00:00", "06:00:00"),
			status: models.StatusEarlyLeave,
			hours:  "1.50",
			early:  390,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, anomaly := services.BuildRecord("E1", date(d), site, tc.events, tc.sched, tc.grace)
			require.NotNil(t, rec)
			assert.Nil(t, anomaly)

			assert.Equal(t, tc.status, rec.Status)
			assert.Equal(t, tc.hours, rec.WorkedHours.StringFixed(2))
			assert.Equal(t, tc.late, rec.LateMinutes)
			assert.Equal(t, tc.early, rec.EarlyLeaveMinutes)
			assert.Equal(t, tc.status == models.StatusOffSchedule, rec.IsOffSchedule)
			assert.Equal(t, "Asia/Tokyo", rec.Timezone)
			assert.True(t, rec.WorkDate.Equal(date(d)))
		})
	}
}

func TestBuildRecordNothingToRecord(t *testing.T) {
	rec, anomaly := services.BuildRecord("E1", date("2024-03-04"), tokyo(t), nil, nil, 0)
	assert.Nil(t, rec)
	assert.Nil(t, anomaly)
}

func TestBuildRecordIgnoresDuplicatesAndOrder(t *testing.T) {
	site := tokyo(t)
	const d = "2024-03-04"
	sched := shift(d, "09:00:00", "18:00:00")

	clean := []models.RawEvent{in(site, d, "08:58"), out(site, d, "12:00"), in(site, d, "13:00"), out(site, d, "18:02")}
	noisy := []models.RawEvent{
		out(site, d, "18:02"), in(site, d, "08:58"), in(site, d, "08:58"),
		in(site, d, "13:00"), out(site, d, "12:00"), out(site, d, "18:02"),
	}

	a, _ := services.BuildRecord("E1", date(d), site, clean, sched, 0)
	b, _ := services.BuildRecord("E1", date(d), site, noisy, sched, 0)
	require.NotNil(t, a)
	require.NotNil(t, b)

	assert.Equal(t, a.Status, b.Status)
	assert.True(t, a.CheckIn.Equal(*b.CheckIn))
	assert.True(t, a.CheckOut.Equal(*b.CheckOut))
	assert.True(t, a.WorkedHours.Equal(b.WorkedHours))
	assert.Equal(t, 4, b.EventCount)
}

func TestBuildRecordFlagsExitWithoutEntry(t *testing.T) {
	site := tokyo(t)
	const d = "2024-03-04"

	rec, anomaly := services.BuildRecord("E1", date(d), site,
		[]models.RawEvent{out(site, d, "07:00"), in(site, d, "09:00"), out(site, d, "18:00")},
		shift(d, "09:00:00", "18:00:00"), 0)
	require.NotNil(t, rec)
	require.NotNil(t, anomaly)
	assert.Equal(t, "exit_without_entry", anomaly.Reason)
	require.NotNil(t, rec.Anomaly)
	assert.Equal(t, models.StatusOnTime, rec.Status)
	assert.True(t, rec.CheckOut.Equal(at(site, d, "18:00")))
}

func TestBuildRecordOnlyExitsIsAbsent(t *testing.T) {
	site := tokyo(t)
	const d = "2024-03-04"

	rec, anomaly := services.BuildRecord("E1", date(d), site,
		[]models.RawEvent{out(site, d, "18:00")}, shift(d, "09:00:00", "18:00:00"), 0)
	require.NotNil(t, rec)
	require.NotNil(t, anomaly)
	assert.Equal(t, models.StatusAbsent, rec.Status)
	assert.Nil(t, rec.CheckIn)
	assert.Nil(t, rec.CheckOut)
}

type fixture struct {
	db         *gorm.DB
	site       models.Site
	events     *repos.EventsRepo
	attendance *repos.AttendanceRepo
	schedules  *repos.SchedulesRepo
	employees  *repos.EmployeesRepo
	reconciler *services.ReconcileService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb := testutil.OpenDB(t)
	lg := testutil.Logger()
	site := tokyo(t)

	f := &fixture{
		db:         gdb,
		site:       site,
		events:     repos.NewEventsRepo(gdb, lg),
		attendance: repos.NewAttendanceRepo(gdb, lg),
		schedules:  repos.NewSchedulesRepo(gdb, lg),
		employees:  repos.NewEmployeesRepo(gdb, lg),
	}
	f.reconciler = &services.ReconcileService{
		Events:     f.events,
		Attendance: f.attendance,
		Schedules:  f.schedules,
		Employees:  f.employees,
		Sites:      models.NewSiteDirectory([]models.Site{site}),
		Logger:     lg,
	}

	require.NoError(t, f.employees.UpsertBatch(context.Background(), []models.Employee{{
		EmployeeID:     "E1",
		OrgID:          "O1",
		Department:     "ops",
		SiteCode:       site.Code,
		ScheduleCode:   "S1",
		TableNumber:    "0001",
		MonthlyPayroll: decimal.NewFromInt(300000),
		Active:         true,
	}}))
	return f
}

func (f *fixture) shifts(t *testing.T, days ...string) {
	t.Helper()
	var rows []models.ScheduleEntry
	for _, d := range days {
		rows = append(rows, *shift(d, "09:00:00", "18:00:00"))
	}
	require.NoError(t, f.schedules.UpsertBatch(context.Background(), rows, 0))
}

func (f *fixture) append(t *testing.T, evs ...models.RawEvent) {
	t.Helper()
	res, err := f.events.Append(context.Background(), evs, 0)
	require.NoError(t, err)
	require.Equal(t, len(evs), res.Inserted)
}

func (f *fixture) records(t *testing.T) []models.AttendanceRecord {
	t.Helper()
	recs, err := f.attendance.ListByEmployees(context.Background(), []string{"E1"}, date("2024-01-01"), date("2024-12-31"))
	require.NoError(t, err)
	return recs
}

func TestReconcileUsesSiteLocalDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.shifts(t, "2024-03-05")

	// 08:30 in Tokyo on the 5th is 23:30 UTC on the 4th.
	f.append(t, in(f.site, "2024-03-05", "08:30"), out(f.site, "2024-03-05", "18:00"))
	require.Equal(t, 4, at(f.site, "2024-03-05", "08:30").Day())

	rec, err := f.reconciler.Reconcile(ctx, "E1", date("2024-03-05"))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.StatusOnTime, rec.Status)
	assert.Equal(t, "9.50", rec.WorkedHours.StringFixed(2))

	// Nothing leaks onto the UTC day.
	prev, err := f.reconciler.Reconcile(ctx, "E1", date("2024-03-04"))
	require.NoError(t, err)
	assert.Nil(t, prev)
}

func TestReconcileRangeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.shifts(t, "2024-03-04", "2024-03-05", "2024-03-06")
	f.append(t,
		in(f.site, "2024-03-04", "09:10"), out(f.site, "2024-03-04", "18:00"),
		in(f.site, "2024-03-05", "08:50"), out(f.site, "2024-03-05", "18:30"),
		in(f.site, "2024-03-07", "10:00"), out(f.site, "2024-03-07", "11:00"),
	)

	n, err := f.reconciler.ReconcileRange(ctx, "E1", date("2024-03-01"), date("2024-03-10"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	first := f.records(t)

	// A duplicate delivery must not change anything.
	f.append(t, in(f.site, "2024-03-04", "09:10"), out(f.site, "2024-03-05", "18:30"))

	n, err = f.reconciler.ReconcileRange(ctx, "E1", date("2024-03-01"), date("2024-03-10"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	second := f.records(t)

	require.Len(t, second, len(first))
	for i := range first {
		a, b := first[i], second[i]
		assert.Equal(t, a.ID, b.ID, "row kept its id")
		assert.True(t, a.WorkDate.Equal(b.WorkDate))
		assert.Equal(t, a.Status, b.Status)
		assert.True(t, a.WorkedHours.Equal(b.WorkedHours))
		if a.CheckIn == nil {
			assert.Nil(t, b.CheckIn)
		} else {
			require.NotNil(t, b.CheckIn)
			assert.True(t, a.CheckIn.Equal(*b.CheckIn))
		}
		assert.Equal(t, a.LateMinutes, b.LateMinutes)
	}

	byDay := map[string]models.AttendanceStatus{}
	for _, r := range second {
		byDay[util.DateOnly(r.WorkDate).Format(util.DateLayout)] = r.Status
	}
	assert.Equal(t, models.StatusLate, byDay["2024-03-04"])
	assert.Equal(t, models.StatusOnTime, byDay["2024-03-05"])
	assert.Equal(t, models.StatusAbsent, byDay["2024-03-06"])
	assert.Equal(t, models.StatusOffSchedule, byDay["2024-03-07"])
}

func TestReconcileRemovesStaleRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.attendance.Upsert(ctx, &models.AttendanceRecord{
		EmployeeID: "E1", WorkDate: date("2024-03-04"), Timezone: "Asia/Tokyo",
		WorkedHours: decimal.Zero, Status: models.StatusOffSchedule, IsOffSchedule: true,
	}))

	rec, err := f.reconciler.Reconcile(ctx, "E1", date("2024-03-04"))
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Empty(t, f.records(t))
}

func TestReconcileNeverTouchesEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.shifts(t, "2024-03-04")
	f.append(t, out(f.site, "2024-03-04", "07:00"), in(f.site, "2024-03-04", "09:00"), in(f.site, "2024-03-04", "09:00"))

	_, err := f.reconciler.ReconcileRange(ctx, "E1", date("2024-03-04"), date("2024-03-04"))
	require.NoError(t, err)

	start, _ := util.DayBounds(date("2024-03-04"), f.site.Location)
	n, err := f.events.Count(ctx, repos.EventQuery{EmployeeID: "E1", From: start, To: start.Add(24 * time.Hour)})
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestReconcileUnknownEmployee(t *testing.T) {
	f := newFixture(t)
	_, err := f.reconciler.Reconcile(context.Background(), "ghost", date("2024-03-04"))
	require.Error(t, err)
	assert.True(t, services.IsNotFound(err))
}
