package services

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/araquach/turnstile-datahub/internal/models"
	"github.com/araquach/turnstile-datahub/internal/util"
)

// PayrollBasis selects which shifts of the period receive an allocation.
type PayrollBasis string

const (
	// Every scheduled shift in the period.
	BasisScheduled PayrollBasis = "scheduled"
	// Only scheduled shifts whose attendance record is not absent.
	BasisAttended PayrollBasis = "attended"
)

func ParsePayrollBasis(s string) (PayrollBasis, error) {
	switch PayrollBasis(s) {
	case "", BasisScheduled:
		return BasisScheduled, nil
	case BasisAttended:
		return BasisAttended, nil
	default:
		return "", fmt.Errorf("unknown payroll basis %q (want scheduled|attended)", s)
	}
}

type AttendanceSource interface {
	ListByEmployees(ctx context.Context, employeeIDs []string, from, to time.Time) ([]models.AttendanceRecord, error)
}

// PayrollService distributes a monthly payroll figure over shifts.
type PayrollService struct {
	Schedules  ScheduleSource
	Employees  EmployeeSource
	Attendance AttendanceSource
	Basis      PayrollBasis
	Logger     *logrus.Logger
}

// minor currency unit
const payrollPlaces = 2

// ProratePayroll allocates monthly across the shifts of [from..to].
//
// Per calendar month touched by the period, the denominator is the number of
// shifts in the whole month. Each shift gets monthly/total rounded to the
// minor unit; the last shift of the month absorbs the rounding remainder so
// the month's allocations sum to exactly round(monthly*shifts/total).
// A month without shifts yields nothing.
func (s *PayrollService) ProratePayroll(ctx context.Context, employeeID string, monthly decimal.Decimal, from, to time.Time) ([]models.PayrollAllocation, error) {
	from, to = util.DateOnly(from), util.DateOnly(to)
	if monthly.IsNegative() {
		return nil, fmt.Errorf("payroll employee=%s: negative monthly payroll %s", employeeID, monthly)
	}

	emp, err := s.Employees.Get(ctx, employeeID)
	if err != nil {
		return nil, fmt.Errorf("payroll employee=%s: %w", employeeID, err)
	}
	if emp.ScheduleCode == "" {
		return nil, nil
	}

	windows, err := util.MonthWindows(from, to)
	if err != nil {
		return nil, fmt.Errorf("payroll employee=%s: %w", employeeID, err)
	}

	var attended map[string]bool
	if s.Basis == BasisAttended {
		attended, err = s.attendedDays(ctx, employeeID, from, to)
		if err != nil {
			return nil, err
		}
	}

	var out []models.PayrollAllocation
	for _, w := range windows {
		monthEntries, err := s.Schedules.ListByCodeRange(ctx, emp.ScheduleCode, util.StartOfMonth(w.Start), util.EndOfMonth(w.Start))
		if err != nil {
			return nil, fmt.Errorf("payroll employee=%s month=%s: %w", employeeID, w.Start.Format("2006-01"), err)
		}
		total := len(monthEntries)
		if total == 0 {
			continue
		}

		var days []time.Time
		for _, e := range monthEntries {
			d := util.DateOnly(e.WorkDate)
			if d.Before(w.Start) || d.After(w.End) {
				continue
			}
			if attended != nil && !attended[d.Format(util.DateLayout)] {
				continue
			}
			days = append(days, d)
		}

		out = append(out, allocate(employeeID, monthly, total, days)...)
	}

	return out, nil
}

// allocate splits monthly/total over days, reconciling rounding on the last day.
func allocate(employeeID string, monthly decimal.Decimal, total int, days []time.Time) []models.PayrollAllocation {
	if total == 0 || len(days) == 0 {
		return nil
	}
	totalD := decimal.NewFromInt(int64(total))
	daily := monthly.Div(totalD).Round(payrollPlaces)
	target := monthly.Mul(decimal.NewFromInt(int64(len(days)))).Div(totalD).Round(payrollPlaces)

	out := make([]models.PayrollAllocation, 0, len(days))
	sum := decimal.Zero
	for i, d := range days {
		amount := daily
		if i == len(days)-1 {
			amount = target.Sub(sum)
		}
		sum = sum.Add(amount)
		out = append(out, models.PayrollAllocation{EmployeeID: employeeID, WorkDate: d, DailyAmount: amount})
	}
	return out
}

// attendedDays lists the days with a reconciled, non-absent record. A shift
// that has not been reconciled yet is not paid on the attended basis.
func (s *PayrollService) attendedDays(ctx context.Context, employeeID string, from, to time.Time) (map[string]bool, error) {
	if s.Attendance == nil {
		return nil, fmt.Errorf("payroll employee=%s: attended basis needs an attendance source", employeeID)
	}
	recs, err := s.Attendance.ListByEmployees(ctx, []string{employeeID}, from, to)
	if err != nil {
		return nil, fmt.Errorf("payroll employee=%s: %w", employeeID, err)
	}
	out := map[string]bool{}
	for _, r := range recs {
		if r.Status != models.StatusAbsent {
			out[util.DateOnly(r.WorkDate).Format(util.DateLayout)] = true
		}
	}
	return out, nil
}

// PayrollSummary is the per-employee total of a proration.
type PayrollSummary struct {
	EmployeeID  string                     `json:"employee_id"`
	Shifts      int                        `json:"shifts"`
	Total       decimal.Decimal            `json:"total"`
	Allocations []models.PayrollAllocation `json:"allocations"`
}

// ProrateForEmployees prorates each employee's stored monthly payroll.
func (s *PayrollService) ProrateForEmployees(ctx context.Context, f EmployeeScope, from, to time.Time) ([]PayrollSummary, error) {
	emps, err := s.Employees.List(ctx, f.filter())
	if err != nil {
		return nil, err
	}

	out := make([]PayrollSummary, 0, len(emps))
	for _, e := range emps {
		allocs, err := s.ProratePayroll(ctx, e.EmployeeID, e.MonthlyPayroll, from, to)
		if err != nil {
			return nil, err
		}
		out = append(out, Summarise(e.EmployeeID, allocs))
	}
	return out, nil
}

func Summarise(employeeID string, allocs []models.PayrollAllocation) PayrollSummary {
	sum := PayrollSummary{EmployeeID: employeeID, Total: decimal.Zero, Allocations: allocs}
	for _, a := range allocs {
		sum.Total = sum.Total.Add(a.DailyAmount)
	}
	sum.Shifts = len(allocs)
	if sum.Allocations == nil {
		sum.Allocations = []models.PayrollAllocation{}
	}
	return sum
}
