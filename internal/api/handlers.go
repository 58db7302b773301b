package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/araquach/turnstile-datahub/internal/apperr"
	"github.com/araquach/turnstile-datahub/internal/models"
	"github.com/araquach/turnstile-datahub/internal/reports"
	"github.com/araquach/turnstile-datahub/internal/repos"
	"github.com/araquach/turnstile-datahub/internal/schedules"
	"github.com/araquach/turnstile-datahub/internal/services"
	"github.com/araquach/turnstile-datahub/internal/util"
)

type LoadController interface {
	Start(scope services.EmployeeScope, from, to time.Time) (string, error)
	Progress(jobID string) (models.LoadJob, error)
	Cancel(jobID string) error
	Recalculate(ctx context.Context, scope services.EmployeeScope, from, to time.Time) (int, error)
}

type EmployeeLister interface {
	List(ctx context.Context, f repos.EmployeeFilter) ([]models.Employee, error)
}

type AttendanceLister interface {
	ListByEmployees(ctx context.Context, employeeIDs []string, from, to time.Time) ([]models.AttendanceRecord, error)
}

type PayrollReporter interface {
	ProrateForEmployees(ctx context.Context, scope services.EmployeeScope, from, to time.Time) ([]services.PayrollSummary, error)
}

type ScheduleImporter interface {
	Import(ctx context.Context, r io.Reader, filename string) (schedules.Result, error)
}

type Handler struct {
	Loads      LoadController
	Employees  EmployeeLister
	Attendance AttendanceLister
	Payroll    PayrollReporter
	Schedules  ScheduleImporter
	Ping       func(ctx context.Context) error
	Logger     *logrus.Logger

	// Recalculate without dates covers this many days up to today.
	RecalcDays int
	Now        func() time.Time
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now().UTC()
}

func (h *Handler) Health(c *gin.Context) {
	if h.Ping != nil {
		if err := h.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type StartLoadRequest struct {
	EmployeeID string `json:"employee_id"`
	OrgID      string `json:"org_id"`
	From       string `json:"from" binding:"required,datetime=2006-01-02"`
	To         string `json:"to" binding:"required,datetime=2006-01-02"`
}

func (h *Handler) StartLoad(c *gin.Context) {
	var req StartLoadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body", "detail": err.Error()})
		return
	}
	from, to, ok := parseRange(c, req.From, req.To)
	if !ok {
		return
	}

	jobID, err := h.Loads.Start(services.EmployeeScope{
		EmployeeID: strings.TrimSpace(req.EmployeeID),
		OrgID:      strings.TrimSpace(req.OrgID),
	}, from, to)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
}

func (h *Handler) LoadProgress(c *gin.Context) {
	job, err := h.Loads.Progress(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *Handler) CancelLoad(c *gin.Context) {
	if err := h.Loads.Cancel(c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

type RecalculateRequest struct {
	EmployeeID string `json:"employee_id"`
	OrgID      string `json:"org_id"`
	Department string `json:"department"`
	From       string `json:"from" binding:"omitempty,datetime=2006-01-02"`
	To         string `json:"to" binding:"omitempty,datetime=2006-01-02"`
}

func (h *Handler) Recalculate(c *gin.Context) {
	var req RecalculateRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body", "detail": err.Error()})
			return
		}
	}

	days := h.RecalcDays
	if days <= 0 {
		days = 31
	}
	to := util.DateOnly(h.now())
	if req.To != "" {
		to, _ = util.ParseDate(req.To)
	}
	from := to.AddDate(0, 0, -days)
	if req.From != "" {
		from, _ = util.ParseDate(req.From)
	}
	if from.After(to) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from is after to"})
		return
	}

	n, err := h.Loads.Recalculate(c.Request.Context(), services.EmployeeScope{
		EmployeeID: req.EmployeeID,
		OrgID:      req.OrgID,
		Department: req.Department,
	}, from, to)
	body := gin.H{
		"processed_records": n,
		"from":              from.Format(util.DateLayout),
		"to":                to.Format(util.DateLayout),
	}
	if err != nil {
		// Employees that could not be reconciled are reported; the rest were.
		var se *apperr.StorageError
		if errors.As(err, &se) || c.Request.Context().Err() != nil {
			h.fail(c, err)
			return
		}
		h.Logger.WithError(err).Warn("⚠️  recalculate finished with skipped employees")
		body["skipped"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}

type PeriodQuery struct {
	EmployeeID string `form:"employee_id"`
	OrgID      string `form:"org_id"`
	Department string `form:"department"`
	From       string `form:"from" binding:"required,datetime=2006-01-02"`
	To         string `form:"to" binding:"required,datetime=2006-01-02"`
	Format     string `form:"format" binding:"omitempty,oneof=json xlsx"`
}

func (q PeriodQuery) scope() services.EmployeeScope {
	return services.EmployeeScope{EmployeeID: q.EmployeeID, OrgID: q.OrgID, Department: q.Department}
}

func (h *Handler) ListAttendance(c *gin.Context) {
	var q PeriodQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query", "detail": err.Error()})
		return
	}
	from, to, ok := parseRange(c, q.From, q.To)
	if !ok {
		return
	}

	emps, err := h.Employees.List(c.Request.Context(), repos.EmployeeFilter{
		EmployeeID: q.EmployeeID, OrgID: q.OrgID, Department: q.Department,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	ids := make([]string, 0, len(emps))
	for _, e := range emps {
		ids = append(ids, e.EmployeeID)
	}

	rows, err := h.Attendance.ListByEmployees(c.Request.Context(), ids, from, to)
	if err != nil {
		h.fail(c, err)
		return
	}
	if rows == nil {
		rows = []models.AttendanceRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "data": rows})
}

func (h *Handler) Payroll(c *gin.Context) {
	var q PeriodQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query", "detail": err.Error()})
		return
	}
	from, to, ok := parseRange(c, q.From, q.To)
	if !ok {
		return
	}

	rows, err := h.Payroll.ProrateForEmployees(c.Request.Context(), q.scope(), from, to)
	if err != nil {
		h.fail(c, err)
		return
	}

	if q.Format == "xlsx" {
		var buf bytes.Buffer
		if err := reports.WritePayrollXLSX(&buf, q.From, q.To, rows); err != nil {
			h.fail(c, err)
			return
		}
		c.Header("Content-Disposition", `attachment; filename="payroll_`+q.From+`_`+q.To+`.xlsx"`)
		c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "data": rows})
}

func (h *Handler) ImportSchedule(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file required", "detail": err.Error()})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file", "detail": err.Error()})
		return
	}
	defer f.Close()

	res, err := h.Schedules.Import(c.Request.Context(), f, filepath.Base(fh.Filename))
	if err != nil {
		var se *apperr.StorageError
		if errors.As(err, &se) {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "import failed", "detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "data": res})
}

func parseRange(c *gin.Context, rawFrom, rawTo string) (time.Time, time.Time, bool) {
	from, err := util.ParseDate(rawFrom)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return time.Time{}, time.Time{}, false
	}
	to, err := util.ParseDate(rawTo)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return time.Time{}, time.Time{}, false
	}
	if from.After(to) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from is after to"})
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidScope):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrJobNotFound), errors.Is(err, repos.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		h.Logger.WithError(err).WithField("path", c.FullPath()).Error("❌ request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "detail": err.Error()})
	}
}
