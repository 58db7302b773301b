package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/araquach/turnstile-datahub/internal/apperr"
	"github.com/araquach/turnstile-datahub/internal/models"
	"github.com/araquach/turnstile-datahub/internal/repos"
	"github.com/araquach/turnstile-datahub/internal/schedules"
	"github.com/araquach/turnstile-datahub/internal/services"
	"github.com/araquach/turnstile-datahub/internal/testutil"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeLoads struct {
	scope    services.EmployeeScope
	from, to time.Time
	jobs     map[string]models.LoadJob
	canceled []string
}

func (f *fakeLoads) Start(scope services.EmployeeScope, from, to time.Time) (string, error) {
	if (scope.EmployeeID == "") == (scope.OrgID == "") {
		return "", services.ErrInvalidScope
	}
	f.scope, f.from, f.to = scope, from, to
	return "job-1", nil
}

func (f *fakeLoads) Progress(id string) (models.LoadJob, error) {
	j, ok := f.jobs[id]
	if !ok {
		return models.LoadJob{}, services.ErrJobNotFound
	}
	return j, nil
}

func (f *fakeLoads) Cancel(id string) error {
	if _, ok := f.jobs[id]; !ok {
		return services.ErrJobNotFound
	}
	f.canceled = append(f.canceled, id)
	return nil
}

func (f *fakeLoads) Recalculate(ctx context.Context, scope services.EmployeeScope, from, to time.Time) (int, error) {
	f.scope, f.from, f.to = scope, from, to
	switch scope.Department {
	case "broken":
		return 5, errors.New(`reconcile employee=E9: unknown site "GONE"`)
	case "down":
		return 0, &apperr.StorageError{Op: "query raw_events", Err: errors.New("connection refused")}
	}
	return 7, nil
}

type fakeEmployees struct{ filter repos.EmployeeFilter }

func (f *fakeEmployees) List(ctx context.Context, flt repos.EmployeeFilter) ([]models.Employee, error) {
	f.filter = flt
	return []models.Employee{{EmployeeID: "E1"}, {EmployeeID: "E2"}}, nil
}

type fakeAttendance struct{ ids []string }

func (f *fakeAttendance) ListByEmployees(ctx context.Context, ids []string, from, to time.Time) ([]models.AttendanceRecord, error) {
	f.ids = ids
	return []models.AttendanceRecord{{EmployeeID: "E1", WorkDate: from, Status: models.StatusLate, WorkedHours: decimal.RequireFromString("7.5")}}, nil
}

type fakePayroll struct{}

func (fakePayroll) ProrateForEmployees(ctx context.Context, scope services.EmployeeScope, from, to time.Time) ([]services.PayrollSummary, error) {
	return []services.PayrollSummary{services.Summarise("E1", []models.PayrollAllocation{
		{EmployeeID: "E1", WorkDate: from, DailyAmount: decimal.RequireFromString("20000.00")},
	})}, nil
}

type fakeImporter struct {
	name string
	body string
}

func (f *fakeImporter) Import(ctx context.Context, r io.Reader, filename string) (schedules.Result, error) {
	b, _ := io.ReadAll(r)
	f.name, f.body = filename, string(b)
	if filename == "bad.csv" {
		return schedules.Result{}, errors.New("missing required column")
	}
	return schedules.Result{Rows: 2, Imported: 2}, nil
}

type harness struct {
	loads      *fakeLoads
	employees  *fakeEmployees
	attendance *fakeAttendance
	importer   *fakeImporter
	router     *gin.Engine
}

func newHarness() *harness {
	h := &harness{
		loads:      &fakeLoads{jobs: map[string]models.LoadJob{"job-1": {JobID: "job-1", Status: models.LoadRunning, SubJobsTotal: 3, SubJobsDone: 1}}},
		employees:  &fakeEmployees{},
		attendance: &fakeAttendance{},
		importer:   &fakeImporter{},
	}
	h.router = NewRouter(&Handler{
		Loads:      h.loads,
		Employees:  h.employees,
		Attendance: h.attendance,
		Payroll:    fakePayroll{},
		Schedules:  h.importer,
		Logger:     testutil.Logger(),
		Now:        func() time.Time { return time.Date(2024, 3, 31, 15, 0, 0, 0, time.UTC) },
	})
	return h
}

func (h *harness) do(method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m), w.Body.String())
	return m
}

func TestHealth(t *testing.T) {
	h := newHarness()
	w := h.do(http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStartLoad(t *testing.T) {
	h := newHarness()

	w := h.do(http.MethodPost, "/api/v1/loads",
		strings.NewReader(`{"org_id":"O1","from":"2024-03-01","to":"2024-03-31"}`), "application/json")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "job-1", decode(t, w)["job_id"])
	assert.Equal(t, "O1", h.loads.scope.OrgID)
	assert.Equal(t, "2024-03-31", h.loads.to.Format("2006-01-02"))
}

func TestStartLoadValidation(t *testing.T) {
	h := newHarness()
	cases := map[string]string{
		"missing dates": `{"org_id":"O1"}`,
		"bad date":      `{"org_id":"O1","from":"03/01/2024","to":"2024-03-31"}`,
		"inverted":      `{"org_id":"O1","from":"2024-04-01","to":"2024-03-31"}`,
		"no scope":      `{"from":"2024-03-01","to":"2024-03-31"}`,
		"two scopes":    `{"employee_id":"E1","org_id":"O1","from":"2024-03-01","to":"2024-03-31"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := h.do(http.MethodPost, "/api/v1/loads", strings.NewReader(body), "application/json")
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestLoadProgressAndCancel(t *testing.T) {
	h := newHarness()

	w := h.do(http.MethodGet, "/api/v1/loads/job-1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "running", body["status"])
	assert.EqualValues(t, 3, body["sub_jobs_total"])

	w = h.do(http.MethodGet, "/api/v1/loads/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(http.MethodDelete, "/api/v1/loads/job-1", nil, "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"job-1"}, h.loads.canceled)

	w = h.do(http.MethodDelete, "/api/v1/loads/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRecalculateDefaults(t *testing.T) {
	h := newHarness()

	w := h.do(http.MethodPost, "/api/v1/recalculate", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.EqualValues(t, 7, body["processed_records"])
	assert.Equal(t, "2024-03-31", body["to"])
	assert.Equal(t, "2024-02-29", body["from"])

	w = h.do(http.MethodPost, "/api/v1/recalculate",
		strings.NewReader(`{"department":"ops","from":"2024-03-01","to":"2024-03-10"}`), "application/json")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ops", h.loads.scope.Department)
	assert.Equal(t, "2024-03-01", h.loads.from.Format("2006-01-02"))
}

func TestRecalculateReportsSkippedEmployees(t *testing.T) {
	h := newHarness()

	w := h.do(http.MethodPost, "/api/v1/recalculate", strings.NewReader(`{"department":"broken"}`), "application/json")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.EqualValues(t, 5, body["processed_records"])
	assert.Contains(t, body["skipped"], "E9")

	w = h.do(http.MethodPost, "/api/v1/recalculate", strings.NewReader(`{"department":"down"}`), "application/json")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestListAttendance(t *testing.T) {
	h := newHarness()

	w := h.do(http.MethodGet, "/api/v1/attendance?org_id=O1&from=2024-03-01&to=2024-03-31", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "O1", h.employees.filter.OrgID)
	assert.Equal(t, []string{"E1", "E2"}, h.attendance.ids)

	data := decode(t, w)["data"].([]any)
	require.Len(t, data, 1)
	assert.Equal(t, "late", data[0].(map[string]any)["status"])

	w = h.do(http.MethodGet, "/api/v1/attendance?org_id=O1", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPayrollJSONAndXLSX(t *testing.T) {
	h := newHarness()

	w := h.do(http.MethodGet, "/api/v1/payroll?employee_id=E1&from=2024-03-01&to=2024-03-05", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	row := decode(t, w)["data"].([]any)[0].(map[string]any)
	assert.Equal(t, "E1", row["employee_id"])
	assert.Equal(t, "20000", row["total"])

	w = h.do(http.MethodGet, "/api/v1/payroll?employee_id=E1&from=2024-03-01&to=2024-03-05&format=xlsx", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "payroll_2024-03-01_2024-03-05.xlsx")
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("PK")), "xlsx is a zip")

	w = h.do(http.MethodGet, "/api/v1/payroll?from=2024-03-01&to=2024-03-05&format=pdf", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func multipartFile(t *testing.T, name, content string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestImportSchedule(t *testing.T) {
	h := newHarness()

	body, ct := multipartFile(t, "march.csv", "schedule_code,work_date,work_hours\nS1,2024-03-01,8\n")
	w := h.do(http.MethodPost, "/api/v1/schedules/import", body, ct)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "march.csv", h.importer.name)
	assert.Contains(t, h.importer.body, "S1,2024-03-01,8")

	body, ct = multipartFile(t, "bad.csv", "x")
	w = h.do(http.MethodPost, "/api/v1/schedules/import", body, ct)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(http.MethodPost, "/api/v1/schedules/import", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
