package turnstile

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/araquach/turnstile-datahub/internal/config"
	"github.com/araquach/turnstile-datahub/internal/models"
	"github.com/araquach/turnstile-datahub/internal/reports"
	"github.com/araquach/turnstile-datahub/internal/repos"
	"github.com/araquach/turnstile-datahub/internal/schedules"
	"github.com/araquach/turnstile-datahub/internal/services"
	"github.com/araquach/turnstile-datahub/internal/util"
)

// Env keys for the batch runs.
const (
	EnvLoadEmployeeID = "LOAD_EMPLOYEE_ID"
	EnvLoadOrgID      = "LOAD_ORG_ID"
	EnvLoadPastDays   = "LOAD_PAST_DAYS" // default window when LOAD_FROM_DATE is unset

	EnvRecalcPastDays = "RECALC_PAST_DAYS"

	EnvScheduleImportDir = "SCHEDULE_IMPORT_DIR"
	EnvScheduleArchive   = "SCHEDULE_ARCHIVE" // copy imported files into EXPORT_DIR/schedules
)

// Runner wires stores, the turnstile client and the services from config.
type Runner struct {
	DB     *gorm.DB
	Cfg    *config.Config
	Logger *logrus.Logger

	Events     *repos.EventsRepo
	Attendance *repos.AttendanceRepo
	Schedules  *repos.SchedulesRepo
	Employees  *repos.EmployeesRepo

	Client     *Client
	Ingester   *Ingester
	Reconciler *services.ReconcileService
	Payroll    *services.PayrollService
	Loads      *services.BulkLoadService
	Importer   *schedules.Importer
}

func NewRunner(db *gorm.DB, cfg *config.Config) (*Runner, error) {
	lg := cfg.Logger
	sites := models.NewSiteDirectory(cfg.Sites)

	basis, err := services.ParsePayrollBasis(cfg.PayrollBasis)
	if err != nil {
		return nil, err
	}
	defaultStart, err := util.ParseClock(cfg.ShiftDefaultStart)
	if err != nil {
		return nil, fmt.Errorf("SHIFT_DEFAULT_START: %w", err)
	}

	r := &Runner{
		DB:         db,
		Cfg:        cfg,
		Logger:     lg,
		Events:     repos.NewEventsRepo(db, lg),
		Attendance: repos.NewAttendanceRepo(db, lg),
		Schedules:  repos.NewSchedulesRepo(db, lg),
		Employees:  repos.NewEmployeesRepo(db, lg),
	}

	r.Client = NewClient(cfg.TurnstileBaseURL, cfg.TurnstileToken, cfg.TurnstileTimeout, cfg.TurnstileMaxAttempts, lg)
	r.Ingester = NewIngester(r.Client, sites, lg)

	r.Reconciler = &services.ReconcileService{
		Events:     r.Events,
		Attendance: r.Attendance,
		Schedules:  r.Schedules,
		Employees:  r.Employees,
		Sites:      sites,
		Grace:      cfg.Grace(),
		Logger:     lg,
	}
	r.Payroll = &services.PayrollService{
		Schedules:  r.Schedules,
		Employees:  r.Employees,
		Attendance: r.Attendance,
		Basis:      basis,
		Logger:     lg,
	}
	r.Loads = services.NewBulkLoadService(r.Employees, r.Ingester, r.Events, r.Reconciler, lg, services.BulkLoadOptions{
		Workers:      cfg.LoadWorkers,
		AbortOnError: cfg.LoadAbortOnError,
		JobTimeout:   cfg.JobTimeout,
		JobTTL:       cfg.JobTTL,
	})
	r.Importer = schedules.NewImporter(r.Schedules, defaultStart, lg)

	return r, nil
}

func scopeFromEnv() services.EmployeeScope {
	return services.EmployeeScope{
		EmployeeID: strings.TrimSpace(os.Getenv(EnvLoadEmployeeID)),
		OrgID:      strings.TrimSpace(os.Getenv(EnvLoadOrgID)),
	}
}

// RunBulkLoadFromEnv starts a load for LOAD_EMPLOYEE_ID or LOAD_ORG_ID, or one
// load per organisation when neither is set, and waits for all of them.
func (r *Runner) RunBulkLoadFromEnv(ctx context.Context) error {
	lg := r.Logger

	from, to, err := dateRangeFromEnv("LOAD", getIntEnv(EnvLoadPastDays, 31), time.Now().UTC())
	if err != nil {
		return err
	}

	var scopes []services.EmployeeScope
	if s := scopeFromEnv(); s.EmployeeID != "" || s.OrgID != "" {
		scopes = append(scopes, s)
	} else {
		orgs, err := r.activeOrgs(ctx)
		if err != nil {
			return err
		}
		for _, org := range orgs {
			scopes = append(scopes, services.EmployeeScope{OrgID: org})
		}
	}
	if len(scopes) == 0 {
		lg.Println("⚠️  bulk load: no active employees, nothing to do")
		return nil
	}

	var ids []string
	for _, s := range scopes {
		id, err := r.Loads.Start(s, from, to)
		if err != nil {
			return fmt.Errorf("bulk load start employee=%q org=%q: %w", s.EmployeeID, s.OrgID, err)
		}
		ids = append(ids, id)
	}

	done := make(chan struct{})
	go func() {
		r.Loads.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		for _, id := range ids {
			_ = r.Loads.Cancel(id)
		}
		<-done
	}

	var failed int
	for _, id := range ids {
		job, err := r.Loads.Progress(id)
		if err != nil {
			return err
		}
		lg.Printf("📊 load %s org=%q employee=%q status=%s events=%d rejected=%d records=%d sub-jobs=%d/%d failed=%d: %s",
			job.JobID, job.OrgID, job.EmployeeID, job.Status,
			job.EventsLoaded, job.EventsRejected, job.RecordsProcessed,
			job.SubJobsDone, job.SubJobsTotal, job.SubJobsFailed, job.Message)
		if job.Status != models.LoadCompleted {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("bulk load: %d of %d jobs failed", failed, len(ids))
	}
	return nil
}

func (r *Runner) activeOrgs(ctx context.Context) ([]string, error) {
	emps, err := r.Employees.List(ctx, repos.EmployeeFilter{})
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	for _, e := range emps {
		if e.OrgID == "" || seen[e.OrgID] {
			continue
		}
		seen[e.OrgID] = true
		out = append(out, e.OrgID)
	}
	sort.Strings(out)
	return out, nil
}

// RunRecalculateFromEnv rebuilds attendance from stored events only.
func (r *Runner) RunRecalculateFromEnv(ctx context.Context) error {
	from, to, err := dateRangeFromEnv("RECALC", getIntEnv(EnvRecalcPastDays, 31), time.Now().UTC())
	if err != nil {
		return err
	}
	n, err := r.Loads.Recalculate(ctx, scopeFromEnv(), from, to)
	if err != nil {
		return fmt.Errorf("recalculate %s..%s: %w", from.Format(util.DateLayout), to.Format(util.DateLayout), err)
	}
	r.Logger.Printf("✅ recalculated %d attendance records %s..%s", n,
		from.Format(util.DateLayout), to.Format(util.DateLayout))
	return nil
}

// ImportSchedulesFromEnv imports every schedule file in SCHEDULE_IMPORT_DIR.
// A file that fails is logged and skipped.
func (r *Runner) ImportSchedulesFromEnv(ctx context.Context) error {
	lg := r.Logger
	dir := strings.TrimSpace(os.Getenv(EnvScheduleImportDir))
	if dir == "" {
		dir = "data/schedules"
	}
	archive := getBoolEnv(EnvScheduleArchive, false)

	lg.Printf("🔍 Scanning schedules dir: %s", dir)
	var paths []string
	for _, pattern := range []string{"*.xlsx", "*.xls", "*.csv"} {
		m, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return fmt.Errorf("read directory: %w", err)
		}
		paths = append(paths, m...)
	}
	if len(paths) == 0 {
		lg.Printf("⚠️  No schedule files found in %s", dir)
		return nil
	}
	sort.Strings(paths)

	lg.Printf("📂 Found %d schedule files", len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := r.Importer.ImportFile(ctx, path)
		if err != nil {
			lg.Printf("❌ Schedule import failed: %s: %v", path, err)
			continue
		}
		lg.Printf("✅ %s: %d shifts, %d rest days, %d rejected", filepath.Base(path), res.Imported, res.RestDays, res.Rejected)
		if archive {
			r.archiveFile(path, filepath.Join(r.Cfg.ExportDir, "schedules"))
		}
	}

	lg.Printf("🎉 All schedule imports complete.")
	return nil
}

// ExportPayrollFromEnv writes the payroll proration for PAYROLL_FROM_DATE ..
// PAYROLL_TO_DATE (default: the previous calendar month) to EXPORT_DIR.
func (r *Runner) ExportPayrollFromEnv(ctx context.Context) (string, error) {
	lastMonth := util.StartOfMonth(time.Now().UTC()).AddDate(0, -1, 0)
	from, to := lastMonth, util.EndOfMonth(lastMonth)

	if f, err := getDateEnv("PAYROLL_FROM_DATE"); err != nil {
		return "", err
	} else if f != nil {
		from = *f
	}
	if t, err := getDateEnv("PAYROLL_TO_DATE"); err != nil {
		return "", err
	} else if t != nil {
		to = *t
	}

	rows, err := r.Payroll.ProrateForEmployees(ctx, scopeFromEnv(), from, to)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(r.Cfg.ExportDir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir %q: %w", r.Cfg.ExportDir, err)
	}
	path := filepath.Join(r.Cfg.ExportDir, fmt.Sprintf("payroll_%s_%s.xlsx",
		from.Format(util.DateLayout), to.Format(util.DateLayout)))

	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer out.Close()

	if err := reports.WritePayrollXLSX(out, from.Format(util.DateLayout), to.Format(util.DateLayout), rows); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	r.Logger.Printf("📦 payroll for %d employees written to %s", len(rows), path)
	return path, out.Sync()
}

// archiveFile copies an imported file into destDir. Failure is logged only.
func (r *Runner) archiveFile(srcPath, destDir string) {
	lg := r.Logger

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		lg.Printf("⚠️  archive: unable to create dir %s: %v", destDir, err)
		return
	}
	dstPath := filepath.Join(destDir, filepath.Base(srcPath))
	if err := copyFile(srcPath, dstPath); err != nil {
		lg.Printf("⚠️  archive: copy %s → %s failed: %v", srcPath, dstPath, err)
		return
	}
	lg.Printf("📦 Archived %s → %s", srcPath, dstPath)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		_ = out.Close()
	}()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
