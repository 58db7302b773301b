package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/araquach/turnstile-datahub/internal/apperr"
	"github.com/araquach/turnstile-datahub/internal/models"
	"github.com/araquach/turnstile-datahub/internal/repos"
	"github.com/araquach/turnstile-datahub/internal/util"
)

var (
	ErrJobNotFound  = errors.New("load job not found")
	ErrInvalidScope = errors.New("invalid scope")
)

// EmployeeScope selects employees. For loads exactly one of EmployeeID and
// OrgID is set; queries may also filter by Department.
type EmployeeScope struct {
	EmployeeID string
	OrgID      string
	Department string
}

func (s EmployeeScope) filter() repos.EmployeeFilter {
	return repos.EmployeeFilter{EmployeeID: s.EmployeeID, OrgID: s.OrgID, Department: s.Department}
}

func (s EmployeeScope) validateForLoad() error {
	if (s.EmployeeID == "") == (s.OrgID == "") {
		return fmt.Errorf("%w: set exactly one of employee_id and org_id", ErrInvalidScope)
	}
	return nil
}

// FetchRequest asks the ingest client for one employee's events in the
// inclusive civil-date range [From..To].
type FetchRequest struct {
	EmployeeID  string
	TableNumber string
	SiteCode    string
	From        time.Time
	To          time.Time
}

// FetchResult is one fetched window [From..To] of an employee's events.
type FetchResult struct {
	From    time.Time
	To      time.Time
	Events  []models.RawEvent
	Skipped int // rows that could not be normalised
}

// EventFetcher hands each window to emit as soon as it is fetched. A window
// that fails ends the fetch; windows already emitted stay emitted.
type EventFetcher interface {
	FetchEvents(ctx context.Context, req FetchRequest, emit func(FetchResult) error) error
}

type EventAppender interface {
	Append(ctx context.Context, events []models.RawEvent, batchSize int) (repos.AppendResult, error)
}

type RangeReconciler interface {
	ReconcileRange(ctx context.Context, employeeID string, from, to time.Time) (int, error)
}

// BulkLoadService runs long ingest jobs in the background and exposes their
// progress for polling.
type BulkLoadService struct {
	employees  EmployeeSource
	fetcher    EventFetcher
	events     EventAppender
	reconciler RangeReconciler
	lg         *logrus.Logger

	opts  BulkLoadOptions
	locks *keyedMutex
	now   func() time.Time

	mu   sync.Mutex
	jobs map[string]*loadJob
	wg   sync.WaitGroup
}

type BulkLoadOptions struct {
	Workers      int           // concurrent sub-jobs per load
	AbortOnError bool          // stop issuing sub-jobs after the first failure
	JobTimeout   time.Duration // hard limit per load
	JobTTL       time.Duration // finished jobs are forgotten after this
	BatchSize    int           // append chunk size
}

type loadJob struct {
	state  models.LoadJob
	cancel context.CancelFunc
}

func NewBulkLoadService(
	employees EmployeeSource,
	fetcher EventFetcher,
	events EventAppender,
	reconciler RangeReconciler,
	lg *logrus.Logger,
	opts BulkLoadOptions,
) *BulkLoadService {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 2 * time.Hour
	}
	if opts.JobTTL <= 0 {
		opts.JobTTL = time.Hour
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	return &BulkLoadService{
		employees:  employees,
		fetcher:    fetcher,
		events:     events,
		reconciler: reconciler,
		lg:         lg,
		opts:       opts,
		locks:      newKeyedMutex(),
		now:        func() time.Time { return time.Now().UTC() },
		jobs:       map[string]*loadJob{},
	}
}

// Start registers a job for scope and [from..to] and returns its id at once.
func (s *BulkLoadService) Start(scope EmployeeScope, from, to time.Time) (string, error) {
	if err := scope.validateForLoad(); err != nil {
		return "", err
	}
	from, to = util.DateOnly(from), util.DateOnly(to)
	if from.After(to) {
		return "", fmt.Errorf("%w: from=%s is after to=%s", ErrInvalidScope,
			from.Format(util.DateLayout), to.Format(util.DateLayout))
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.JobTimeout)
	job := &loadJob{
		state: models.LoadJob{
			JobID:      uuid.NewString(),
			EmployeeID: scope.EmployeeID,
			OrgID:      scope.OrgID,
			From:       from,
			To:         to,
			Status:     models.LoadPending,
			Message:    "queued",
			StartedAt:  s.now(),
		},
		cancel: cancel,
	}

	s.mu.Lock()
	s.gcLocked()
	s.jobs[job.state.JobID] = job
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.run(ctx, job.state.JobID, scope, from, to)
	}()

	s.lg.WithFields(logrus.Fields{
		"job_id":      job.state.JobID,
		"employee_id": scope.EmployeeID,
		"org_id":      scope.OrgID,
	}).Infof("🚀 bulk load queued %s..%s", from.Format(util.DateLayout), to.Format(util.DateLayout))

	return job.state.JobID, nil
}

// Progress returns a snapshot of the job. It never blocks on the job itself.
func (s *BulkLoadService) Progress(jobID string) (models.LoadJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gcLocked()

	job, ok := s.jobs[jobID]
	if !ok {
		return models.LoadJob{}, ErrJobNotFound
	}
	snap := job.state
	if snap.FinishedAt != nil {
		t := *snap.FinishedAt
		snap.FinishedAt = &t
	}
	return snap, nil
}

// Cancel stops a running job from issuing further sub-jobs. Events already
// appended stay in place.
func (s *BulkLoadService) Cancel(jobID string) error {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}
	job.cancel()
	return nil
}

// Wait blocks until every started job has finished.
func (s *BulkLoadService) Wait() {
	s.wg.Wait()
}

// Recalculate re-runs reconciliation for the scope without ingesting. An
// empty scope means every active employee. An employee that cannot be
// reconciled is skipped and reported in the joined error; a storage failure
// or a done ctx stops the run.
func (s *BulkLoadService) Recalculate(ctx context.Context, scope EmployeeScope, from, to time.Time) (int, error) {
	emps, err := s.employees.List(ctx, scope.filter())
	if err != nil {
		return 0, err
	}

	processed := 0
	var errs []error
	for _, e := range emps {
		n, err := s.reconcileLocked(ctx, e.EmployeeID, from, to)
		processed += n
		if err == nil {
			continue
		}
		if stopsBatch(ctx, err) {
			return processed, err
		}
		s.lg.WithError(err).WithField("employee_id", e.EmployeeID).Warn("⚠️  recalculate: employee skipped")
		errs = append(errs, err)
	}
	s.lg.Infof("🔁 recalculate: %d employees, %d records, %d skipped", len(emps), processed, len(errs))
	return processed, errors.Join(errs...)
}

// stopsBatch reports whether err ends a multi-employee run instead of just
// the employee it came from.
func stopsBatch(ctx context.Context, err error) bool {
	var se *apperr.StorageError
	return errors.As(err, &se) || ctx.Err() != nil
}

func (s *BulkLoadService) reconcileLocked(ctx context.Context, employeeID string, from, to time.Time) (int, error) {
	unlock, err := s.locks.Lock(ctx, employeeID)
	if err != nil {
		return 0, err
	}
	defer unlock()
	return s.reconciler.ReconcileRange(ctx, employeeID, from, to)
}

func (s *BulkLoadService) update(jobID string, fn func(j *models.LoadJob)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok {
		fn(&job.state)
	}
}

func (s *BulkLoadService) finish(jobID string, status models.LoadStatus, msg string) {
	now := s.now()
	s.update(jobID, func(j *models.LoadJob) {
		j.Status = status
		j.Message = msg
		j.FinishedAt = &now
	})
}

// gcLocked forgets finished jobs older than the TTL. Caller holds s.mu.
func (s *BulkLoadService) gcLocked() {
	cutoff := s.now().Add(-s.opts.JobTTL)
	for id, job := range s.jobs {
		if job.state.FinishedAt != nil && job.state.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
		}
	}
}

func (s *BulkLoadService) run(ctx context.Context, jobID string, scope EmployeeScope, from, to time.Time) {
	lg := s.lg.WithField("job_id", jobID)

	emps, err := s.employees.List(ctx, scope.filter())
	if err != nil {
		lg.WithError(err).Error("❌ bulk load: resolve scope failed")
		s.finish(jobID, models.LoadFailed, fmt.Sprintf("resolve scope: %v", err))
		return
	}
	if len(emps) == 0 {
		s.finish(jobID, models.LoadFailed, "no active employees in scope")
		return
	}

	s.update(jobID, func(j *models.LoadJob) {
		j.Status = models.LoadRunning
		j.Message = fmt.Sprintf("ingesting %d employees", len(emps))
		j.SubJobsTotal = len(emps)
	})

	// Phase 1: ingest, one sub-job per employee. Siblings keep running after
	// a failure unless AbortOnError is set.
	var (
		mu       sync.Mutex
		firstErr error
		ingested []string
	)
	fail := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}
	failed := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return firstErr != nil
	}

	var g errgroup.Group
	g.SetLimit(s.opts.Workers)
	for _, emp := range emps {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil || (s.opts.AbortOnError && failed()) {
				return nil
			}
			if err := s.ingestEmployee(ctx, jobID, emp, from, to); err != nil {
				lg.WithError(err).WithField("employee_id", emp.EmployeeID).Warn("⚠️  bulk load: sub-job failed")
				fail(err)
				s.update(jobID, func(j *models.LoadJob) {
					j.SubJobsFailed++
					j.Message = fmt.Sprintf("sub-job %s failed: %v", emp.EmployeeID, err)
				})
				return nil
			}

			mu.Lock()
			ingested = append(ingested, emp.EmployeeID)
			mu.Unlock()
			s.update(jobID, func(j *models.LoadJob) { j.SubJobsDone++ })
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		msg := "cancelled"
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			msg = "timed out"
		}
		lg.Warnf("⏹  bulk load %s; ingested data kept", msg)
		s.finish(jobID, models.LoadFailed, msg)
		return
	}

	// Phase 2: reconcile what was ingested. The job stays running until
	// every record is written.
	s.update(jobID, func(j *models.LoadJob) {
		j.Message = fmt.Sprintf("reconciling %d employees", len(ingested))
	})
	for _, employeeID := range ingested {
		n, err := s.reconcileLocked(ctx, employeeID, from, to)
		s.update(jobID, func(j *models.LoadJob) { j.RecordsProcessed += n })
		if err == nil {
			continue
		}
		lg.WithError(err).WithField("employee_id", employeeID).Error("❌ bulk load: reconcile failed")
		if stopsBatch(ctx, err) {
			s.finish(jobID, models.LoadFailed, fmt.Sprintf("reconcile %s: %v", employeeID, err))
			return
		}
		fail(fmt.Errorf("reconcile %s: %w", employeeID, err))
	}

	if firstErr != nil {
		s.finish(jobID, models.LoadFailed, firstErr.Error())
		lg.Warnf("⚠️  bulk load finished with failures: %v", firstErr)
		return
	}

	s.finish(jobID, models.LoadCompleted, "completed")
	lg.Info("✅ bulk load completed")
}

// ingestEmployee fetches one employee's range under the employee's lock and
// appends each window as it arrives, so a failing month keeps the months
// before it and no reconcile of the same employee sees a half-written window.
func (s *BulkLoadService) ingestEmployee(ctx context.Context, jobID string, emp models.Employee, from, to time.Time) error {
	unlock, err := s.locks.Lock(ctx, emp.EmployeeID)
	if err != nil {
		return err
	}
	defer unlock()

	req := FetchRequest{
		EmployeeID:  emp.EmployeeID,
		TableNumber: emp.TableNumber,
		SiteCode:    emp.SiteCode,
		From:        from,
		To:          to,
	}
	return s.fetcher.FetchEvents(ctx, req, func(w FetchResult) error {
		appended, err := s.events.Append(ctx, w.Events, s.opts.BatchSize)
		s.update(jobID, func(j *models.LoadJob) {
			j.EventsLoaded += appended.Inserted
			j.EventsRejected += appended.Rejected + w.Skipped
		})
		if err != nil {
			return fmt.Errorf("append employee=%s win=%s..%s: %w", emp.EmployeeID,
				w.From.Format(util.DateLayout), w.To.Format(util.DateLayout), err)
		}
		return nil
	})
}
