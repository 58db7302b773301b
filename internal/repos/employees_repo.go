package repos

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/araquach/turnstile-datahub/internal/apperr"
	"github.com/araquach/turnstile-datahub/internal/models"
)

var ErrNotFound = errors.New("not found")

type EmployeesRepo struct {
	db *gorm.DB
	lg *logrus.Logger
}

func NewEmployeesRepo(db *gorm.DB, lg *logrus.Logger) *EmployeesRepo {
	return &EmployeesRepo{db: db, lg: lg}
}

// EmployeeFilter narrows List; empty fields match everything.
type EmployeeFilter struct {
	EmployeeID string
	OrgID      string
	Department string
}

func (r *EmployeesRepo) Get(ctx context.Context, employeeID string) (*models.Employee, error) {
	var e models.Employee
	err := r.db.WithContext(ctx).Where("employee_id = ?", employeeID).Take(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, apperr.Storage("get employees", err)
	}
	return &e, nil
}

// List returns active employees matching f ordered by id.
func (r *EmployeesRepo) List(ctx context.Context, f EmployeeFilter) ([]models.Employee, error) {
	tx := r.db.WithContext(ctx).Where("active = ?", true)
	if f.EmployeeID != "" {
		tx = tx.Where("employee_id = ?", f.EmployeeID)
	}
	if f.OrgID != "" {
		tx = tx.Where("org_id = ?", f.OrgID)
	}
	if f.Department != "" {
		tx = tx.Where("department = ?", f.Department)
	}

	var out []models.Employee
	if err := tx.Order("employee_id ASC").Find(&out).Error; err != nil {
		return nil, apperr.Storage("list employees", err)
	}
	return out, nil
}

// UpsertBatch keeps the directory in step with the HR side.
func (r *EmployeesRepo) UpsertBatch(ctx context.Context, rows []models.Employee) error {
	if len(rows) == 0 {
		return nil
	}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "employee_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"full_name",
			"org_id",
			"department",
			"site_code",
			"schedule_code",
			"table_number",
			"monthly_payroll",
			"active",
			"updated_at",
		}),
	}).Create(&rows)
	if res.Error != nil {
		return apperr.Storage("upsert employees", res.Error)
	}
	r.lg.Printf("Upserted %d employees rows", len(rows))
	return nil
}
