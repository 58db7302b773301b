package db

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/araquach/turnstile-datahub/internal/models"
)

// Open connects to Postgres. Instants are written as UTC; columns holding
// them should be timestamptz so the server never re-interprets a naive value.
func Open(dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.New(postgres.Config{DSN: dsn}), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	return gdb, nil
}

func Close(gdb *gorm.DB) {
	if gdb == nil {
		return
	}
	if sqlDB, err := gdb.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func HealthCheck(gdb *gorm.DB, timeout time.Duration) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

// AutoMigrate creates or updates the engine's tables. Developer convenience
// only; production schemas are managed outside this repo.
func AutoMigrate(gdb *gorm.DB, lg *logrus.Logger) error {
	if err := gdb.AutoMigrate(
		&models.RawEvent{},
		&models.AttendanceRecord{},
		&models.ScheduleEntry{},
		&models.Employee{},
	); err != nil {
		return err
	}
	lg.Println("✅ Database schema migrated.")
	return nil
}
