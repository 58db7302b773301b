package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/araquach/turnstile-datahub/internal/api"
	"github.com/araquach/turnstile-datahub/internal/config"
	"github.com/araquach/turnstile-datahub/internal/db"
	"github.com/araquach/turnstile-datahub/internal/turnstile"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := cfg.Logger
	if logger.GetLevel() < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	dsn, err := cfg.ActiveDatabaseURL()
	if err != nil {
		logger.Fatalf("database URL resolution failed: %v", err)
	}
	gdb, err := db.Open(dsn)
	if err != nil {
		logger.Fatalf("DB connection failed: %v", err)
	}
	defer db.Close(gdb)

	if err := db.HealthCheck(gdb, 3*time.Second); err != nil {
		logger.Fatalf("DB health check failed: %v", err)
	}
	if cfg.AutoMigrate {
		if err := db.AutoMigrate(gdb, logger); err != nil {
			logger.Fatalf("Database migration failed: %v", err)
		}
	}

	runner, err := turnstile.NewRunner(gdb, cfg)
	if err != nil {
		logger.Fatalf("runner setup failed: %v", err)
	}

	h := &api.Handler{
		Loads:      runner.Loads,
		Employees:  runner.Employees,
		Attendance: runner.Attendance,
		Payroll:    runner.Payroll,
		Schedules:  runner.Importer,
		Ping:       pinger(gdb),
		Logger:     logger,
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(h),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Printf("🌐 admin API listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Println("⏹  shutting down…")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Printf("⚠️  http shutdown: %v", err)
	}
	// Running loads keep their ingested data; let them finish or time out.
	runner.Loads.Wait()
	logger.Println("✅ stopped.")
}

func pinger(gdb *gorm.DB) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		sqlDB, err := gdb.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
}
