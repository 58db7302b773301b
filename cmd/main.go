package main

import (
	"context"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/araquach/turnstile-datahub/internal/config"
	"github.com/araquach/turnstile-datahub/internal/db"
	"github.com/araquach/turnstile-datahub/internal/turnstile"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		// logger is not configured yet
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := cfg.Logger

	// -----------------------------
	// Sandbox-aware DB selection
	// -----------------------------
	dsn, err := cfg.ActiveDatabaseURL()
	if err != nil {
		logger.Fatalf("database URL resolution failed: %v", err)
	}

	if cfg.SandboxMode {
		logger.Println("🧪 SANDBOX MODE ENABLED — using SANDBOX_DATABASE_URL")
	} else {
		logger.Println("⚠️  NORMAL MODE — using DATABASE_URL")
	}

	gdb, err := db.Open(dsn)
	if err != nil {
		logger.Fatalf("DB connection failed: %v", err)
	}
	defer db.Close(gdb)

	if err := db.HealthCheck(gdb, 3*time.Second); err != nil {
		logger.Fatalf("DB health check failed: %v", err)
	}
	logger.Println("✅ Database connection healthy.")

	if cfg.AutoMigrate {
		if err := db.AutoMigrate(gdb, logger); err != nil {
			logger.Fatalf("Database migration failed: %v", err)
		}
	}

	for _, s := range cfg.Sites {
		logger.Printf("Site: %s (objectBIN: %s, tz: %s)", s.Code, s.ObjectBIN, s.Timezone)
	}

	runner, err := turnstile.NewRunner(gdb, cfg)
	if err != nil {
		logger.Fatalf("runner setup failed: %v", err)
	}

	// ---------- ENV-GUARDED BATCH RUNS ----------

	// Schedules first so the load's reconcile phase sees them.
	if os.Getenv("RUN_SCHEDULE_IMPORT") == "1" {
		logger.Println("🚀 Running SCHEDULE import…")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		if err := runner.ImportSchedulesFromEnv(ctx); err != nil {
			logger.Fatalf("schedule import failed: %v", err)
		}
		logger.Println("✅ SCHEDULE import complete.")
	}

	if os.Getenv("RUN_BULK_LOAD") == "1" {
		logger.Println("🚀 Running BULK LOAD…")

		ctx, cancel := context.WithTimeout(context.Background(), cfg.JobTimeout)
		defer cancel()

		if err := runner.RunBulkLoadFromEnv(ctx); err != nil {
			logger.Fatalf("bulk load failed: %v", err)
		}
		logger.Println("✅ BULK LOAD complete.")
	}

	if os.Getenv("RUN_RECALCULATE") == "1" {
		logger.Println("🔁 Running RECALCULATE…")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()

		if err := runner.RunRecalculateFromEnv(ctx); err != nil {
			logger.Fatalf("recalculate failed: %v", err)
		}
		logger.Println("✅ RECALCULATE complete.")
	}

	if os.Getenv("RUN_PAYROLL_EXPORT") == "1" {
		logger.Println("💷 Running PAYROLL export…")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		path, err := runner.ExportPayrollFromEnv(ctx)
		if err != nil {
			logger.Fatalf("payroll export failed: %v", err)
		}
		logger.Printf("✅ PAYROLL export complete: %s", path)
	}
}
