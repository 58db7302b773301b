package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // site zones must resolve on hosts without zoneinfo

	"github.com/caarlos0/env/v6"
	"github.com/sirupsen/logrus"

	"github.com/araquach/turnstile-datahub/internal/models"
	"github.com/araquach/turnstile-datahub/internal/util"
)

// Config centralises all environment and runtime configuration.
type Config struct {
	Logger *logrus.Logger
	Log    util.LogConfig

	DatabaseURL        string `env:"DATABASE_URL"`
	SandboxDatabaseURL string `env:"SANDBOX_DATABASE_URL"`
	SandboxMode        bool   `env:"SANDBOX_MODE"`
	AutoMigrate        bool   `env:"AUTO_MIGRATE"`
	ExportDir          string `env:"EXPORT_DIR" envDefault:"data/exports"`

	TurnstileBaseURL     string        `env:"TURNSTILE_BASE_URL,required"`
	TurnstileToken       string        `env:"TURNSTILE_TOKEN"`
	TurnstileTimeout     time.Duration `env:"TURNSTILE_TIMEOUT" envDefault:"25s"`
	TurnstileMaxAttempts int           `env:"TURNSTILE_MAX_ATTEMPTS" envDefault:"3"`

	// code|objectBIN|IANA zone, comma separated.
	RawSites []string `env:"SITES,required" envSeparator:","`
	Sites    []models.Site

	GraceMinutes      int    `env:"GRACE_MINUTES" envDefault:"0"`
	ShiftDefaultStart string `env:"SHIFT_DEFAULT_START" envDefault:"09:00:00"`
	PayrollBasis      string `env:"PAYROLL_BASIS" envDefault:"scheduled"`

	LoadWorkers      int           `env:"LOAD_WORKERS" envDefault:"4"`
	LoadAbortOnError bool          `env:"LOAD_ABORT_ON_ERROR"`
	JobTimeout       time.Duration `env:"JOB_TIMEOUT" envDefault:"2h"`
	JobTTL           time.Duration `env:"JOB_TTL" envDefault:"1h"`

	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
}

// Load builds the Config from the environment. The caller loads .env first.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.Logger = util.NewLogger(cfg.Log)
	cfg.Logger.Println("Loading environment configuration...")

	sites, err := ParseSites(cfg.RawSites)
	if err != nil {
		return nil, err
	}
	cfg.Sites = sites

	if _, err := util.ParseClock(cfg.ShiftDefaultStart); err != nil {
		return nil, fmt.Errorf("SHIFT_DEFAULT_START: %w", err)
	}
	if cfg.GraceMinutes < 0 {
		return nil, fmt.Errorf("GRACE_MINUTES must be >= 0, got %d", cfg.GraceMinutes)
	}

	cfg.Logger.Printf("✅ Loaded config for %d sites", len(cfg.Sites))
	cfg.Logger.Printf("⏱  Grace window: %d min", cfg.GraceMinutes)
	return cfg, nil
}

func (c *Config) ActiveDatabaseURL() (string, error) {
	if c.SandboxMode {
		if strings.TrimSpace(c.SandboxDatabaseURL) == "" {
			return "", fmt.Errorf("SANDBOX_MODE is enabled but SANDBOX_DATABASE_URL is empty")
		}
		return c.SandboxDatabaseURL, nil
	}

	if strings.TrimSpace(c.DatabaseURL) == "" {
		return "", fmt.Errorf("DATABASE_URL is empty")
	}
	return c.DatabaseURL, nil
}

func (c *Config) Grace() time.Duration {
	return time.Duration(c.GraceMinutes) * time.Minute
}

// ParseSites turns "code|bin|zone" entries into sites with loaded locations.
// A site without a valid zone is rejected: there is no fallback zone.
func ParseSites(raw []string) ([]models.Site, error) {
	var out []models.Site
	seen := map[string]bool{}

	for _, entry := range raw {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, "|")
		if len(parts) != 3 {
			return nil, fmt.Errorf("SITES entry %q: want code|objectBIN|timezone", entry)
		}
		code := strings.TrimSpace(parts[0])
		bin := strings.TrimSpace(parts[1])
		tz := strings.TrimSpace(parts[2])
		if code == "" || tz == "" {
			return nil, fmt.Errorf("SITES entry %q: code and timezone are required", entry)
		}
		if seen[code] {
			return nil, fmt.Errorf("SITES: duplicate site code %q", code)
		}
		seen[code] = true

		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("SITES entry %q: load timezone: %w", entry, err)
		}
		out = append(out, models.Site{Code: code, ObjectBIN: bin, Timezone: tz, Location: loc})
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("SITES: at least one site is required")
	}
	return out, nil
}
