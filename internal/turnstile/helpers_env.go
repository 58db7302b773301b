package turnstile

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/araquach/turnstile-datahub/internal/util"
)

func getIntEnv(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func getDateEnv(key string) (*time.Time, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil, nil
	}
	t, err := util.ParseDate(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	return &t, nil
}

func getBoolEnv(key string, defaultVal bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return defaultVal
	}
}

// dateRangeFromEnv reads <prefix>_FROM_DATE / <prefix>_TO_DATE. Missing ends
// default to a window of pastDays ending today (UTC civil date).
func dateRangeFromEnv(prefix string, pastDays int, now time.Time) (time.Time, time.Time, error) {
	to := util.DateOnly(now)
	from := to.AddDate(0, 0, -pastDays)

	fromOverride, err := getDateEnv(prefix + "_FROM_DATE")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	toOverride, err := getDateEnv(prefix + "_TO_DATE")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if fromOverride != nil {
		from = *fromOverride
	}
	if toOverride != nil {
		to = *toOverride
	}
	if from.After(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("%s: invalid window: start=%s is after end=%s",
			strings.ToLower(prefix), from.Format(util.DateLayout), to.Format(util.DateLayout))
	}
	return from, to, nil
}
