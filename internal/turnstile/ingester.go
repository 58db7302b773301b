package turnstile

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/araquach/turnstile-datahub/internal/apperr"
	"github.com/araquach/turnstile-datahub/internal/models"
	"github.com/araquach/turnstile-datahub/internal/services"
	"github.com/araquach/turnstile-datahub/internal/util"
)

type RowFetcher interface {
	FetchEvents(ctx context.Context, objectBIN, tableNumber string, dateStart, dateStop time.Time) ([]Row, int, error)
}

// Ingester pulls one employee's swipes month by month and normalises them
// into RawEvents.
type Ingester struct {
	Client RowFetcher
	Sites  models.SiteDirectory
	Logger *logrus.Logger
}

func NewIngester(client RowFetcher, sites models.SiteDirectory, lg *logrus.Logger) *Ingester {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	return &Ingester{Client: client, Sites: sites, Logger: lg}
}

var _ services.EventFetcher = (*Ingester)(nil)

// FetchEvents covers [req.From..req.To] with at most one API call per
// calendar month and hands each month's events to emit before fetching the
// next, so earlier months are kept when a later one fails. The first window
// that still fails after retries stops the request with an *apperr.IngestError
// for that window. An error from emit stops it as well and is returned as is.
func (in *Ingester) FetchEvents(ctx context.Context, req services.FetchRequest, emit func(services.FetchResult) error) error {
	site, err := in.Sites.Lookup(req.SiteCode)
	if err != nil {
		return &apperr.IngestError{
			EmployeeID: req.EmployeeID, SiteCode: req.SiteCode, From: req.From, To: req.To, Err: err,
		}
	}
	if strings.TrimSpace(req.TableNumber) == "" {
		return &apperr.IngestError{
			EmployeeID: req.EmployeeID, SiteCode: req.SiteCode, From: req.From, To: req.To,
			Err: fmt.Errorf("employee has no table number"),
		}
	}

	windows, err := util.MonthWindows(req.From, req.To)
	if err != nil {
		return err
	}

	lg := in.Logger.WithFields(logrus.Fields{"employee_id": req.EmployeeID, "site": site.Code})

	skipped := 0
	for _, w := range windows {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rows, attempts, err := in.Client.FetchEvents(ctx, site.ObjectBIN, req.TableNumber, w.Start, w.End)
		if err != nil {
			return &apperr.IngestError{
				EmployeeID: req.EmployeeID,
				SiteCode:   site.Code,
				From:       w.Start,
				To:         w.End,
				Attempts:   attempts,
				Err:        err,
			}
		}

		batch := services.FetchResult{From: w.Start, To: w.End}
		for i, row := range rows {
			ev, verr := normalise(i, row, req.EmployeeID, site)
			if verr != nil {
				batch.Skipped++
				lg.WithError(verr).Debug("turnstile: row skipped")
				continue
			}
			batch.Events = append(batch.Events, ev)
		}
		skipped += batch.Skipped

		lg.Debugf("📥 turnstile %s..%s: %d rows, %d kept",
			w.Start.Format(util.DateLayout), w.End.Format(util.DateLayout), len(rows), len(batch.Events))

		if err := emit(batch); err != nil {
			return err
		}
	}

	if skipped > 0 {
		lg.Warnf("⚠️  turnstile: %d rows could not be normalised", skipped)
	}
	return nil
}

var offsetLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05-0700",
	"2006-01-02 15:04:05-0700",
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// ParseEventTime honours an explicit offset. A naive timestamp is read as
// wall-clock time in loc, the zone of the site the turnstile belongs to.
// The result is UTC truncated to the second.
func ParseEventTime(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range offsetLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC().Truncate(time.Second), nil
		}
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t.UTC().Truncate(time.Second), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", raw)
}

// ParseDirection maps the API's event code. Accepts 1/2 and in/out words.
func ParseDirection(raw json.RawMessage) (models.Direction, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("bad event code %s", string(raw))
	}

	var code string
	switch t := v.(type) {
	case float64:
		code = strconv.FormatFloat(t, 'f', -1, 64)
	case string:
		code = strings.ToLower(strings.TrimSpace(t))
	default:
		return "", fmt.Errorf("bad event code %s", string(raw))
	}

	switch code {
	case "1", "in", "entry", "enter":
		return models.DirectionEntry, nil
	case "2", "out", "exit":
		return models.DirectionExit, nil
	}
	return "", fmt.Errorf("unknown event code %q", code)
}

func normalise(i int, row Row, employeeID string, site models.Site) (models.RawEvent, error) {
	at, err := ParseEventTime(row.EventDatetime, site.Location)
	if err != nil {
		return models.RawEvent{}, &apperr.ValidationError{Index: i, Field: "event_datetime", Reason: err.Error()}
	}
	dir, err := ParseDirection(row.Event)
	if err != nil {
		return models.RawEvent{}, &apperr.ValidationError{Index: i, Field: "event", Reason: err.Error()}
	}

	ev := models.RawEvent{
		EmployeeID: employeeID,
		SiteCode:   site.Code,
		OccurredAt: at,
		Direction:  dir,
	}
	if oc := strings.TrimSpace(row.ObjectCode); oc != "" {
		ev.DeviceCode = &oc
	}
	if id := rawID(row.ID); id != "" {
		ev.ExternalID = &id
	}
	return ev, nil
}

func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
