// Package schedules reads payroll-system schedule exports and loads them into
// the schedule store.
package schedules

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/extrame/xls"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/unicode/norm"

	"github.com/araquach/turnstile-datahub/internal/apperr"
	"github.com/araquach/turnstile-datahub/internal/models"
	"github.com/araquach/turnstile-datahub/internal/util"
)

type Store interface {
	UpsertBatch(ctx context.Context, rows []models.ScheduleEntry, batchSize int) error
}

type Importer struct {
	Store        Store
	DefaultStart time.Duration // used when a row has no start time
	Logger       *logrus.Logger
}

func NewImporter(store Store, defaultStart time.Duration, lg *logrus.Logger) *Importer {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	return &Importer{Store: store, DefaultStart: defaultStart, Logger: lg}
}

// Result counts what an import did with each data row.
type Result struct {
	Rows     int     `json:"rows"`
	Imported int     `json:"imported"`
	RestDays int     `json:"rest_days"`
	Rejected int     `json:"rejected"`
	Errors   []error `json:"-"`
}

// ImportFile imports one .xlsx, .xls or .csv file from disk.
func (im *Importer) ImportFile(ctx context.Context, path string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()
	return im.Import(ctx, f, filepath.Base(path))
}

// Import parses r (format chosen by filename's extension) and upserts the
// shifts. Bad rows are skipped and counted; only storage errors fail.
func (im *Importer) Import(ctx context.Context, r io.Reader, filename string) (Result, error) {
	rows, err := ReadRows(r, filename)
	if err != nil {
		return Result{}, fmt.Errorf("read schedule %s: %w", filename, err)
	}

	entries, res, err := ParseRows(rows, im.DefaultStart)
	if err != nil {
		return res, fmt.Errorf("parse schedule %s: %w", filename, err)
	}

	if err := im.Store.UpsertBatch(ctx, entries, 1000); err != nil {
		return res, err
	}

	im.Logger.WithFields(logrus.Fields{
		"file":      filename,
		"imported":  res.Imported,
		"rest_days": res.RestDays,
		"rejected":  res.Rejected,
	}).Info("📅 schedule import committed")
	for _, e := range res.Errors {
		im.Logger.WithError(e).Debug("schedule row skipped")
	}
	return res, nil
}

// ReadRows returns every row of the first worksheet, or of the CSV.
func ReadRows(r io.Reader, filename string) ([][]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xls":
		workbook, err := xls.OpenReader(bytes.NewReader(data), "utf-8")
		if err != nil {
			return nil, err
		}
		if workbook.NumSheets() == 0 {
			return nil, fmt.Errorf("no worksheet found")
		}
		rows := workbook.ReadAllCells(100000)
		if len(rows) == 0 {
			return nil, fmt.Errorf("worksheet is empty")
		}
		return rows, nil
	case ".xlsx":
		file, err := excelize.OpenReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer func() { _ = file.Close() }()

		sheetName := file.GetSheetName(0)
		if sheetName == "" {
			return nil, fmt.Errorf("no worksheet found")
		}
		rows, err := file.GetRows(sheetName)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, fmt.Errorf("worksheet is empty")
		}
		return rows, nil
	case ".csv":
		return readCSV(data)
	default:
		return nil, fmt.Errorf("unsupported schedule format %q (want .xlsx, .xls or .csv)", filepath.Ext(filename))
	}
}

// readCSV accepts UTF-8 (with or without BOM) and falls back to
// Windows-1251, which older payroll exports use.
func readCSV(data []byte) ([][]string, error) {
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
	if !utf8.Valid(data) {
		decoded, err := charmap.Windows1251.NewDecoder().Bytes(data)
		if err != nil {
			return nil, fmt.Errorf("decode windows-1251: %w", err)
		}
		data = decoded
	}

	cr := csv.NewReader(bytes.NewReader(data))
	cr.Comma = sniffDelimiter(data)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("csv is empty")
	}
	return rows, nil
}

func sniffDelimiter(data []byte) rune {
	line := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		line = data[:i]
	}
	if bytes.Count(line, []byte(";")) > bytes.Count(line, []byte(",")) {
		return ';'
	}
	return ','
}

type column int

const (
	colName column = iota
	colCode
	colDate
	colMonth
	colTimeType
	colHours
	colStart
	colEnd
	numColumns
)

var headerAliases = map[string]column{
	"schedule_name": colName,
	"name":          colName,
	"schedule_code": colCode,
	"code":          colCode,
	"work_date":     colDate,
	"date":          colDate,
	"work_month":    colMonth,
	"month":         colMonth,
	"time_type":     colTimeType,
	"type":          colTimeType,
	"work_hours":    colHours,
	"hours":         colHours,
	"start_time":    colStart,
	"start":         colStart,
	"end_time":      colEnd,
	"end":           colEnd,
}

func normalizeHeader(h string) string {
	h = norm.NFC.String(strings.ToLower(strings.TrimSpace(h)))
	return strings.Join(strings.FieldsFunc(h, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_'
	}), "_")
}

// ParseRows maps a header row plus data rows to schedule entries. Rows with
// zero work hours are rest days and produce no entry. A later row for the
// same (schedule_code, work_date) replaces an earlier one.
func ParseRows(rows [][]string, defaultStart time.Duration) ([]models.ScheduleEntry, Result, error) {
	var res Result
	if len(rows) == 0 {
		return nil, res, fmt.Errorf("no header row")
	}

	idx := make([]int, numColumns)
	for i := range idx {
		idx[i] = -1
	}
	for i, h := range rows[0] {
		if c, ok := headerAliases[normalizeHeader(h)]; ok && idx[c] < 0 {
			idx[c] = i
		}
	}
	for _, c := range []column{colCode, colDate, colHours} {
		if idx[c] < 0 {
			return nil, res, fmt.Errorf("missing required column (schedule_code, work_date, work_hours)")
		}
	}

	byKey := map[string]int{}
	var out []models.ScheduleEntry

	for n, row := range rows[1:] {
		if blankRow(row) {
			continue
		}
		res.Rows++
		line := n + 2

		entry, rest, err := parseRow(row, idx, line, defaultStart)
		if err != nil {
			res.Rejected++
			res.Errors = append(res.Errors, err)
			continue
		}
		if rest {
			res.RestDays++
			continue
		}

		key := entry.ScheduleCode + "|" + entry.WorkDate.Format(util.DateLayout)
		if at, ok := byKey[key]; ok {
			out[at] = entry
			continue
		}
		byKey[key] = len(out)
		out = append(out, entry)
	}

	res.Imported = len(out)
	return out, res, nil
}

func parseRow(row []string, idx []int, line int, defaultStart time.Duration) (models.ScheduleEntry, bool, error) {
	get := func(c column) string { return cellValue(row, idx[c]) }
	bad := func(field, reason string) error {
		return &apperr.ValidationError{Index: line, Field: field, Reason: reason}
	}

	code := get(colCode)
	if code == "" {
		return models.ScheduleEntry{}, false, bad("schedule_code", "empty")
	}
	day, err := parseDay(get(colDate))
	if err != nil {
		return models.ScheduleEntry{}, false, bad("work_date", err.Error())
	}
	hours, err := decimal.NewFromString(strings.ReplaceAll(get(colHours), ",", "."))
	if err != nil || hours.IsNegative() || hours.GreaterThan(decimal.NewFromInt(24)) {
		return models.ScheduleEntry{}, false, bad("work_hours", fmt.Sprintf("invalid %q", get(colHours)))
	}
	if hours.IsZero() {
		return models.ScheduleEntry{}, true, nil
	}

	start := defaultStart
	if s := get(colStart); s != "" {
		if start, err = parseClockCell(s); err != nil {
			return models.ScheduleEntry{}, false, bad("start_time", err.Error())
		}
	}
	var end time.Duration
	if s := get(colEnd); s != "" {
		if end, err = parseClockCell(s); err != nil {
			return models.ScheduleEntry{}, false, bad("end_time", err.Error())
		}
	} else {
		secs := hours.Mul(decimal.NewFromInt(3600)).IntPart()
		end = start + time.Duration(secs)*time.Second
	}

	month := get(colMonth)
	if month == "" {
		month = day.Format("2006-01")
	}

	return models.ScheduleEntry{
		ScheduleCode:     code,
		WorkDate:         day,
		ScheduleName:     get(colName),
		WorkMonth:        month,
		TimeType:         get(colTimeType),
		ExpectedHours:    hours.Round(2),
		ExpectedCheckIn:  util.FormatClock(start),
		ExpectedCheckOut: util.FormatClock(end),
	}, false, nil
}

var dayLayouts = []string{
	util.DateLayout,
	"02.01.2006",
	"2006/01/02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z07:00",
}

func parseDay(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty")
	}
	// Spreadsheet date serials.
	if serial, err := strconv.ParseFloat(s, 64); err == nil && serial > 1 {
		if t, err := excelize.ExcelDateToTime(serial, false); err == nil {
			return util.DateOnly(t), nil
		}
	}
	for _, layout := range dayLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return util.DateOnly(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

// parseClockCell accepts HH:MM[:SS] or a spreadsheet day fraction.
func parseClockCell(s string) (time.Duration, error) {
	if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 && f < 1 {
		return (time.Duration(f*86400+0.5) * time.Second), nil
	}
	return util.ParseClock(s)
}

func cellValue(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func blankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
