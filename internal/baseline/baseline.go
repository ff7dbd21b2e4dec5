// Package baseline supplies the historical samples the default
// producer biases and jitters. Each domain has one CSV file with a
// "date" column and numeric reading columns; on every tick the row
// whose time of day is closest to now is replayed, so a day's worth of
// history loops forever.
package baseline

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/sensorpub/internal/sensor"
)

// ErrUnavailable is returned when a domain's baseline file is missing,
// unreadable, or holds no usable rows.
var ErrUnavailable = errors.New("baseline unavailable")

// Row is one baseline sample: every numeric column of the chosen CSV
// row, and that row's timestamp.
type Row struct {
	Fields map[string]float64
	At     time.Time
}

// Source returns the baseline sample nearest to the current time of
// day for a domain.
type Source interface {
	Nearest(ctx context.Context, d sensor.Domain) (Row, error)
}

// Files maps each domain to its CSV file name inside the data
// directory.
var Files = map[sensor.Domain]string{
	sensor.Power:  "power_data.csv",
	sensor.Water:  "water_data.csv",
	sensor.Energy: "energy_data.csv",
}

// dateLayouts are tried in order when parsing the date column.
var dateLayouts = []string{
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006/01/02 15:04:05",
}

const secondsPerDay = 24 * 60 * 60

// CSVSource reads baseline files from a directory. Files are re-read on
// every call so edits take effect on the next tick.
type CSVSource struct {
	dir string
	now func() time.Time
}

// NewCSVSource creates a source over dir.
func NewCSVSource(dir string) *CSVSource {
	return &CSVSource{dir: dir, now: time.Now}
}

// Path returns the CSV path for domain d.
func (s *CSVSource) Path(d sensor.Domain) string {
	return filepath.Join(s.dir, Files[d])
}

// Nearest implements [Source].
func (s *CSVSource) Nearest(ctx context.Context, d sensor.Domain) (Row, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, err
	}
	if _, ok := Files[d]; !ok {
		return Row{}, fmt.Errorf("%w: unknown domain %q", ErrUnavailable, d)
	}

	path := s.Path(d)
	f, err := os.Open(path)
	if err != nil {
		return Row{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, d, err)
	}
	defer f.Close()

	rows, err := ReadRows(f)
	if err != nil {
		return Row{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, path, err)
	}
	row, ok := NearestRow(rows, s.now().Truncate(time.Second))
	if !ok {
		return Row{}, fmt.Errorf("%w: %s has no rows with a valid date", ErrUnavailable, path)
	}
	return row, nil
}

// ReadRows parses a baseline CSV. The header must include a "date"
// column; rows whose date does not parse are skipped. Cells that are
// not numbers are left out of Fields.
func ReadRows(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, errors.New("empty file")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	dateCol := -1
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		header[i] = h
		if h == "date" {
			dateCol = i
		}
	}
	if dateCol < 0 {
		return nil, errors.New(`missing "date" column`)
	}

	var rows []Row
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		if dateCol >= len(rec) {
			continue
		}
		at, ok := parseDate(rec[dateCol])
		if !ok {
			continue
		}

		row := Row{At: at, Fields: make(map[string]float64, len(rec)-1)}
		for i, cell := range rec {
			if i == dateCol || i >= len(header) {
				continue
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
			if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			row.Fields[header[i]] = v
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// NearestRow returns the row whose time of day is closest to now's,
// treating the clock as circular so 23:59 is one minute from 00:00.
// Ties go to the earlier row. The date part is ignored.
func NearestRow(rows []Row, now time.Time) (Row, bool) {
	if len(rows) == 0 {
		return Row{}, false
	}
	target := secondOfDay(now)
	best, bestDiff := 0, secondsPerDay
	for i, r := range rows {
		diff := target - secondOfDay(r.At)
		if diff < 0 {
			diff = -diff
		}
		if wrapped := secondsPerDay - diff; wrapped < diff {
			diff = wrapped
		}
		if diff < bestDiff {
			best, bestDiff = i, diff
		}
	}
	return rows[best], true
}

func secondOfDay(t time.Time) int {
	h, m, s := t.Clock()
	return h*3600 + m*60 + s
}
