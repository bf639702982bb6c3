// Package capture records raw decoder readings to CSV with daily file
// rotation, and loads them back for replay. Files live in
// ~/.weathersensors-data/ unless a directory is given.
package capture

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/luki/weathersensors/internal/sensor"
)

const (
	dirName    = ".weathersensors-data"
	timeLayout = "2006-01-02T15:04:05.000"
	fileLayout = "2006-01-02"
)

var header = []string{"time", "key", "reading"}

// ErrBadRow marks a capture row that could not be decoded.
var ErrBadRow = errors.New("bad capture row")

// DiskStore appends readings to YYYY-MM-DD.csv files with the format:
//
//	time,key,reading
//
// where reading is the decoder's JSON. It is safe for concurrent use.
type DiskStore struct {
	mu      sync.Mutex
	dir     string
	current *os.File
	writer  *csv.Writer
	curDate string
}

// Entry is a single row from a capture file.
type Entry struct {
	Time    time.Time
	Reading *sensor.Reading
}

// New creates a disk store in dir, or in the default data directory when
// dir is empty, creating it if needed.
func New(dir string) (*DiskStore, error) {
	if dir == "" {
		dir = DataDir()
		if dir == "" {
			return nil, errors.New("cannot find home dir")
		}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create data dir: %w", err)
	}
	return &DiskStore{dir: dir}, nil
}

// Dir returns the directory files are written to.
func (d *DiskStore) Dir() string { return d.dir }

// Write appends one reading to the file for t's date.
func (d *DiskStore) Write(r *sensor.Reading, t time.Time) error {
	if r == nil {
		return nil
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode reading: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.rotate(t); err != nil {
		return err
	}
	d.writer.Write([]string{t.Format(timeLayout), r.Identity().Key(), string(raw)})
	d.writer.Flush()
	return d.writer.Error()
}

func (d *DiskStore) rotate(t time.Time) error {
	dateStr := t.Format(fileLayout)
	if d.curDate == dateStr && d.current != nil {
		return nil
	}
	d.closeLocked()

	path := filepath.Join(d.dir, dateStr+".csv")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	d.current = f
	d.writer = csv.NewWriter(f)
	d.curDate = dateStr

	if info, err := f.Stat(); err == nil && info.Size() == 0 {
		d.writer.Write(header)
	}
	return nil
}

// Close flushes and closes the current file.
func (d *DiskStore) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked()
}

func (d *DiskStore) closeLocked() {
	if d.writer != nil {
		d.writer.Flush()
		d.writer = nil
	}
	if d.current != nil {
		d.current.Close()
		d.current = nil
	}
}

// ListDays returns available capture dates, newest first.
func ListDays(dir string) ([]string, error) {
	if dir == "" {
		dir = DataDir()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var days []string
	for _, e := range entries {
		if name := e.Name(); strings.HasSuffix(name, ".csv") {
			days = append(days, strings.TrimSuffix(name, ".csv"))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(days)))
	return days, nil
}

// DayFile returns the path of the capture file for day (YYYY-MM-DD).
func DayFile(dir, day string) string {
	if dir == "" {
		dir = DataDir()
	}
	return filepath.Join(dir, day+".csv")
}

// LoadFile reads every entry from a capture file. Rows that cannot be
// decoded are skipped; they are reported together as an error wrapping
// ErrBadRow alongside the entries that did load.
func LoadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

// Load reads capture rows from r.
func Load(r io.Reader) ([]Entry, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	var (
		entries []Entry
		bad     []error
	)
	for line := 1; ; line++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return entries, err
		}
		if line == 1 && len(row) > 0 && row[0] == header[0] {
			continue
		}
		e, err := parseRow(row)
		if err != nil {
			bad = append(bad, fmt.Errorf("%w: line %d: %v", ErrBadRow, line, err))
			continue
		}
		entries = append(entries, e)
	}
	return entries, errors.Join(bad...)
}

func parseRow(row []string) (Entry, error) {
	if len(row) < len(header) {
		return Entry{}, fmt.Errorf("want %d columns, got %d", len(header), len(row))
	}
	t, err := time.ParseInLocation(timeLayout, row[0], time.Local)
	if err != nil {
		return Entry{}, err
	}
	var r sensor.Reading
	if err := json.Unmarshal([]byte(row[2]), &r); err != nil {
		return Entry{}, err
	}
	return Entry{Time: t, Reading: &r}, nil
}

// DataDir returns the default data directory, or "" when the home
// directory is unknown.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, dirName)
}
