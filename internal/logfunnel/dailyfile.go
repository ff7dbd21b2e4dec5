package logfunnel

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// dailyFile appends lines to dir/<name>/<name>_YYYYMMDD.log, switching
// files when the event date changes.
type dailyFile struct {
	dir  string
	name string

	mu   sync.Mutex
	day  string
	file *os.File
}

func newDailyFile(root, name string) *dailyFile {
	return &dailyFile{dir: filepath.Join(root, name), name: name}
}

// Path returns the file a line dated day (YYYYMMDD) is written to.
func (d *dailyFile) Path(day string) string {
	return filepath.Join(d.dir, fmt.Sprintf("%s_%s.log", d.name, day))
}

func (d *dailyFile) Write(e Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	day := e.Time.Format("20060102")
	if d.file == nil || d.day != day {
		if err := d.rotate(day); err != nil {
			return err
		}
	}
	line := fmt.Sprintf("[%s] %s\n", e.Time.Format("2006-01-02 15:04:05.000"), e.Text)
	if _, err := d.file.WriteString(line); err != nil {
		return fmt.Errorf("write %s: %w", d.file.Name(), err)
	}
	return nil
}

func (d *dailyFile) rotate(day string) error {
	if d.file != nil {
		d.file.Close()
		d.file = nil
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(d.Path(day), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open daily log: %w", err)
	}
	d.file, d.day = f, day
	return nil
}

func (d *dailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}
