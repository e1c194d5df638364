package logger

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shaunagostinho/kwp1281-tool/internal/runner"
)

// Logger appends unlock attempts to CSV files with automatic rotation.
type Logger struct {
	mu      sync.Mutex
	dir     string
	enabled bool

	file   *os.File
	writer *csv.Writer
	rows   int
}

// Config holds logger configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

const (
	maxRowsPerFile = 10_000
)

var csvHeader = []string{
	"timestamp", "port",
	"sync_status", "measured_baud", "baud", "edges",
	"component", "part_number",
	"family", "outcome", "state", "safe_code",
	"sync_only", "error",
}

// New creates a new Logger.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/kwp1281-tool"
	}
	return &Logger{
		dir:     cfg.Path,
		enabled: cfg.Enabled,
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Record writes one attempt.
func (l *Logger) Record(a *runner.Attempt) {
	if a == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	if l.writer == nil || l.rows >= maxRowsPerFile {
		if err := l.rotateFile(time.Now()); err != nil {
			log.Printf("[logger] rotate failed: %v", err)
			return
		}
	}

	if err := l.writer.Write(buildRow(a)); err != nil {
		log.Printf("[logger] write failed: %v", err)
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("attempts_%s.csv", now.Format("2006-01-02_150405.000"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("[logger] opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func buildRow(a *runner.Attempt) []string {
	row := make([]string, len(csvHeader))

	row[0] = a.Started.Format(time.RFC3339Nano)
	row[1] = a.Port
	row[2] = a.Sync.Status.String()
	row[3] = strconv.FormatUint(uint64(a.Sync.ActualBaud), 10)
	row[4] = strconv.FormatUint(uint64(a.Sync.NormalizedBaud), 10)
	row[5] = strconv.FormatUint(uint64(a.Sync.Edges), 10)
	row[6] = a.Identity.Component
	row[7] = a.Identity.PartNumber

	if r := a.Report; r != nil {
		row[8] = r.Family.Name()
		row[9] = r.Outcome.String()
		row[10] = r.State.String()
		row[11] = a.SafeCode()
	}

	row[12] = boolStr(a.SyncOnly)
	row[13] = a.Error
	return row
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
