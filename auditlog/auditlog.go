// Package auditlog writes the durable per-job trail: a human-readable log file
// and structured CSV rows for every unit of work.
package auditlog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const barLength = 20

// Logger appends to files under one logs root directory
type Logger struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// New creates a logger rooted at dir. The directory is created lazily.
func New(dir string) *Logger {
	return &Logger{dir: dir, now: time.Now}
}

// Dir returns the logs root
func (l *Logger) Dir() string {
	return l.dir
}

// LogPath returns the text log file of a job
func (l *Logger) LogPath(jobID string) string {
	return filepath.Join(l.dir, jobID+".log")
}

// CSVPath returns the CSV file of a job for one family of rows
func (l *Logger) CSVPath(jobID, suffix string) string {
	return filepath.Join(l.dir, fmt.Sprintf("%s_%s.csv", jobID, suffix))
}

// Append writes a timestamped line to the job log
func (l *Logger) Append(jobID, message string) {
	l.write(jobID, fmt.Sprintf("[%s UTC] %s\n", l.timestamp(), message))
}

// AppendProgress writes a timestamped line with a rendered progress bar
func (l *Logger) AppendProgress(jobID, message string, percent int) {
	l.write(jobID, fmt.Sprintf("[%s UTC] %s %s\n", l.timestamp(), ProgressBar(percent), message))
}

func (l *Logger) timestamp() string {
	return l.now().UTC().Format("2006-01-02 15:04:05")
}

func (l *Logger) write(jobID, line string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("failed to create logs directory")
		return
	}
	f, err := os.OpenFile(l.LogPath(jobID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("failed to open job log")
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("failed to append job log")
	}
}

// AppendRow appends one record to a job CSV, writing the header when the
// file is new. Record values are in header order.
func (l *Logger) AppendRow(jobID, suffix string, headers, record []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("create logs directory: %w", err)
	}
	path := l.CSVPath(jobID, suffix)
	_, statErr := os.Stat(path)
	writeHeader := errors.Is(statErr, fs.ErrNotExist)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if writeHeader {
		if err := w.Write(headers); err != nil {
			return fmt.Errorf("write audit csv header: %w", err)
		}
	}
	if err := w.Write(record); err != nil {
		return fmt.Errorf("write audit csv row: %w", err)
	}
	w.Flush()
	return w.Error()
}

// ListLogs returns the base names of every log and CSV file of a job
func (l *Logger) ListLogs(jobID string) []string {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		if name == jobID+".log" || (strings.HasPrefix(name, jobID+"_") && strings.HasSuffix(name, ".csv")) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ProgressBar renders a fixed-width text bar such as "[====>     ] 40%"
func ProgressBar(percent int) string {
	if percent < 0 {
		percent = 0
	}
	filled := barLength * percent / 100
	if filled > barLength {
		filled = barLength
	}
	pad := barLength - filled - 1
	if pad < 0 {
		pad = 0
	}
	return fmt.Sprintf("[%s>%s] %d%%", strings.Repeat("=", filled), strings.Repeat(" ", pad), percent)
}

// FormatElapsedHMS renders a duration as HH:MM:SS, rounded to the second
func FormatElapsedHMS(d time.Duration) string {
	seconds := int(d.Round(time.Second).Seconds())
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, (seconds%3600)/60, seconds%60)
}

// FormatElapsedSec renders a duration in seconds with four decimals
func FormatElapsedSec(d time.Duration) string {
	return fmt.Sprintf("%.4f", d.Seconds())
}

// FormatError renders a failure line for the job log
func FormatError(context string, err error) string {
	return fmt.Sprintf("ERROR | %s | %T: %v", context, err, err)
}

// FormatErrorMessage renders a failure line from a plain message
func FormatErrorMessage(context, message string) string {
	return fmt.Sprintf("ERROR | %s | %s", context, message)
}

// FormatErrorWithTrace appends up to limit lines of a stack trace on one line
func FormatErrorWithTrace(context string, err error, stack []byte, limit int) string {
	base := FormatError(context, err)
	if len(stack) == 0 {
		return base
	}
	lines := strings.Split(strings.TrimSpace(string(stack)), "\n")
	if limit > 0 && len(lines) > limit {
		lines = lines[:limit]
	}
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	return fmt.Sprintf("%s | trace: %s", base, strings.Join(lines, " | "))
}
