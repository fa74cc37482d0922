// Package synclog records the audit trail of a sync run: every notable
// outcome is an Event, the collected events persist as JSONL next to the
// data directory, and what was recorded determines the run status.
package synclog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Severity classifies one recorded event.
type Severity string

const (
	SeverityInfo         Severity = "Info"
	SeverityWarning      Severity = "Warning"
	SeverityError        Severity = "Error"
	SeveritySuccessAudit Severity = "SuccessAudit"
	SeverityFailureAudit Severity = "FailureAudit"
)

// Status is the overall outcome of a sync run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
)

// ExitCode maps the run status to a process exit code.
func (s Status) ExitCode() int {
	switch s {
	case StatusWarning:
		return 1
	case StatusError:
		return 2
	default:
		return 0
	}
}

// MaxMessageLength is the longest message one event may carry. Longer
// messages split into numbered continuation events.
const MaxMessageLength = 31000

// Event is one recorded sync outcome.
type Event struct {
	Severity  Severity  `json:"severity"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"ts"`
}

// Recorder accumulates events for one sync run. Artifact- and project-level
// problems degrade the run to "warning"; only failures marked fatal make the
// whole run an "error".
type Recorder struct {
	mu     sync.Mutex
	events []Event

	hasWarning bool
	hasError   bool
	fatal      bool
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record stores one event, splitting oversized messages into continuation
// chunks so no single entry exceeds MaxMessageLength.
func (r *Recorder) Record(severity Severity, source, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	for i, chunk := range splitMessage(message) {
		if i > 0 {
			chunk = fmt.Sprintf("(continued %d) %s", i+1, chunk)
		}
		r.events = append(r.events, Event{
			Severity:  severity,
			Source:    source,
			Message:   chunk,
			Timestamp: now,
		})
	}

	switch severity {
	case SeverityWarning:
		r.hasWarning = true
	case SeverityError, SeverityFailureAudit:
		r.hasError = true
	}
}

// Info records an informational event.
func (r *Recorder) Info(source, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Info().Str("source", source).Msg(msg)
	r.Record(SeverityInfo, source, msg)
}

// Warning records a warning and marks the run as at most "warning".
func (r *Recorder) Warning(source, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Warn().Str("source", source).Msg(msg)
	r.Record(SeverityWarning, source, msg)
}

// Error records an error-severity event. The run itself degrades only to
// "warning": one bad artifact must not mask an otherwise completed cycle.
func (r *Recorder) Error(source, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Error().Str("source", source).Msg(msg)
	r.Record(SeverityError, source, msg)
}

// FailRun records an error event and marks the whole run failed. Reserved for
// failures nothing after them can recover from, like rejected credentials.
func (r *Recorder) FailRun(source, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Error().Str("source", source).Msg(msg)
	r.Record(SeverityFailureAudit, source, msg)
	r.mu.Lock()
	r.fatal = true
	r.mu.Unlock()
}

// Status returns the run outcome implied by what was recorded so far.
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.fatal:
		return StatusError
	case r.hasError, r.hasWarning:
		return StatusWarning
	default:
		return StatusSuccess
	}
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Save appends this run's events to the JSONL audit file in dir. The file is
// rewritten through a temp file so a crash never leaves a torn line.
func (r *Recorder) Save(dir string) error {
	events := r.Events()
	if len(events) == 0 {
		return nil
	}

	path := filepath.Join(dir, "sync-events.jsonl")
	existing, err := loadLines(path)
	if err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create temp audit file: %w", err)
	}

	writer := bufio.NewWriter(file)
	for _, line := range existing {
		fmt.Fprintln(writer, line)
	}
	encoder := json.NewEncoder(writer)
	for _, e := range events {
		if err := encoder.Encode(e); err != nil {
			file.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("failed to encode event: %w", err)
		}
	}

	if err := writer.Flush(); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to flush audit file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close audit file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename audit file: %w", err)
	}

	log.Info().Str("path", path).Int("count", len(events)).Msg("Sync events saved")
	return nil
}

// Load reads previously persisted events, skipping unparsable lines.
func Load(dir string) ([]Event, error) {
	path := filepath.Join(dir, "sync-events.jsonl")
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	defer file.Close()

	var events []Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*MaxMessageLength)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			log.Warn().Err(err).Msg("Skipping invalid JSON line in audit file")
			continue
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading audit file: %w", err)
	}
	return events, nil
}

func loadLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*MaxMessageLength)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

// splitMessage cuts a message into MaxMessageLength-sized chunks.
func splitMessage(message string) []string {
	if len(message) <= MaxMessageLength {
		return []string{message}
	}
	var chunks []string
	for len(message) > MaxMessageLength {
		chunks = append(chunks, message[:MaxMessageLength])
		message = message[MaxMessageLength:]
	}
	return append(chunks, message)
}
