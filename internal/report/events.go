package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventJobStart   EventType = "job_start"
	EventJobEnd     EventType = "job_end"
	EventStep       EventType = "step"
	EventTransition EventType = "transition"
	EventRowError   EventType = "row_error"
	EventQuality    EventType = "quality"
	EventProcedure  EventType = "procedure"
	EventUpsert     EventType = "upsert"
	EventError      EventType = "error"
	EventDiscover   EventType = "discover"
)

// EventLevel represents the severity level
type EventLevel string

const (
	LevelDebug   EventLevel = "debug"
	LevelInfo    EventLevel = "info"
	LevelWarning EventLevel = "warning"
	LevelError   EventLevel = "error"
)

// levelPriority maps event levels to numeric priorities for comparison
var levelPriority = map[EventLevel]int{
	LevelDebug:   0,
	LevelInfo:    1,
	LevelWarning: 2,
	LevelError:   3,
}

// ParseLevel maps a level name onto an EventLevel, defaulting to info
func ParseLevel(name string) EventLevel {
	if _, ok := levelPriority[EventLevel(name)]; ok {
		return EventLevel(name)
	}
	return LevelInfo
}

// Event represents a single event in a job run
type Event struct {
	Timestamp  time.Time         `json:"ts"`
	Level      EventLevel        `json:"level"`
	Event      EventType         `json:"event"`
	RunID      string            `json:"run_id,omitempty"`
	JobID      int64             `json:"job_id,omitempty"`
	ConfigKey  string            `json:"config_key,omitempty"`
	SourceFile string            `json:"source_file,omitempty"`
	Step       string            `json:"step,omitempty"`
	From       string            `json:"from,omitempty"`
	To         string            `json:"to,omitempty"`
	Status     string            `json:"status,omitempty"`
	Records    int64             `json:"records,omitempty"`
	Duration   int64             `json:"duration_ms,omitempty"` // in milliseconds
	Error      string            `json:"error,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// EventLogger writes events to a JSONL file
type EventLogger struct {
	file     *os.File
	encoder  *json.Encoder
	mu       sync.Mutex
	path     string
	minLevel EventLevel
	runID    string
	jobID    int64
}

// NewEventLogger creates a new event logger with a minimum log level
// minLevel determines which events are written (e.g., LevelInfo skips LevelDebug)
func NewEventLogger(outputDir string, minLevel EventLevel) (*EventLogger, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	timestamp := time.Now().Format("20060102-150405.000")
	path := filepath.Join(outputDir, fmt.Sprintf("events-%s.jsonl", timestamp))

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create event log: %w", err)
	}

	return &EventLogger{
		file:     file,
		encoder:  json.NewEncoder(file),
		path:     path,
		minLevel: minLevel,
	}, nil
}

// SetRun stamps every later event with the run correlation id and job id
func (l *EventLogger) SetRun(runID string, jobID int64) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runID, l.jobID = runID, jobID
}

// Log writes an event to the JSONL file
func (l *EventLogger) Log(event *Event) error {
	if l == nil || l.file == nil {
		return nil // Silently ignore if logger not initialized
	}

	if levelPriority[event.Level] < levelPriority[l.minLevel] {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.RunID == "" {
		event.RunID = l.runID
	}
	if event.JobID == 0 {
		event.JobID = l.jobID
	}

	if err := l.encoder.Encode(event); err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	return nil
}

// LogJobStart logs the start of a job run
func (l *EventLogger) LogJobStart(name, mode string) error {
	return l.Log(&Event{
		Level: LevelInfo,
		Event: EventJobStart,
		Step:  name,
		Extra: map[string]string{"mode": mode},
	})
}

// LogJobEnd logs the job-result event
func (l *EventLogger) LogJobEnd(result *JobResult) error {
	level := LevelInfo
	if result.Status != StatusCompleted {
		level = LevelError
	}
	return l.Log(&Event{
		Level:    level,
		Event:    EventJobEnd,
		Step:     result.JobName,
		Status:   result.Status,
		Records:  result.RecordsProcessed,
		Duration: result.Duration.Milliseconds(),
		Error:    result.ErrorMessage,
		Extra: map[string]string{
			"files_loaded": fmt.Sprintf("%d", result.FilesLoaded),
			"files_failed": fmt.Sprintf("%d", result.FilesFailed),
		},
	})
}

// LogStep logs the outcome of one pipeline step
func (l *EventLogger) LogStep(step, sourceFile string, records int64, duration time.Duration, err error) error {
	level, status, errMsg := LevelInfo, "SUCCESS", ""
	if err != nil {
		level, status, errMsg = LevelError, "FAILED", err.Error()
	}
	return l.Log(&Event{
		Level:      level,
		Event:      EventStep,
		Step:       step,
		SourceFile: sourceFile,
		Status:     status,
		Records:    records,
		Duration:   duration.Milliseconds(),
		Error:      errMsg,
	})
}

// LogTransition logs a file status change
func (l *EventLogger) LogTransition(configKey, from, to string) error {
	level := LevelInfo
	if to == "ER" {
		level = LevelWarning
	}
	return l.Log(&Event{
		Level:     level,
		Event:     EventTransition,
		ConfigKey: configKey,
		From:      from,
		To:        to,
	})
}

// LogDiscover logs a source file registered by a directory scan
func (l *EventLogger) LogDiscover(configKey, path string, size int64) error {
	return l.Log(&Event{
		Level:      LevelInfo,
		Event:      EventDiscover,
		ConfigKey:  configKey,
		SourceFile: path,
		Extra:      map[string]string{"size": fmt.Sprintf("%d", size)},
	})
}

// LogRowError logs a rejected input row
func (l *EventLogger) LogRowError(sourceFile string, row int, err error) error {
	return l.Log(&Event{
		Level:      LevelWarning,
		Event:      EventRowError,
		SourceFile: sourceFile,
		Error:      err.Error(),
		Extra:      map[string]string{"row": fmt.Sprintf("%d", row)},
	})
}

// LogQuality logs a quality finding
func (l *EventLogger) LogQuality(check, table string, failed int64, details string) error {
	return l.Log(&Event{
		Level:   LevelWarning,
		Event:   EventQuality,
		Step:    check,
		Records: failed,
		Extra:   map[string]string{"table": table, "details": details},
	})
}

// LogProcedure logs one procedure attempt
func (l *EventLogger) LogProcedure(name string, attempt int, err error) error {
	level, status, errMsg := LevelDebug, "SUCCESS", ""
	if err != nil {
		level, status, errMsg = LevelWarning, "FAILED", err.Error()
	}
	return l.Log(&Event{
		Level:  level,
		Event:  EventProcedure,
		Step:   name,
		Status: status,
		Error:  errMsg,
		Extra:  map[string]string{"attempt": fmt.Sprintf("%d", attempt)},
	})
}

// LogUpsert logs the counts of one upsert pass
func (l *EventLogger) LogUpsert(sourceFile string, inserted, updated, priceChanges int) error {
	return l.Log(&Event{
		Level:      LevelInfo,
		Event:      EventUpsert,
		SourceFile: sourceFile,
		Records:    int64(inserted + updated),
		Extra: map[string]string{
			"facts_inserted": fmt.Sprintf("%d", inserted),
			"facts_updated":  fmt.Sprintf("%d", updated),
			"price_changes":  fmt.Sprintf("%d", priceChanges),
		},
	})
}

// LogError logs an error event
func (l *EventLogger) LogError(event EventType, sourceFile string, err error) error {
	return l.Log(&Event{
		Level:      LevelError,
		Event:      event,
		SourceFile: sourceFile,
		Error:      err.Error(),
	})
}

// Close closes the event log file
func (l *EventLogger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.file.Close()
}

// Path returns the path to the event log file
func (l *EventLogger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// NullLogger returns a no-op event logger
func NullLogger() *EventLogger {
	return nil
}
