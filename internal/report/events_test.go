package report

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// readEvents closes the logger and decodes every line it wrote
func readEvents(t *testing.T, logger *EventLogger) []Event {
	t.Helper()
	logger.Close()

	file, err := os.Open(logger.path)
	if err != nil {
		t.Fatalf("Failed to open log file: %v", err)
	}
	defer file.Close()

	var events []Event
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var decoded Event
		if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
			t.Fatalf("Line %d is not valid JSON: %v", len(events)+1, err)
		}
		events = append(events, decoded)
	}
	return events
}

func TestNewEventLogger(t *testing.T) {
	tmpDir := t.TempDir()

	logger, err := NewEventLogger(tmpDir, LevelDebug)
	if err != nil {
		t.Fatalf("NewEventLogger failed: %v", err)
	}
	defer logger.Close()

	if logger.path == "" {
		t.Error("EventLogger path is empty")
	}

	if _, err := os.Stat(logger.path); os.IsNotExist(err) {
		t.Errorf("Event log file was not created at %s", logger.path)
	}

	filename := filepath.Base(logger.path)
	if len(filename) < len("events-20060102-150405.jsonl") {
		t.Errorf("Event log filename format incorrect: %s", filename)
	}
}

func TestEventLogger_Log(t *testing.T) {
	logger, err := NewEventLogger(t.TempDir(), LevelDebug)
	if err != nil {
		t.Fatalf("NewEventLogger failed: %v", err)
	}
	defer logger.Close()

	event := &Event{
		Level:      LevelInfo,
		Event:      EventStep,
		Step:       "Extract",
		SourceFile: "/data/mobiles.csv",
	}
	if err := logger.Log(event); err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	events := readEvents(t, logger)
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	if events[0].Step != "Extract" || events[0].SourceFile != "/data/mobiles.csv" {
		t.Errorf("Unexpected event: %+v", events[0])
	}
	if events[0].Timestamp.IsZero() {
		t.Error("Expected timestamp to be auto-set")
	}
	if time.Since(events[0].Timestamp) > 5*time.Second {
		t.Errorf("Timestamp is too old: %v", events[0].Timestamp)
	}
}

func TestEventLogger_SetRunStampsEvents(t *testing.T) {
	logger, err := NewEventLogger(t.TempDir(), LevelDebug)
	if err != nil {
		t.Fatalf("NewEventLogger failed: %v", err)
	}
	defer logger.Close()

	logger.SetRun("6b1e9d4c-0000-4000-8000-000000000001", 42)
	logger.LogTransition("mobile_1", "NP", "EX")
	logger.Log(&Event{Level: LevelInfo, Event: EventStep, RunID: "explicit", JobID: 7})

	events := readEvents(t, logger)
	if events[0].RunID != "6b1e9d4c-0000-4000-8000-000000000001" || events[0].JobID != 42 {
		t.Errorf("Expected run stamp on event, got %+v", events[0])
	}
	if events[1].RunID != "explicit" || events[1].JobID != 7 {
		t.Errorf("Explicit ids must not be overwritten, got %+v", events[1])
	}
}

func TestEventLogger_ConcurrentWrites(t *testing.T) {
	logger, err := NewEventLogger(t.TempDir(), LevelDebug)
	if err != nil {
		t.Fatalf("NewEventLogger failed: %v", err)
	}
	defer logger.Close()

	const numGoroutines = 10
	const eventsPerGoroutine = 20

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < eventsPerGoroutine; j++ {
				event := &Event{
					Level: LevelInfo,
					Event: EventRowError,
					Extra: map[string]string{
						"goroutine": fmt.Sprintf("%d", id),
						"sequence":  fmt.Sprintf("%d", j),
					},
				}
				if err := logger.Log(event); err != nil {
					t.Errorf("Concurrent log failed: %v", err)
				}
			}
		}(i)
	}

	wg.Wait()

	events := readEvents(t, logger)
	if expected := numGoroutines * eventsPerGoroutine; len(events) != expected {
		t.Errorf("Expected %d events, got %d", expected, len(events))
	}
}

func TestEventLogger_LogStep(t *testing.T) {
	logger, err := NewEventLogger(t.TempDir(), LevelDebug)
	if err != nil {
		t.Fatalf("NewEventLogger failed: %v", err)
	}
	defer logger.Close()

	duration := 250 * time.Millisecond
	logger.LogStep("Extract", "a.csv", 120, duration, nil)
	logger.LogStep("Transform", "a.csv", 0, duration, errors.New("deadlock"))

	events := readEvents(t, logger)
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}

	ok, failed := events[0], events[1]
	if ok.Level != LevelInfo || ok.Status != "SUCCESS" || ok.Records != 120 {
		t.Errorf("Unexpected success event: %+v", ok)
	}
	if ok.Duration != duration.Milliseconds() {
		t.Errorf("Expected duration %d ms, got %d ms", duration.Milliseconds(), ok.Duration)
	}
	if failed.Level != LevelError || failed.Status != "FAILED" || failed.Error != "deadlock" {
		t.Errorf("Unexpected failure event: %+v", failed)
	}
}

func TestEventLogger_LogTransition(t *testing.T) {
	testCases := []struct {
		to    string
		level EventLevel
	}{
		{"EX", LevelInfo},
		{"LD", LevelInfo},
		{"ER", LevelWarning},
	}

	for _, tc := range testCases {
		t.Run(tc.to, func(t *testing.T) {
			logger, err := NewEventLogger(t.TempDir(), LevelDebug)
			if err != nil {
				t.Fatalf("NewEventLogger failed: %v", err)
			}
			logger.LogTransition("mobile_1", "NP", tc.to)

			events := readEvents(t, logger)
			if events[0].Level != tc.level {
				t.Errorf("Expected level %s, got %s", tc.level, events[0].Level)
			}
			if events[0].From != "NP" || events[0].To != tc.to || events[0].ConfigKey != "mobile_1" {
				t.Errorf("Unexpected event: %+v", events[0])
			}
		})
	}
}

func TestEventLogger_LogUpsertAndProcedure(t *testing.T) {
	logger, err := NewEventLogger(t.TempDir(), LevelDebug)
	if err != nil {
		t.Fatalf("NewEventLogger failed: %v", err)
	}
	defer logger.Close()

	logger.LogUpsert("a.csv", 3, 2, 2)
	logger.LogProcedure("sp_transform", 2, errors.New("timeout"))

	events := readEvents(t, logger)
	if events[0].Records != 5 || events[0].Extra["price_changes"] != "2" {
		t.Errorf("Unexpected upsert event: %+v", events[0])
	}
	if events[1].Extra["attempt"] != "2" || events[1].Level != LevelWarning {
		t.Errorf("Unexpected procedure event: %+v", events[1])
	}
}

func TestEventLogger_LogJobEnd(t *testing.T) {
	logger, err := NewEventLogger(t.TempDir(), LevelDebug)
	if err != nil {
		t.Fatalf("NewEventLogger failed: %v", err)
	}
	defer logger.Close()

	logger.LogJobEnd(&JobResult{JobName: "Mobile_Data_ETL", Status: StatusFailed, RecordsProcessed: 10, ErrorMessage: "boom", FilesFailed: 1})

	events := readEvents(t, logger)
	e := events[0]
	if e.Event != EventJobEnd || e.Level != LevelError || e.Status != StatusFailed || e.Error != "boom" {
		t.Errorf("Unexpected job end event: %+v", e)
	}
	if e.Extra["files_failed"] != "1" {
		t.Errorf("Expected files_failed '1', got '%s'", e.Extra["files_failed"])
	}
}

func TestEventLogger_NullLogger(t *testing.T) {
	logger := NullLogger()

	if err := logger.Log(&Event{Level: LevelInfo, Event: EventStep}); err != nil {
		t.Errorf("NullLogger.Log should not return error, got: %v", err)
	}
	if err := logger.LogTransition("key", "NP", "EX"); err != nil {
		t.Errorf("NullLogger.LogTransition should not return error, got: %v", err)
	}
	logger.SetRun("run", 1)
	if err := logger.Close(); err != nil {
		t.Errorf("NullLogger.Close should not return error, got: %v", err)
	}
	if path := logger.Path(); path != "" {
		t.Errorf("NullLogger.Path should return empty string, got: %s", path)
	}
}

func TestParseLevel(t *testing.T) {
	testCases := map[string]EventLevel{
		"debug":   LevelDebug,
		"warning": LevelWarning,
		"error":   LevelError,
		"":        LevelInfo,
		"loud":    LevelInfo,
	}
	for in, want := range testCases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestEventLogger_LogLevelFiltering(t *testing.T) {
	all := []Event{
		{Level: LevelDebug, Event: EventProcedure},
		{Level: LevelInfo, Event: EventStep},
		{Level: LevelWarning, Event: EventQuality},
		{Level: LevelError, Event: EventError},
	}

	testCases := []struct {
		name          string
		minLevel      EventLevel
		expectedCount int
	}{
		{"LevelDebug logs all", LevelDebug, 4},
		{"LevelInfo skips debug", LevelInfo, 3},
		{"LevelWarning skips debug and info", LevelWarning, 2},
		{"LevelError only logs errors", LevelError, 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			logger, err := NewEventLogger(t.TempDir(), tc.minLevel)
			if err != nil {
				t.Fatalf("NewEventLogger failed: %v", err)
			}

			for _, e := range all {
				e := e
				if err := logger.Log(&e); err != nil {
					t.Fatalf("Log failed: %v", err)
				}
			}

			if got := len(readEvents(t, logger)); got != tc.expectedCount {
				t.Errorf("Expected %d events logged, got %d", tc.expectedCount, got)
			}
		})
	}
}
