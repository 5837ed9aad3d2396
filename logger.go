package mealplanagent

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// IterationLogger is the interface for planner iteration logging.
type IterationLogger interface {
	LogIteration(iteration IterationLog) error
}

// NewIterationLogFilePath returns a file path keyed by job id and a cleaned up model name so runs are easy to find.
func NewIterationLogFilePath(jobID, model string) string {
	return fmt.Sprintf(
		"./logs/%d.%s.%s.json",
		time.Now().Unix(),
		jobID,
		strings.ReplaceAll(strings.ToLower(model), ":", "_"),
	)
}

// IterationLog represents a single planner iteration.
type IterationLog struct {
	JobID      string          `json:"job_id"`
	Invocation int             `json:"invocation"`
	Iteration  int             `json:"iteration"`
	Timestamp  time.Time       `json:"timestamp"`
	Phase      string          `json:"phase"`
	PolicyText string          `json:"policy_text,omitempty"`
	ToolCalls  []ToolCallLog   `json:"tool_calls,omitempty"`
	State      json.RawMessage `json:"state,omitempty"`
	Fallback   bool            `json:"fallback,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// ToolCallLog represents a tool execution within an iteration
type ToolCallLog struct {
	Name       string         `json:"name"`
	Input      map[string]any `json:"input"`
	Output     map[string]any `json:"output,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	Error      string         `json:"error,omitempty"`
}

// FileIterationLogger accumulates iterations and flushes them to a writer at the end of a run
type FileIterationLogger struct {
	mu         sync.Mutex
	iterations []IterationLog
	writer     io.Writer
}

func NewFileIterationLogger(writer io.Writer) *FileIterationLogger {
	return &FileIterationLogger{
		iterations: make([]IterationLog, 0),
		writer:     writer,
	}
}

// LogIteration buffers an iteration (does not flush immediately)
func (l *FileIterationLogger) LogIteration(iteration IterationLog) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.iterations = append(l.iterations, iteration)
	return nil
}

// Flush writes all accumulated iterations to the writer
func (l *FileIterationLogger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer == nil {
		return nil
	}

	data, err := json.MarshalIndent(map[string]any{
		"planner_session": map[string]any{
			"timestamp":  time.Now(),
			"iterations": l.iterations,
		},
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal planner log: %w", err)
	}

	if _, err := l.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write planner log: %w", err)
	}

	l.iterations = l.iterations[:0]
	return nil
}

// NoOpIterationLogger discards all log entries
type NoOpIterationLogger struct{}

func NewNoOpIterationLogger() *NoOpIterationLogger {
	return &NoOpIterationLogger{}
}

func (nop *NoOpIterationLogger) LogIteration(iteration IterationLog) error {
	return nil
}

// StdoutIterationLogger writes each iteration as a JSON line to stdout (for Lambda/CloudWatch)
type StdoutIterationLogger struct{}

func NewStdoutIterationLogger() *StdoutIterationLogger {
	return &StdoutIterationLogger{}
}

func (l *StdoutIterationLogger) LogIteration(iteration IterationLog) error {
	data, err := json.Marshal(iteration)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(data))
	return nil
}
