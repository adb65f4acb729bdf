// Package logging provides structured, leveled logging shared by every
// component in this module: the upload sink, the three backend uploaders,
// the checkpointer, and the TopSQL subscriber/controller pair.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Level represents the logging level, ordered least to most severe.
type Level int

const (
	TRACE Level = iota
	DEBUG
	INFO
	WARN
	ERROR
	FATAL
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a string log level.
func ParseLevel(level string) (Level, error) {
	switch strings.ToUpper(level) {
	case "TRACE":
		return TRACE, nil
	case "DEBUG":
		return DEBUG, nil
	case "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	case "FATAL":
		return FATAL, nil
	default:
		return INFO, fmt.Errorf("invalid log level: %s", level)
	}
}

// Format defines the output format for logs.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// Entry represents a complete log entry.
type Entry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Caller    string                 `json:"caller,omitempty"`
	Stack     string                 `json:"stack,omitempty"`
}

// Logger provides structured logging with levels and per-component
// context fields, matching spec.md's §7 contract of exactly one info log
// per successful upload (with byte size) and one error log per failed
// upload (with filename, bucket, object key, cause).
type Logger struct {
	mu              sync.RWMutex
	level           Level
	output          io.Writer
	format          Format
	contextFields   map[string]interface{}
	includeCaller   bool
	includeStack    bool
	componentLevels map[string]Level
	rotator         *LogRotator
}

// Config holds configuration for the logger.
type Config struct {
	Level         Level
	Output        io.Writer
	Format        Format
	IncludeCaller bool
	IncludeStack  bool
	Rotation      *RotationConfig
}

// DefaultConfig returns a sensible default logger configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:         INFO,
		Output:        os.Stdout,
		Format:        FormatText,
		IncludeCaller: true,
		IncludeStack:  false,
	}
}

// New creates a new Logger.
func New(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	logger := &Logger{
		level:           config.Level,
		output:          config.Output,
		format:          config.Format,
		contextFields:   make(map[string]interface{}),
		includeCaller:   config.IncludeCaller,
		includeStack:    config.IncludeStack,
		componentLevels: make(map[string]Level),
	}

	if config.Rotation != nil {
		rotator, err := NewLogRotator(config.Rotation)
		if err != nil {
			return nil, fmt.Errorf("failed to create log rotator: %w", err)
		}
		logger.rotator = rotator
		logger.output = rotator
	}

	return logger, nil
}

// WithField returns a new logger with an additional context field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()

	newFields := make(map[string]interface{}, len(l.contextFields)+1)
	for k, v := range l.contextFields {
		newFields[k] = v
	}
	newFields[key] = value

	return &Logger{
		level:           l.level,
		output:          l.output,
		format:          l.format,
		contextFields:   newFields,
		includeCaller:   l.includeCaller,
		includeStack:    l.includeStack,
		componentLevels: l.componentLevels,
		rotator:         l.rotator,
	}
}

// WithFields returns a new logger with multiple context fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()

	newFields := make(map[string]interface{}, len(l.contextFields)+len(fields))
	for k, v := range l.contextFields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}

	return &Logger{
		level:           l.level,
		output:          l.output,
		format:          l.format,
		contextFields:   newFields,
		includeCaller:   l.includeCaller,
		includeStack:    l.includeStack,
		componentLevels: l.componentLevels,
		rotator:         l.rotator,
	}
}

// WithComponent returns a logger with a component field set.
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithField("component", component)
}

// SetComponentLevel sets the log level for a specific component.
func (l *Logger) SetComponentLevel(component string, level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.componentLevels[component] = level
}

// SetLevel sets the global log level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current log level.
func (l *Logger) GetLevel() Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

func (l *Logger) isEnabled(level Level) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if component, ok := l.contextFields["component"]; ok {
		if compStr, ok := component.(string); ok {
			if compLevel, exists := l.componentLevels[compStr]; exists {
				return level >= compLevel
			}
		}
	}

	return level >= l.level
}

func (l *Logger) log(level Level, message string, fields map[string]interface{}) {
	if !l.isEnabled(level) {
		return
	}

	entry := Entry{
		Timestamp: time.Now(),
		Level:     level.String(),
		Message:   message,
		Fields:    make(map[string]interface{}),
	}

	l.mu.RLock()
	for k, v := range l.contextFields {
		entry.Fields[k] = v
	}
	l.mu.RUnlock()

	for k, v := range fields {
		entry.Fields[k] = v
	}

	if l.includeCaller {
		if _, file, line, ok := runtime.Caller(2); ok {
			parts := strings.Split(file, "/")
			entry.Caller = fmt.Sprintf("%s:%d", parts[len(parts)-1], line)
		}
	}

	if l.includeStack && (level == ERROR || level == FATAL) {
		buf := make([]byte, 4096)
		n := runtime.Stack(buf, false)
		entry.Stack = string(buf[:n])
	}

	var output string
	if l.format == FormatJSON {
		jsonBytes, err := json.Marshal(entry)
		if err != nil {
			output = l.formatText(entry)
		} else {
			output = string(jsonBytes) + "\n"
		}
	} else {
		output = l.formatText(entry)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.output.Write([]byte(output))
}

func (l *Logger) formatText(entry Entry) string {
	var sb strings.Builder

	sb.WriteString(entry.Timestamp.Format("2006-01-02 15:04:05.000"))
	sb.WriteString(" [")
	sb.WriteString(entry.Level)
	sb.WriteString("] ")

	if entry.Caller != "" {
		sb.WriteString("[")
		sb.WriteString(entry.Caller)
		sb.WriteString("] ")
	}

	sb.WriteString(entry.Message)

	if len(entry.Fields) > 0 {
		sb.WriteString(" {")
		first := true
		for k, v := range entry.Fields {
			if !first {
				sb.WriteString(", ")
			}
			first = false
			sb.WriteString(k)
			sb.WriteString("=")
			sb.WriteString(fmt.Sprintf("%v", v))
		}
		sb.WriteString("}")
	}

	sb.WriteString("\n")

	if entry.Stack != "" {
		sb.WriteString("Stack trace:\n")
		sb.WriteString(entry.Stack)
		sb.WriteString("\n")
	}

	return sb.String()
}

func (l *Logger) Trace(message string, fields ...map[string]interface{}) {
	l.logWithFields(TRACE, message, fields...)
}

func (l *Logger) Debug(message string, fields ...map[string]interface{}) {
	l.logWithFields(DEBUG, message, fields...)
}

func (l *Logger) Info(message string, fields ...map[string]interface{}) {
	l.logWithFields(INFO, message, fields...)
}

func (l *Logger) Warn(message string, fields ...map[string]interface{}) {
	l.logWithFields(WARN, message, fields...)
}

func (l *Logger) Error(message string, fields ...map[string]interface{}) {
	l.logWithFields(ERROR, message, fields...)
}

func (l *Logger) Fatal(message string, fields ...map[string]interface{}) {
	l.logWithFields(FATAL, message, fields...)
	os.Exit(1)
}

func (l *Logger) logWithFields(level Level, message string, fieldMaps ...map[string]interface{}) {
	var fields map[string]interface{}
	if len(fieldMaps) > 0 && fieldMaps[0] != nil {
		fields = fieldMaps[0]
	}
	l.log(level, message, fields)
}

func (l *Logger) Tracef(format string, args ...interface{}) {
	l.log(TRACE, fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(DEBUG, fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(INFO, fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(WARN, fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(ERROR, fmt.Sprintf(format, args...), nil)
}

func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.log(FATAL, fmt.Sprintf(format, args...), nil)
	os.Exit(1)
}

// Close closes the logger and any associated resources.
func (l *Logger) Close() error {
	if l.rotator != nil {
		return l.rotator.Close()
	}
	return nil
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	if l.rotator != nil {
		return l.rotator.Sync()
	}
	return nil
}
