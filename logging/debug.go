package logging

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// DebugLogger provides verbose trace logging for troubleshooting partner
// sessions: connects, browse results, subscription callbacks and sink writes.
// It writes to a dedicated debug file, separate from the structured log.
type DebugLogger struct {
	file    *os.File
	mu      sync.Mutex
	closed  bool
	filters map[string]bool // Category filters (empty = log all)
}

// Global debug logger instance
var globalDebugLogger *DebugLogger
var globalDebugMu sync.RWMutex

// Known categories for filtering
var knownCategories = []string{
	"opcua",
	"session",
	"browse",
	"subscription",
	"config",
	"mongo",
	"mqtt",
	"kafka",
	"valkey",
	"debug",
}

// KnownCategories returns the categories accepted by SetFilter.
func KnownCategories() []string {
	out := make([]string, len(knownCategories))
	copy(out, knownCategories)
	return out
}

// NewDebugLogger creates a new debug logger that writes to the specified path.
// The file is created fresh (truncated if it exists) for each run.
func NewDebugLogger(path string) (*DebugLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open debug log file: %w", err)
	}

	logger := &DebugLogger{
		file:    file,
		filters: make(map[string]bool),
	}

	logger.Log("DEBUG", "Debug logging started - %s", time.Now().Format(time.RFC3339))
	logger.Log("DEBUG", "========================================")

	return logger, nil
}

// SetFilter sets the category filter for logging.
// The filter can be a single category or a comma-separated list; "all" and
// the empty string log everything. Categories are matched case-insensitively.
func (l *DebugLogger) SetFilter(filter string) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.filters = make(map[string]bool)

	if filter == "" || strings.EqualFold(filter, "all") {
		return
	}

	for _, c := range strings.Split(filter, ",") {
		c = strings.TrimSpace(strings.ToLower(c))
		if c == "" {
			continue
		}
		l.filters[c] = true
		// opcua covers everything that talks to the server
		if c == "opcua" {
			l.filters["session"] = true
			l.filters["browse"] = true
			l.filters["subscription"] = true
		}
	}

	if len(l.filters) > 0 {
		list := make([]string, 0, len(l.filters))
		for c := range l.filters {
			list = append(list, c)
		}
		sort.Strings(list)
		timestamp := time.Now().Format("2006-01-02 15:04:05.000")
		fmt.Fprintf(l.file, "%s [DEBUG] Filtering enabled for categories: %s\n",
			timestamp, strings.Join(list, ", "))
	}
}

// shouldLog reports whether category passes the current filter.
// Must be called with l.mu held.
func (l *DebugLogger) shouldLog(category string) bool {
	if len(l.filters) == 0 {
		return true
	}
	c := strings.ToLower(category)
	return l.filters[c] || c == "debug"
}

// SetGlobalDebugLogger sets the global debug logger instance.
func SetGlobalDebugLogger(logger *DebugLogger) {
	globalDebugMu.Lock()
	defer globalDebugMu.Unlock()
	globalDebugLogger = logger
}

// GetGlobalDebugLogger returns the global debug logger instance.
func GetGlobalDebugLogger() *DebugLogger {
	globalDebugMu.RLock()
	defer globalDebugMu.RUnlock()
	return globalDebugLogger
}

// Log writes a formatted message with timestamp and category prefix.
func (l *DebugLogger) Log(category, format string, args ...interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || !l.shouldLog(category) {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(l.file, "%s [%s] %s\n", timestamp, category, msg)
}

// LogConnect logs a connection attempt.
func (l *DebugLogger) LogConnect(category, endpoint string) {
	l.Log(category, "CONNECT to %s", endpoint)
}

// LogConnectSuccess logs a successful connection.
func (l *DebugLogger) LogConnectSuccess(category, endpoint, details string) {
	l.Log(category, "CONNECTED to %s - %s", endpoint, details)
}

// LogConnectError logs a connection failure.
func (l *DebugLogger) LogConnectError(category, endpoint string, err error) {
	l.Log(category, "CONNECT FAILED to %s: %v", endpoint, err)
}

// LogDisconnect logs a disconnection event.
func (l *DebugLogger) LogDisconnect(category, endpoint, reason string) {
	l.Log(category, "DISCONNECT from %s: %s", endpoint, reason)
}

// LogError logs an error with context.
func (l *DebugLogger) LogError(category, context string, err error) {
	l.Log(category, "ERROR in %s: %v", context, err)
}

// Close closes the debug log file.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	l.closed = true

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(l.file, "%s [DEBUG] Debug logging ended\n", timestamp)

	return l.file.Close()
}

// Global debug logging functions for use by the session and sink packages

// DebugLog logs a message if debug logging is enabled.
func DebugLog(category, format string, args ...interface{}) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.Log(category, format, args...)
	}
}

// DebugConnect logs a connection attempt if debug logging is enabled.
func DebugConnect(category, endpoint string) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogConnect(category, endpoint)
	}
}

// DebugConnectSuccess logs a successful connection if debug logging is enabled.
func DebugConnectSuccess(category, endpoint, details string) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogConnectSuccess(category, endpoint, details)
	}
}

// DebugConnectError logs a connection error if debug logging is enabled.
func DebugConnectError(category, endpoint string, err error) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogConnectError(category, endpoint, err)
	}
}

// DebugDisconnect logs a disconnection if debug logging is enabled.
func DebugDisconnect(category, endpoint, reason string) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogDisconnect(category, endpoint, reason)
	}
}

// DebugError logs an error if debug logging is enabled.
func DebugError(category, context string, err error) {
	if logger := GetGlobalDebugLogger(); logger != nil {
		logger.LogError(category, context, err)
	}
}
