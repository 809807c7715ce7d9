// Package logger provides structured logging with automatic credential redaction.
//
// This package wraps Go's standard log/slog with convenience functions for:
//   - Envelope send/receive logging
//   - Handler dispatch and webhook delivery logging
//   - Automatic bearer token and delegation JWT redaction
//   - Contextual logging with request tracing
//   - Level-based verbosity control
//
// All exported functions use the global DefaultLogger which can be configured
// for different output formats and log levels.
package logger

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

var (
	// DefaultLogger is the global structured logger instance.
	// It is safe for concurrent use and initialized with slog.LevelInfo by default.
	DefaultLogger *slog.Logger
)

func init() {
	// Check LOG_LEVEL environment variable
	level := slog.LevelInfo
	if envLevel := os.Getenv("LOG_LEVEL"); envLevel != "" {
		switch strings.ToLower(envLevel) {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn", "warning":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	// Initialize with text handler writing to stderr
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	DefaultLogger = slog.New(handler)
}

// SetLevel changes the logging level for all subsequent log operations.
// This is safe for concurrent use as it replaces the entire logger instance.
func SetLevel(level slog.Level) {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	DefaultLogger = slog.New(handler)
}

// SetVerbose enables debug-level logging when verbose is true, otherwise sets info-level.
// This is a convenience wrapper around SetLevel for command-line verbose flags.
func SetVerbose(verbose bool) {
	if verbose {
		SetLevel(slog.LevelDebug)
	} else {
		SetLevel(slog.LevelInfo)
	}
}

// Info logs an informational message with structured key-value attributes.
// Args should be provided in key-value pairs: key1, value1, key2, value2, ...
func Info(msg string, args ...any) {
	DefaultLogger.Info(msg, args...)
}

// InfoContext logs an informational message with context and structured attributes.
// The context can be used for request tracing and cancellation.
func InfoContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.InfoContext(ctx, msg, args...)
}

// Debug logs a debug-level message with structured attributes.
// Debug messages are only output when the log level is set to LevelDebug or lower.
func Debug(msg string, args ...any) {
	DefaultLogger.Debug(msg, args...)
}

// DebugContext logs a debug message with context and structured attributes.
func DebugContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.DebugContext(ctx, msg, args...)
}

// Warn logs a warning message with structured attributes.
// Use for recoverable errors or unexpected but non-critical situations.
func Warn(msg string, args ...any) {
	DefaultLogger.Warn(msg, args...)
}

// WarnContext logs a warning message with context and structured attributes.
func WarnContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.WarnContext(ctx, msg, args...)
}

// Error logs an error message with structured attributes.
// Use for errors that affect operation but don't cause complete failure.
func Error(msg string, args ...any) {
	DefaultLogger.Error(msg, args...)
}

// ErrorContext logs an error message with context and structured attributes.
func ErrorContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.ErrorContext(ctx, msg, args...)
}

// EnvelopeSent logs an outbound envelope with structured fields for observability.
// Additional attributes can be passed as key-value pairs after the required parameters.
func EnvelopeSent(envelopeID, payloadType, recipient string, attempt int, attrs ...any) {
	allAttrs := make([]any, 0, 8+len(attrs))
	allAttrs = append(allAttrs,
		"envelope_id", envelopeID,
		"payload_type", payloadType,
		"recipient", recipient,
		"attempt", attempt,
	)
	allAttrs = append(allAttrs, attrs...)
	Info("envelope sent", allAttrs...)
}

// EnvelopeReceived logs an inbound envelope before it is dispatched to a handler.
func EnvelopeReceived(envelopeID, payloadType, sender string, attrs ...any) {
	allAttrs := make([]any, 0, 6+len(attrs))
	allAttrs = append(allAttrs,
		"envelope_id", envelopeID,
		"payload_type", payloadType,
		"sender", sender,
	)
	allAttrs = append(allAttrs, attrs...)
	Debug("envelope received", allAttrs...)
}

// DispatchResult logs the outcome of a handler dispatch.
// Errors are logged at error level, successes at debug level.
func DispatchResult(envelopeID, payloadType string, err error, attrs ...any) {
	allAttrs := make([]any, 0, 6+len(attrs))
	allAttrs = append(allAttrs,
		"envelope_id", envelopeID,
		"payload_type", payloadType,
	)
	allAttrs = append(allAttrs, attrs...)
	if err != nil {
		allAttrs = append(allAttrs, "error", err)
		Error("handler dispatch failed", allAttrs...)
		return
	}
	Debug("handler dispatch succeeded", allAttrs...)
}

var (
	// redactPatterns contains compiled regular expressions for detecting sensitive data.
	// Patterns match bearer tokens, compact JWTs, and webhook signing secrets.
	redactPatterns = []*regexp.Regexp{
		regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._~+/-]+=*`),                              // Bearer tokens
		regexp.MustCompile(`eyJ[a-zA-Z0-9_-]{10,}\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`),      // Compact JWTs
		regexp.MustCompile(`whsec_[a-zA-Z0-9]{16,}`),                                     // Webhook secrets
		regexp.MustCompile(`sha256=[a-f0-9]{64}`),                                        // HMAC signature headers
	}
)

// RedactSensitiveData removes tokens and other sensitive information from strings.
// It replaces matched patterns with a redacted form that preserves the first few
// characters for debugging while hiding the sensitive portion.
//
// Supported patterns:
//   - Bearer tokens: Shows only "Bearer [REDACTED]"
//   - Compact JWTs (eyJ...): Shows first 4 chars
//   - Webhook secrets (whsec_...): Shows first 6 chars
//   - HMAC signature header values: fully redacted
//
// This function is safe for concurrent use as it only reads from the compiled patterns.
func RedactSensitiveData(input string) string {
	result := input

	for _, pattern := range redactPatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			if strings.HasPrefix(match, "Bearer ") {
				return "Bearer [REDACTED]"
			}
			if strings.HasPrefix(match, "whsec_") {
				return match[:6] + "...[REDACTED]"
			}
			// Show first 4 characters for debugging context
			if len(match) > 8 {
				return match[:4] + "...[REDACTED]"
			}
			return "[REDACTED]"
		})
	}

	return result
}

// HTTPRequest logs outbound HTTP request details at debug level with automatic redaction.
// This function is a no-op when debug logging is disabled for performance.
//
// Parameters:
//   - peer: The remote agent or endpoint label (e.g., a base URL or agent URN)
//   - method: HTTP method (GET, POST, etc.)
//   - url: Request URL (will be redacted for sensitive data)
//   - headers: HTTP headers map (will be redacted)
//   - body: Request body (will be marshaled to JSON and redacted)
//
// Sensitive data in URL, headers, and body are automatically redacted.
func HTTPRequest(peer, method, url string, headers map[string]string, body interface{}) {
	// Early return if debug logging is disabled for performance
	if !DefaultLogger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}

	attrs := make([]any, 0, 8)
	attrs = append(attrs,
		"peer", peer,
		"method", method,
		"url", RedactSensitiveData(url),
	)

	// Redact sensitive data in headers
	if len(headers) > 0 {
		redactedHeaders := make(map[string]string, len(headers))
		for key, value := range headers {
			redactedHeaders[key] = RedactSensitiveData(value)
		}
		attrs = append(attrs, "headers", redactedHeaders)
	}

	// Marshal and redact request body
	if body != nil {
		bodyJSON, err := json.Marshal(body)
		if err != nil {
			attrs = append(attrs, "body_error", err.Error())
		} else {
			redactedBody := RedactSensitiveData(string(bodyJSON))
			attrs = append(attrs, "body", redactedBody)
		}
	}

	Debug("🔵 HTTP Request", attrs...)
}

// HTTPResponse logs HTTP response details at debug level with automatic redaction.
// This function is a no-op when debug logging is disabled for performance.
//
// Parameters:
//   - peer: The remote agent or endpoint label
//   - statusCode: HTTP status code
//   - body: Response body as string (will be redacted)
//   - err: Error if the request failed (takes precedence over body logging)
//
// Response bodies are attempted to be parsed as JSON for pretty formatting.
// Status codes are logged with emoji indicators: 🟢 (2xx), 🟡 (3xx), 🔴 (4xx/5xx).
func HTTPResponse(peer string, statusCode int, body string, err error) {
	// Early return if debug logging is disabled for performance
	if !DefaultLogger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}

	attrs := make([]any, 0, 6)
	attrs = append(attrs,
		"peer", peer,
		"status_code", statusCode,
	)

	// Log errors at error level
	if err != nil {
		attrs = append(attrs, "error", err.Error())
		Error("🔴 HTTP Response Error", attrs...)
		return
	}

	// Determine emoji based on status code
	var emoji string
	switch {
	case statusCode >= 200 && statusCode < 300:
		emoji = "🟢"
	case statusCode >= 400:
		emoji = "🔴"
	default:
		emoji = "🟡"
	}

	// Pretty-format JSON responses when possible
	if body != "" {
		var jsonObj interface{}
		if json.Unmarshal([]byte(body), &jsonObj) == nil {
			prettyJSON, _ := json.MarshalIndent(jsonObj, "", "  ") // NOSONAR: Formatting error falls back to original body
			redactedBody := RedactSensitiveData(string(prettyJSON))
			attrs = append(attrs, "body", redactedBody)
		} else {
			// Not JSON, log as-is with redaction
			redactedBody := RedactSensitiveData(body)
			attrs = append(attrs, "body", redactedBody)
		}
	}

	Debug(emoji+" HTTP Response", attrs...)
}
