// Package log provides structured logging for the pool services.
// It wraps log/slog and adds pool-specific field helpers.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Logger wraps slog.Logger with service metadata and pool helpers
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a logger writing to stdout
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a logger writing to w
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	logLevel := ParseLevel(level)

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("service", service, "version", version),
		service: service,
		version: version,
	}
}

// Nop returns a logger that discards everything. Useful in tests.
func Nop() *Logger {
	return NewWithWriter(io.Discard, "test", "test", "error", "json")
}

// ParseLevel maps a level name to a slog level, defaulting to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithCoin returns a logger scoped to a coin
func (l *Logger) WithCoin(coin string) *Logger {
	return l.WithFields("coin", coin)
}

// WithSession returns a logger scoped to a stratum session
func (l *Logger) WithSession(sessionID, remoteAddr string) *Logger {
	return l.WithFields("session_id", sessionID, "remote_addr", remoteAddr)
}

// WithMiner returns a logger with miner identity fields
func (l *Logger) WithMiner(address, worker string) *Logger {
	return l.WithFields("miner_address", address, "worker_name", worker)
}

// WithJob returns a logger with job fields
func (l *Logger) WithJob(jobID string, height int64) *Logger {
	return l.WithFields("job_id", jobID, "block_height", height)
}

// WithError returns a logger with the error attached
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogDuration logs how long an operation took
func (l *Logger) LogDuration(operation string, d time.Duration) {
	l.Info("operation completed",
		"operation", operation,
		"duration_ms", float64(d)/float64(time.Millisecond),
	)
}

// LogConnection logs connection lifecycle events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogStratumMessage logs raw protocol lines at debug level
func (l *Logger) LogStratumMessage(direction, message string) {
	l.Debug("stratum message",
		"direction", direction,
		"message", message,
	)
}

// LogShareSubmission logs the outcome of a share submission
func (l *Logger) LogShareSubmission(minerAddr, workerName, jobID string, difficulty float64, status string) {
	l.Info("share submission",
		"miner_address", minerAddr,
		"worker_name", workerName,
		"job_id", jobID,
		"difficulty", difficulty,
		"status", status,
	)
}

// LogBlockFound logs a share that solved a block
func (l *Logger) LogBlockFound(coin, blockHash string, height int64, minerAddr, workerName string) {
	l.Info("block found",
		"coin", coin,
		"block_hash", blockHash,
		"block_height", height,
		"miner_address", minerAddr,
		"worker_name", workerName,
	)
}

// LogJobDistribution logs a job broadcast
func (l *Logger) LogJobDistribution(jobID string, height int64, cleanJobs bool, minerCount int) {
	l.Info("job distributed",
		"job_id", jobID,
		"block_height", height,
		"clean_jobs", cleanJobs,
		"miner_count", minerCount,
	)
}

// LogRewardDistribution logs a completed PPLNS distribution
func (l *Logger) LogRewardDistribution(coin string, height int64, reward, poolFee float64, minersPaid int) {
	l.Info("block reward distributed",
		"coin", coin,
		"block_height", height,
		"reward", reward,
		"pool_fee", poolFee,
		"miners_paid", minersPaid,
	)
}

// LogPayout logs a payout state transition
func (l *Logger) LogPayout(payoutID int64, address string, amount float64, status string) {
	l.Info("payout",
		"payout_id", payoutID,
		"address", address,
		"amount", amount,
		"status", status,
	)
}
