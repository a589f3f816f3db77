package common

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/lni/dragonboat/v4/logger"
)

// --------------------------------------------------------------------------
// Output
// --------------------------------------------------------------------------

var (
	outputMu sync.RWMutex
	output   io.Writer = os.Stdout
)

// SetLogOutput redirects all kvmesh loggers to w
func SetLogOutput(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()
	output = w
}

// sharedOutput forwards writes to the current log output
type sharedOutput struct{}

func (sharedOutput) Write(p []byte) (int, error) {
	outputMu.RLock()
	defer outputMu.RUnlock()
	return output.Write(p)
}

// --------------------------------------------------------------------------
// Package logger (implements dragonboats logger.ILogger)
// --------------------------------------------------------------------------

// kvmeshLogger writes "LEVEL | package | message" lines
type kvmeshLogger struct {
	name   string
	mu     sync.RWMutex
	level  logger.LogLevel
	logger *log.Logger
}

func (l *kvmeshLogger) SetLevel(level logger.LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *kvmeshLogger) enabled(level logger.LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level >= level
}

func (l *kvmeshLogger) Debugf(format string, args ...interface{}) {
	if l.enabled(logger.DEBUG) {
		l.log("DEBUG", format, args...)
	}
}

func (l *kvmeshLogger) Infof(format string, args ...interface{}) {
	if l.enabled(logger.INFO) {
		l.log("INFO", format, args...)
	}
}

func (l *kvmeshLogger) Warningf(format string, args ...interface{}) {
	if l.enabled(logger.WARNING) {
		l.log("WARN", format, args...)
	}
}

func (l *kvmeshLogger) Errorf(format string, args ...interface{}) {
	if l.enabled(logger.ERROR) {
		l.log("ERROR", format, args...)
	}
}

func (l *kvmeshLogger) Panicf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.log("PANIC", "%s", msg)
	panic(msg)
}

func (l *kvmeshLogger) log(levelStr string, format string, args ...interface{}) {
	l.logger.Printf("%-5s | %-10s | %s", levelStr, l.name, fmt.Sprintf(format, args...))
}

// CreateLogger implements the dragonboat logger.Factory
func CreateLogger(pkgName string) logger.ILogger {
	return &kvmeshLogger{
		name:   pkgName,
		level:  logger.INFO,
		logger: log.New(sharedOutput{}, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
}

// --------------------------------------------------------------------------
// Rank logger
// --------------------------------------------------------------------------

// RankLogger prefixes every message of a package logger with "rank N |".
// It is used for everything a manager logs on behalf of one rank.
type RankLogger struct {
	logger.ILogger
	rank uint64
}

// WithRank returns l scoped to rank
func WithRank(l logger.ILogger, rank uint64) *RankLogger {
	return &RankLogger{ILogger: l, rank: rank}
}

// Rank returns the rank the logger is scoped to
func (l *RankLogger) Rank() uint64 {
	return l.rank
}

func (l *RankLogger) Debugf(format string, args ...interface{}) {
	l.ILogger.Debugf("rank %d | "+format, l.prepend(args)...)
}

func (l *RankLogger) Infof(format string, args ...interface{}) {
	l.ILogger.Infof("rank %d | "+format, l.prepend(args)...)
}

func (l *RankLogger) Warningf(format string, args ...interface{}) {
	l.ILogger.Warningf("rank %d | "+format, l.prepend(args)...)
}

func (l *RankLogger) Errorf(format string, args ...interface{}) {
	l.ILogger.Errorf("rank %d | "+format, l.prepend(args)...)
}

func (l *RankLogger) Panicf(format string, args ...interface{}) {
	l.ILogger.Panicf("rank %d | "+format, l.prepend(args)...)
}

func (l *RankLogger) prepend(args []interface{}) []interface{} {
	return append([]interface{}{l.rank}, args...)
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// ParseLogLevel converts a string level to logger.LogLevel
func ParseLogLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG, nil
	case "info":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return logger.INFO, fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error", level)
	}
}

// LoggerNames lists the package loggers of kvmesh
var LoggerNames = []string{"mesh", "transport", "collective", "cli"}

var factoryOnce sync.Once

// InitLoggers installs the kvmesh format and sets the level of all kvmesh loggers.
// It may be called more than once, only the level changes after the first call.
func InitLoggers(level string) error {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return err
	}

	// dragonboat panics if the factory is set twice
	factoryOnce.Do(func() {
		logger.SetLoggerFactory(CreateLogger)
	})

	for _, name := range LoggerNames {
		logger.GetLogger(name).SetLevel(lvl)
	}
	return nil
}
