package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config contains logging configuration
type Config struct {
	// Output settings
	OutputPath      string `yaml:"output_path"`
	AuditOutputPath string `yaml:"audit_output_path"`

	// Log level: debug, info, warn, error
	Level string `yaml:"level"`

	// Encoding: json or console
	Encoding    string `yaml:"encoding"`
	Development bool   `yaml:"development"`

	// Rotation settings
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`

	DisableCaller     bool `yaml:"disable_caller"`
	DisableStacktrace bool `yaml:"disable_stacktrace"`
}

// DefaultConfig returns default logging configuration
func DefaultConfig() *Config {
	return &Config{
		OutputPath:      "stdout",
		AuditOutputPath: "logs/audit.log",
		Level:           "info",
		Encoding:        "json",
		MaxSizeMB:       100,
		MaxBackups:      7,
		MaxAgeDays:      30,
		Compress:        true,
	}
}

// Factory provides centralized logger creation with per-module naming
type Factory struct {
	config     *Config
	rootLogger *zap.Logger
	loggers    map[string]*zap.Logger
	loggersMu  sync.RWMutex
}

// NewFactory creates a new logger factory
func NewFactory(config *Config) (*Factory, error) {
	if config == nil {
		config = DefaultConfig()
	}

	core, err := buildCore(config, config.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger core: %w", err)
	}

	rootLogger := zap.New(core, buildOptions(config)...)
	zap.ReplaceGlobals(rootLogger)

	return &Factory{
		config:     config,
		rootLogger: rootLogger,
		loggers:    make(map[string]*zap.Logger),
	}, nil
}

// GetLogger returns a named logger for the specified module
func (f *Factory) GetLogger(module string) *zap.Logger {
	f.loggersMu.RLock()
	if logger, exists := f.loggers[module]; exists {
		f.loggersMu.RUnlock()
		return logger
	}
	f.loggersMu.RUnlock()

	f.loggersMu.Lock()
	defer f.loggersMu.Unlock()

	if logger, exists := f.loggers[module]; exists {
		return logger
	}

	logger := f.rootLogger.Named(module)
	f.loggers[module] = logger
	return logger
}

// AuditLogger returns a dedicated logger for security audit trails. Audit
// events are written to their own file and never sampled, so the trail stays
// complete even under load.
func (f *Factory) AuditLogger() (*zap.Logger, error) {
	auditConfig := *f.config
	auditConfig.OutputPath = f.config.AuditOutputPath
	auditConfig.Encoding = "json"
	auditConfig.DisableCaller = true
	auditConfig.DisableStacktrace = true

	core, err := buildCore(&auditConfig, auditConfig.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to build audit logger: %w", err)
	}

	return zap.New(core).Named("audit"), nil
}

// Sync flushes all loggers
func (f *Factory) Sync() error {
	var firstErr error
	if err := f.rootLogger.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}

	f.loggersMu.RLock()
	defer f.loggersMu.RUnlock()
	for _, logger := range f.loggers {
		if err := logger.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func buildCore(config *Config, outputPath string) (zapcore.Core, error) {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if config.Development {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if config.DisableCaller {
		encoderConfig.CallerKey = zapcore.OmitKey
	}
	if config.DisableStacktrace {
		encoderConfig.StacktraceKey = zapcore.OmitKey
	}

	var encoder zapcore.Encoder
	if config.Encoding == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var writers []zapcore.WriteSyncer
	if outputPath != "" && outputPath != "stdout" {
		if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		writers = append(writers, zapcore.AddSync(&lumberjack.Logger{
			Filename:   outputPath,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
			Compress:   config.Compress,
		}))
	}
	if outputPath == "stdout" || config.Development {
		writers = append(writers, zapcore.AddSync(os.Stdout))
	}

	return zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(writers...), level), nil
}

func buildOptions(config *Config) []zap.Option {
	var options []zap.Option
	if !config.DisableCaller {
		options = append(options, zap.AddCaller())
	}
	if !config.DisableStacktrace {
		options = append(options, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	if config.Development {
		options = append(options, zap.Development())
	}
	return options
}

// WithComponent adds component context
func WithComponent(logger *zap.Logger, component string) *zap.Logger {
	return logger.With(zap.String("component", component))
}

// WithRequestID adds request tracking
func WithRequestID(logger *zap.Logger, requestID string) *zap.Logger {
	return logger.With(zap.String("request_id", requestID))
}
