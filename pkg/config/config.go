// Package config holds runner settings read from KAL_* environment
// variables. Command-line flags override what is read here.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/xyproto/env/v2"

	"github.com/GriffinCanCode/kaleidoscope/pkg/jit"
	"github.com/GriffinCanCode/kaleidoscope/pkg/logger"
)

// Environment variable names
const (
	EnvLogLevel     = "KAL_LOG_LEVEL"
	EnvLogFormat    = "KAL_LOG_FORMAT"
	EnvLogFile      = "KAL_LOG_FILE"
	EnvOptLevel     = "KAL_OPT_LEVEL"
	EnvMaxCallDepth = "KAL_MAX_CALL_DEPTH"
	EnvHistoryFile  = "KAL_HISTORY_FILE"
	EnvNoHistory    = "KAL_NO_HISTORY"
)

// Config is the runner configuration
type Config struct {
	LogLevel     string
	LogFormat    string
	LogFile      string
	OptLevel     int
	MaxCallDepth int
	// HistoryFile is where the REPL keeps its history; empty disables it.
	HistoryFile string
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	jc := jit.DefaultConfig()
	return Config{
		LogLevel:     logger.DefaultConfig().Level.String(),
		LogFormat:    "text",
		OptLevel:     jc.OptLevel,
		MaxCallDepth: jc.MaxCallDepth,
		HistoryFile:  defaultHistoryFile(),
	}
}

func defaultHistoryFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".kal_history")
}

// FromEnv returns Default overridden by the KAL_* variables that are set.
func FromEnv() (Config, error) {
	def := Default()
	cfg := Config{
		LogLevel:     env.Str(EnvLogLevel, def.LogLevel),
		LogFormat:    env.Str(EnvLogFormat, def.LogFormat),
		LogFile:      env.Str(EnvLogFile),
		OptLevel:     env.Int(EnvOptLevel, def.OptLevel),
		MaxCallDepth: env.Int(EnvMaxCallDepth, def.MaxCallDepth),
		HistoryFile:  env.Str(EnvHistoryFile, def.HistoryFile),
	}
	if env.Bool(EnvNoHistory) {
		cfg.HistoryFile = ""
	}
	return cfg, cfg.Validate()
}

// Validate reports settings that cannot be used.
func (c Config) Validate() error {
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %s: %w", EnvLogLevel, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("config: %s: unknown log format %q (want text or json)", EnvLogFormat, c.LogFormat)
	}
	if c.OptLevel < 0 || c.OptLevel > 2 {
		return fmt.Errorf("config: %s: optimization level %d out of range 0-2", EnvOptLevel, c.OptLevel)
	}
	if c.MaxCallDepth <= 0 {
		return fmt.Errorf("config: %s: call depth must be positive, got %d", EnvMaxCallDepth, c.MaxCallDepth)
	}
	return nil
}

// LoggerConfig maps the logging settings onto a logger.Config.
func (c Config) LoggerConfig() logger.Config {
	lc := logger.DefaultConfig()
	if level, err := logger.ParseLevel(c.LogLevel); err == nil {
		lc.Level = level
	}
	lc.Format = c.LogFormat
	lc.LogFile = c.LogFile
	return lc
}

// JITConfig maps the execution settings onto a jit.Config.
func (c Config) JITConfig() jit.Config {
	jc := jit.DefaultConfig()
	jc.OptLevel = c.OptLevel
	jc.MaxCallDepth = c.MaxCallDepth
	return jc
}
