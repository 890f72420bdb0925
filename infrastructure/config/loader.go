// Package config provides unified configuration loading helpers for the agent.
// This package eliminates duplication across entry points by providing:
// - Environment variable loading with fallbacks
// - CSV parsing
// - Byte size parsing
// - Port resolution
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// .env / struct-tag decoding
// =============================================================================

// Settings is the struct-tag-decoded counterpart to FileOverrides: every
// PLCLOGGER_* variable an installer might export, collected by one
// envdecode.Decode call instead of a GetEnv call per site.
type Settings struct {
	LogLevel      string `env:"PLCLOGGER_LOG_LEVEL,default=info"`
	LogFormat     string `env:"PLCLOGGER_LOG_FORMAT,default=json"`
	AppDir        string `env:"PLCLOGGER_APP_DIR"`
	ConfigFile    string `env:"PLCLOGGER_CONFIG_FILE,default=agent.yaml"`
	Port          int    `env:"PLCLOGGER_PORT,default=0"`
	TargetPool    int    `env:"PLCLOGGER_TARGET_POOL_SIZE,default=8"`
	GatewayTestMs int    `env:"PLCLOGGER_GATEWAY_TEST_INTERVAL_MS"`
}

// LoadDotEnv loads a .env file from the working directory into the process
// environment, the way an installer-less dev checkout supplies PLCLOGGER_*
// variables without exporting them by hand. A missing file is not an error.
func LoadDotEnv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("config: .env present but unreadable: %v", err)
	}
}

// LoadSettings reads a .env file (if present) then decodes every PLCLOGGER_*
// variable into a Settings via struct tags. Call LoadFileOverrides/
// ApplyFileOverrides first if a YAML overlay should seed these variables —
// envdecode only sees what's actually in the environment at call time.
func LoadSettings() (Settings, error) {
	LoadDotEnv()

	var s Settings
	if err := envdecode.Decode(&s); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return s, fmt.Errorf("config: decode env: %w", err)
		}
	}
	return s, nil
}

// =============================================================================
// Environment Loading Helpers
// =============================================================================

// RequireEnv retrieves a required configuration value from the environment.
// Returns empty string and logs error if not found.
func RequireEnv(envKey string) string {
	value := GetEnv(envKey, "")
	if value == "" {
		log.Printf("CRITICAL: %s is required but not configured", envKey)
	}
	return value
}

// GetEnv retrieves an environment variable with optional default.
func GetEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvBool retrieves a boolean environment variable with optional default.
// Accepts: "true", "1", "yes", "y" (case-insensitive) as true.
func GetEnvBool(key string, defaultValue bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	lower := strings.ToLower(val)
	return lower == "true" || lower == "1" || lower == "yes" || lower == "y"
}

// GetEnvInt retrieves an integer environment variable with optional default.
// Returns defaultValue if the value is invalid.
func GetEnvInt(key string, defaultValue int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// ParseEnvInt parses an integer from the environment variable with the given key.
// Returns the parsed value and true if successful, or 0 and false if not set or invalid.
func ParseEnvInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return value, true
}

// ParseEnvDuration parses a duration from the environment variable with the given key.
// Returns the parsed duration and true if successful, or 0 and false if not set or invalid.
func ParseEnvDuration(key string) (time.Duration, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

// =============================================================================
// CSV Parsing
// =============================================================================

// SplitAndTrimCSV splits a CSV string and trims each part.
// Empty values are filtered out.
func SplitAndTrimCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// =============================================================================
// Byte Size Parsing
// =============================================================================

// ParseByteSize parses a size string like "1GB", "512MB" into bytes.
// Supported suffixes (case-insensitive, all powers of 1024): B; K, KB, KiB;
// M, MB, MiB; G, GB, GiB. A bare number is bytes. TB is not supported.
func ParseByteSize(raw string) (int64, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return 0, fmt.Errorf("empty size")
	}

	type suffix struct {
		value      string
		multiplier int64
	}

	suffixes := []suffix{
		{"gib", 1024 * 1024 * 1024},
		{"gb", 1024 * 1024 * 1024},
		{"g", 1024 * 1024 * 1024},
		{"mib", 1024 * 1024},
		{"mb", 1024 * 1024},
		{"m", 1024 * 1024},
		{"kib", 1024},
		{"kb", 1024},
		{"k", 1024},
		{"b", 1},
	}

	const maxInt64 = int64(^uint64(0) >> 1)

	for _, entry := range suffixes {
		if !strings.HasSuffix(value, entry.value) {
			continue
		}
		num := strings.TrimSpace(strings.TrimSuffix(value, entry.value))
		if num == "" {
			return 0, fmt.Errorf("missing size value")
		}
		parsed, err := strconv.ParseInt(num, 10, 64)
		if err != nil {
			return 0, err
		}
		if parsed <= 0 {
			return 0, fmt.Errorf("size must be positive")
		}
		if parsed > maxInt64/entry.multiplier {
			return 0, fmt.Errorf("size too large")
		}
		return parsed * entry.multiplier, nil
	}

	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, err
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	return parsed, nil
}

// =============================================================================
// Duration Parsing
// =============================================================================

// ParseDurationOrDefault parses a duration string or returns the default.
func ParseDurationOrDefault(raw string, defaultDuration time.Duration) time.Duration {
	if raw == "" {
		return defaultDuration
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		return parsed
	}
	return defaultDuration
}

// =============================================================================
// Bool Parsing
// =============================================================================

// ParseBoolOrDefault parses a boolean string or returns the default.
// Accepts: "true", "1", "yes", "y" (case-insensitive) as true.
func ParseBoolOrDefault(raw string, defaultValue bool) bool {
	if raw == "" {
		return defaultValue
	}
	lower := strings.ToLower(raw)
	return lower == "true" || lower == "1" || lower == "yes" || lower == "y"
}

// =============================================================================
// Integer Parsing
// =============================================================================

// ParseIntOrDefault parses an integer string or returns the default.
func ParseIntOrDefault(raw string, defaultValue int) int {
	if raw == "" {
		return defaultValue
	}
	if parsed, err := strconv.Atoi(raw); err == nil {
		return parsed
	}
	return defaultValue
}

// ParseInt64OrDefault parses an int64 string or returns the default.
func ParseInt64OrDefault(raw string, defaultValue int64) int64 {
	if raw == "" {
		return defaultValue
	}
	if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return parsed
	}
	return defaultValue
}

// ParseUint32OrDefault parses a uint32 string or returns the default.
func ParseUint32OrDefault(raw string, defaultValue uint32) uint32 {
	if raw == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseUint(raw, 10, 32)
	if err == nil {
		return uint32(parsed)
	}
	return defaultValue
}

// =============================================================================
// Port Configuration
// =============================================================================

// GetPort retrieves the agent's control-plane port from the environment,
// falling back to defaultPort (0 requests an ephemeral port from the OS).
func GetPort(defaultPort int) int {
	if port := os.Getenv("PLCLOGGER_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil && parsed >= 0 {
			return parsed
		}
	}
	return defaultPort
}

// =============================================================================
// Timeouts
// =============================================================================

// DefaultTimeouts returns standard timeout values for different operations.
type DefaultTimeouts struct {
	HTTP     time.Duration
	Database time.Duration
	Device   time.Duration
	Service  time.Duration
}

// GetDefaultTimeouts returns default timeout values.
func GetDefaultTimeouts() DefaultTimeouts {
	return DefaultTimeouts{
		HTTP:     30 * time.Second,
		Database: 10 * time.Second,
		Device:   1 * time.Second,
		Service:  15 * time.Second,
	}
}

// =============================================================================
// YAML Config File Overlay
// =============================================================================

// FileOverrides is an optional, deployment-time YAML file that seeds the
// environment variables the rest of this package reads, so an installer can
// ship one agent.yaml next to the binary instead of requiring every
// PLCLOGGER_* variable to be exported by hand.
type FileOverrides struct {
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	AppDir        string `yaml:"app_dir"`
	Port          int    `yaml:"port"`
	TargetPool    int    `yaml:"target_pool_size"`
	GatewayTestMs int    `yaml:"gateway_test_interval_ms"`
}

// LoadFileOverrides reads and parses a YAML overrides file. A missing file
// is not an error: it means the agent runs on environment variables alone.
func LoadFileOverrides(path string) (*FileOverrides, error) {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var overrides FileOverrides
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", expanded, err)
	}
	return &overrides, nil
}

// ApplyFileOverrides seeds os.Environ with overrides's fields wherever the
// corresponding PLCLOGGER_* variable is not already set, so an explicit
// environment variable always wins over the file.
func ApplyFileOverrides(overrides *FileOverrides) {
	if overrides == nil {
		return
	}
	setIfAbsent("PLCLOGGER_LOG_LEVEL", overrides.LogLevel)
	setIfAbsent("PLCLOGGER_LOG_FORMAT", overrides.LogFormat)
	setIfAbsent("PLCLOGGER_APP_DIR", overrides.AppDir)
	if overrides.Port != 0 {
		setIfAbsent("PLCLOGGER_PORT", strconv.Itoa(overrides.Port))
	}
	if overrides.TargetPool != 0 {
		setIfAbsent("PLCLOGGER_TARGET_POOL_SIZE", strconv.Itoa(overrides.TargetPool))
	}
	if overrides.GatewayTestMs != 0 {
		setIfAbsent("PLCLOGGER_GATEWAY_TEST_INTERVAL_MS", strconv.Itoa(overrides.GatewayTestMs))
	}
}

func setIfAbsent(key, value string) {
	if value == "" {
		return
	}
	if _, ok := os.LookupEnv(key); ok {
		return
	}
	_ = os.Setenv(key, value)
}
