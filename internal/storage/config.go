package storage

import (
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// GetString reads a string value, falling back to defaultValue when the
// key is absent or empty.
func GetString(config map[string]string, key, defaultValue string) string {
	if v, ok := config[key]; ok && v != "" {
		return v
	}
	return defaultValue
}

// GetBool reads a boolean value. Accepts true/false, 1/0, yes/no in any
// case; absent keys yield defaultValue.
func GetBool(config map[string]string, key string, defaultValue bool) (bool, error) {
	v, ok := config[key]
	if !ok || v == "" {
		return defaultValue, nil
	}

	switch strings.ToLower(v) {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no":
		return false, nil
	default:
		return false, &ConfigError{
			Field:   key,
			Value:   v,
			Message: "must be a boolean (true/false, 1/0, yes/no)",
		}
	}
}

// GetInt reads an integer value.
func GetInt(config map[string]string, key string, defaultValue int) (int, error) {
	v, ok := config[key]
	if !ok || v == "" {
		return defaultValue, nil
	}

	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, &ConfigError{
			Field:   key,
			Value:   v,
			Message: "must be an integer",
			Cause:   err,
		}
	}
	return i, nil
}

// GetInt64 reads an int64 value.
func GetInt64(config map[string]string, key string, defaultValue int64) (int64, error) {
	v, ok := config[key]
	if !ok || v == "" {
		return defaultValue, nil
	}

	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, &ConfigError{
			Field:   key,
			Value:   v,
			Message: "must be an integer",
			Cause:   err,
		}
	}
	return i, nil
}

// GetDuration reads a duration value. Accepts Go duration strings
// ("5s", "1m30s") or a bare integer count of seconds.
func GetDuration(config map[string]string, key string, defaultValue time.Duration) (time.Duration, error) {
	v, ok := config[key]
	if !ok || v == "" {
		return defaultValue, nil
	}

	d, err := time.ParseDuration(v)
	if err == nil {
		return d, nil
	}

	secs, err := strconv.ParseInt(v, 10, 64)
	if err == nil {
		return time.Duration(secs) * time.Second, nil
	}

	return 0, &ConfigError{
		Field:   key,
		Value:   v,
		Message: "must be a duration (e.g., '5s', '1m30s') or integer seconds",
	}
}

// ExpandPath resolves a leading ~/ against the home directory and cleans
// the result.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return filepath.Clean(path)
}

// MergeConfig returns a new map with src layered over dst.
func MergeConfig(dst, src map[string]string) map[string]string {
	result := make(map[string]string, len(dst)+len(src))
	maps.Copy(result, dst)
	maps.Copy(result, src)
	return result
}
