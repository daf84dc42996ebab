package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvBool reads a boolean flag. Accepts true/1/yes/y/on and false/0/no/n/off; anything else is def.
func EnvBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	}
	return def
}

func EnvString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func secondsFromEnv(key string, def int) time.Duration {
	return time.Duration(intFromEnv(key, def)) * time.Second
}

// SkipMigrations is set by SKIP_MIGRATIONS=true on instances that share a schema already migrated.
func SkipMigrations() bool {
	return EnvBool("SKIP_MIGRATIONS", false)
}
