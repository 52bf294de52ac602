package env

import (
	"os"
	"strconv"
	"strings"
	"time"
)

func GetEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if value, err := strconv.Atoi(v); err == nil {
			return value
		}
	}
	return def
}

func GetEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if value, err := strconv.ParseBool(v); err == nil {
			return value
		}
	}
	return def
}

func GetEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if value, err := time.ParseDuration(v); err == nil {
			return value
		}
	}
	return def
}

func GetEnvString(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func GetEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		return strings.Split(v, ",")
	}
	return def
}
