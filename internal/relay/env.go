package relay

import (
	"os"
	"strconv"
	"strings"
	"time"
)

func maxBackoff() time.Duration {
	if v, ok := envInt("RELAYBOARD_MAX_BACKOFF_SEC"); ok && v > 0 {
		return time.Duration(v) * time.Second
	}
	return time.Duration(defaultMaxBackoffSec) * time.Second
}

func maxAttempts() int {
	if v, ok := envInt("RELAYBOARD_MAX_ATTEMPTS"); ok && v > 0 {
		return v
	}
	return defaultMaxAttempts
}

func dialTimeout() time.Duration {
	if v, ok := envInt("RELAYBOARD_DIAL_TIMEOUT_MS"); ok && v > 0 {
		return time.Duration(v) * time.Millisecond
	}
	return time.Duration(defaultDialTimeoutSec) * time.Second
}

func tickInterval() time.Duration {
	if v, ok := envInt("RELAYBOARD_TICK_MS"); ok && v > 0 {
		return time.Duration(v) * time.Millisecond
	}
	return time.Duration(defaultTickMS) * time.Millisecond
}

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}
