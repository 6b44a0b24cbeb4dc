package pubsub

import (
	"os"
	"strconv"
	"strings"
	"time"
)

func fetchTimeout() time.Duration {
	if v, ok := envInt("RELAYBOARD_FETCH_TIMEOUT_MS"); ok && v > 0 {
		return time.Duration(v) * time.Millisecond
	}
	return time.Duration(defaultFetchTimeoutMS) * time.Millisecond
}

func debounceWindow() time.Duration {
	if v, ok := envInt("RELAYBOARD_DEBOUNCE_MS"); ok && v > 0 {
		return time.Duration(v) * time.Millisecond
	}
	return time.Duration(defaultDebounceMS) * time.Millisecond
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
