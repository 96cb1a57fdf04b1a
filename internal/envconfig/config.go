// Package envconfig holds environment-variable accessors for settings a
// node reads at process start, layered under CLI flags in cmd/.
//
// Mirrors the shape of the teacher's envconfig package: a Var helper plus
// typed getters with defaults, nothing more.
package envconfig

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Var returns the trimmed value of the named environment variable.
func Var(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// LogLevel returns the configured slog level, driven by DLLAMA_DEBUG.
func LogLevel() slog.Level {
	switch Var("DLLAMA_DEBUG") {
	case "1", "true", "TRUE":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// BootstrapTimeoutSeconds returns how long root waits to connect to each
// worker before failing with a Timeout error; there is no separate
// acknowledgment wait after the handshake. DLLAMA_BOOTSTRAP_TIMEOUT,
// default 30.
func BootstrapTimeoutSeconds() int {
	return intVar("DLLAMA_BOOTSTRAP_TIMEOUT", 30)
}

// SocketPollIntervalMicros returns the deadline the transport layer gives
// each non-blocking read or write attempt in SocketPool.WriteMany/ReadMany.
// DLLAMA_SOCKET_POLL_US, default 200.
func SocketPollIntervalMicros() int {
	return intVar("DLLAMA_SOCKET_POLL_US", 200)
}

func intVar(key string, def int) int {
	s := Var(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		slog.Warn("invalid integer env var, using default", "key", key, "value", s, "default", def)
		return def
	}
	return v
}
