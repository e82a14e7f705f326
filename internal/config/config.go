// Package config holds the recognized configuration options for every
// component, with sensible defaults, loaded from environment variables the
// way the teacher's cmd/boxed-server reads BOXED_ENV / BOXED_API_KEY / PORT.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Session holds Session Controller (C4) options.
type Session struct {
	KeepaliveInterval time.Duration
	CORSOrigins       []string
}

// Runner holds Runner Client (C3) options.
type Runner struct {
	URL                 string
	ConnectTimeout      time.Duration
	ConnectMaxAttempts  int
	ConnectBackoffInit  time.Duration
	DispatchTimeout     time.Duration
	CircuitBreakerTrips uint32
}

// Sandbox holds Sandbox Driver (C1) options: resource caps and image
// selection for every execution backend.
type Sandbox struct {
	Image              string
	CPULimit           float64
	MemLimitMB         int64
	WallTimeout        time.Duration
	TTLAfterFinished   time.Duration
	LogCapBytes        int64
	AllowFallbackImage bool
	FallbackImage      string
}

// Dispatch holds Dispatcher (C2) options.
type Dispatch struct {
	MaxParallelPerDispatch int
	MaxParallelProcessWide int
}

// Config aggregates every component's options.
type Config struct {
	Session  Session
	Runner   Runner
	Sandbox  Sandbox
	Dispatch Dispatch
}

// Default returns the out-of-the-box defaults for every component.
func Default() Config {
	return Config{
		Session: Session{
			KeepaliveInterval: 30 * time.Second,
		},
		Runner: Runner{
			URL:                 "ws://localhost:8001/ws",
			ConnectTimeout:      60 * time.Second,
			ConnectMaxAttempts:  3,
			ConnectBackoffInit:  2 * time.Second,
			DispatchTimeout:     300 * time.Second,
			CircuitBreakerTrips: 5,
		},
		Sandbox: Sandbox{
			Image:            "python:3.12-alpine",
			CPULimit:         0.5,
			MemLimitMB:       512,
			WallTimeout:      120 * time.Second,
			TTLAfterFinished: 300 * time.Second,
			LogCapBytes:      1 << 20, // 1 MiB
		},
		Dispatch: Dispatch{
			MaxParallelPerDispatch: 0, // 0 == len(tests): unlimited concurrency within a single dispatch
			MaxParallelProcessWide: 64,
		},
	}
}

// FromEnv overlays environment variables onto the defaults, following the
// teacher's pattern of reading simple env vars at startup (BOXED_API_KEY,
// PORT, BOXED_ENV) rather than a config-file layer.
func FromEnv() Config {
	c := Default()

	if v := os.Getenv("TESTFORGE_RUNNER_URL"); v != "" {
		c.Runner.URL = v
	}
	if v := os.Getenv("TESTFORGE_KEEPALIVE_INTERVAL_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Session.KeepaliveInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("TESTFORGE_CORS_ORIGINS"); v != "" {
		c.Session.CORSOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("TESTFORGE_CONNECT_TIMEOUT_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Runner.ConnectTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("TESTFORGE_CONNECT_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Runner.ConnectMaxAttempts = n
		}
	}
	if v := os.Getenv("TESTFORGE_DISPATCH_TIMEOUT_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Runner.DispatchTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("TESTFORGE_SANDBOX_IMAGE"); v != "" {
		c.Sandbox.Image = v
	}
	if v := os.Getenv("TESTFORGE_SANDBOX_WALL_TIMEOUT_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Sandbox.WallTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("TESTFORGE_SANDBOX_MEM_LIMIT_MB"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Sandbox.MemLimitMB = n
		}
	}
	if v := os.Getenv("TESTFORGE_SANDBOX_ALLOW_FALLBACK_IMAGE"); v == "1" || v == "true" {
		c.Sandbox.AllowFallbackImage = true
		if fb := os.Getenv("TESTFORGE_SANDBOX_FALLBACK_IMAGE"); fb != "" {
			c.Sandbox.FallbackImage = fb
		} else {
			c.Sandbox.FallbackImage = "python:3.12-alpine"
		}
	}
	if v := os.Getenv("TESTFORGE_MAX_PARALLEL_PER_DISPATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Dispatch.MaxParallelPerDispatch = n
		}
	}
	if v := os.Getenv("TESTFORGE_MAX_PARALLEL_PROCESS_WIDE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Dispatch.MaxParallelProcessWide = n
		}
	}

	return c
}
