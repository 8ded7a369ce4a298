package main

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Optional runtime telemetry for long-lived server and worker
// processes, enabled by DISTTEST_MEMORY_LOG_INTERVAL. Accepts a Go
// duration or a bare number of seconds.
const memoryLogIntervalEnv = "DISTTEST_MEMORY_LOG_INTERVAL"

func startMemoryLogger(ctx context.Context, logger *slog.Logger) {
	interval := memoryLogInterval(logger)
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		logMemoryStats(logger)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logMemoryStats(logger)
			}
		}
	}()
}

func memoryLogInterval(logger *slog.Logger) time.Duration {
	raw := strings.TrimSpace(os.Getenv(memoryLogIntervalEnv))
	if raw == "" {
		return 0
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if logger != nil {
		logger.Warn("Ignoring invalid memory log interval", "env", memoryLogIntervalEnv, "value", raw)
	}
	return 0
}

func logMemoryStats(logger *slog.Logger) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	attrs := []any{
		"heap_alloc_bytes", m.HeapAlloc,
		"heap_sys_bytes", m.HeapSys,
		"num_gc", m.NumGC,
		"goroutines", runtime.NumGoroutine(),
	}
	if rss, ok := processRSSBytes(); ok {
		attrs = append(attrs, "rss_bytes", rss)
	}
	logger.Info("memory usage", attrs...)
}

// processRSSBytes reads resident set size from /proc; zero-value on
// platforms without it.
func processRSSBytes() (uint64, bool) {
	if runtime.GOOS != "linux" {
		return 0, false
	}
	status, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return 0, false
	}
	_, after, ok := strings.Cut(string(status), "VmRSS:")
	if !ok {
		return 0, false
	}
	fields := strings.Fields(after)
	if len(fields) == 0 {
		return 0, false
	}
	kb, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0, false
	}
	return kb * 1024, true
}
