// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"strconv"
	"time"
)

// applyEnv overlays RIVEN_* environment variables onto s. Only scalar knobs
// are exposed this way; structured lists (scrapers, downloaders) live in the
// settings file.
func applyEnv(s *Settings) {
	envStr("RIVEN_HOST", &s.Server.Host)
	envInt("RIVEN_PORT", &s.Server.Port)
	envStr("RIVEN_API_KEY", &s.Server.APIKey)
	envStr("RIVEN_DATABASE_PATH", &s.Database.Path)
	envStr("RIVEN_LOG_LEVEL", &s.Log.Level)
	envStr("RIVEN_LIBRARY_ROOT", &s.Library.Root)
	envStr("RIVEN_LIBRARY_MOUNT", &s.Library.Mount)
	envBool("RIVEN_SEPARATE_ANIME", &s.Library.SeparateAnime)
	envDur("RIVEN_SESSION_TTL", &s.Sessions.TTL)
	envStr("RIVEN_REDIS_ADDR", &s.Cache.RedisAddr)
	envDur("RIVEN_CONTENT_POLL", &s.Scheduler.ContentPoll)
	envDur("RIVEN_RETRY_SWEEP", &s.Scheduler.RetrySweep)
	envDur("RIVEN_ONGOING_RECHECK", &s.Scheduler.OngoingRecheck)
	envInt("RIVEN_MAX_ATTEMPTS", &s.Retry.MaxAttempts)
}

func envStr(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDur(key string, dst *time.Duration) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
