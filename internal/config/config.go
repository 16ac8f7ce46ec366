package config

import (
	"os"
	"strconv"
	"time"
)

// Config carries every tunable the coordinator reads at startup.
// Values come from the environment with the defaults the service
// ships with; secrets are referenced by file path only.
type Config struct {
	ListenAddr string
	DBPath     string

	RedisAddr     string
	RedisDB       int
	RedisPassFile string

	JWTSecretFile string

	SavePath string
	TmpPath  string

	// Job manager TTLs.
	PingTTL    time.Duration
	PausedTTL  time.Duration
	RunningTTL time.Duration

	// Channel manager tick, job sweeper interval, per-channel in-flight bound.
	TickInterval   time.Duration
	SweepInterval  time.Duration
	ChannelMaxJobs int

	// Token gate.
	UploadTokenTTL   time.Duration
	DownloadTokenTTL time.Duration

	// Bearer tokens.
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// Load builds a Config from the environment.
func Load() Config {
	return Config{
		ListenAddr:       envStr("QH_ADDR", ":8000"),
		DBPath:           envStr("QH_DB_PATH", "quantumhive.db"),
		RedisAddr:        envStr("QH_REDIS_ADDR", "localhost:6379"),
		RedisDB:          envInt("QH_REDIS_DB", 0),
		RedisPassFile:    os.Getenv("QH_REDIS_PASSWORD_FILE"),
		JWTSecretFile:    envStr("QH_JWT_SECRET_FILE", "/run/secrets/jwt_secret"),
		SavePath:         envStr("QH_SAVE_PATH", "/data"),
		TmpPath:          envStr("QH_TMP_PATH", "/data/tmp"),
		PingTTL:          envDur("QH_JOB_PING_TTL", 5*time.Minute),
		PausedTTL:        envDur("QH_JOB_PAUSED_TTL", 24*time.Hour),
		RunningTTL:       envDur("QH_JOB_RUNNING_TTL", 30*24*time.Hour),
		TickInterval:     envDur("QH_TICK_INTERVAL", 5*time.Second),
		SweepInterval:    envDur("QH_SWEEP_INTERVAL", time.Minute),
		ChannelMaxJobs:   envInt("QH_CHANNEL_MAX_JOBS", 5),
		UploadTokenTTL:   envDur("QH_UPLOAD_TOKEN_TTL", 5*time.Minute),
		DownloadTokenTTL: envDur("QH_DOWNLOAD_TOKEN_TTL", 5*time.Minute),
		AccessTokenTTL:   envDur("QH_ACCESS_TOKEN_TTL", time.Hour),
		RefreshTokenTTL:  envDur("QH_REFRESH_TOKEN_TTL", 30*24*time.Hour),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
