package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load returns a Config populated from an optional .env file in the working
// directory and DUET_* environment variables. Flags are applied on top by the
// caller.
func Load() (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}
	setupDefaultEnv()

	settle, err := time.ParseDuration(os.Getenv("DUET_SETTLE_DELAY"))
	if err != nil {
		return nil, fmt.Errorf("parse DUET_SETTLE_DELAY: %w", err)
	}
	timeout, err := time.ParseDuration(os.Getenv("DUET_NEGOTIATION_TIMEOUT"))
	if err != nil {
		return nil, fmt.Errorf("parse DUET_NEGOTIATION_TIMEOUT: %w", err)
	}
	retries, err := strconv.Atoi(os.Getenv("DUET_CANDIDATE_RETRIES"))
	if err != nil {
		return nil, fmt.Errorf("parse DUET_CANDIDATE_RETRIES: %w", err)
	}
	redisDB, err := strconv.Atoi(os.Getenv("DUET_REDIS_DB"))
	if err != nil {
		return nil, fmt.Errorf("parse DUET_REDIS_DB: %w", err)
	}

	return &Config{
		Role:               Role(os.Getenv("DUET_ROLE")),
		CallID:             os.Getenv("DUET_CALL_ID"),
		UserID:             os.Getenv("DUET_USER_ID"),
		Backend:            Backend(os.Getenv("DUET_MAILBOX")),
		MailboxURL:         os.Getenv("DUET_MAILBOX_URL"),
		SQLitePath:         os.Getenv("DUET_SQLITE_PATH"),
		RedisAddr:          os.Getenv("DUET_REDIS_ADDR"),
		RedisPass:          os.Getenv("DUET_REDIS_PASSWORD"),
		RedisDB:            redisDB,
		Audio:              envBool("DUET_AUDIO"),
		Video:              envBool("DUET_VIDEO"),
		Devices:            envBool("DUET_DEVICES"),
		ICEServers:         splitList(os.Getenv("DUET_ICE_SERVERS")),
		SettleDelay:        settle,
		NegotiationTimeout: timeout,
		CandidateRetries:   retries,
		Purge:              envBool("DUET_PURGE"),
		Debug:              envBool("DUET_DEBUG"),
	}, nil
}

// loadEnvFile loads the environment variables from file. Only the .env file in
// the working directory is considered; existing variables are overridden.
func loadEnvFile() error {
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getwd: %w", err)
	}

	envFile := filepath.Join(workDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Overload(envFile); err != nil {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	return nil
}

func setupDefaultEnv() {
	setEnvDefault("DUET_MAILBOX", string(BackendRemote))
	setEnvDefault("DUET_MAILBOX_URL", "ws://127.0.0.1:8790/ws")
	setEnvDefault("DUET_SQLITE_PATH", "duet.db")
	setEnvDefault("DUET_REDIS_ADDR", "127.0.0.1:6379")
	setEnvDefault("DUET_REDIS_PASSWORD", "")
	setEnvDefault("DUET_REDIS_DB", "0")

	setEnvDefault("DUET_AUDIO", "on")
	setEnvDefault("DUET_VIDEO", "off")
	setEnvDefault("DUET_DEVICES", "off")

	setEnvDefault("DUET_ICE_SERVERS", "stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302")
	setEnvDefault("DUET_SETTLE_DELAY", "500ms")
	setEnvDefault("DUET_NEGOTIATION_TIMEOUT", "0s")
	setEnvDefault("DUET_CANDIDATE_RETRIES", "0")
	setEnvDefault("DUET_PURGE", "off")
	setEnvDefault("DUET_DEBUG", "off")
}

func setEnvDefault(key, value string) {
	if os.Getenv(key) == "" {
		os.Setenv(key, value)
	}
}

func envBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "on", "true", "1", "yes":
		return true
	}
	return false
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
