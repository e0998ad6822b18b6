package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/park285/chess-robot-sync/internal/rules"
)

// 로봇 채널 전송 방식.
const (
	ChannelWS    = "ws"
	ChannelRedis = "redis"
)

// 저장소 백엔드.
const (
	PersistHTTP     = "http"
	PersistPostgres = "postgres"
	PersistRedis    = "redis"
	PersistMemory   = "memory"
)

type AppConfig struct {
	RobotWSURL   string
	RobotBoardID string
	ChannelMode  string

	PersistMode    string
	PersistBaseURL string

	XUserID    string
	XSessionID string

	RedisURL    string
	DatabaseURL string

	BatchSize       int
	BatchQuiet      time.Duration
	FlushAlertAfter int

	StartFEN       string
	UserSide       rules.Side
	MsgLang        string
	MsgOverrideDir string
}

// Load reads the environment. A .env file (or the one named by ENV_FILE) is
// applied first without overriding variables that are already set.
func Load() (*AppConfig, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg := &AppConfig{
		ChannelMode:     ChannelWS,
		PersistMode:     PersistHTTP,
		BatchSize:       5,
		BatchQuiet:      2 * time.Second,
		FlushAlertAfter: 3,
		UserSide:        rules.White,
		MsgLang:         "ko",
	}

	cfg.RobotWSURL = env("ROBOT_WS_URL")
	cfg.RobotBoardID = env("ROBOT_BOARD_ID")
	if v := strings.ToLower(env("CHANNEL_MODE")); v != "" {
		cfg.ChannelMode = v
	}
	if v := strings.ToLower(env("PERSIST_MODE")); v != "" {
		cfg.PersistMode = v
	}
	cfg.PersistBaseURL = env("PERSIST_BASE_URL")

	cfg.XUserID = env("X_USER_ID")
	cfg.XSessionID = env("X_SESSION_ID")

	cfg.RedisURL = env("REDIS_URL")
	cfg.DatabaseURL = env("DATABASE_URL")

	if n, ok := positiveInt("BATCH_SIZE"); ok {
		cfg.BatchSize = n
	}
	if n, ok := positiveInt("BATCH_QUIET_MS"); ok {
		cfg.BatchQuiet = time.Duration(n) * time.Millisecond
	}
	if n, ok := positiveInt("FLUSH_ALERT_AFTER"); ok {
		cfg.FlushAlertAfter = n
	}

	cfg.StartFEN = env("START_FEN")
	if v := env("USER_SIDE"); v != "" {
		side, ok := rules.ParseSide(v)
		if !ok {
			return nil, fmt.Errorf("USER_SIDE must be white or black, got %q", v)
		}
		cfg.UserSide = side
	}
	if v := env("MSG_LANG"); v != "" {
		cfg.MsgLang = v
	}
	cfg.MsgOverrideDir = env("MSG_OVERRIDE_DIR")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) validate() error {
	switch c.ChannelMode {
	case ChannelWS:
		if c.RobotWSURL == "" {
			return errors.New("ROBOT_WS_URL is required")
		}
	case ChannelRedis:
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required for CHANNEL_MODE=redis")
		}
		if c.RobotBoardID == "" {
			return errors.New("ROBOT_BOARD_ID is required for CHANNEL_MODE=redis")
		}
	default:
		return fmt.Errorf("unknown CHANNEL_MODE %q", c.ChannelMode)
	}

	switch c.PersistMode {
	case PersistHTTP:
		if c.PersistBaseURL == "" {
			return errors.New("PERSIST_BASE_URL is required")
		}
	case PersistPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for PERSIST_MODE=postgres")
		}
	case PersistRedis:
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required for PERSIST_MODE=redis")
		}
	case PersistMemory:
	default:
		return fmt.Errorf("unknown PERSIST_MODE %q", c.PersistMode)
	}
	return nil
}

func loadDotEnv() error {
	path := env("ENV_FILE")
	if path == "" {
		path = ".env"
	}
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s: %w", path, err)
}

func env(k string) string { return strings.TrimSpace(os.Getenv(k)) }

// positiveInt는 양의 정수가 아니면 false를 반환해 기본값을 유지시킴.
func positiveInt(k string) (int, bool) {
	v := env(k)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
