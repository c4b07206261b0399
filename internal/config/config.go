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
)

type Config struct {
	HTTPAddr           string
	ClientToken        string
	RoutingFile        string
	MySQLDSN           string
	KeyEncMasterB64    string
	CORSAllowedOrigins []string
	StreamMaxBytes     int64
	MaxBodyBytes       int64
	RefreshInterval    time.Duration
	LogLevel           string
	LogFormat          string
}

// Load reads envFile into the process environment, when it exists, and
// then builds the config from the environment. Variables already set win
// over the file.
func Load(envFile string) (Config, error) {
	if err := LoadEnv(envFile); err != nil {
		return Config{}, err
	}
	return FromEnv()
}

// LoadEnv reads envFile into the process environment without overriding
// variables that are already set. A missing file is not an error.
func LoadEnv(envFile string) error {
	if strings.TrimSpace(envFile) == "" {
		return nil
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}
	return nil
}

func FromEnv() (Config, error) {
	cfg := Config{
		HTTPAddr:        getenvDefault("HTTP_ADDR", ":8080"),
		ClientToken:     strings.TrimSpace(os.Getenv("CLIENT_TOKEN")),
		RoutingFile:     strings.TrimSpace(os.Getenv("ROUTING_FILE")),
		MySQLDSN:        strings.TrimSpace(os.Getenv("MYSQL_DSN")),
		KeyEncMasterB64: strings.TrimSpace(os.Getenv("KEY_ENC_MASTER_B64")),
		LogLevel:        getenvDefault("LOG_LEVEL", "info"),
		LogFormat:       getenvDefault("LOG_FORMAT", "text"),
	}

	switch {
	case cfg.RoutingFile == "" && cfg.MySQLDSN == "":
		return Config{}, fmt.Errorf("one of ROUTING_FILE or MYSQL_DSN is required")
	case cfg.RoutingFile != "" && cfg.MySQLDSN != "":
		return Config{}, fmt.Errorf("ROUTING_FILE and MYSQL_DSN are mutually exclusive")
	case cfg.MySQLDSN != "" && cfg.KeyEncMasterB64 == "":
		return Config{}, fmt.Errorf("KEY_ENC_MASTER_B64 is required with MYSQL_DSN")
	}

	cfg.CORSAllowedOrigins = []string{"*"}
	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); strings.TrimSpace(origins) != "" {
		cfg.CORSAllowedOrigins = splitCSV(origins)
	}

	var err error
	if cfg.StreamMaxBytes, err = getenvInt64("STREAM_MAX_BYTES", 8<<20); err != nil {
		return Config{}, err
	}
	if cfg.MaxBodyBytes, err = getenvInt64("MAX_BODY_BYTES", 20<<20); err != nil {
		return Config{}, err
	}
	if cfg.RefreshInterval, err = getenvDuration("REFRESH_INTERVAL", 30*time.Second); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func getenvDefault(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func getenvInt64(key string, def int64) (int64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s: invalid value %q", key, v)
	}
	return n, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return d, nil
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
