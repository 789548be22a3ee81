package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Config struct {
	HTTPAddr string
	DataDir  string
	DBPath   string
	Workers  int
	LogLevel string

	ManagedBaseURL string
	LogSinkURL     string

	GenAIAPIKey  string
	DefaultModel string
}

func Load() Config {
	loadDotEnv(".env")
	dataDir := getEnv("RELAY_DATA_DIR", "data")
	return Config{
		HTTPAddr: getEnv("RELAY_HTTP_ADDR", ":8080"),
		DataDir:  dataDir,
		DBPath:   getEnv("RELAY_DB_PATH", filepath.Join(dataDir, "agent-relay.db")),
		Workers:  getEnvInt("RELAY_WORKERS", 2),
		LogLevel: getEnv("RELAY_LOG_LEVEL", "info"),

		ManagedBaseURL: getEnv("RELAY_MANAGED_BASE_URL", ""),
		LogSinkURL:     getEnv("RELAY_LOG_SINK_URL", ""),

		GenAIAPIKey:  getEnv("RELAY_GENAI_API_KEY", ""),
		DefaultModel: getEnv("RELAY_DEFAULT_MODEL", ""),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
