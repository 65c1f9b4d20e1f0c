// Package config provides configuration loading from environment variables.
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers.
const (
	StoreDriverFile   = "file"
	StoreDriverSQLite = "sqlite"
)

// Worker launchers.
const (
	LauncherExec   = "exec"
	LauncherDocker = "docker"
)

// ServiceConfig holds configuration for the geoalign API service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	DataDir           string
	StoreDriver       string
	WorkerLauncher    string
	WorkerCommand     []string // argv prefix; invocation flags are appended
	WorkerImage       string   // docker launcher only
	WorkerEntrypoint  []string // docker launcher only; empty keeps the image's entrypoint
	MaxConcurrentJobs int
	AdmissionQueue    int
	MaxUploadBytes    int64
	AllowedOrigins    []string
	NotifyURL         string
	NotifyKey         string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	LogLevel          slog.Level
}

// ClientConfig holds configuration for the geoalign CLI.
type ClientConfig struct {
	APIURL       string
	PollInterval time.Duration
	StateFile    string
}

// LoadDotEnv loads a .env file from the working directory if one exists.
func LoadDotEnv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to load .env file", "error", err)
	}
}

// LoadServiceConfig loads service configuration from the environment, after applying any .env file.
func LoadServiceConfig() *ServiceConfig {
	LoadDotEnv()

	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		DataDir:           GetEnv("DATA_DIR", "./data"),
		StoreDriver:       strings.ToLower(GetEnv("STORE_DRIVER", StoreDriverFile)),
		WorkerLauncher:    strings.ToLower(GetEnv("WORKER_LAUNCHER", LauncherExec)),
		WorkerCommand:     strings.Fields(GetEnv("WORKER_COMMAND", GetEnv("PYTHON_PATH", "python")+" worker/worker.py")),
		WorkerImage:       GetEnv("WORKER_IMAGE", ""),
		WorkerEntrypoint:  strings.Fields(GetEnv("WORKER_ENTRYPOINT", "")),
		MaxConcurrentJobs: GetIntEnv("MAX_CONCURRENT_JOBS", 4),
		AdmissionQueue:    GetIntEnv("ADMISSION_QUEUE_SIZE", 64),
		MaxUploadBytes:    GetInt64Env("MAX_UPLOAD_BYTES", 1<<30),
		AllowedOrigins:    GetListEnv("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),
		NotifyURL:         GetEnv("NOTIFY_URL", ""),
		NotifyKey:         GetSecretFile(GetEnv("NOTIFY_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 0),
		LogLevel:          GetLevelEnv("LOG_LEVEL", slog.LevelInfo),
	}
}

// LoadClientConfig loads CLI configuration. The state file defaults to the user config directory.
func LoadClientConfig() *ClientConfig {
	LoadDotEnv()

	stateFile := GetEnv("GEOALIGN_STATE_FILE", "")
	if stateFile == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			dir = "."
		}
		stateFile = filepath.Join(dir, "geoalign", "state.yaml")
	}

	return &ClientConfig{
		APIURL:       GetEnv("GEOALIGN_API_URL", "http://localhost:8080"),
		PollInterval: GetDurationEnv("GEOALIGN_POLL_INTERVAL", 2*time.Second),
		StateFile:    stateFile,
	}
}
