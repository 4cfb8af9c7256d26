package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	Environment string
	LogLevel    string

	ContainerProvider      string
	ProviderStartupCommand string
	InstructionsFile       string
	CodesDir               string
	ContainerWorkDir       string
	ContainerUser          string
	ImageSuffix            string
	ContainerLogFile       string

	JobTimeout       time.Duration
	ProbeTimeout     time.Duration
	StartupTimeout   time.Duration
	SettleDelay      time.Duration
	CleanupTimeout   time.Duration
	ForceExitTimeout time.Duration

	MaxCodeLength  int
	MaxOutputBytes int

	Ratelimit      float64
	RatelimitBurst int

	NatsURL     string
	NatsSubject string

	BetterStackUploadURL   string
	BetterStackSourceToken string
}

func LoadConfig() Config {
	err := godotenv.Load(".env")
	if err != nil {
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	return Config{
		Port:        getEnv("PORT", "3000"),
		Environment: getEnv("ENVIRONMENT", "production"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		ContainerProvider:      getEnv("CONTAINER_PROVIDER", "docker"),
		ProviderStartupCommand: getEnv("CONTAINER_PROVIDER_STARTUP_COMMAND", ""),
		InstructionsFile:       getEnv("INSTRUCTIONS_FILE", "config/languages.yaml"),
		CodesDir:               getEnv("CODES_DIR", "/tmp/codes"),
		ContainerWorkDir:       getEnv("CONTAINER_WORKDIR", "/code"),
		ContainerUser:          getEnv("CONTAINER_USER", "1000:1000"),
		ImageSuffix:            getEnv("IMAGE_SUFFIX", "-compile-run"),
		ContainerLogFile:       getEnv("CONTAINER_LOG_FILE", ""),

		JobTimeout:       getEnvDuration("JOB_TIMEOUT", 30*time.Second),
		ProbeTimeout:     getEnvDuration("PROBE_TIMEOUT", 5*time.Second),
		StartupTimeout:   getEnvDuration("STARTUP_TIMEOUT", 30*time.Second),
		SettleDelay:      getEnvDuration("SETTLE_DELAY", 5*time.Second),
		CleanupTimeout:   getEnvDuration("CLEANUP_TIMEOUT", time.Minute),
		ForceExitTimeout: getEnvDuration("FORCE_EXIT_TIMEOUT", 30*time.Second),

		MaxCodeLength:  getEnvInt("MAX_CODE_LENGTH", 10000),
		MaxOutputBytes: getEnvInt("MAX_OUTPUT_BYTES", 1<<20),

		Ratelimit:      getEnvFloat("RATE_LIMIT", 2),
		RatelimitBurst: getEnvInt("RATE_LIMIT_BURST", 5),

		NatsURL:     getEnv("NATSURL", ""),
		NatsSubject: getEnv("NATS_SUBJECT", "codexx.execute.request"),

		BetterStackUploadURL:   getEnv("BETTERSTACKUPLOADURL", ""),
		BetterStackSourceToken: getEnv("BETTERSTACKSOURCETOKEN", ""),
	}
}

// Validate reports the first setting the service cannot start with.
func (c Config) Validate() error {
	port, err := strconv.Atoi(c.Port)
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("invalid PORT %q", c.Port)
	}
	if c.ContainerProvider == "" {
		return fmt.Errorf("CONTAINER_PROVIDER must not be empty")
	}
	for name, d := range map[string]time.Duration{
		"JOB_TIMEOUT":        c.JobTimeout,
		"PROBE_TIMEOUT":      c.ProbeTimeout,
		"STARTUP_TIMEOUT":    c.StartupTimeout,
		"CLEANUP_TIMEOUT":    c.CleanupTimeout,
		"FORCE_EXIT_TIMEOUT": c.ForceExitTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}
	if c.SettleDelay < 0 {
		return fmt.Errorf("SETTLE_DELAY must not be negative")
	}
	if c.MaxCodeLength <= 0 {
		return fmt.Errorf("MAX_CODE_LENGTH must be positive")
	}
	if c.Ratelimit <= 0 || c.RatelimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT and RATE_LIMIT_BURST must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("30s") or plain milliseconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
