package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// EnvFileVar names the variable pointing at an env file. Without it a .env
// in the working directory is used when present.
const EnvFileVar = "NAMEH_ENV_FILE"

type Config struct {
	Port            string
	Environment     string
	DatabasePath    string
	JWTSecret       string
	CORSOrigins     string
	MaxUploadSize   int64
	FileStoragePath string
	LogLevel        string

	IntegrityMode       string
	KeyRotationInterval time.Duration
	SharedKeySalt       string

	RedisURL        string
	VAPIDPublicKey  string
	VAPIDPrivateKey string
}

// Load reads configuration from the environment. Values in the env file
// never override variables that are already set.
func Load() *Config {
	file := readEnvFile()
	getEnv := func(key, defaultValue string) string {
		if value, exists := os.LookupEnv(key); exists {
			return value
		}
		if value, exists := file[key]; exists {
			return value
		}
		return defaultValue
	}

	return &Config{
		Port:            getEnv("PORT", "8080"),
		Environment:     getEnv("ENVIRONMENT", "development"),
		DatabasePath:    getEnv("DATABASE_PATH", "./data/nameh.db"),
		JWTSecret:       getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
		CORSOrigins:     getEnv("CORS_ORIGINS", "*"),
		MaxUploadSize:   parseInt64(getEnv("MAX_UPLOAD_SIZE", "10485760")), // 10MB default
		FileStoragePath: getEnv("FILE_STORAGE_PATH", "./data/uploads"),
		LogLevel:        strings.ToLower(getEnv("LOG_LEVEL", "info")),

		IntegrityMode:       strings.ToLower(getEnv("INTEGRITY_MODE", "strict")),
		KeyRotationInterval: parseDuration(getEnv("KEY_ROTATION_INTERVAL", "24h"), 24*time.Hour),
		SharedKeySalt:       getEnv("SHARED_KEY_SALT", "shared-salt"),

		RedisURL:        getEnv("REDIS_URL", ""),
		VAPIDPublicKey:  getEnv("VAPID_PUBLIC_KEY", ""),
		VAPIDPrivateKey: getEnv("VAPID_PRIVATE_KEY", ""),
	}
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func readEnvFile() map[string]string {
	path, explicit := os.LookupEnv(EnvFileVar)
	if !explicit {
		path = ".env"
	}

	values, err := godotenv.Read(path)
	if err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			log.Warn().Err(err).Str("path", path).Msg("failed to read env file")
		}
		return nil
	}
	return values
}

func parseInt64(s string) int64 {
	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 10485760 // 10MB default
	}
	return val
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
