package config

import (
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Upload     UploadConfig
	Redis      RedisConfig
	Queue      QueueConfig
	Separation SeparationConfig
	Analysis   AnalysisConfig
	Retention  RetentionConfig
	RateLimit  RateLimitConfig
}

type ServerConfig struct {
	Port             string `validate:"required"`
	Env              string `validate:"required"`
	LogLevel         string `validate:"required,oneof=debug info warn error"`
	BackendURL       string `validate:"required,url"`
	PublicHostSuffix string
}

type StorageConfig struct {
	Backend   string `validate:"required,oneof=file redis"`
	JobsDir   string `validate:"required"`
	UploadDir string `validate:"required"`
	OutputDir string `validate:"required"`
	TempDir   string `validate:"required"`
}

type UploadConfig struct {
	MaxSize int64 `validate:"gt=0"`
}

type RedisConfig struct {
	Addr     string `validate:"required"`
	Password string
	DB       int `validate:"min=0"`
}

type QueueConfig struct {
	Backend     string `validate:"required,oneof=local asynq"`
	Concurrency int    `validate:"min=0"`
}

type SeparationConfig struct {
	Python           string        `validate:"required"`
	MemoryLimitMB    int           `validate:"min=0"`
	ProgressInterval time.Duration `validate:"gt=0"`
}

type AnalysisConfig struct {
	FFprobe string `validate:"required"`
	FFmpeg  string `validate:"required"`
}

type RetentionConfig struct {
	MaxAge   time.Duration `validate:"gt=0"`
	Interval time.Duration `validate:"gt=0"`
}

type RateLimitConfig struct {
	SubmitPerHour int `validate:"min=0"`
}

// UsesRedis reports whether any component needs a Redis connection.
func (c *Config) UsesRedis() bool {
	return c.Storage.Backend == "redis" || c.Queue.Backend == "asynq"
}

// MemoryLimitBytes is the address-space limit for the separation tool, or
// zero for none.
func (c *Config) MemoryLimitBytes() uint64 {
	if c.Separation.MemoryLimitMB <= 0 {
		return 0
	}
	return uint64(c.Separation.MemoryLimitMB) * 1024 * 1024
}

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

var bindings = map[string]string{
	"server.port":                  "PORT",
	"server.env":                   "SERVER_ENV",
	"server.log_level":             "LOG_LEVEL",
	"server.backend_url":           "BACKEND_URL",
	"server.public_host_suffix":    "PUBLIC_HOST_SUFFIX",
	"storage.backend":              "STORAGE_BACKEND",
	"storage.jobs_dir":             "JOBS_DIR",
	"storage.upload_dir":           "UPLOAD_DIR",
	"storage.output_dir":           "OUTPUT_DIR",
	"storage.temp_dir":             "TEMP_DIR",
	"upload.max_size":              "MAX_FILE_SIZE",
	"redis.addr":                   "REDIS_ADDR",
	"redis.password":               "REDIS_PASSWORD",
	"redis.db":                     "REDIS_DB",
	"queue.backend":                "QUEUE_BACKEND",
	"queue.concurrency":            "MAX_CONCURRENT_JOBS",
	"separation.python":            "DEMUCS_PYTHON",
	"separation.memory_limit_mb":   "DEMUCS_MEMORY_LIMIT_MB",
	"separation.progress_interval": "PROGRESS_INTERVAL",
	"analysis.ffprobe":             "FFPROBE_BIN",
	"analysis.ffmpeg":              "FFMPEG_BIN",
	"retention.max_age":            "RETENTION_MAX_AGE",
	"retention.interval":           "RETENTION_INTERVAL",
	"ratelimit.submit_per_hour":    "RATELIMIT_SUBMIT_PER_HOUR",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "5001")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.backend_url", "http://localhost:3001")
	v.SetDefault("server.public_host_suffix", "railway.app")
	v.SetDefault("storage.backend", "file")
	v.SetDefault("storage.jobs_dir", "./jobs")
	v.SetDefault("storage.upload_dir", "./uploads")
	v.SetDefault("storage.output_dir", "./separated")
	v.SetDefault("storage.temp_dir", "./temp")
	v.SetDefault("upload.max_size", 50*1024*1024)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("queue.backend", "local")
	v.SetDefault("queue.concurrency", 0)
	v.SetDefault("separation.python", "python")
	v.SetDefault("separation.memory_limit_mb", 4096)
	v.SetDefault("separation.progress_interval", "5s")
	v.SetDefault("analysis.ffprobe", "ffprobe")
	v.SetDefault("analysis.ffmpeg", "ffmpeg")
	v.SetDefault("retention.max_age", "24h")
	v.SetDefault("retention.interval", "1h")
	v.SetDefault("ratelimit.submit_per_hour", 0)
}

// Load reads config.yaml from . or ./config when present, then the
// environment, and validates the result.
func Load() (*Config, error) {
	readSecret("REDIS_PASSWORD")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()
	for key, env := range bindings {
		_ = v.BindEnv(key, env)
	}
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config file")
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:             v.GetString("server.port"),
			Env:              v.GetString("server.env"),
			LogLevel:         strings.ToLower(v.GetString("server.log_level")),
			BackendURL:       v.GetString("server.backend_url"),
			PublicHostSuffix: v.GetString("server.public_host_suffix"),
		},
		Storage: StorageConfig{
			Backend:   v.GetString("storage.backend"),
			JobsDir:   v.GetString("storage.jobs_dir"),
			UploadDir: v.GetString("storage.upload_dir"),
			OutputDir: v.GetString("storage.output_dir"),
			TempDir:   v.GetString("storage.temp_dir"),
		},
		Upload: UploadConfig{
			MaxSize: v.GetInt64("upload.max_size"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Queue: QueueConfig{
			Backend:     v.GetString("queue.backend"),
			Concurrency: v.GetInt("queue.concurrency"),
		},
		Separation: SeparationConfig{
			Python:           v.GetString("separation.python"),
			MemoryLimitMB:    v.GetInt("separation.memory_limit_mb"),
			ProgressInterval: v.GetDuration("separation.progress_interval"),
		},
		Analysis: AnalysisConfig{
			FFprobe: v.GetString("analysis.ffprobe"),
			FFmpeg:  v.GetString("analysis.ffmpeg"),
		},
		Retention: RetentionConfig{
			MaxAge:   v.GetDuration("retention.max_age"),
			Interval: v.GetDuration("retention.interval"),
		},
		RateLimit: RateLimitConfig{
			SubmitPerHour: v.GetInt("ratelimit.submit_per_hour"),
		},
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}
