package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`

	AudioDir string `env:"AUDIO_DIR" envDefault:"./audio"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthToken string `env:"AUTH_TOKEN"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`

	// Capture session limits.
	SessionIdleTimeout time.Duration `env:"SESSION_IDLE_TIMEOUT" envDefault:"10m"`
	MaxSessionDuration time.Duration `env:"MAX_SESSION_DURATION" envDefault:"4h"`

	UploadTimeout time.Duration `env:"UPLOAD_TIMEOUT" envDefault:"30s"`

	S3         S3Config
	Transcribe TranscribeConfig
	MQTT       MQTTConfig
}

// S3Config controls the object-storage backend. Leave Bucket empty for
// local-only storage.
type S3Config struct {
	Bucket         string        `env:"S3_BUCKET"`
	Region         string        `env:"S3_REGION" envDefault:"us-east-1"`
	Endpoint       string        `env:"S3_ENDPOINT"`
	AccessKey      string        `env:"S3_ACCESS_KEY"`
	SecretKey      string        `env:"S3_SECRET_KEY"`
	Prefix         string        `env:"S3_PREFIX"`
	PresignExpiry  time.Duration `env:"S3_PRESIGN_EXPIRY" envDefault:"1h"`
	LocalCache     bool          `env:"S3_LOCAL_CACHE" envDefault:"true"`
	CacheRetention time.Duration `env:"S3_CACHE_RETENTION"`
}

func (c S3Config) Enabled() bool { return c.Bucket != "" }

// TranscribeConfig selects and configures the speech-to-text provider.
type TranscribeConfig struct {
	Provider string        `env:"STT_PROVIDER" envDefault:"whisper"` // "whisper" or "elevenlabs"
	Timeout  time.Duration `env:"STT_TIMEOUT" envDefault:"120s"`
	Language string        `env:"STT_LANGUAGE" envDefault:"en"`

	WhisperURL   string  `env:"WHISPER_URL" envDefault:"http://localhost:8000/v1/audio/transcriptions"`
	WhisperModel string  `env:"WHISPER_MODEL" envDefault:"whisper-1"`
	Temperature  float64 `env:"WHISPER_TEMPERATURE" envDefault:"0.0"`

	ElevenLabsAPIKey string `env:"ELEVENLABS_API_KEY"`
	ElevenLabsModel  string `env:"ELEVENLABS_MODEL" envDefault:"scribe_v1"`
}

// MQTTConfig controls the optional transcript-event publisher. Leave
// BrokerURL empty to disable.
type MQTTConfig struct {
	BrokerURL   string `env:"MQTT_BROKER_URL"`
	ClientID    string `env:"MQTT_CLIENT_ID" envDefault:"recap"`
	TopicPrefix string `env:"MQTT_TOPIC_PREFIX" envDefault:"recap"`
	Username    string `env:"MQTT_USERNAME"`
	Password    string `env:"MQTT_PASSWORD"`
}

func (c MQTTConfig) Enabled() bool { return c.BrokerURL != "" }

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	HTTPAddr    string
	LogLevel    string
	DatabaseURL string
	AudioDir    string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.AudioDir != "" {
		cfg.AudioDir = overrides.AudioDir
	}

	return cfg, nil
}
