package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	EngineWhisperCPP = "whisper-cpp"
	EngineOpenAI     = "openai"

	StoreMemory = "memory"
	StoreSQLite = "sqlite"

	DefaultURLExpiry = 24 * time.Hour
	MaxURLExpiry     = 7 * 24 * time.Hour
)

// DefaultEnvFiles are read before the process environment is parsed. Missing
// files are skipped and variables already present in the environment win.
var DefaultEnvFiles = []string{".env", filepath.Join("app", ".env")}

type Config struct {
	Title      string `env:"API_TITLE" envDefault:"Media Downloader API"`
	Version    string `env:"API_VERSION"`
	Debug      bool   `env:"API_DEBUG" envDefault:"false"`
	APIKey     string `env:"API_KEY,required"`
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8000"`
	WorkDir    string `env:"WORKDIR" envDefault:"/app/data"`

	// URLExpiration accepts plain seconds or a Go duration.
	URLExpiration string `env:"URL_EXPIRATION" envDefault:"86400"`

	MinIO   MinIO   `envPrefix:"MINIO_"`
	Whisper Whisper `envPrefix:"WHISPER_"`
	OpenAI  OpenAI  `envPrefix:"OPENAI_"`
	Silence Silence
	Tasks   Tasks

	FFmpegPath       string        `env:"FFMPEG_PATH" envDefault:"ffmpeg"`
	DownloadRetries  int           `env:"DOWNLOAD_RETRIES" envDefault:"3"`
	YTDLPAutoInstall bool          `env:"YTDLP_AUTO_INSTALL" envDefault:"false"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

type MinIO struct {
	Endpoint  string `env:"ENDPOINT,required"`
	AccessKey string `env:"ACCESS_KEY,required"`
	SecretKey string `env:"SECRET_KEY,required"`
	Bucket    string `env:"BUCKET" envDefault:"media"`
	Secure    bool   `env:"SECURE" envDefault:"false"`
	Region    string `env:"REGION"`
}

type Whisper struct {
	Engine       string `env:"ENGINE" envDefault:"whisper-cpp"`
	Model        string `env:"MODEL" envDefault:"medium"`
	Language     string `env:"LANGUAGE" envDefault:"auto"`
	ModelDir     string `env:"MODEL_DIR"`
	AutoDownload bool   `env:"AUTO_DOWNLOAD" envDefault:"true"`
	Threads      int    `env:"THREADS" envDefault:"0"`
	Path         string `env:"PATH"`
}

type OpenAI struct {
	APIKey  string `env:"API_KEY"`
	BaseURL string `env:"BASE_URL"`
	Model   string `env:"MODEL" envDefault:"whisper-1"`
}

type Silence struct {
	Enabled       bool    `env:"SILENCE_GATE" envDefault:"true"`
	ThresholdDBFS float64 `env:"SILENCE_THRESHOLD_DBFS" envDefault:"-65"`
}

type Tasks struct {
	Workers   int           `env:"MAX_CONCURRENT_TASKS" envDefault:"2"`
	QueueSize int           `env:"TASK_QUEUE_SIZE" envDefault:"100"`
	Store     string        `env:"TASK_STORE" envDefault:"memory"`
	DBPath    string        `env:"TASK_DB_PATH"`
	Retention time.Duration `env:"TASK_RETENTION" envDefault:"24h"`
}

// Load reads the env files, merges them under the process environment and
// parses the result.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = DefaultEnvFiles
	}

	environ := env.ToMap(os.Environ())
	for _, file := range files {
		values, err := godotenv.Read(file)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return Config{}, fmt.Errorf("read env file %s: %w", file, err)
		}
		for key, value := range values {
			if _, ok := environ[key]; !ok {
				environ[key] = value
			}
		}
	}

	return Parse(environ)
}

// Parse builds a Config from an explicit environment map.
func Parse(environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse configuration: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	c.WorkDir = filepath.Clean(c.WorkDir)
	c.Whisper.Engine = strings.ToLower(strings.TrimSpace(c.Whisper.Engine))
	c.Whisper.Language = NormalizeLanguage(c.Whisper.Language)
	c.Tasks.Store = strings.ToLower(strings.TrimSpace(c.Tasks.Store))

	switch c.Whisper.Engine {
	case EngineWhisperCPP:
		if c.Whisper.ModelDir == "" {
			c.Whisper.ModelDir = filepath.Join(c.WorkDir, "models")
		}
	case EngineOpenAI:
		if c.OpenAI.APIKey == "" {
			return errors.New("OPENAI_API_KEY is required when WHISPER_ENGINE=openai")
		}
	default:
		return fmt.Errorf("invalid WHISPER_ENGINE %q: expected %s or %s", c.Whisper.Engine, EngineWhisperCPP, EngineOpenAI)
	}

	switch c.Tasks.Store {
	case StoreMemory:
	case StoreSQLite:
		if c.Tasks.DBPath == "" {
			c.Tasks.DBPath = filepath.Join(c.WorkDir, "tasks.db")
		}
	default:
		return fmt.Errorf("invalid TASK_STORE %q: expected %s or %s", c.Tasks.Store, StoreMemory, StoreSQLite)
	}

	if c.Tasks.Workers < 1 {
		return fmt.Errorf("MAX_CONCURRENT_TASKS must be at least 1, got %d", c.Tasks.Workers)
	}
	if c.Tasks.QueueSize < 1 {
		return fmt.Errorf("TASK_QUEUE_SIZE must be at least 1, got %d", c.Tasks.QueueSize)
	}
	if c.DownloadRetries < 1 {
		c.DownloadRetries = 1
	}
	if c.Whisper.Threads < 0 {
		c.Whisper.Threads = 0
	}
	if _, err := ParseExpiry(c.URLExpiration); err != nil {
		return err
	}
	return nil
}

// URLExpiry is the lifetime of presigned URLs.
func (c Config) URLExpiry() time.Duration {
	d, err := ParseExpiry(c.URLExpiration)
	if err != nil {
		return DefaultURLExpiry
	}
	return d
}

// ParseExpiry accepts "3600" or "1h". Non-positive values fall back to the
// default and anything above the S3 presign limit is capped.
func ParseExpiry(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultURLExpiry, nil
	}

	var d time.Duration
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		d = time.Duration(secs) * time.Second
	} else {
		parsed, perr := time.ParseDuration(raw)
		if perr != nil {
			return 0, fmt.Errorf("invalid URL_EXPIRATION %q: %w", raw, perr)
		}
		d = parsed
	}

	switch {
	case d <= 0:
		return DefaultURLExpiry, nil
	case d > MaxURLExpiry:
		return MaxURLExpiry, nil
	}
	return d, nil
}

func NormalizeLanguage(language string) string {
	language = strings.ToLower(strings.TrimSpace(language))
	if language == "" {
		return "auto"
	}
	return language
}
