package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Enumeration sources.
const (
	SourceStatic = "static"
	SourceLines  = "lines"
	SourceHTML   = "html"
	SourceHF     = "hf"
	SourceGitHub = "github"
	SourceBucket = "bucket"
)

// Object store drivers.
const (
	StoreBlob = "blob"
	StoreS3   = "s3"
)

// Recorder backends.
const (
	RecorderSQLite  = "sqlite"
	RecorderSurreal = "surreal"
)

// Config struct for environment variables.
type Config struct {
	Source     string   `envconfig:"SOURCE" default:"static"`
	Input      string   `envconfig:"INPUT"`
	URLs       []string `envconfig:"URLS"`
	LinePrefix string   `envconfig:"LINE_PREFIX"`
	LineSuffix string   `envconfig:"LINE_SUFFIX"`
	LinkFormat string   `envconfig:"LINK_FORMAT" default:"PDF"`

	HFEndpoint string `envconfig:"HF_ENDPOINT" default:"https://huggingface.co"`
	HFRepo     string `envconfig:"HF_REPO"`
	HFRevision string `envconfig:"HF_REVISION" default:"main"`
	HFDataset  bool   `envconfig:"HF_DATASET" default:"true"`
	HFPrefix   string `envconfig:"HF_PREFIX"`
	HFToken    string `envconfig:"HF_TOKEN"`

	GitHubAPIURL     string `envconfig:"GITHUB_API_URL" default:"https://api.github.com"`
	GitHubToken      string `envconfig:"GITHUB_TOKEN"`
	GitHubCheckpoint string `envconfig:"GITHUB_CHECKPOINT" default:"github_checkpoint.yaml"`
	GitHubMinStars   int    `envconfig:"GITHUB_MIN_STARS" default:"100"`
	GitHubMaxSize    int    `envconfig:"GITHUB_MAX_SIZE" default:"100"`
	GitHubMaxRepos   int    `envconfig:"GITHUB_MAX_REPOS" default:"10"`

	SourceBucket  string `envconfig:"SOURCE_BUCKET"`
	SourcePrefix  string `envconfig:"SOURCE_PREFIX"`
	SourceSuffix  string `envconfig:"SOURCE_SUFFIX" default:".parquet"`
	SourceBaseURL string `envconfig:"SOURCE_BASE_URL"`

	StoreDriver        string `envconfig:"STORE_DRIVER" default:"blob"`
	BucketURL          string `envconfig:"BUCKET_URL"`
	S3Bucket           string `envconfig:"S3_BUCKET"`
	S3Region           string `envconfig:"S3_REGION" default:"us-east-1"`
	S3Endpoint         string `envconfig:"S3_ENDPOINT"`
	AWSAccessKeyID     string `envconfig:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey string `envconfig:"AWS_SECRET_ACCESS_KEY"`
	AWSSessionToken    string `envconfig:"AWS_SESSION_TOKEN"`
	KeyPrefix          string `envconfig:"KEY_PREFIX"`

	Recorder      string `envconfig:"RECORDER" default:"sqlite"`
	DBPath        string `envconfig:"DB_PATH" default:"transfers.db"`
	RecordHistory bool   `envconfig:"RECORD_HISTORY" default:"false"`

	SurrealDB struct {
		URL       string
		Namespace string `default:"dataset_relay"`
		Database  string `default:"transfers"`
		Username  string `default:"root"`
		Password  string
		AuthLevel string `split_words:"true" default:"root"`
	}

	StagingDir       string        `envconfig:"STAGING_DIR" default:"downloads"`
	StagingRetention time.Duration `envconfig:"STAGING_RETENTION" default:"24h"`
	MaxParallel      int           `envconfig:"MAX_PARALLEL" default:"0"`

	RetryAttempts    int           `envconfig:"RETRY_ATTEMPTS" default:"3"`
	RetryDelay       time.Duration `envconfig:"RETRY_DELAY" default:"2s"`
	RetryJitter      time.Duration `envconfig:"RETRY_JITTER" default:"0s"`
	RetryExponential bool          `envconfig:"RETRY_EXPONENTIAL" default:"false"`
	RequestTimeout   time.Duration `envconfig:"REQUEST_TIMEOUT" default:"300s"`
	FallbackTimeout  time.Duration `envconfig:"FALLBACK_TIMEOUT" default:"300s"`
	DisableFallback  bool          `envconfig:"DISABLE_FALLBACK" default:"false"`

	// InsecureSkipVerify is read only so that it can be rejected.
	InsecureSkipVerify bool `envconfig:"INSECURE_SKIP_VERIFY" default:"false"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	LogFile           string `envconfig:"LOG_FILE"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Telemetry struct {
		Enabled        bool          `default:"true"`
		ServiceName    string        `split_words:"true" default:"dataset_relay"`
		ExportInterval time.Duration `split_words:"true" default:"30s"`
	}
	OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`

	Web struct {
		BindAddress     string        `split_words:"true"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

// Validate checks that the selected source, store and recorder have what they need.
func (c *Config) Validate() error {
	var errs []error

	if c.InsecureSkipVerify {
		errs = append(errs, errors.New("INSECURE_SKIP_VERIFY is not supported: TLS verification cannot be disabled"))
	}

	switch c.Source {
	case SourceStatic:
		if c.Input == "" && len(c.URLs) == 0 {
			errs = append(errs, errors.New("static source needs INPUT or URLS"))
		}
	case SourceLines, SourceHTML:
		if c.Input == "" {
			errs = append(errs, fmt.Errorf("%s source needs INPUT", c.Source))
		}
	case SourceHF:
		if c.HFRepo == "" {
			errs = append(errs, errors.New("hf source needs HF_REPO"))
		}
	case SourceGitHub:
	case SourceBucket:
		if c.SourceBucket == "" || c.SourceBaseURL == "" {
			errs = append(errs, errors.New("bucket source needs SOURCE_BUCKET and SOURCE_BASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown SOURCE %q", c.Source))
	}

	switch c.StoreDriver {
	case StoreBlob:
		if c.BucketURL == "" {
			errs = append(errs, errors.New("blob store needs BUCKET_URL"))
		}
	case StoreS3:
		if c.S3Bucket == "" {
			errs = append(errs, errors.New("s3 store needs S3_BUCKET"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}

	switch c.Recorder {
	case RecorderSQLite:
	case RecorderSurreal:
		if c.SurrealDB.URL == "" {
			errs = append(errs, errors.New("surreal recorder needs SURREALDB_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown RECORDER %q", c.Recorder))
	}

	if c.MaxParallel < 0 {
		errs = append(errs, errors.New("MAX_PARALLEL must not be negative"))
	}

	if c.RetryAttempts < 1 {
		errs = append(errs, errors.New("RETRY_ATTEMPTS must be at least 1"))
	}

	return errors.Join(errs...)
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
