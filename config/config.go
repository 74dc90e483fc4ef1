package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Offset variant names accepted in DATES_*_OFFSET.
const (
	OffsetInclusive = "inclusive" // days_to_subtract = total - date_id
	OffsetExclusive = "exclusive" // days_to_subtract = total - (date_id + 1)
)

// Config holds application configuration
type Config struct {
	Database      DatabaseConfig      `envPrefix:"DB_"`
	Redis         RedisConfig         `envPrefix:"REDIS_"`
	API           APIConfig           `envPrefix:"API_"`
	Trainer       TrainerConfig       `envPrefix:"TRAINER_"`
	Kafka         KafkaConfig         `envPrefix:"KAFKA_"`
	Feed          FeedConfig          `envPrefix:"FEED_"`
	ObjectStore   ObjectStoreConfig   `envPrefix:"OBJECT_STORE_"`
	Secrets       SecretsConfig       `envPrefix:"SECRETS_"`
	Dates         DatesConfig         `envPrefix:"DATES_"`
	Notifications NotificationsConfig `envPrefix:"NOTIFY_"`
	Log           LogConfig           `envPrefix:"LOG_"`

	// EnvFileMissing lists the dotenv files that could not be read.
	EnvFileMissing []string
}

// DatabaseConfig holds database connection settings. The sqlite driver is
// meant for local runs and tests.
type DatabaseConfig struct {
	Driver       string `env:"DRIVER" envDefault:"postgres"`
	SQLitePath   string `env:"SQLITE_PATH" envDefault:"optiver.db"`
	Host         string `env:"HOST" envDefault:"localhost"`
	Port         int    `env:"PORT" envDefault:"5432"`
	Name         string `env:"NAME" envDefault:"optiver"`
	User         string `env:"USER" envDefault:"optiver"`
	Password     string `env:"PASSWORD" envDefault:"optiver"`
	SSLMode      string `env:"SSLMODE" envDefault:"disable"`
	MaxOpenConns int    `env:"MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns int    `env:"MAX_IDLE_CONNS" envDefault:"10"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string `env:"HOST" envDefault:"localhost"`
	Port     string `env:"PORT" envDefault:"6379"`
	Password string `env:"PASSWORD"`
	Enabled  bool   `env:"ENABLED" envDefault:"true"`
}

// APIConfig holds settings of the data REST service
type APIConfig struct {
	Port            int    `env:"PORT" envDefault:"8000"`
	AllowedOrigin   string `env:"ALLOWED_ORIGIN" envDefault:"*"`
	DefaultPageSize int    `env:"DEFAULT_PAGE_SIZE" envDefault:"10"`
	MaxPageSize     int    `env:"MAX_PAGE_SIZE" envDefault:"1000"`
}

// TrainerConfig holds settings of the training/inference job service
type TrainerConfig struct {
	Port          int     `env:"PORT" envDefault:"8001"`
	Workers       int     `env:"WORKERS" envDefault:"2"`
	QueueSize     int     `env:"QUEUE_SIZE" envDefault:"64"`
	ArtifactDir   string  `env:"ARTIFACT_DIR" envDefault:"artifacts"`
	BaseAPI       string  `env:"BASE_API" envDefault:"http://localhost:8000"`
	ModelAPI      string  `env:"MODEL_API" envDefault:"/models/"`
	DataAPI       string  `env:"DATA_API" envDefault:"/get_stock_data/"`
	InferenceAPI  string  `env:"INFERENCE_API" envDefault:"/model-inferences/"`
	FetchPageSize int     `env:"FETCH_PAGE_SIZE" envDefault:"1000"`
	RateLimit     float64 `env:"RATE_LIMIT" envDefault:"20"`
	Folds         int     `env:"FOLDS" envDefault:"5"`
	Rounds        int     `env:"ROUNDS" envDefault:"50"`
	LearningRate  float64 `env:"LEARNING_RATE" envDefault:"0.01"`
	EarlyStopping int     `env:"EARLY_STOPPING" envDefault:"30"`
}

// KafkaConfig holds settings of the streaming ingest topic
type KafkaConfig struct {
	Brokers []string `env:"BROKERS" envDefault:"localhost:9092" envSeparator:","`
	Topic   string   `env:"TOPIC" envDefault:"stock-ticks"`
	GroupID string   `env:"GROUP_ID" envDefault:"optiver-ingest"`
}

// FeedConfig holds settings of the websocket tick feed
type FeedConfig struct {
	URL          string `env:"URL"`
	Token        string `env:"TOKEN"`
	PingInterval int    `env:"PING_INTERVAL_SECONDS" envDefault:"25"`
}

// ObjectStoreConfig selects and configures the artifact store
type ObjectStoreConfig struct {
	Driver          string `env:"DRIVER" envDefault:"local"`
	Bucket          string `env:"BUCKET"`
	CredentialsFile string `env:"CREDENTIALS_FILE"`
	LocalRoot       string `env:"LOCAL_ROOT" envDefault:"object-store"`
}

// SecretsConfig points at the credential bundle
type SecretsConfig struct {
	BundleFile string `env:"BUNDLE_FILE"`
}

// DatesConfig holds date-id resolution settings
type DatesConfig struct {
	NumDateIDs      int    `env:"NUM_DATE_IDS" envDefault:"480"`
	HolidayCountry  string `env:"HOLIDAY_COUNTRY" envDefault:"US"`
	APIOffset       string `env:"API_OFFSET" envDefault:"exclusive"`
	IngestOffset    string `env:"INGEST_OFFSET" envDefault:"inclusive"`
	DashboardOffset string `env:"DASHBOARD_OFFSET" envDefault:"inclusive"`
}

// NotificationsConfig holds job webhook targets
type NotificationsConfig struct {
	WebhookURLs    []string `env:"WEBHOOK_URLS" envSeparator:","`
	TimeoutSeconds int      `env:"TIMEOUT_SECONDS" envDefault:"10"`
	Retries        int      `env:"RETRIES" envDefault:"2"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level       string `env:"LEVEL" envDefault:"info"`
	Development bool   `env:"DEVELOPMENT" envDefault:"false"`
}

// LoadFromEnv loads configuration from environment variables, after an
// optional .env file in the working directory.
func LoadFromEnv() (*Config, error) {
	return LoadFrom(".env")
}

// LoadFrom loads configuration from environment variables, after the given
// dotenv files. Missing files are recorded in EnvFileMissing so the caller
// can log them once a logger exists.
func LoadFrom(files ...string) (*Config, error) {
	var missing []string
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			missing = append(missing, f)
		}
	}

	cfg := &Config{EnvFileMissing: missing}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot run with
func (c *Config) Validate() error {
	if c.Dates.NumDateIDs <= 0 {
		return fmt.Errorf("DATES_NUM_DATE_IDS must be positive, got %d", c.Dates.NumDateIDs)
	}
	for name, v := range map[string]string{
		"DATES_API_OFFSET":       c.Dates.APIOffset,
		"DATES_INGEST_OFFSET":    c.Dates.IngestOffset,
		"DATES_DASHBOARD_OFFSET": c.Dates.DashboardOffset,
	} {
		if v != OffsetInclusive && v != OffsetExclusive {
			return fmt.Errorf("%s must be %q or %q, got %q", name, OffsetInclusive, OffsetExclusive, v)
		}
	}
	if c.Trainer.Workers < 1 {
		return fmt.Errorf("TRAINER_WORKERS must be at least 1")
	}
	if c.Trainer.QueueSize < 1 {
		return fmt.Errorf("TRAINER_QUEUE_SIZE must be at least 1")
	}
	if c.API.DefaultPageSize < 1 || c.API.MaxPageSize < c.API.DefaultPageSize {
		return fmt.Errorf("invalid page size limits: default=%d max=%d", c.API.DefaultPageSize, c.API.MaxPageSize)
	}
	if c.Database.Driver != "postgres" && c.Database.Driver != "sqlite" {
		return fmt.Errorf("unknown DB_DRIVER %q", c.Database.Driver)
	}
	switch c.ObjectStore.Driver {
	case "local":
	case "gcs":
		if c.ObjectStore.Bucket == "" {
			return fmt.Errorf("OBJECT_STORE_BUCKET is required for the gcs driver")
		}
	default:
		return fmt.Errorf("unknown OBJECT_STORE_DRIVER %q", c.ObjectStore.Driver)
	}
	return nil
}

// DSN builds the PostgreSQL connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Name, d.User, d.Password, d.SSLMode)
}
