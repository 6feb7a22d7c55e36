package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config represents the mediator configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Mediator MediatorConfig `mapstructure:"mediator"`
	Loader   LoaderConfig   `mapstructure:"loader"`
	Debug    bool           `mapstructure:"debug"`
}

// DatabaseConfig contains PostgreSQL connection settings
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int32         `mapstructure:"max_connections"`
	MinConnections  int32         `mapstructure:"min_connections"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheck     time.Duration `mapstructure:"health_check_period"`
}

// MediatorConfig contains the rewrite-path settings
type MediatorConfig struct {
	// SecretKey is mixed into the URL hash so table names are not guessable
	// from the URL alone. Must be identical on every process sharing a database.
	SecretKey string `mapstructure:"secret_key"`
	// DataLoaders is the ordered list of loader names to register.
	// Earlier loaders take precedence when more than one accepts a URL.
	DataLoaders []string `mapstructure:"data_loaders"`
	// NotifyChannel is the database channel carrying load requests.
	NotifyChannel string `mapstructure:"notify_channel"`
}

// LoaderConfig contains settings shared by all data loaders
type LoaderConfig struct {
	TmpDir            string        `mapstructure:"tmp_dir"`
	MaxWorkers        int           `mapstructure:"max_workers"`
	FeaturesPerWorker int           `mapstructure:"features_per_worker"`
	InitFeatures      int           `mapstructure:"init_features"`
	Retries           int           `mapstructure:"retries"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	// RequestsPerSecond bounds how fast we page a single remote service.
	// Zero disables rate limiting.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// Load reads configuration from .env files, environment variables and an
// optional config file
func Load() (*Config, error) {
	if err := loadEnvFile(); err != nil {
		log.Debug().Msg("No .env file found, using environment variables only")
	}

	viper.SetConfigName("geomediator")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/geomediator")

	setDefaults()

	viper.SetEnvPrefix("GEOMEDIATOR")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		log.Info().Msg("No config file found, using environment variables and defaults")
	} else {
		log.Info().Str("file", viper.ConfigFileUsed()).Msg("Config file loaded")
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// loadEnvFile loads environment variables from .env file
func loadEnvFile() error {
	locations := []string{
		".env",
		".env.local",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			if err := godotenv.Load(location); err != nil {
				return fmt.Errorf("error loading .env file from %s: %w", location, err)
			}
			log.Info().Str("file", location).Msg(".env file loaded")
			return nil
		}
	}

	return fmt.Errorf("no .env file found")
}

// setDefaults sets default configuration values
func setDefaults() {
	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.database", "mediator")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_connections", 25)
	viper.SetDefault("database.min_connections", 2)
	viper.SetDefault("database.max_conn_lifetime", "1h")
	viper.SetDefault("database.max_conn_idle_time", "30m")
	viper.SetDefault("database.health_check_period", "1m")

	// Mediator defaults
	viper.SetDefault("mediator.secret_key", "")
	viper.SetDefault("mediator.data_loaders", []string{"wfs", "arcgis_feature", "wcs"})
	viper.SetDefault("mediator.notify_channel", "md_data_load")

	// Loader defaults
	viper.SetDefault("loader.tmp_dir", os.TempDir())
	viper.SetDefault("loader.max_workers", 4)
	viper.SetDefault("loader.features_per_worker", 1000)
	viper.SetDefault("loader.init_features", 1000)
	viper.SetDefault("loader.retries", 3)
	viper.SetDefault("loader.request_timeout", "5m")
	viper.SetDefault("loader.requests_per_second", 0)

	viper.SetDefault("debug", false)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Mediator.SecretKey == "" {
		return fmt.Errorf("mediator.secret_key must be set: table names depend on it")
	}

	if c.Database.MaxConnections < c.Database.MinConnections {
		return fmt.Errorf("max_connections must be greater than or equal to min_connections")
	}

	if len(c.Mediator.DataLoaders) == 0 {
		return fmt.Errorf("at least one data loader must be configured")
	}

	if c.Mediator.NotifyChannel == "" {
		return fmt.Errorf("mediator.notify_channel must be set")
	}

	if c.Loader.MaxWorkers < 1 {
		return fmt.Errorf("loader.max_workers must be at least 1")
	}

	if c.Loader.FeaturesPerWorker < 1 || c.Loader.InitFeatures < 1 {
		return fmt.Errorf("loader chunk sizes must be at least 1")
	}

	if c.Loader.Retries < 1 {
		return fmt.Errorf("loader.retries must be at least 1")
	}

	return nil
}

// ConnectionString returns the PostgreSQL connection string
func (dc *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		dc.User, dc.Password, dc.Host, dc.Port, dc.Database, dc.SSLMode)
}

// KeywordConnectionString returns the connection settings in keyword/value
// form, which is what psql expects on the command line.
func (dc *DatabaseConfig) KeywordConnectionString() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		dc.Host, dc.Port, dc.Database, dc.User, dc.Password, dc.SSLMode)
}
