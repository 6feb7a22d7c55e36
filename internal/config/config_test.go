package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           5432,
			User:           "postgres",
			Password:       "postgres",
			Database:       "mediator",
			SSLMode:        "disable",
			MaxConnections: 10,
			MinConnections: 2,
		},
		Mediator: MediatorConfig{
			SecretKey:     "s3cret",
			DataLoaders:   []string{"wfs", "arcgis_feature", "wcs"},
			NotifyChannel: "md_data_load",
		},
		Loader: LoaderConfig{
			TmpDir:            "/tmp",
			MaxWorkers:        4,
			FeaturesPerWorker: 1000,
			InitFeatures:      1000,
			Retries:           3,
		},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing secret key",
			mutate:  func(c *Config) { c.Mediator.SecretKey = "" },
			wantErr: true,
			errMsg:  "secret_key",
		},
		{
			name:    "no data loaders",
			mutate:  func(c *Config) { c.Mediator.DataLoaders = nil },
			wantErr: true,
			errMsg:  "at least one data loader",
		},
		{
			name:    "empty notify channel",
			mutate:  func(c *Config) { c.Mediator.NotifyChannel = "" },
			wantErr: true,
			errMsg:  "notify_channel",
		},
		{
			name:    "max connections below min",
			mutate:  func(c *Config) { c.Database.MaxConnections = 1 },
			wantErr: true,
			errMsg:  "max_connections",
		},
		{
			name:    "zero workers",
			mutate:  func(c *Config) { c.Loader.MaxWorkers = 0 },
			wantErr: true,
			errMsg:  "max_workers",
		},
		{
			name:    "zero chunk size",
			mutate:  func(c *Config) { c.Loader.FeaturesPerWorker = 0 },
			wantErr: true,
			errMsg:  "chunk sizes",
		},
		{
			name:    "zero retries",
			mutate:  func(c *Config) { c.Loader.Retries = 0 },
			wantErr: true,
			errMsg:  "retries",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestDatabaseConfig_ConnectionString(t *testing.T) {
	dc := DatabaseConfig{
		Host:     "db.example.com",
		Port:     5433,
		User:     "mediator",
		Password: "pw",
		Database: "geodata",
		SSLMode:  "require",
	}

	assert.Equal(t,
		"postgres://mediator:pw@db.example.com:5433/geodata?sslmode=require",
		dc.ConnectionString())
	assert.Equal(t,
		"host=db.example.com port=5433 dbname=geodata user=mediator password=pw sslmode=require",
		dc.KeywordConnectionString())
}
