package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(APIKeyEnv, "")

			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				// Verify some key fields are populated
				assert.Equal(t, 9090, cfg.Server.Port)
				assert.Equal(t, "/socket", cfg.Server.WSPath)
				assert.Equal(t, "https://example.com/gallery", cfg.Server.RootRedirect)
				assert.Equal(t, "yaml-key", cfg.Horde.APIKey)
				assert.Equal(t, 20*time.Second, cfg.Horde.CallTimeout)
				assert.Equal(t, "blake3", cfg.Images.Hash)
				assert.Equal(t, 8, cfg.Scheduler.Concurrency)
				assert.Equal(t, "proxy_db", cfg.Database.Database)
				assert.Equal(t, "generation_events", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, "stablehorde-proxy", cfg.App.Name)

				// Unset fields fall back to defaults
				assert.Equal(t, 2, cfg.Scheduler.MaxRounds)
				assert.Equal(t, time.Minute, cfg.Scheduler.AdvanceTimeout)
				assert.Equal(t, time.Hour, cfg.Models.Freshness)
				assert.Equal(t, ".webp", cfg.Images.Extension)

				require.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestLoad_APIKeyFromEnvironment(t *testing.T) {
	t.Setenv(APIKeyEnv, "env-key")

	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "env-key", cfg.Horde.APIKey)
}

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()

	assert.Equal(t, 8282, cfg.Server.Port)
	assert.Equal(t, "/ws", cfg.Server.WSPath)
	assert.Equal(t, 5*time.Second, cfg.Server.PingInterval)
	assert.Equal(t, "0000000000", cfg.Horde.APIKey)
	assert.Equal(t, 30*time.Second, cfg.Horde.CallTimeout)
	assert.Equal(t, "data/", cfg.Images.DataPath)
	assert.Equal(t, "http://localhost:8282/images/", cfg.Images.PublicURL)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, 4, cfg.Scheduler.Concurrency)
	assert.Equal(t, 15*time.Minute, cfg.Models.RefreshInterval)
	assert.False(t, cfg.Database.Enabled)
	assert.False(t, cfg.RabbitMQ.Enabled)

	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(c *Config)
		wantErr   bool
		errString string
	}{
		{
			name:   "defaults are valid",
			modify: func(c *Config) {},
		},
		{
			name:      "invalid server port",
			modify:    func(c *Config) { c.Server.Port = 70000 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "relative ws path",
			modify:    func(c *Config) { c.Server.WSPath = "ws" },
			wantErr:   true,
			errString: "ws_path must start with /",
		},
		{
			name:      "bad redirect",
			modify:    func(c *Config) { c.Server.RootRedirect = "ftp://example.com" },
			wantErr:   true,
			errString: "invalid server root_redirect",
		},
		{
			name:      "bad horde url",
			modify:    func(c *Config) { c.Horde.BaseURL = "stablehorde.net" },
			wantErr:   true,
			errString: "invalid horde base_url",
		},
		{
			name:      "unsupported hash",
			modify:    func(c *Config) { c.Images.Hash = "md5" },
			wantErr:   true,
			errString: "unsupported images hash",
		},
		{
			name:      "zero concurrency",
			modify:    func(c *Config) { c.Scheduler.Concurrency = 0 },
			wantErr:   true,
			errString: "scheduler concurrency must be greater than 0",
		},
		{
			name:   "database disabled skips database checks",
			modify: func(c *Config) { c.Database.Host = "" },
		},
		{
			name: "database enabled without host",
			modify: func(c *Config) {
				c.Database.Enabled = true
				c.Database.Database = "proxy_db"
			},
			wantErr:   true,
			errString: "database host is required",
		},
		{
			name: "rabbitmq enabled without exchange",
			modify: func(c *Config) {
				c.RabbitMQ.Enabled = true
				c.RabbitMQ.Host = "localhost"
			},
			wantErr:   true,
			errString: "rabbitmq exchange name is required",
		},
		{
			name: "multiple problems are reported together",
			modify: func(c *Config) {
				c.Server.Port = 0
				c.Scheduler.MaxRounds = -1
			},
			wantErr:   true,
			errString: "scheduler max_rounds must be greater than 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.ApplyDefaults()
			tt.modify(cfg)

			err := cfg.Validate()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
