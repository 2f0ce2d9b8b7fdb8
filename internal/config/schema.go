package config

import "time"

// Config holds folio configuration.
// Stored at: ~/.folio/config.yaml
type Config struct {
	Pipeline PipelineCfg `mapstructure:"pipeline" yaml:"pipeline"`
	Store    StoreCfg    `mapstructure:"store" yaml:"store"`
	Analysis AnalysisCfg `mapstructure:"analysis" yaml:"analysis"`
	Logging  LoggingCfg  `mapstructure:"logging" yaml:"logging"`
}

// PipelineCfg tunes chunk scheduling, retries and finalize.
type PipelineCfg struct {
	ConcurrencyLimit   int           `mapstructure:"concurrency_limit" yaml:"concurrency_limit"`
	ChunkMaxRetries    int           `mapstructure:"chunk_max_retries" yaml:"chunk_max_retries"`
	RetryBackoffBase   time.Duration `mapstructure:"retry_backoff_base" yaml:"retry_backoff_base"`
	ChunkTimeout       time.Duration `mapstructure:"chunk_timeout" yaml:"chunk_timeout"`
	FinalizeMaxRetries int           `mapstructure:"finalize_max_retries" yaml:"finalize_max_retries"`
	UploadConcurrency  int           `mapstructure:"upload_concurrency" yaml:"upload_concurrency"`
}

// StoreCfg selects and configures the blob backend.
type StoreCfg struct {
	Backend string   `mapstructure:"backend" yaml:"backend"` // "fs", "minio", "sqlite", "postgres", "memory"
	FS      FSCfg    `mapstructure:"fs" yaml:"fs"`
	MinIO   MinIOCfg `mapstructure:"minio" yaml:"minio"`
	SQL     SQLCfg   `mapstructure:"sql" yaml:"sql"`
}

// FSCfg configures the filesystem backend.
type FSCfg struct {
	Root string `mapstructure:"root" yaml:"root"`
}

// MinIOCfg configures the MinIO backend.
type MinIOCfg struct {
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"` // supports ${ENV_VAR} syntax
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"` // supports ${ENV_VAR} syntax
	UseSSL    bool   `mapstructure:"use_ssl" yaml:"use_ssl"`
}

// SQLCfg configures the sqlite and postgres backends.
type SQLCfg struct {
	DSN string `mapstructure:"dsn" yaml:"dsn"` // supports ${ENV_VAR} syntax
}

// AnalysisCfg configures the analysis service.
type AnalysisCfg struct {
	Type      string        `mapstructure:"type" yaml:"type"` // "mistral", "mock"
	APIKey    string        `mapstructure:"api_key" yaml:"api_key"`
	BaseURL   string        `mapstructure:"base_url" yaml:"base_url"`
	Model     string        `mapstructure:"model" yaml:"model"`
	RateLimit int           `mapstructure:"rate_limit" yaml:"rate_limit"` // requests per minute
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// LoggingCfg configures the process logger.
type LoggingCfg struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// DefaultConfig returns configuration with the values of DefaultEntries.
func DefaultConfig() *Config {
	return &Config{
		Pipeline: PipelineCfg{
			ConcurrencyLimit:   5,
			ChunkMaxRetries:    3,
			RetryBackoffBase:   5 * time.Second,
			ChunkTimeout:       10 * time.Minute,
			FinalizeMaxRetries: 3,
			UploadConcurrency:  20,
		},
		Store: StoreCfg{
			Backend: "fs",
			MinIO: MinIOCfg{
				Endpoint:  "localhost:9000",
				Bucket:    "folio",
				AccessKey: "${MINIO_ACCESS_KEY}",
				SecretKey: "${MINIO_SECRET_KEY}",
			},
		},
		Analysis: AnalysisCfg{
			Type:      "mistral",
			APIKey:    "${MISTRAL_API_KEY}",
			BaseURL:   "https://api.mistral.ai/v1",
			Model:     "mistral-ocr-latest",
			RateLimit: 360,
			Timeout:   5 * time.Minute,
		},
		Logging: LoggingCfg{
			Level:  "info",
			Format: "text",
		},
	}
}

// Resolved returns a copy with every ${ENV_VAR} secret expanded.
func (c *Config) Resolved() *Config {
	out := *c
	out.Analysis.APIKey = ResolveEnvVars(c.Analysis.APIKey)
	out.Store.MinIO.AccessKey = ResolveEnvVars(c.Store.MinIO.AccessKey)
	out.Store.MinIO.SecretKey = ResolveEnvVars(c.Store.MinIO.SecretKey)
	out.Store.SQL.DSN = ResolveEnvVars(c.Store.SQL.DSN)
	return &out
}
