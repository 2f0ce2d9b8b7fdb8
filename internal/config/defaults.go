package config

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

var (
	// ErrNoDefault is returned when no default value exists for a config key.
	ErrNoDefault = errors.New("no default exists")

	// ErrInvalidKey is returned when a config key contains invalid characters.
	ErrInvalidKey = errors.New("invalid config key")
)

// Entry is one documented configuration key.
type Entry struct {
	Key         string `json:"key" yaml:"key"`
	Value       any    `json:"value" yaml:"value"`
	Description string `json:"description" yaml:"description"`
}

// DefaultEntries returns every known key with its default value.
// Order is the order keys appear in a generated config file.
func DefaultEntries() []Entry {
	return []Entry{
		// ===================
		// Pipeline
		// ===================
		{
			Key:         "pipeline.concurrency_limit",
			Value:       5,
			Description: "Maximum chunks analyzed at the same time",
		},
		{
			Key:         "pipeline.chunk_max_retries",
			Value:       3,
			Description: "Retries per chunk after the first attempt",
		},
		{
			Key:         "pipeline.retry_backoff_base",
			Value:       "5s",
			Description: "Base delay between chunk attempts; attempt n waits base*n",
		},
		{
			Key:         "pipeline.chunk_timeout",
			Value:       "10m",
			Description: "Deadline for a single chunk attempt",
		},
		{
			Key:         "pipeline.finalize_max_retries",
			Value:       3,
			Description: "Attempts at the finalize phase before the job is failed",
		},
		{
			Key:         "pipeline.upload_concurrency",
			Value:       20,
			Description: "Parallel page uploads during finalize",
		},

		// ===================
		// Storage
		// ===================
		{
			Key:         "store.backend",
			Value:       "fs",
			Description: "Blob backend: fs, minio, sqlite, postgres or memory",
		},
		{
			Key:         "store.fs.root",
			Value:       "",
			Description: "Root directory for the fs backend (default ~/.folio/data)",
		},
		{
			Key:         "store.minio.endpoint",
			Value:       "localhost:9000",
			Description: "MinIO endpoint host:port",
		},
		{
			Key:         "store.minio.bucket",
			Value:       "folio",
			Description: "Bucket holding every folio object",
		},
		{
			Key:         "store.minio.access_key",
			Value:       "${MINIO_ACCESS_KEY}",
			Description: "MinIO access key (uses environment variable)",
		},
		{
			Key:         "store.minio.secret_key",
			Value:       "${MINIO_SECRET_KEY}",
			Description: "MinIO secret key (uses environment variable)",
		},
		{
			Key:         "store.minio.use_ssl",
			Value:       false,
			Description: "Connect to MinIO over TLS",
		},
		{
			Key:         "store.sql.dsn",
			Value:       "",
			Description: "Database DSN for the sqlite and postgres backends",
		},

		// ===================
		// Analysis
		// ===================
		{
			Key:         "analysis.type",
			Value:       "mistral",
			Description: "Analysis service: mistral or mock",
		},
		{
			Key:         "analysis.api_key",
			Value:       "${MISTRAL_API_KEY}",
			Description: "Mistral API key (uses environment variable)",
		},
		{
			Key:         "analysis.base_url",
			Value:       "https://api.mistral.ai/v1",
			Description: "Mistral API base URL",
		},
		{
			Key:         "analysis.model",
			Value:       "mistral-ocr-latest",
			Description: "OCR model name",
		},
		{
			Key:         "analysis.rate_limit",
			Value:       360,
			Description: "Requests per minute sent to the analysis service",
		},
		{
			Key:         "analysis.timeout",
			Value:       "5m",
			Description: "HTTP timeout for one analysis request",
		},

		// ===================
		// Logging
		// ===================
		{
			Key:         "logging.level",
			Value:       "info",
			Description: "Log level: debug, info, warn or error",
		},
		{
			Key:         "logging.format",
			Value:       "text",
			Description: "Log format: text or json",
		},
	}
}

// GetDefault returns the default entry for a config key.
// Returns nil if no default exists for the key.
func GetDefault(key string) *Entry {
	for _, entry := range DefaultEntries() {
		if entry.Key == key {
			return &entry
		}
	}
	return nil
}

// LookupDefault is GetDefault with an error for unknown or malformed keys.
func LookupDefault(key string) (*Entry, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	def := GetDefault(key)
	if def == nil {
		return nil, fmt.Errorf("%w for key %q", ErrNoDefault, key)
	}
	return def, nil
}

// ValidateKey checks if a config key contains only allowed characters.
// Valid keys contain: letters, digits, dots, underscores, and hyphens.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key cannot be empty", ErrInvalidKey)
	}
	for i, r := range key {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.' && r != '_' && r != '-' {
			return fmt.Errorf("%w: invalid character %q at position %d", ErrInvalidKey, r, i)
		}
	}
	if strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") || strings.Contains(key, "..") {
		return fmt.Errorf("%w: empty key segment", ErrInvalidKey)
	}
	return nil
}
