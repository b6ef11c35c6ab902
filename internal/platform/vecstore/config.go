package vecstore

import (
	"fmt"
	"strings"

	"github.com/fablemind/fablemind-backend/internal/platform/envutil"
)

type Config struct {
	// Dir is the vector store root; every chat-collection table lives in
	// this keyspace.
	Dir string
	// VectorDim is the configured embedding dimension D.
	VectorDim int
}

type ConfigErrorCode string

const (
	ConfigErrorMissingDir ConfigErrorCode = "missing_dir"
	ConfigErrorInvalidDim ConfigErrorCode = "invalid_dim"
)

type ConfigError struct {
	Code    ConfigErrorCode
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("vecstore config: %s: %s", e.Code, e.Message)
}

func ResolveConfigFromEnv() (Config, error) {
	cfg := Config{
		Dir:       envutil.String("VECTOR_DB_DIR", "data/vectordb"),
		VectorDim: envutil.Int("EMBEDDING_DIMENSION", 3072),
	}
	return cfg, ValidateConfig(cfg)
}

func ValidateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Dir) == "" {
		return &ConfigError{Code: ConfigErrorMissingDir, Message: "dir is required"}
	}
	if cfg.VectorDim <= 0 {
		return &ConfigError{Code: ConfigErrorInvalidDim, Message: fmt.Sprintf("vector dim must be positive, got %d", cfg.VectorDim)}
	}
	return nil
}
