// Package config loads service configuration from defaults and
// FACECONTOUR_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is stripped from environment variables before mapping them to
// config keys: FACECONTOUR_DETECTOR_CASCADE_PATH -> detector.cascade_path.
const EnvPrefix = "FACECONTOUR_"

const (
	BackendGRPC = "grpc"
	BackendPigo = "pigo"
)

type Config struct {
	HTTP       HTTPConfig       `koanf:"http"`
	Database   DatabaseConfig   `koanf:"database"`
	Redis      RedisConfig      `koanf:"redis"`
	Detector   DetectorConfig   `koanf:"detector"`
	Auth       AuthConfig       `koanf:"auth"`
	Log        LogConfig        `koanf:"log"`
	Normalizer NormalizerConfig `koanf:"normalizer"`
}

type HTTPConfig struct {
	Addr            string        `koanf:"addr" validate:"required"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
	MaxUploadSize   int64         `koanf:"max_upload_size" validate:"gt=0"`
	// UploadDir is the only directory file sources may name.
	UploadDir string `koanf:"upload_dir" validate:"required"`
}

type DatabaseConfig struct {
	DSN             string        `koanf:"dsn" validate:"required"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"gte=0"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"gt=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr      string        `koanf:"addr" validate:"required"`
	ResultTTL time.Duration `koanf:"result_ttl" validate:"gt=0"`
}

type DetectorConfig struct {
	Backend     string        `koanf:"backend" validate:"oneof=grpc pigo"`
	Addr        string        `koanf:"addr" validate:"required_if=Backend grpc"`
	CascadePath string        `koanf:"cascade_path" validate:"required_if=Backend pigo"`
	DialTimeout time.Duration `koanf:"dial_timeout" validate:"gt=0"`
}

type AuthConfig struct {
	JWTSecret   string `koanf:"jwt_secret" validate:"required"`
	JWTAudience string `koanf:"jwt_audience"`
}

type LogConfig struct {
	Level       string `koanf:"level" validate:"omitempty,oneof=debug info warn error"`
	Development bool   `koanf:"development"`
}

type NormalizerConfig struct {
	MaxFileSize int64 `koanf:"max_file_size" validate:"gt=0"`
}

// Default returns the configuration used for keys the environment leaves unset.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
			MaxUploadSize:   10 << 20,
			UploadDir:       filepath.Join(os.TempDir(), "facecontour-uploads"),
		},
		Database: DatabaseConfig{
			DSN:             "host=postgres user=postgres password=postgres dbname=facecontour port=5432 sslmode=disable",
			MaxIdleConns:    5,
			MaxOpenConns:    10,
			ConnMaxLifetime: time.Hour,
		},
		Redis: RedisConfig{
			Addr:      "redis:6379",
			ResultTTL: 5 * time.Minute,
		},
		Detector: DetectorConfig{
			Backend:     BackendGRPC,
			Addr:        "face-detector:50051",
			DialTimeout: 5 * time.Second,
		},
		Auth: AuthConfig{
			JWTSecret: "dev-secret",
		},
		Log: LogConfig{
			Level: "info",
		},
		Normalizer: NormalizerConfig{
			MaxFileSize: 32 << 20,
		},
	}
}

// Load merges defaults with the environment and validates the result.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:        EnvPrefix,
		TransformFunc: transformEnv,
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// transformEnv maps FACECONTOUR_SECTION_FIELD_NAME to section.field_name.
func transformEnv(key, value string) (string, any) {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	parts := strings.FieldsFunc(key, func(r rune) bool { return r == '_' })
	switch len(parts) {
	case 0:
		return "", value
	case 1:
		return parts[0], value
	default:
		return parts[0] + "." + strings.Join(parts[1:], "_"), value
	}
}
