package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/dgallion1/cpcetl/internal/export"
)

type Config struct {
	Port string `env:"PORT" validate:"required,numeric"`

	// Auth for the HTTP API
	APIKey string `env:"CPCETL_API_KEY"`

	// Local storage: raw/ holds archives, output/ holds exports
	DataDir string `env:"DATA_DIR" validate:"required"`

	// Bulk-data source
	BaseURL  string `env:"CPC_BASE_URL" validate:"required,url"`
	BulkPath string `env:"CPC_BULK_PATH" validate:"required,startswith=/"`
	Version  string `env:"CPC_VERSION" validate:"omitempty,len=6,numeric"`

	// Dated revision archives, fetched on request only
	PrereleasePath string `env:"CPC_PRERELEASE_PATH" validate:"required,startswith=/"`

	ForceDownload    bool          `env:"FORCE_DOWNLOAD"`
	UseValidityFile  bool          `env:"USE_VALIDITY_FILE"`
	UseSymbolList    bool          `env:"USE_SYMBOL_LIST"`
	HTTPTimeout      time.Duration `env:"HTTP_TIMEOUT" validate:"gt=0"`
	MaxDownloadBytes int64         `env:"MAX_DOWNLOAD_BYTES" validate:"gt=0"`

	// Output
	ExportFormats     string `env:"EXPORT_FORMATS" validate:"required,export_formats"`
	ExportValidSubset bool   `env:"EXPORT_VALID_SUBSET"`

	// Merge policies
	DuplicatePolicy string `env:"DUPLICATE_POLICY" validate:"oneof=first last flag"`
	OrphanPolicy    string `env:"ORPHAN_POLICY" validate:"oneof=drop emit"`

	// Server run queue
	MaxQueueSize int           `env:"MAX_QUEUE_SIZE" validate:"min=1"`
	JobTTL       time.Duration `env:"JOB_TTL" validate:"gt=0"`
}

func Load() Config {
	cfg := Config{
		Port: envOr("PORT", "8090"),

		APIKey: os.Getenv("CPCETL_API_KEY"),

		DataDir: envOr("DATA_DIR", "data"),

		BaseURL:  strings.TrimRight(envOr("CPC_BASE_URL", "https://www.cooperativepatentclassification.org"), "/"),
		BulkPath: envOr("CPC_BULK_PATH", "/cpcSchemeAndDefinitions/bulk"),
		Version:  os.Getenv("CPC_VERSION"),

		PrereleasePath: envOr("CPC_PRERELEASE_PATH", "/CPCRevisions/prereleases"),

		ForceDownload:    envBool("FORCE_DOWNLOAD", false),
		UseValidityFile:  envBool("USE_VALIDITY_FILE", true),
		UseSymbolList:    envBool("USE_SYMBOL_LIST", true),
		HTTPTimeout:      envDuration("HTTP_TIMEOUT", 5*time.Minute),
		MaxDownloadBytes: envInt64("MAX_DOWNLOAD_BYTES", 2<<30), // 2GiB

		ExportFormats:     envOr("EXPORT_FORMATS", "csv,parquet"),
		ExportValidSubset: envBool("EXPORT_VALID_SUBSET", false),

		DuplicatePolicy: envOr("DUPLICATE_POLICY", "first"),
		OrphanPolicy:    envOr("ORPHAN_POLICY", "drop"),

		MaxQueueSize: envInt("MAX_QUEUE_SIZE", 4),
		JobTTL:       envDuration("JOB_TTL", 24*time.Hour),
	}

	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 5 * time.Minute
	}
	if cfg.MaxDownloadBytes <= 0 {
		cfg.MaxDownloadBytes = 2 << 30
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 4
	}
	if cfg.JobTTL <= 0 {
		cfg.JobTTL = 24 * time.Hour
	}

	return cfg
}

// BulkPageURL is the page listing the release archives.
func (c Config) BulkPageURL() string { return c.BaseURL + c.BulkPath }

// PrereleasePageURL is the page listing dated pre-release archives.
func (c Config) PrereleasePageURL() string { return c.BaseURL + c.PrereleasePath }

// RawDir holds downloaded archives.
func (c Config) RawDir() string { return filepath.Join(c.DataDir, "raw") }

// PrereleaseDir holds pre-release archives, apart from the release archives.
func (c Config) PrereleaseDir() string { return filepath.Join(c.RawDir(), "prereleases") }

// OutputDir holds exported tables.
func (c Config) OutputDir() string { return filepath.Join(c.DataDir, "output") }

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())

		// report env var names rather than Go field names
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			if tag := fld.Tag.Get("env"); tag != "" {
				return tag
			}
			return fld.Name
		})
		_ = v.RegisterValidation("export_formats", func(fl validator.FieldLevel) bool {
			_, err := export.ParseFormats(fl.Field().String())
			return err == nil
		})
		validate = v
	})
	return validate
}

// Validate checks the settings a pipeline run needs.
func (c Config) Validate() error {
	err := validatorInstance().Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s (got %q)", fe.Field(), fe.Tag(), fe.Param(), fmt.Sprint(fe.Value())))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s (got %q)", fe.Field(), fe.Tag(), fmt.Sprint(fe.Value())))
		}
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// ValidateServer additionally requires what the HTTP server needs.
func (c Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.APIKey == "" {
		return fmt.Errorf("CPCETL_API_KEY is required")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
