// Package config holds the parameters of a transfer run. Values come from an
// optional YAML file and command-line flags, flags winning.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a transfer run.
type Config struct {
	// Transfer
	Direction      string `yaml:"direction"`       // "export"|"import"
	Schema         string `yaml:"schema"`          // Warehouse schema, defaults to public
	Table          string `yaml:"table"`           // Warehouse table
	StoragePath    string `yaml:"storage_path"`    // s3://bucket/prefix/ (or manifest object for import)
	CredentialRole string `yaml:"credential_role"` // IAM role ARN the warehouse assumes
	Format         string `yaml:"format"`          // PARQUET|JSON|CSV
	Overwrite      bool   `yaml:"overwrite"`       // UNLOAD ALLOWOVERWRITE
	Manifest       bool   `yaml:"manifest"`        // UNLOAD MANIFEST VERBOSE / COPY MANIFEST

	// Warehouse connection
	Region   string `yaml:"region"`    // AWS region for the operation
	SecretID string `yaml:"secret_id"` // Secrets Manager secret with warehouse credentials
	Host     string `yaml:"host"`      // Used when SecretID is empty
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Database string `yaml:"database"`
	Password string `yaml:"-"` // RS_PASSWORD only, never read from files

	// Tracking
	PollInterval       time.Duration `yaml:"poll_interval"`        // Fixed delay between catalog queries
	MaxWait            time.Duration `yaml:"max_wait"`             // Budget before reporting TIMED_OUT
	AwaitTimeout       time.Duration `yaml:"await_timeout"`        // Wait for submission before polling, 0 = MaxWait
	MaxTransientErrors int           `yaml:"max_transient_errors"` // Consecutive catalog failures tolerated

	// Surroundings
	ClearPrefix     bool          `yaml:"clear_prefix"`   // Delete objects under StoragePath before export
	Verify          bool          `yaml:"verify"`         // Check files under StoragePath after export
	SkipPreflight   bool          `yaml:"skip_preflight"` // Skip the IAM permission simulation
	ResumeKey       string        `yaml:"resume_key"`     // s3:// or file:// URI for the checkpoint
	ReportS3URI     string        `yaml:"report_s3_uri"`  // S3 URI for the final report
	RunTable        string        `yaml:"run_table"`      // DynamoDB table recording run status
	CreateRunTable  bool          `yaml:"create_run_table"`
	DryRun          bool          `yaml:"dry_run"` // Print the statement and exit
	LogLevel        string        `yaml:"log_level"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // Wait for a background submission on exit
}

// Defaults returns a Config carrying the default tracking parameters.
func Defaults() *Config {
	return &Config{
		Schema:             "public",
		Format:             "PARQUET",
		PollInterval:       30 * time.Second,
		MaxWait:            15 * time.Minute,
		MaxTransientErrors: 5,
		LogLevel:           "info",
		ShutdownTimeout:    time.Minute,
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// EffectiveAwaitTimeout is AwaitTimeout, falling back to MaxWait.
func (c *Config) EffectiveAwaitTimeout() time.Duration {
	if c.AwaitTimeout > 0 {
		return c.AwaitTimeout
	}
	return c.MaxWait
}

// Validate ensures all required fields are present and have valid values.
func (c *Config) Validate() error {
	dir := strings.ToLower(c.Direction)
	if dir != "export" && dir != "import" {
		return fmt.Errorf("direction must be export or import")
	}

	if c.Table == "" {
		return fmt.Errorf("table name is required")
	}

	if c.StoragePath == "" {
		return fmt.Errorf("storage path is required")
	}
	if !strings.HasPrefix(c.StoragePath, "s3://") {
		return fmt.Errorf("storage path must start with s3://")
	}
	u, err := url.Parse(c.StoragePath)
	if err != nil {
		return fmt.Errorf("invalid storage path: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("storage path must include a bucket")
	}
	prefix := strings.TrimPrefix(u.Path, "/")

	if !strings.HasPrefix(c.CredentialRole, "arn:") || !strings.Contains(c.CredentialRole, ":role/") {
		return fmt.Errorf("credential role must be an IAM role ARN")
	}

	switch strings.ToUpper(c.Format) {
	case "", "PARQUET", "JSON", "CSV":
	default:
		return fmt.Errorf("format must be PARQUET, JSON or CSV")
	}

	if c.Region == "" {
		return fmt.Errorf("region is required")
	}

	if !c.DryRun && c.SecretID == "" && (c.Host == "" || c.User == "" || c.Database == "") {
		return fmt.Errorf("either secret id or host, user and database are required")
	}

	if c.PollInterval < time.Second {
		return fmt.Errorf("poll interval must be at least 1 second")
	}

	if c.MaxWait < c.PollInterval {
		return fmt.Errorf("max wait must be at least the poll interval")
	}

	if c.AwaitTimeout < 0 {
		return fmt.Errorf("await timeout must not be negative")
	}

	if c.MaxTransientErrors < 0 {
		return fmt.Errorf("max transient errors must not be negative")
	}

	if c.ClearPrefix && dir != "export" {
		return fmt.Errorf("clear-prefix only applies to exports")
	}
	if c.ClearPrefix && prefix == "" {
		return fmt.Errorf("refusing to clear an entire bucket")
	}

	if c.ResumeKey != "" && !strings.HasPrefix(c.ResumeKey, "s3://") && !strings.HasPrefix(c.ResumeKey, "file://") {
		return fmt.Errorf("resume key must start with s3:// or file://")
	}

	if c.ReportS3URI != "" && !strings.HasPrefix(c.ReportS3URI, "s3://") {
		return fmt.Errorf("report S3 URI must start with s3://")
	}

	if c.CreateRunTable && c.RunTable == "" {
		return fmt.Errorf("create-run-table requires a run table name")
	}

	if c.ShutdownTimeout < time.Second {
		return fmt.Errorf("shutdown timeout must be at least 1 second")
	}

	return nil
}
