package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := Defaults()
	cfg.Direction = "export"
	cfg.Table = "orders"
	cfg.StoragePath = "s3://exports/orders/"
	cfg.CredentialRole = "arn:aws:iam::123456789012:role/redshift-unload"
	cfg.Region = "us-west-2"
	cfg.SecretID = "redshift/etl"
	return cfg
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid export", mutate: func(c *Config) {}},
		{name: "valid import with explicit host", mutate: func(c *Config) {
			c.Direction = "import"
			c.SecretID = ""
			c.Host = "cluster.example.com"
			c.User = "etl"
			c.Database = "analytics"
		}},
		{name: "bad direction", mutate: func(c *Config) { c.Direction = "both" }, wantErr: true},
		{name: "missing table", mutate: func(c *Config) { c.Table = "" }, wantErr: true},
		{name: "missing storage path", mutate: func(c *Config) { c.StoragePath = "" }, wantErr: true},
		{name: "non s3 storage path", mutate: func(c *Config) { c.StoragePath = "gs://b/p" }, wantErr: true},
		{name: "bucket missing", mutate: func(c *Config) { c.StoragePath = "s3:///p" }, wantErr: true},
		{name: "bad role", mutate: func(c *Config) { c.CredentialRole = "unload" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Format = "ORC" }, wantErr: true},
		{name: "missing region", mutate: func(c *Config) { c.Region = "" }, wantErr: true},
		{name: "no credentials", mutate: func(c *Config) { c.SecretID = "" }, wantErr: true},
		{name: "dry run needs no credentials", mutate: func(c *Config) { c.SecretID = ""; c.DryRun = true }},
		{name: "interval too small", mutate: func(c *Config) { c.PollInterval = time.Millisecond }, wantErr: true},
		{name: "max wait below interval", mutate: func(c *Config) { c.MaxWait = time.Second }, wantErr: true},
		{name: "negative await", mutate: func(c *Config) { c.AwaitTimeout = -time.Second }, wantErr: true},
		{name: "clear prefix on import", mutate: func(c *Config) { c.Direction = "import"; c.ClearPrefix = true }, wantErr: true},
		{name: "clear whole bucket", mutate: func(c *Config) { c.StoragePath = "s3://exports"; c.ClearPrefix = true }, wantErr: true},
		{name: "bad resume key", mutate: func(c *Config) { c.ResumeKey = "/tmp/x" }, wantErr: true},
		{name: "file resume key", mutate: func(c *Config) { c.ResumeKey = "file:///tmp/x.json" }},
		{name: "bad report uri", mutate: func(c *Config) { c.ReportS3URI = "http://x" }, wantErr: true},
		{name: "create run table without name", mutate: func(c *Config) { c.CreateRunTable = true }, wantErr: true},
		{name: "short shutdown", mutate: func(c *Config) { c.ShutdownTimeout = time.Millisecond }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateKeepsConfigUnchanged(t *testing.T) {
	cfg := validConfig()
	cfg.StoragePath = "s3://exports/daily/orders/"
	cfg.ClearPrefix = true
	want := *cfg
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *cfg != want {
		t.Errorf("Validate modified the config: got %+v, want %+v", *cfg, want)
	}
}

func TestEffectiveAwaitTimeout(t *testing.T) {
	cfg := validConfig()
	if cfg.EffectiveAwaitTimeout() != cfg.MaxWait {
		t.Errorf("expected await timeout to fall back to max wait")
	}
	cfg.AwaitTimeout = time.Minute
	if cfg.EffectiveAwaitTimeout() != time.Minute {
		t.Errorf("expected explicit await timeout")
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transfer.yaml")
	content := `
direction: import
table: orders
storage_path: s3://exports/orders/manifest
credential_role: arn:aws:iam::123456789012:role/redshift-copy
manifest: true
region: eu-west-1
secret_id: redshift/etl
poll_interval: 10s
max_wait: 5m
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.PollInterval != 10*time.Second {
		t.Errorf("poll interval = %v, want 10s", cfg.PollInterval)
	}
	if cfg.MaxWait != 5*time.Minute {
		t.Errorf("max wait = %v, want 5m", cfg.MaxWait)
	}
	if cfg.MaxTransientErrors != 5 {
		t.Errorf("expected default max transient errors to survive, got %d", cfg.MaxTransientErrors)
	}
	if !cfg.Manifest || cfg.Schema != "public" {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should validate: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
