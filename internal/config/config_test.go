package config

import (
	"testing"
	"time"

	"github.com/otcheredev/dicom-archive-core/internal/archive"
	"github.com/otcheredev/dicom-archive-core/internal/dcm"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default configuration is invalid: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
	if cfg.Cache.TTL != time.Hour {
		t.Errorf("Cache.TTL = %v", cfg.Cache.TTL)
	}
	if cfg.Archive.StorageBackend != "postgres" {
		t.Errorf("StorageBackend = %q", cfg.Archive.StorageBackend)
	}
	levels, err := cfg.Archive.Levels()
	if err != nil || len(levels) != 4 {
		t.Errorf("Levels = %v, %v", levels, err)
	}
	if cfg.Archive.PatientIssuer() != nil {
		t.Error("no default issuer expected")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("ARCHIVE_STORAGE_BACKEND", "MEMORY")
	t.Setenv("ARCHIVE_QUERY_LEVELS", "study, series")
	t.Setenv("ARCHIVE_MATCH_UNKNOWN", "true")
	t.Setenv("ARCHIVE_DEFAULT_ISSUER_OF_PATIENT_ID", "HOSP&1.2.3&ISO")
	t.Setenv("ARCHIVE_STUDY_CUSTOM_ATTRIBUTES", "StationName,00081010")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
	if cfg.Archive.StorageBackend != "memory" {
		t.Errorf("StorageBackend = %q", cfg.Archive.StorageBackend)
	}
	if !cfg.Archive.MatchUnknown {
		t.Error("MatchUnknown not set")
	}
	if len(cfg.CORS.AllowedOrigins) != 2 || cfg.CORS.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("AllowedOrigins = %v", cfg.CORS.AllowedOrigins)
	}

	levels, err := cfg.Archive.Levels()
	if err != nil {
		t.Fatalf("Levels failed: %v", err)
	}
	if len(levels) != 2 || levels[0] != archive.Study || levels[1] != archive.Series {
		t.Errorf("Levels = %v", levels)
	}

	issuer := cfg.Archive.PatientIssuer()
	if issuer == nil || issuer.LocalNamespaceEntityID != "HOSP" || issuer.UniversalEntityIDType != "ISO" {
		t.Errorf("PatientIssuer = %+v", issuer)
	}

	fs, err := cfg.Archive.Filters()
	if err != nil {
		t.Fatalf("Filters failed: %v", err)
	}
	if c := fs.Study.Custom; len(c) != 2 || c[0] != dcm.StationName {
		t.Errorf("study custom attributes = %v", c)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"bad backend", func(c *Config) { c.Archive.StorageBackend = "mongo" }},
		{"bad cache", func(c *Config) { c.Cache.Type = "memcached" }},
		{"no levels", func(c *Config) { c.Archive.QueryLevels = nil }},
		{"bad level", func(c *Config) { c.Archive.QueryLevels = []string{"FRAME"} }},
		{"bad fuzzy", func(c *Config) { c.Archive.FuzzyAlgorithm = "metaphone" }},
		{"no retries", func(c *Config) { c.Archive.StoreRetries = 0 }},
		{"bad custom", func(c *Config) {
			c.Archive.CustomAttributes = map[archive.Level][]string{archive.Series: {"NotAKeyword"}}
		}},
		{"too many custom", func(c *Config) {
			c.Archive.CustomAttributes = map[archive.Level][]string{
				archive.Patient: {"PatientSex", "PatientBirthDate", "PatientComments", "StationName"},
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestList(t *testing.T) {
	got := list(" a, ,b ,")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("list = %q", got)
	}
	if list("") != nil {
		t.Error("empty list should be nil")
	}
}
