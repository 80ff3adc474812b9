package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	off, err := cfg.ClockOffset()
	if err != nil {
		t.Fatal(err)
	}
	if off != -3*time.Hour {
		t.Errorf("default clock offset = %v, want -3h", off)
	}
	if !cfg.Bucket.KeepProvisional {
		t.Error("provisional day tables should be kept by default")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
folders:
  work: /srv/pipeline/work
s3:
  bucket: measurements
  prefix: exports/unit05/
convert:
  workers: 8
  clock_offset: "-2h30m"
export:
  unit: "05"
logging:
  debug: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Folders.Work != "/srv/pipeline/work" {
		t.Errorf("work dir = %q", cfg.Folders.Work)
	}
	// Untouched sections keep their defaults.
	if cfg.Extract.Command != "7z" {
		t.Errorf("extract command = %q", cfg.Extract.Command)
	}
	if cfg.CSV.Delimiter != ";" || cfg.CSV.Decimal != "," {
		t.Errorf("csv = %+v", cfg.CSV)
	}
	if cfg.S3.Bucket != "measurements" || cfg.Export.Unit != "05" {
		t.Errorf("cfg = %+v", cfg)
	}
	off, err := cfg.ClockOffset()
	if err != nil {
		t.Fatal(err)
	}
	if off != -(2*time.Hour + 30*time.Minute) {
		t.Errorf("clock offset = %v", off)
	}
	if !cfg.Logging.Debug {
		t.Error("debug logging not applied")
	}
}

func TestLoadRejectsBadSettings(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"multi-char delimiter", "csv:\n  delimiter: \";;\"\n"},
		{"bad clock offset", "convert:\n  clock_offset: \"minus three hours\"\n"},
		{"empty work dir", "folders:\n  work: \"\"\n"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, c.body)); err == nil {
				t.Error("Load should reject this config")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TDMSDAILY_DATA_DIR", "/mnt/big")
	t.Setenv("TDMSDAILY_S3_BUCKET", "env-bucket")

	cfg, err := Load(writeConfig(t, "s3:\n  bucket: file-bucket\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.S3.Bucket != "env-bucket" {
		t.Errorf("bucket = %q, want env override", cfg.S3.Bucket)
	}
	if cfg.Folders.Work != filepath.Join("/mnt/big", "work") {
		t.Errorf("work dir = %q", cfg.Folders.Work)
	}
}
