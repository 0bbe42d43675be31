package configloader

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type sample struct {
	Name     string        `mapstructure:"name"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Quotes   []string      `mapstructure:"quotes"`
	Enabled  bool          `mapstructure:"enabled"`
	defaults bool
}

func (s *sample) ApplyDefaults() { s.defaults = true }

func (s *sample) Validate() error { return nil }

func TestLoad_FileEnvDefaults(t *testing.T) {
	RegisterDefaults("name", "from-default")
	RegisterDefaults("timeout", "5s")
	RegisterDefaults("quotes", []string{"USDT"})
	RegisterDefaults("enabled", false)

	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(path, []byte("name: from-file\ntimeout: 7s\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CLTEST_ENABLED", "true")
	t.Setenv("CLTEST_QUOTES", "USDT,USD,DAI")

	var s sample
	if err := Load(path, "CLTEST", &s); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Name != "from-file" {
		t.Errorf("Name = %q; want from-file", s.Name)
	}
	if s.Timeout != 7*time.Second {
		t.Errorf("Timeout = %v; want 7s", s.Timeout)
	}
	if !s.Enabled {
		t.Error("Enabled should come from env")
	}
	if len(s.Quotes) != 3 || s.Quotes[2] != "DAI" {
		t.Errorf("Quotes = %v; want [USDT USD DAI]", s.Quotes)
	}
	if !s.defaults {
		t.Error("ApplyDefaults was not called")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	var s sample
	if err := Load(filepath.Join(t.TempDir(), "nope.yaml"), "CLTEST", &s); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadDotEnv_SkipsMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("CLTEST_DOTENV=yes\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CLTEST_DOTENV", "")
	os.Unsetenv("CLTEST_DOTENV")

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("CLTEST_DOTENV"); got != "yes" {
		t.Errorf("CLTEST_DOTENV = %q; want yes", got)
	}
}

func TestLoad_OverlayFiles(t *testing.T) {
	RegisterSection("overlay", map[string]interface{}{"name": "default", "timeout": "1s"})

	type overlay struct {
		Name    string        `mapstructure:"name"`
		Timeout time.Duration `mapstructure:"timeout"`
	}
	var got struct {
		Overlay overlay `mapstructure:"overlay"`
	}

	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	prod := filepath.Join(dir, "prod.yaml")
	if err := os.WriteFile(base, []byte("overlay:\n  name: base\n  timeout: 3s\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(prod, []byte("overlay:\n  name: prod\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := Load(base+", "+prod, "CLOVERLAY", &got); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Overlay.Name != "prod" {
		t.Errorf("Name = %q; want prod", got.Overlay.Name)
	}
	if got.Overlay.Timeout != 3*time.Second {
		t.Errorf("Timeout = %v; want 3s from base", got.Overlay.Timeout)
	}
}
