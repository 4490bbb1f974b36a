package runner

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoadConfig_DefaultsAndFile(t *testing.T) {
	// WHAT: A YAML file loads, and everything it omits gets a default.
	// WHY: Deployments set a handful of values and rely on the rest.
	path := filepath.Join(t.TempDir(), "config.yaml")
	err := os.WriteFile(path, []byte(`
dhis:
  url: https://dhis.example.org
  username: reporter
  password: secret
  default_org_path: [Sierra Leone, Bo, Bo CHC]
  period: January 2026
timeouts:
  login: 45s
`), 0o644)
	if err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.DHIS.URL != "https://dhis.example.org" {
		t.Errorf("URL = %q", cfg.DHIS.URL)
	}
	if !reflect.DeepEqual(cfg.DHIS.DefaultOrgPath, []string{"Sierra Leone", "Bo", "Bo CHC"}) {
		t.Errorf("DefaultOrgPath = %v", cfg.DHIS.DefaultOrgPath)
	}
	if cfg.Timeouts.Login != 45*time.Second {
		t.Errorf("Login timeout = %v, want 45s from file", cfg.Timeouts.Login)
	}
	if cfg.Timeouts.Navigation != 10*time.Second {
		t.Errorf("Navigation timeout = %v, want 10s default", cfg.Timeouts.Navigation)
	}
	if cfg.Retries.MaxLogin != 3 || cfg.Retries.Delay != 2*time.Second {
		t.Errorf("retries = %+v", cfg.Retries)
	}
	if cfg.Cache.OrgHours != 168 || cfg.Cache.FieldHours != 24 {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if cfg.Headless == nil || !*cfg.Headless {
		t.Error("headless must default to true")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	// WHAT: Environment variables beat the file, including duration forms
	// given as bare seconds.
	// WHY: Credentials and per-host tuning arrive via environment in
	// deployment; the file is shared.
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("dhis:\n  url: https://file.example.org\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("DHIS_URL", "https://env.example.org")
	t.Setenv("DHIS_USERNAME", "envuser")
	t.Setenv("DHIS_PASSWORD", "envpass")
	t.Setenv("DHIS_DEFAULT_ORG_PATH", "Sierra Leone/Bo/Bo CHC")
	t.Setenv("DHIS_LOGIN_TIMEOUT", "60")
	t.Setenv("DHIS_RETRY_DELAY", "5s")
	t.Setenv("DHIS_FIELD_CACHE_HOURS", "12")
	t.Setenv("OPENAI_API_KEY", "sk-env")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.DHIS.URL != "https://env.example.org" {
		t.Errorf("URL = %q, env must win", cfg.DHIS.URL)
	}
	if !reflect.DeepEqual(cfg.DHIS.DefaultOrgPath, []string{"Sierra Leone", "Bo", "Bo CHC"}) {
		t.Errorf("DefaultOrgPath = %v", cfg.DHIS.DefaultOrgPath)
	}
	if cfg.Timeouts.Login != 60*time.Second {
		t.Errorf("Login timeout = %v, want 60s from bare-seconds env", cfg.Timeouts.Login)
	}
	if cfg.Retries.Delay != 5*time.Second {
		t.Errorf("RetryDelay = %v", cfg.Retries.Delay)
	}
	if cfg.Cache.FieldHours != 12 {
		t.Errorf("FieldHours = %d", cfg.Cache.FieldHours)
	}
	if cfg.OpenAI.APIKey != "sk-env" {
		t.Errorf("APIKey = %q", cfg.OpenAI.APIKey)
	}
}

func TestLoadConfig_MissingFileIsFine(t *testing.T) {
	// WHAT: A nonexistent config path still yields a defaulted Config.
	// WHY: Pure-environment deployments carry no file at all.
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
}

func TestValidate_RequiresCredentials(t *testing.T) {
	// WHAT: Validation rejects configs without URL or credentials.
	// WHY: Failing before launching Chrome saves thirty seconds per mistake.
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation failure without URL")
	}
}

func TestSplitPath(t *testing.T) {
	// WHAT: Org paths split on slash, falling back to comma.
	// WHY: Both spellings appear in the wild.
	if got := splitPath("A/B/C"); !reflect.DeepEqual(got, []string{"A", "B", "C"}) {
		t.Errorf("slash split = %v", got)
	}
	if got := splitPath("A, B, C"); !reflect.DeepEqual(got, []string{"A", "B", "C"}) {
		t.Errorf("comma split = %v", got)
	}
}
