package runner

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration of an automation run, loaded from YAML
// with environment overrides applied on top. Credentials normally arrive via
// environment only.
type Config struct {
	DHIS struct {
		URL            string   `yaml:"url"`
		Username       string   `yaml:"username"`
		Password       string   `yaml:"password"`
		DefaultOrgPath []string `yaml:"default_org_path"`
		Period         string   `yaml:"period"`
	} `yaml:"dhis"`

	Headless *bool `yaml:"headless"`

	Timeouts struct {
		Login          time.Duration `yaml:"login"`
		Navigation     time.Duration `yaml:"navigation"`
		FormLoad       time.Duration `yaml:"form_load"`
		TabSwitchDelay time.Duration `yaml:"tab_switch_delay"`
	} `yaml:"timeouts"`

	Retries struct {
		MaxLogin int           `yaml:"max_login"`
		Delay    time.Duration `yaml:"delay"`
	} `yaml:"retries"`

	Cache struct {
		Dir        string `yaml:"dir"`
		OrgHours   int    `yaml:"org_hours"`
		FieldHours int    `yaml:"field_hours"`
	} `yaml:"cache"`

	OpenAI struct {
		APIKey      string  `yaml:"api_key"`
		Model       string  `yaml:"model"`
		MaxTokens   int     `yaml:"max_tokens"`
		Temperature float64 `yaml:"temperature"`
	} `yaml:"openai"`

	Server struct {
		Addr   string `yaml:"addr"`
		DBPath string `yaml:"db_path"`
	} `yaml:"server"`

	ScreenshotDir string `yaml:"screenshot_dir"`
	MappingTable  string `yaml:"mapping_table"`
}

// LoadConfig reads path (optional), overlays the environment and applies
// defaults. A missing file is fine when the environment carries everything.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("runner: read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("runner: parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	setStr(&c.DHIS.URL, "DHIS_URL")
	setStr(&c.DHIS.Username, "DHIS_USERNAME")
	setStr(&c.DHIS.Password, "DHIS_PASSWORD")
	setStr(&c.DHIS.Period, "DHIS_PERIOD")
	if v := os.Getenv("DHIS_DEFAULT_ORG_PATH"); v != "" {
		c.DHIS.DefaultOrgPath = splitPath(v)
	}

	setDur(&c.Timeouts.Login, "DHIS_LOGIN_TIMEOUT")
	setDur(&c.Timeouts.Navigation, "DHIS_NAVIGATION_TIMEOUT")
	setDur(&c.Timeouts.FormLoad, "DHIS_FORM_LOAD_TIMEOUT")
	setDur(&c.Timeouts.TabSwitchDelay, "DHIS_TAB_SWITCH_DELAY")

	setInt(&c.Retries.MaxLogin, "DHIS_MAX_LOGIN_RETRIES")
	setDur(&c.Retries.Delay, "DHIS_RETRY_DELAY")

	setInt(&c.Cache.OrgHours, "DHIS_ORG_CACHE_HOURS")
	setInt(&c.Cache.FieldHours, "DHIS_FIELD_CACHE_HOURS")

	setStr(&c.OpenAI.APIKey, "OPENAI_API_KEY")
	setStr(&c.OpenAI.Model, "OPENAI_MODEL")
	setInt(&c.OpenAI.MaxTokens, "OPENAI_MAX_TOKENS")
	if v := os.Getenv("OPENAI_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.OpenAI.Temperature = f
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Headless == nil {
		v := true
		c.Headless = &v
	}
	if c.Timeouts.Login <= 0 {
		c.Timeouts.Login = 30 * time.Second
	}
	if c.Timeouts.Navigation <= 0 {
		c.Timeouts.Navigation = 10 * time.Second
	}
	if c.Timeouts.FormLoad <= 0 {
		c.Timeouts.FormLoad = 60 * time.Second
	}
	if c.Timeouts.TabSwitchDelay <= 0 {
		c.Timeouts.TabSwitchDelay = 3 * time.Second
	}
	if c.Retries.MaxLogin <= 0 {
		c.Retries.MaxLogin = 3
	}
	if c.Retries.Delay <= 0 {
		c.Retries.Delay = 2 * time.Second
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = "."
	}
	if c.Cache.OrgHours <= 0 {
		c.Cache.OrgHours = 7 * 24
	}
	if c.Cache.FieldHours <= 0 {
		c.Cache.FieldHours = 24
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.DBPath == "" {
		c.Server.DBPath = "runs.db"
	}
	if c.ScreenshotDir == "" {
		c.ScreenshotDir = "screenshots"
	}
	if c.MappingTable == "" {
		c.MappingTable = "mapping_table.json"
	}
}

// Validate checks the fields a browser run cannot proceed without.
func (c *Config) Validate() error {
	if c.DHIS.URL == "" {
		return fmt.Errorf("runner: DHIS URL is required")
	}
	if c.DHIS.Username == "" || c.DHIS.Password == "" {
		return fmt.Errorf("runner: DHIS credentials are required")
	}
	return nil
}

// splitPath accepts "A/B/C" or "A,B,C" org-unit paths.
func splitPath(s string) []string {
	sep := "/"
	if !strings.Contains(s, "/") && strings.Contains(s, ",") {
		sep = ","
	}
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// setDur accepts Go duration strings and bare seconds.
func setDur(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Second
	}
}
