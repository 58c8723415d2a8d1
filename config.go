package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ModeBrowser = "browser"
	ModeDirect  = "direct"

	CacheBackendFile  = "file"
	CacheBackendRedis = "redis"
)

type Config struct {
	BaseURL       string `yaml:"base_url"`
	LoginPath     string `yaml:"login_path"`
	DashboardPath string `yaml:"dashboard_path"`
	LandingPath   string `yaml:"landing_path"`
	RenewDays     int    `yaml:"renew_days"`

	// Mode selects the transport: "browser" proxies requests through the
	// logged-in page, "direct" uses a fingerprinted HTTP client.
	Mode string `yaml:"mode"`

	ChallengeAttempts         int    `yaml:"challenge_attempts"`
	ChallengeIntervalMs       int    `yaml:"challenge_interval_ms"`
	SecondChallengeAttempts   int    `yaml:"second_challenge_attempts"`
	SecondChallengeIntervalMs int    `yaml:"second_challenge_interval_ms"`
	ChallengeSettleMs         int    `yaml:"challenge_settle_ms"`
	ChallengeGlobal           string `yaml:"challenge_global"`

	LoginTimeoutSeconds   int `yaml:"login_timeout_seconds"`
	ElementTimeoutSeconds int `yaml:"element_timeout_seconds"`
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
	MaxRedirects          int `yaml:"max_redirects"`

	Pacing PacingConfig `yaml:"pacing"`

	ChromePath   string `yaml:"chrome_path"`
	Headless     bool   `yaml:"headless"`
	WindowWidth  int    `yaml:"window_width"`
	WindowHeight int    `yaml:"window_height"`
	UserAgent    string `yaml:"user_agent"`

	CacheBackend  string `yaml:"cache_backend"`
	CachePath     string `yaml:"cache_path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`

	LogFile       string `yaml:"log_file"`
	MetricsFile   string `yaml:"metrics_file"`
	ScreenshotDir string `yaml:"screenshot_dir"`
	GithubEnv     string `yaml:"github_env"`

	Locale    string `yaml:"locale"`
	DebugMode bool   `yaml:"debug_mode"`

	Labels LabelConfig `yaml:"labels"`
}

// LabelConfig holds the accessible names of the login surface controls.
type LabelConfig struct {
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	Submit         string `yaml:"submit"`
	BadCredentials string `yaml:"bad_credentials"`
}

type PacingConfig struct {
	Service     DelayRange `yaml:"service"`
	Renew       DelayRange `yaml:"renew"`
	InvoiceList DelayRange `yaml:"invoice_list"`
	Invoice     DelayRange `yaml:"invoice"`
	Account     DelayRange `yaml:"account"`
	Probe       DelayRange `yaml:"probe"`
	Cleanup     DelayRange `yaml:"cleanup"`
	Press       DelayRange `yaml:"press"`
}

type DelayRange struct {
	MinMs int `yaml:"min_ms"`
	MaxMs int `yaml:"max_ms"`
}

func (r DelayRange) Min() time.Duration { return time.Duration(r.MinMs) * time.Millisecond }
func (r DelayRange) Max() time.Duration { return time.Duration(r.MaxMs) * time.Millisecond }

func DefaultConfig() *Config {
	userDataDir := getUserDataDir()

	return &Config{
		BaseURL:                   "https://dash.hidencloud.com",
		LoginPath:                 "/auth/login",
		DashboardPath:             "/dashboard",
		LandingPath:               "/dashboard",
		RenewDays:                 10,
		Mode:                      ModeBrowser,
		ChallengeAttempts:         30,
		ChallengeIntervalMs:       1000,
		SecondChallengeAttempts:   5,
		SecondChallengeIntervalMs: 500,
		ChallengeSettleMs:         2000,
		ChallengeGlobal:           "__turnstile_data",
		LoginTimeoutSeconds:       30,
		ElementTimeoutSeconds:     20,
		RequestTimeoutSeconds:     30,
		MaxRedirects:              10,
		Pacing: PacingConfig{
			Service:     DelayRange{MinMs: 2000, MaxMs: 4000},
			Renew:       DelayRange{MinMs: 1000, MaxMs: 2000},
			InvoiceList: DelayRange{MinMs: 2000, MaxMs: 3000},
			Invoice:     DelayRange{MinMs: 3000, MaxMs: 5000},
			Account:     DelayRange{MinMs: 5000, MaxMs: 10000},
			Probe:       DelayRange{MinMs: 2000, MaxMs: 2000},
			Cleanup:     DelayRange{MinMs: 2000, MaxMs: 2000},
			Press:       DelayRange{MinMs: 50, MaxMs: 150},
		},
		ChromePath:    os.Getenv("CHROME_PATH"),
		Headless:      false,
		WindowWidth:   1280,
		WindowHeight:  720,
		UserAgent:     "",
		CacheBackend:  CacheBackendFile,
		CachePath:     filepath.Join(userDataDir, "cookies_cache.json"),
		RedisAddr:     "localhost:6379",
		RedisPrefix:   "hcrenew:cookie:",
		LogFile:       "hcrenew.log",
		ScreenshotDir: ".",
		Locale:        "",
		DebugMode:     false,
		Labels: LabelConfig{
			Username:       "Email or Username",
			Password:       "Password",
			Submit:         "Sign in to your account",
			BadCredentials: "Incorrect password",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := config.Save(path); err != nil {
			return nil, err
		}
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

func (c *Config) Validate() error {
	switch c.Mode {
	case ModeBrowser, ModeDirect:
	default:
		return fmt.Errorf("unknown transport mode %q (want %q or %q)", c.Mode, ModeBrowser, ModeDirect)
	}

	base, err := url.Parse(c.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return fmt.Errorf("base_url must be an absolute URL, got %q", c.BaseURL)
	}
	// An empty path would match every URL in the login-surface check.
	paths := map[string]string{"login_path": c.LoginPath, "dashboard_path": c.DashboardPath}
	for name, p := range paths {
		if len(p) < 2 || p[0] != '/' {
			return fmt.Errorf("%s must be a non-root path starting with /, got %q", name, p)
		}
	}

	switch c.CacheBackend {
	case CacheBackendFile, CacheBackendRedis:
	default:
		return fmt.Errorf("unknown cache backend %q", c.CacheBackend)
	}

	if c.ChallengeAttempts <= 0 || c.SecondChallengeAttempts < 0 {
		return fmt.Errorf("challenge attempts must be positive")
	}
	if c.RenewDays <= 0 {
		return fmt.Errorf("renew_days must be positive, got %d", c.RenewDays)
	}

	ranges := map[string]DelayRange{
		"service":      c.Pacing.Service,
		"renew":        c.Pacing.Renew,
		"invoice_list": c.Pacing.InvoiceList,
		"invoice":      c.Pacing.Invoice,
		"account":      c.Pacing.Account,
		"probe":        c.Pacing.Probe,
		"cleanup":      c.Pacing.Cleanup,
		"press":        c.Pacing.Press,
	}
	for name, r := range ranges {
		if r.MinMs < 0 || r.MaxMs < r.MinMs {
			return fmt.Errorf("pacing.%s: invalid range %d..%d", name, r.MinMs, r.MaxMs)
		}
	}

	return nil
}

func (c *Config) challengeInterval() time.Duration {
	return time.Duration(c.ChallengeIntervalMs) * time.Millisecond
}

func (c *Config) secondChallengeInterval() time.Duration {
	return time.Duration(c.SecondChallengeIntervalMs) * time.Millisecond
}

func (c *Config) challengeSettle() time.Duration {
	return time.Duration(c.ChallengeSettleMs) * time.Millisecond
}

func (c *Config) loginTimeout() time.Duration {
	return time.Duration(c.LoginTimeoutSeconds) * time.Second
}

func (c *Config) elementTimeout() time.Duration {
	return time.Duration(c.ElementTimeoutSeconds) * time.Second
}

func getUserDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./hcrenew-data"
	}
	return filepath.Join(home, ".hcrenew")
}
