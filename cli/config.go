package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"taskdeck/client"
)

const (
	envAPIURL      = "TASKDECK_API_URL"
	envToken       = "TASKDECK_TOKEN"
	envTimeout     = "TASKDECK_TIMEOUT"
	envMockLatency = "TASKDECK_MOCK_LATENCY"
	envDebug       = "TASKDECK_DEBUG"
	envConfig      = "TASKDECK_CONFIG"
)

// Config holds the settings of the interactive client. An empty APIURL
// selects the in-memory mock.
type Config struct {
	APIURL      string
	Token       string
	Timeout     time.Duration
	MockLatency time.Duration
	Debug       bool
}

// ClientConfig converts cfg into the settings understood by client.New.
func (cfg Config) ClientConfig(logger *log.Logger) client.Config {
	return client.Config{
		BaseURL:     cfg.APIURL,
		Token:       cfg.Token,
		Timeout:     cfg.Timeout,
		MockLatency: cfg.MockLatency,
		Logger:      logger,
	}
}

type fileConfig struct {
	APIURL      *string `yaml:"api_url"`
	Token       *string `yaml:"token"`
	Timeout     string  `yaml:"timeout"`
	MockLatency string  `yaml:"mock_latency"`
	Debug       *bool   `yaml:"debug"`
}

// ParseConfig builds the client config. Flags win over environment
// variables, which win over the optional YAML file.
func ParseConfig(args []string) (Config, error) {
	cfg := Config{
		Timeout:     client.DefaultTimeout,
		MockLatency: client.DefaultMockLatency,
	}

	var (
		flagURL, flagToken, flagConfig string
		flagTimeout, flagLatency       time.Duration
		flagDebug                      bool
	)
	fs := flag.NewFlagSet("taskctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&flagURL, "api", "", "Backend API URL, empty for mock mode")
	fs.StringVar(&flagToken, "token", "", "Bearer token")
	fs.DurationVar(&flagTimeout, "timeout", 0, "Request timeout")
	fs.DurationVar(&flagLatency, "mock-latency", 0, "Artificial latency in mock mode")
	fs.BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	fs.StringVar(&flagConfig, "config", "", "YAML config file")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			usage(os.Stdout)
			return cfg, err
		}
		usage(os.Stderr)
		return cfg, err
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	path := envOr(envConfig, "")
	if set["config"] {
		path = flagConfig
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}

	if set["api"] {
		cfg.APIURL = strings.TrimSpace(flagURL)
	}
	if set["token"] {
		cfg.Token = flagToken
	}
	if set["timeout"] {
		cfg.Timeout = flagTimeout
	}
	if set["mock-latency"] {
		cfg.MockLatency = flagLatency
	}
	if set["debug"] {
		cfg.Debug = flagDebug
	}

	if cfg.Timeout <= 0 {
		return cfg, fmt.Errorf("timeout must be positive, got %s", cfg.Timeout)
	}
	if cfg.MockLatency < 0 {
		return cfg, fmt.Errorf("mock latency must not be negative, got %s", cfg.MockLatency)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	if fc.APIURL != nil {
		cfg.APIURL = strings.TrimSpace(*fc.APIURL)
	}
	if fc.Token != nil {
		cfg.Token = *fc.Token
	}
	if fc.Timeout != "" {
		if cfg.Timeout, err = time.ParseDuration(fc.Timeout); err != nil {
			return fmt.Errorf("config timeout: %w", err)
		}
	}
	if fc.MockLatency != "" {
		if cfg.MockLatency, err = time.ParseDuration(fc.MockLatency); err != nil {
			return fmt.Errorf("config mock_latency: %w", err)
		}
	}
	if fc.Debug != nil {
		cfg.Debug = *fc.Debug
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv(envAPIURL); ok {
		cfg.APIURL = strings.TrimSpace(v)
	}
	cfg.Token = envOr(envToken, cfg.Token)
	if raw := envOr(envTimeout, ""); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", envTimeout, err)
		}
		cfg.Timeout = d
	}
	if raw := envOr(envMockLatency, ""); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", envMockLatency, err)
		}
		cfg.MockLatency = d
	}
	cfg.Debug = envBool(envDebug, cfg.Debug)
	return nil
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "taskctl flags:")
	fmt.Fprintln(out, "  -api URL              Backend API URL (empty runs against the in-memory mock)")
	fmt.Fprintln(out, "  -token TOKEN          Bearer token")
	fmt.Fprintln(out, "  -timeout DURATION     Request timeout (default 10s)")
	fmt.Fprintln(out, "  -mock-latency DUR     Artificial mock latency (default 300ms)")
	fmt.Fprintln(out, "  -debug                Enable debug logging")
	fmt.Fprintln(out, "  -config PATH          YAML config file")
}

func envOr(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return val
}
