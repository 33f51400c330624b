package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the callsift server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir     string
	HTTPPort    int
	LogLevel    string
	LogFormat   string // log output format: "text" or "json"
	CORSOrigins string
	PublicURL   string // externally reachable base URL for provider callbacks
	PostgresDSN string // when set, call state lives in Postgres instead of SQLite

	// Carrier (REST dial + native AMD).
	CarrierAccountSID       string
	CarrierAuthToken        string
	CarrierFromNumber       string
	CarrierAPIBase          string
	CarrierMachineDetection string

	// Hosted classifier services.
	HostedABaseURL     string
	HostedBBaseURL     string
	ClassifierUsername string
	ClassifierPassword string

	// Realtime classifier websocket endpoint.
	RealtimeWSURL string

	// SIP-enhanced backend.
	SIPHost      string
	SIPPort      int
	SIPTransport string
	SIPAPIBase   string

	// Greeting played while detection runs.
	GreetingMessage     string
	GreetingHoldSeconds int

	ClassifyTimeout time.Duration
	SweepInterval   time.Duration
	CallMaxAge      time.Duration
}

// defaults
const (
	defaultDataDir         = "./data"
	defaultHTTPPort        = 8080
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
	defaultCarrierAPIBase  = "https://api.twilio.com"
	defaultSIPPort         = 5060
	defaultSIPTransport    = "udp"
	defaultMachineDetect   = "DetectMessageEnd"
	defaultGreeting        = "Hello, this is an automated call quality check."
	defaultHoldSeconds     = 5
	defaultClassifyTimeout = 30 * time.Second
	defaultSweepInterval   = time.Minute
	defaultCallMaxAge      = 10 * time.Minute
)

// envPrefix is the prefix for all callsift environment variables.
const envPrefix = "CALLSIFT_"

// Load parses configuration from CLI flags and environment variables.
// A .env file in the working directory is read first so local development
// does not need exported variables. Precedence: CLI flags > env vars >
// defaults.
func Load() (*Config, error) {
	// Missing .env is the normal production case.
	_ = godotenv.Load()

	cfg := &Config{}

	fs := flag.NewFlagSet("callsift", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the SQLite database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated list of allowed CORS origins (use * for all)")
	fs.StringVar(&cfg.PublicURL, "public-url", "", "externally reachable base URL for provider callbacks (e.g., https://amd.example.com)")
	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", "", "Postgres connection string; SQLite is used when empty")
	fs.StringVar(&cfg.CarrierAccountSID, "carrier-account-sid", "", "carrier account SID for REST dialing")
	fs.StringVar(&cfg.CarrierAuthToken, "carrier-auth-token", "", "carrier auth token")
	fs.StringVar(&cfg.CarrierFromNumber, "carrier-from-number", "", "E.164 caller id for outbound calls")
	fs.StringVar(&cfg.CarrierAPIBase, "carrier-api-base", defaultCarrierAPIBase, "carrier REST API base URL")
	fs.StringVar(&cfg.CarrierMachineDetection, "carrier-machine-detection", defaultMachineDetect, "carrier AMD mode (Enable, DetectMessageEnd)")
	fs.StringVar(&cfg.HostedABaseURL, "hosted-a-base-url", "", "base URL of the hosted-a classifier service")
	fs.StringVar(&cfg.HostedBBaseURL, "hosted-b-base-url", "", "base URL of the hosted-b classifier service")
	fs.StringVar(&cfg.ClassifierUsername, "classifier-username", "", "digest auth username for classifier services")
	fs.StringVar(&cfg.ClassifierPassword, "classifier-password", "", "digest auth password for classifier services")
	fs.StringVar(&cfg.RealtimeWSURL, "realtime-ws-url", "", "websocket URL of the realtime classifier")
	fs.StringVar(&cfg.SIPHost, "sip-host", "", "SIP gateway host for the sip-enhanced backend")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP gateway port")
	fs.StringVar(&cfg.SIPTransport, "sip-transport", defaultSIPTransport, "SIP transport (udp, tcp)")
	fs.StringVar(&cfg.SIPAPIBase, "sip-api-base", "", "control API base URL of the SIP gateway")
	fs.StringVar(&cfg.GreetingMessage, "greeting-message", defaultGreeting, "message spoken when an outbound call connects")
	fs.IntVar(&cfg.GreetingHoldSeconds, "greeting-hold-seconds", defaultHoldSeconds, "seconds of silence after the greeting")
	fs.DurationVar(&cfg.ClassifyTimeout, "classify-timeout", defaultClassifyTimeout, "per-call classification backend timeout")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", defaultSweepInterval, "how often to sweep for stale calls")
	fs.DurationVar(&cfg.CallMaxAge, "call-max-age", defaultCallMaxAge, "age after which a non-terminal call is failed")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"data-dir":                  envPrefix + "DATA_DIR",
		"http-port":                 envPrefix + "HTTP_PORT",
		"log-level":                 envPrefix + "LOG_LEVEL",
		"log-format":                envPrefix + "LOG_FORMAT",
		"cors-origins":              envPrefix + "CORS_ORIGINS",
		"public-url":                envPrefix + "PUBLIC_URL",
		"postgres-dsn":              envPrefix + "POSTGRES_DSN",
		"carrier-account-sid":       envPrefix + "CARRIER_ACCOUNT_SID",
		"carrier-auth-token":        envPrefix + "CARRIER_AUTH_TOKEN",
		"carrier-from-number":       envPrefix + "CARRIER_FROM_NUMBER",
		"carrier-api-base":          envPrefix + "CARRIER_API_BASE",
		"carrier-machine-detection": envPrefix + "CARRIER_MACHINE_DETECTION",
		"hosted-a-base-url":         envPrefix + "HOSTED_A_BASE_URL",
		"hosted-b-base-url":         envPrefix + "HOSTED_B_BASE_URL",
		"classifier-username":       envPrefix + "CLASSIFIER_USERNAME",
		"classifier-password":       envPrefix + "CLASSIFIER_PASSWORD",
		"realtime-ws-url":           envPrefix + "REALTIME_WS_URL",
		"sip-host":                  envPrefix + "SIP_HOST",
		"sip-port":                  envPrefix + "SIP_PORT",
		"sip-transport":             envPrefix + "SIP_TRANSPORT",
		"sip-api-base":              envPrefix + "SIP_API_BASE",
		"greeting-message":          envPrefix + "GREETING_MESSAGE",
		"greeting-hold-seconds":     envPrefix + "GREETING_HOLD_SECONDS",
		"classify-timeout":          envPrefix + "CLASSIFY_TIMEOUT",
		"sweep-interval":            envPrefix + "SWEEP_INTERVAL",
		"call-max-age":              envPrefix + "CALL_MAX_AGE",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "cors-origins":
			cfg.CORSOrigins = val
		case "public-url":
			cfg.PublicURL = val
		case "postgres-dsn":
			cfg.PostgresDSN = val
		case "carrier-account-sid":
			cfg.CarrierAccountSID = val
		case "carrier-auth-token":
			cfg.CarrierAuthToken = val
		case "carrier-from-number":
			cfg.CarrierFromNumber = val
		case "carrier-api-base":
			cfg.CarrierAPIBase = val
		case "carrier-machine-detection":
			cfg.CarrierMachineDetection = val
		case "hosted-a-base-url":
			cfg.HostedABaseURL = val
		case "hosted-b-base-url":
			cfg.HostedBBaseURL = val
		case "classifier-username":
			cfg.ClassifierUsername = val
		case "classifier-password":
			cfg.ClassifierPassword = val
		case "realtime-ws-url":
			cfg.RealtimeWSURL = val
		case "sip-host":
			cfg.SIPHost = val
		case "sip-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPPort = v
			}
		case "sip-transport":
			cfg.SIPTransport = val
		case "sip-api-base":
			cfg.SIPAPIBase = val
		case "greeting-message":
			cfg.GreetingMessage = val
		case "greeting-hold-seconds":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.GreetingHoldSeconds = v
			}
		case "classify-timeout":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.ClassifyTimeout = v
			}
		case "sweep-interval":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.SweepInterval = v
			}
		case "call-max-age":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.CallMaxAge = v
			}
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	validTransports := map[string]bool{"udp": true, "tcp": true}
	if !validTransports[strings.ToLower(c.SIPTransport)] {
		return fmt.Errorf("sip-transport must be one of udp, tcp; got %q", c.SIPTransport)
	}
	c.SIPTransport = strings.ToLower(c.SIPTransport)

	// Carrier credentials come as a set or not at all.
	carrierSet := 0
	for _, v := range []string{c.CarrierAccountSID, c.CarrierAuthToken, c.CarrierFromNumber} {
		if v != "" {
			carrierSet++
		}
	}
	if carrierSet != 0 && carrierSet != 3 {
		return fmt.Errorf("carrier-account-sid, carrier-auth-token, and carrier-from-number must all be provided together")
	}
	if carrierSet == 3 && c.PublicURL == "" {
		return fmt.Errorf("public-url is required when carrier credentials are configured")
	}

	if c.GreetingHoldSeconds < 0 || c.GreetingHoldSeconds > 60 {
		return fmt.Errorf("greeting-hold-seconds must be between 0 and 60, got %d", c.GreetingHoldSeconds)
	}
	if c.ClassifyTimeout <= 0 {
		return fmt.Errorf("classify-timeout must be positive, got %s", c.ClassifyTimeout)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep-interval must be positive, got %s", c.SweepInterval)
	}
	if c.CallMaxAge <= 0 {
		return fmt.Errorf("call-max-age must be positive, got %s", c.CallMaxAge)
	}

	return nil
}

// SlogLevel maps the configured log level to its slog value.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// CarrierConfigured reports whether REST dialing through the carrier is
// available. Without it the native-carrier strategy runs on a stand-in.
func (c *Config) CarrierConfigured() bool {
	return c.CarrierAccountSID != "" && c.CarrierAuthToken != "" && c.CarrierFromNumber != ""
}
