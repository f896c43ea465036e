// Package config loads application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"time"
)

// Config holds the application configuration loaded from environment variables.
type Config struct {
	CareLinkServer string
	Country        string
	Language       string
	TokenFile      string
	ProxyFile      string
	DeviceSerial   string
	NightscoutURL  string
	NightscoutKey  string
	PollInterval   time.Duration
	ListenAddr     string
}

// HasProxies returns true when a proxy list file is configured. The file's
// contents decide the actual rotation behavior; an empty file still means
// "no proxies configured".
func (c *Config) HasProxies() bool {
	return c.ProxyFile != ""
}

// Load reads configuration from environment variables and returns a validated
// Config. MEDRELAY_NIGHTSCOUT_URL and MEDRELAY_NIGHTSCOUT_API_SECRET are
// required. Optional variables with defaults: MEDRELAY_CARELINK_SERVER
// (carelink.minimed.com), MEDRELAY_COUNTRY (us), MEDRELAY_LANGUAGE (en),
// MEDRELAY_TOKEN_FILE (carelink-token.json), MEDRELAY_POLL_INTERVAL (5m),
// MEDRELAY_LISTEN_ADDR (127.0.0.1:8080).
func Load() (*Config, error) {
	nsURL := os.Getenv("MEDRELAY_NIGHTSCOUT_URL")
	if nsURL == "" {
		return nil, fmt.Errorf("MEDRELAY_NIGHTSCOUT_URL is required")
	}

	nsKey := os.Getenv("MEDRELAY_NIGHTSCOUT_API_SECRET")
	if nsKey == "" {
		return nil, fmt.Errorf("MEDRELAY_NIGHTSCOUT_API_SECRET is required")
	}

	server := "carelink.minimed.com"
	if v, ok := os.LookupEnv("MEDRELAY_CARELINK_SERVER"); ok {
		server = v
	}

	country := "us"
	if v, ok := os.LookupEnv("MEDRELAY_COUNTRY"); ok {
		country = v
	}

	language := "en"
	if v, ok := os.LookupEnv("MEDRELAY_LANGUAGE"); ok {
		language = v
	}

	tokenFile := "carelink-token.json"
	if v, ok := os.LookupEnv("MEDRELAY_TOKEN_FILE"); ok {
		tokenFile = v
	}

	pollInterval := 5 * time.Minute
	if v, ok := os.LookupEnv("MEDRELAY_POLL_INTERVAL"); ok {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("MEDRELAY_POLL_INTERVAL has invalid duration %q: %w", v, err)
		}
		pollInterval = parsed
	}

	listenAddr := "127.0.0.1:8080"
	if v, ok := os.LookupEnv("MEDRELAY_LISTEN_ADDR"); ok {
		listenAddr = v
	}

	return &Config{
		CareLinkServer: server,
		Country:        country,
		Language:       language,
		TokenFile:      tokenFile,
		ProxyFile:      os.Getenv("MEDRELAY_PROXY_FILE"),
		DeviceSerial:   os.Getenv("MEDRELAY_DEVICE_SERIAL"),
		NightscoutURL:  nsURL,
		NightscoutKey:  nsKey,
		PollInterval:   pollInterval,
		ListenAddr:     listenAddr,
	}, nil
}
