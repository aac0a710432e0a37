// Package config loads and holds all proxy configuration.
// Settings are layered: defaults → proxy-config.json → environment variables (env vars win).
// The UpstreamProxy field / UPSTREAM_PROXY env var is loaded but not read by the proxy;
// upstream chaining follows the HTTP_PROXY / HTTPS_PROXY / NO_PROXY env vars.
package config

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
)

// Config holds the full proxy configuration.
type Config struct {
	ProxyPort      int    `json:"proxyPort"`
	ManagementPort int    `json:"managementPort"`
	LogLevel       string `json:"logLevel"`
	BindAddress    string `json:"bindAddress"`

	// ConfDir holds the CA and its derived artifacts (-ca.pem, -ca.p12,
	// -ca-cert.pem, -ca-cert.cer, -ca-cert.p12, -dhparam.pem).
	ConfDir        string `json:"confDir"`
	CABasename     string `json:"caBasename"`
	CAKeySize      int    `json:"caKeySize"`
	CAOrganization string `json:"caOrganization"`
	CACommonName   string `json:"caCommonName"`
	// CAPassphrase decrypts the CA private key in <CABasename>-ca.pem when
	// that key is encrypted. A freshly bootstrapped CA key is always written
	// unencrypted.
	CAPassphrase string `json:"caPassphrase"`

	ManagementToken string `json:"managementToken"`
	UpstreamProxy   string `json:"upstreamProxy"`
}

// Load returns config with defaults overridden by proxy-config.json and env vars.
func Load() *Config {
	cfg := defaults()
	loadFile(cfg, "proxy-config.json")
	loadEnv(cfg)
	return cfg
}

func defaults() *Config {
	return &Config{
		ProxyPort:      8080,
		ManagementPort: 8081,
		LogLevel:       "info",
		BindAddress:    "127.0.0.1",
		ConfDir:        ".mitmca",
		CABasename:     "mitmproxy",
		CAKeySize:      2048,
	}
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path) //nolint:gosec // G703: path is a controlled config file path, not user input
	if err != nil {
		return // file is optional
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		log.Printf("[CONFIG] Warning: could not parse %s: %v", path, err)
	} else {
		log.Printf("[CONFIG] Loaded %s", path)
	}
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("PROXY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ProxyPort = n
		}
	}
	if v := os.Getenv("MANAGEMENT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ManagementPort = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}
	if v := os.Getenv("CONFDIR"); v != "" {
		cfg.ConfDir = v
	}
	if v := os.Getenv("CA_BASENAME"); v != "" {
		cfg.CABasename = v
	}
	if v := os.Getenv("CA_KEY_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CAKeySize = n
		}
	}
	if v := os.Getenv("CA_ORGANIZATION"); v != "" {
		cfg.CAOrganization = v
	}
	if v := os.Getenv("CA_COMMON_NAME"); v != "" {
		cfg.CACommonName = v
	}
	if v := os.Getenv("CA_PASSPHRASE"); v != "" {
		cfg.CAPassphrase = v
	}
	if v := os.Getenv("MANAGEMENT_TOKEN"); v != "" {
		cfg.ManagementToken = v
	}
	if v := os.Getenv("UPSTREAM_PROXY"); v != "" {
		cfg.UpstreamProxy = v
	}
}
