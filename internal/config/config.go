// Package config loads procksy's JSON configuration file and applies CLI
// flag overrides, generalizing original_source/procksy/config.py's
// ProcksyConfig.from_dict/from_filepath/override into a Go constructor
// plus an explicit Override method.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/cert-edf/procksy/internal/policy"
)

const fileName = "procksy.json"

// Default values, mirroring DEFAULT_* constants in
// original_source/procksy/config.py.
const (
	DefaultBindAddr    = "127.0.0.1"
	DefaultBindPort    = 9050
	DefaultBufferSize  = 2048
	DefaultMaxThreads  = 200
	DefaultSockTimeout = 5
)

// Config is procksy's immutable, once-built server configuration.
type Config struct {
	BindAddr      string
	BindPort      int
	BufferSize    int
	MaxThreads    int
	SockTimeout   int
	ClientFilter  policy.AddressFilter
	TargetFilter  policy.AddressFilter
	Authenticator policy.Authenticator
}

// defaultLocations returns the three well-known config search paths, in
// priority order.
func defaultLocations() []string {
	locs := []string{fileName}
	if home, err := os.UserHomeDir(); err == nil {
		locs = append(locs, filepath.Join(home, ".config", "procksy", fileName))
	}
	locs = append(locs, filepath.Join("/etc", "procksy", fileName))
	return locs
}

// fileFilter mirrors the JSON shape of a client_filter/target_filter
// object in procksy.json.
type fileFilter struct {
	Mode     string   `json:"mode"`
	Values   []string `json:"values"`
	Filepath string   `json:"filepath"`
}

type fileAuthenticator struct {
	Enabled bool              `json:"enabled"`
	Users   map[string]string `json:"users"`
}

// fileConfig is the JSON tree shape of procksy.json.
type fileConfig struct {
	BindAddr      string            `json:"bind_addr"`
	BindPort      int               `json:"bind_port"`
	BufferSize    int               `json:"buffer_size"`
	MaxThreads    int               `json:"max_threads"`
	SockTimeout   int               `json:"sock_timeout"`
	ClientFilter  fileFilter        `json:"client_filter"`
	TargetFilter  fileFilter        `json:"target_filter"`
	Authenticator fileAuthenticator `json:"authenticator"`
}

func defaultConfig() Config {
	return Config{
		BindAddr:      DefaultBindAddr,
		BindPort:      DefaultBindPort,
		BufferSize:    DefaultBufferSize,
		MaxThreads:    DefaultMaxThreads,
		SockTimeout:   DefaultSockTimeout,
		ClientFilter:  policy.NewAddressFilter(policy.ModeNone, nil, ""),
		TargetFilter:  policy.NewAddressFilter(policy.ModeNone, nil, ""),
		Authenticator: policy.NewAuthenticator(false, nil),
	}
}

func buildFilter(f fileFilter) (policy.AddressFilter, error) {
	mode, err := policy.ParseFilterMode(f.Mode)
	if err != nil {
		return policy.AddressFilter{}, err
	}
	return policy.NewAddressFilter(mode, f.Values, f.Filepath), nil
}

func fromFileConfig(fc fileConfig) (Config, error) {
	cfg := defaultConfig()
	if fc.BindAddr != "" {
		cfg.BindAddr = fc.BindAddr
	}
	if fc.BindPort != 0 {
		cfg.BindPort = fc.BindPort
	}
	if fc.BufferSize != 0 {
		cfg.BufferSize = fc.BufferSize
	}
	if fc.MaxThreads != 0 {
		cfg.MaxThreads = fc.MaxThreads
	}
	if fc.SockTimeout != 0 {
		cfg.SockTimeout = fc.SockTimeout
	}
	if fc.ClientFilter.Mode != "" {
		f, err := buildFilter(fc.ClientFilter)
		if err != nil {
			return Config{}, fmt.Errorf("config: client_filter: %w", err)
		}
		cfg.ClientFilter = f
	}
	if fc.TargetFilter.Mode != "" {
		f, err := buildFilter(fc.TargetFilter)
		if err != nil {
			return Config{}, fmt.Errorf("config: target_filter: %w", err)
		}
		cfg.TargetFilter = f
	}
	cfg.Authenticator = policy.NewAuthenticator(fc.Authenticator.Enabled, fc.Authenticator.Users)
	return cfg, nil
}

// LoadFromPath reads and parses filepath as procksy.json. A malformed
// file logs an error and falls back to defaults rather than failing
// startup.
func LoadFromPath(path string) Config {
	log.Printf("[config] loading configuration from %s", path)
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] error while loading configuration data: %v", err)
		return defaultConfig()
	}
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		log.Printf("[config] error while decoding configuration data: %v", err)
		return defaultConfig()
	}
	cfg, err := fromFileConfig(fc)
	if err != nil {
		log.Printf("[config] error while decoding configuration data: %v", err)
		return defaultConfig()
	}
	return cfg
}

// LoadFromDefaultLocations searches the three well-known locations in
// order and loads the first one found, or returns defaults if none exist.
func LoadFromDefaultLocations() Config {
	for _, path := range defaultLocations() {
		if info, err := os.Stat(path); err != nil || info.IsDir() {
			log.Printf("[config] configuration file not found: %s", path)
			continue
		}
		return LoadFromPath(path)
	}
	log.Printf("[config] using default configuration")
	return defaultConfig()
}

// Overrides holds the optional CLI flag values from `procksy serve`,
// mirroring original_source/procksy/config.py's override(args).
type Overrides struct {
	Users         []string // USER:DIGEST
	ClientFilter  string   // mode:v1,v2,...
	TargetFilter  string   // mode:v1,v2,...
	BindAddr      string
	BindPort      int
	BufferSize    int
	MaxThreads    int
	SockTimeout   int
}

// parseFilterFlag parses a "mode:v1,v2,v3" flag value into an AddressFilter.
func parseFilterFlag(spec string) (policy.AddressFilter, error) {
	modeStr, rest, ok := strings.Cut(spec, ":")
	if !ok {
		return policy.AddressFilter{}, fmt.Errorf("config: malformed filter spec %q, want mode:v1,v2,...", spec)
	}
	mode, err := policy.ParseFilterMode(modeStr)
	if err != nil {
		return policy.AddressFilter{}, err
	}
	var values []string
	if rest != "" {
		values = strings.Split(rest, ",")
	}
	return policy.NewAddressFilter(mode, values, ""), nil
}

func parseUsersFlag(entries []string) (map[string]string, error) {
	users := make(map[string]string, len(entries))
	for _, e := range entries {
		user, digest, ok := strings.Cut(e, ":")
		if !ok {
			return nil, fmt.Errorf("config: malformed --users entry %q, want USER:DIGEST", e)
		}
		users[user] = digest
	}
	return users, nil
}

// Override applies non-zero CLI overrides on top of cfg, returning the
// merged Config. Malformed filter/user specs are returned as errors so
// `procksy serve` can exit non-zero on a bad flag.
func (cfg Config) Override(o Overrides) (Config, error) {
	out := cfg
	if o.ClientFilter != "" {
		f, err := parseFilterFlag(o.ClientFilter)
		if err != nil {
			return Config{}, err
		}
		out.ClientFilter = f
	}
	if o.TargetFilter != "" {
		f, err := parseFilterFlag(o.TargetFilter)
		if err != nil {
			return Config{}, err
		}
		out.TargetFilter = f
	}
	if len(o.Users) > 0 {
		users, err := parseUsersFlag(o.Users)
		if err != nil {
			return Config{}, err
		}
		out.Authenticator = policy.NewAuthenticator(true, users)
	}
	if o.BindAddr != "" {
		out.BindAddr = o.BindAddr
	}
	if o.BindPort != 0 {
		out.BindPort = o.BindPort
	}
	if o.BufferSize != 0 {
		out.BufferSize = o.BufferSize
	}
	if o.MaxThreads != 0 {
		out.MaxThreads = o.MaxThreads
	}
	if o.SockTimeout != 0 {
		out.SockTimeout = o.SockTimeout
	}
	return out, nil
}

// String renders a human-readable summary for the startup log line,
// mirroring main.py's LOGGER.info("configuration:\n%s", config).
func (cfg Config) String() string {
	return fmt.Sprintf(
		"bind=%s:%d buffer_size=%d max_threads=%d sock_timeout=%d client_filter=%s target_filter=%s auth_enabled=%t",
		cfg.BindAddr, cfg.BindPort, cfg.BufferSize, cfg.MaxThreads, cfg.SockTimeout,
		filterModeString(cfg.ClientFilter.Mode()), filterModeString(cfg.TargetFilter.Mode()),
		cfg.Authenticator.Enabled,
	)
}

func filterModeString(m policy.FilterMode) string {
	switch m {
	case policy.ModeAllow:
		return "allow"
	case policy.ModeDeny:
		return "deny"
	default:
		return "none"
	}
}
