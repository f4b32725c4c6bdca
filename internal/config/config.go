// Package config loads the sync client configuration from yaml with
// environment overrides layered on top.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"aim-chat/ui-sync-client/internal/push"
	"aim-chat/ui-sync-client/internal/sequencer"
)

// Config is the fully resolved client configuration.
type Config struct {
	Sync    SyncConfig
	Network push.Config
}

// SyncConfig holds the settings of the ordered delivery channel.
type SyncConfig struct {
	Endpoint           string
	SessionID          string
	ForceReleaseBudget time.Duration
	ResyncPerMinute    float64
	ResumePath         string
	ResumePassphrase   string
}

// FileConfig mirrors the yaml layout. Booleans are pointers so an explicit
// false in the file is distinguishable from an absent key.
type FileConfig struct {
	Sync    FileSyncConfig    `yaml:"sync"`
	Network FileNetworkConfig `yaml:"network"`
}

type FileSyncConfig struct {
	Endpoint           string        `yaml:"endpoint"`
	SessionID          string        `yaml:"sessionId"`
	ForceReleaseBudget time.Duration `yaml:"forceReleaseBudget"`
	ResyncPerMinute    float64       `yaml:"resyncPerMinute"`
	ResumePath         string        `yaml:"resumePath"`
	ResumePassphrase   string        `yaml:"resumePassphrase"`
}

type FileNetworkConfig struct {
	Transport           string        `yaml:"transport"`
	Port                int           `yaml:"port"`
	EnableRelay         *bool         `yaml:"enableRelay"`
	EnableFilter        *bool         `yaml:"enableFilter"`
	EnableLightPush     *bool         `yaml:"enableLightPush"`
	BootstrapNodes      []string      `yaml:"bootstrapNodes"`
	MinPeers            int           `yaml:"minPeers"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
}

func DefaultConfig() Config {
	return Config{
		Sync: SyncConfig{
			ForceReleaseBudget: sequencer.DefaultForceReleaseBudget,
			ResyncPerMinute:    30,
		},
		Network: push.DefaultConfig(),
	}
}

// LoadFromPath resolves the configuration from the given file, or from the
// default locations when none is given. A missing or unparseable file
// falls back to defaults; env overrides apply either way.
func LoadFromPath(configPath string) Config {
	cfg := DefaultConfig()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"ui-sync-client/configs/config.yaml",
			"configs/config.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var parsed FileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}

		merged := cfg
		Merge(&merged, parsed)
		ApplyEnvOverrides(&merged)
		return merged
	}

	ApplyEnvOverrides(&cfg)
	return cfg
}

func Merge(dst *Config, src FileConfig) {
	if src.Sync.Endpoint != "" {
		dst.Sync.Endpoint = src.Sync.Endpoint
	}
	if src.Sync.SessionID != "" {
		dst.Sync.SessionID = src.Sync.SessionID
	}
	if src.Sync.ForceReleaseBudget != 0 {
		dst.Sync.ForceReleaseBudget = src.Sync.ForceReleaseBudget
	}
	if src.Sync.ResyncPerMinute != 0 {
		dst.Sync.ResyncPerMinute = src.Sync.ResyncPerMinute
	}
	if src.Sync.ResumePath != "" {
		dst.Sync.ResumePath = src.Sync.ResumePath
	}
	if src.Sync.ResumePassphrase != "" {
		dst.Sync.ResumePassphrase = src.Sync.ResumePassphrase
	}

	if src.Network.Transport != "" {
		dst.Network.Transport = src.Network.Transport
	}
	if src.Network.Port != 0 {
		dst.Network.Port = src.Network.Port
	}
	if src.Network.EnableRelay != nil {
		dst.Network.EnableRelay = *src.Network.EnableRelay
	}
	if src.Network.EnableFilter != nil {
		dst.Network.EnableFilter = *src.Network.EnableFilter
	}
	if src.Network.EnableLightPush != nil {
		dst.Network.EnableLightPush = *src.Network.EnableLightPush
	}
	if src.Network.BootstrapNodes != nil {
		dst.Network.BootstrapNodes = src.Network.BootstrapNodes
	}
	if src.Network.MinPeers != 0 {
		dst.Network.MinPeers = src.Network.MinPeers
	}
	if src.Network.ReconnectInterval != 0 {
		dst.Network.ReconnectInterval = src.Network.ReconnectInterval
	}
	if src.Network.ReconnectBackoffMax != 0 {
		dst.Network.ReconnectBackoffMax = src.Network.ReconnectBackoffMax
	}
}

func ApplyEnvOverrides(cfg *Config) {
	if endpoint := strings.TrimSpace(os.Getenv("AIM_SYNC_ENDPOINT")); endpoint != "" {
		cfg.Sync.Endpoint = endpoint
	}
	if session := strings.TrimSpace(os.Getenv("AIM_SYNC_SESSION_ID")); session != "" {
		cfg.Sync.SessionID = session
	}
	if path := strings.TrimSpace(os.Getenv("AIM_SYNC_RESUME_PATH")); path != "" {
		cfg.Sync.ResumePath = path
	}
	if pass := os.Getenv("AIM_SYNC_RESUME_PASSPHRASE"); pass != "" {
		cfg.Sync.ResumePassphrase = pass
	}
	if raw := strings.TrimSpace(os.Getenv("AIM_SYNC_FORCE_RELEASE_BUDGET")); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.Sync.ForceReleaseBudget = d
		}
	}
	if transport := strings.TrimSpace(os.Getenv("AIM_NETWORK_TRANSPORT")); transport != "" {
		cfg.Network.Transport = transport
	}
	if raw := strings.TrimSpace(os.Getenv("AIM_NETWORK_MIN_PEERS")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			cfg.Network.MinPeers = v
		}
	}
}
