// Package relayconfig loads the relay's yaml configuration and applies
// environment overrides, mirroring how the daemon config is merged.
package relayconfig

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"emberroom/go-backend/internal/relay"
)

const (
	envListenAddr  = "EMBERROOM_RELAY_ADDR"
	envMetricsAddr = "EMBERROOM_METRICS_ADDR"
	envOrigins     = "EMBERROOM_ALLOWED_ORIGINS"
	envMaxRoomSize = "EMBERROOM_MAX_ROOM_SIZE"
	envMaxConns    = "EMBERROOM_MAX_CONNS"
	envMaxPerIP    = "EMBERROOM_MAX_CONNS_PER_IP"
	envFrameRPS    = "EMBERROOM_FRAME_RPS"
	envFrameBurst  = "EMBERROOM_FRAME_BURST"
)

type fileConfig struct {
	Relay relaySection `yaml:"relay"`
}

type relaySection struct {
	ListenAddr     string   `yaml:"listenAddr"`
	MetricsAddr    string   `yaml:"metricsAddr"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
	MaxRoomSize    int      `yaml:"maxRoomSize"`
	MaxConns       int      `yaml:"maxConns"`
	MaxConnsPerIP  int      `yaml:"maxConnsPerIP"`
	FrameRPS       float64  `yaml:"frameRPS"`
	FrameBurst     int      `yaml:"frameBurst"`
}

// LoadFromPath reads configPath when given, else tries the conventional
// locations; missing or unparseable files fall back to defaults, and env
// overrides always apply last.
func LoadFromPath(configPath string) relay.Config {
	cfg := relay.DefaultConfig()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates, "configs/relay.yaml", "relay.yaml")
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var parsed fileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}
		merge(&cfg, parsed.Relay)
		break
	}

	applyEnvOverrides(&cfg)
	return cfg
}

func merge(dst *relay.Config, src relaySection) {
	if src.ListenAddr != "" {
		dst.ListenAddr = src.ListenAddr
	}
	if src.MetricsAddr != "" {
		dst.MetricsAddr = src.MetricsAddr
	}
	if src.AllowedOrigins != nil {
		dst.AllowedOrigins = src.AllowedOrigins
	}
	if src.MaxRoomSize > 0 {
		dst.MaxRoomSize = src.MaxRoomSize
	}
	if src.MaxConns > 0 {
		dst.MaxConns = src.MaxConns
	}
	if src.MaxConnsPerIP > 0 {
		dst.MaxConnsPerIP = src.MaxConnsPerIP
	}
	if src.FrameRPS > 0 {
		dst.FrameRPS = src.FrameRPS
	}
	if src.FrameBurst > 0 {
		dst.FrameBurst = src.FrameBurst
	}
}

func applyEnvOverrides(cfg *relay.Config) {
	if v := strings.TrimSpace(os.Getenv(envListenAddr)); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv(envMetricsAddr)); v != "" {
		cfg.MetricsAddr = v
	}
	if v := strings.TrimSpace(os.Getenv(envOrigins)); v != "" {
		parts := strings.Split(v, ",")
		origins := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				origins = append(origins, p)
			}
		}
		cfg.AllowedOrigins = origins
	}
	if v, ok := parseIntEnv(envMaxRoomSize); ok {
		cfg.MaxRoomSize = v
	}
	if v, ok := parseIntEnv(envMaxConns); ok {
		cfg.MaxConns = v
	}
	if v, ok := parseIntEnv(envMaxPerIP); ok {
		cfg.MaxConnsPerIP = v
	}
	if v := strings.TrimSpace(os.Getenv(envFrameRPS)); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil && parsed > 0 {
			cfg.FrameRPS = parsed
		}
	}
	if v, ok := parseIntEnv(envFrameBurst); ok {
		cfg.FrameBurst = v
	}
}

func parseIntEnv(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return 0, false
	}
	return parsed, true
}
