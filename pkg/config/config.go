// Package config provides a reusable loader for a chain's configuration
// file and environment variable overrides. It is versioned so applications
// can depend on a stable API contract.
//
// Version: v0.1.0
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"trustmesh/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// BodyFormatName names one of the wire body encodings a chain can be
// configured to use for its meta or data records.
type BodyFormatName string

const (
	FormatBincode     BodyFormatName = "Bincode"
	FormatJSONName    BodyFormatName = "Json"
	FormatMsgPackName BodyFormatName = "MessagePack"
)

// ConfiguredFor is a named preset trading off throughput, compatibility and
// security, applied by tuning the defaults below rather than gating
// features.
type ConfiguredFor string

const (
	ForRaw             ConfiguredFor = "Raw"
	ForBareBone        ConfiguredFor = "BareBone"
	ForSpeed           ConfiguredFor = "Speed"
	ForCompatibility   ConfiguredFor = "Compatibility"
	ForBalanced        ConfiguredFor = "Balanced"
	ForBestSecurity    ConfiguredFor = "BestSecurity"
	ForBestPerformance ConfiguredFor = "BestPerformance"
)

// RecoveryMode controls how a chain reacts to a corrupt or truncated redo
// log record encountered during replay.
type RecoveryMode string

const (
	RecoverySync          RecoveryMode = "sync"
	RecoveryAsync         RecoveryMode = "async"
	RecoveryReadonlySync  RecoveryMode = "readonly-sync"
	RecoveryReadonlyAsync RecoveryMode = "readonly-async"
)

// LogFormat names the wire format used for an event's meta and data
// segments independently.
type LogFormat struct {
	Meta BodyFormatName `mapstructure:"meta" json:"meta"`
	Data BodyFormatName `mapstructure:"data" json:"data"`
}

// Compact holds the redo log's background compaction tuning.
type Compact struct {
	Mode            bool    `mapstructure:"mode" json:"mode"`
	Timer           string  `mapstructure:"timer" json:"timer"`
	ThresholdFactor float64 `mapstructure:"threshold_factor" json:"threshold_factor"`
	ThresholdSize   int64   `mapstructure:"threshold_size" json:"threshold_size"`
}

// Config is the unified configuration for one chain-of-trust node. A chain
// key `a/b` is persisted at `<LogPath>/<a>/<b>.log` with a `<b>.redo`
// rotation suffix.
type Config struct {
	LogFormat     LogFormat     `mapstructure:"log_format" json:"log_format"`
	ConfiguredFor ConfiguredFor `mapstructure:"configured_for" json:"configured_for"`

	NTPSync         bool   `mapstructure:"ntp_sync" json:"ntp_sync"`
	NTPPool         string `mapstructure:"ntp_pool" json:"ntp_pool"`
	TimeToleranceMS int    `mapstructure:"time_tolerance_ms" json:"time_tolerance_ms"`

	LogPath string `mapstructure:"log_path" json:"log_path"`
	LogTemp bool   `mapstructure:"log_temp" json:"log_temp"`

	Compact Compact `mapstructure:"compact" json:"compact"`

	RecoveryMode   RecoveryMode `mapstructure:"recovery_mode" json:"recovery_mode"`
	RecordTypeName bool         `mapstructure:"record_type_name" json:"record_type_name"`

	Mesh struct {
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
	} `mapstructure:"mesh" json:"mesh"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// defaultsFor returns the baseline values for each ConfiguredFor preset. Raw
// and BareBone favor throughput (no compaction, no NTP sync); BestSecurity
// tightens the anti-replay/timestamp window; Speed and BestPerformance
// widen it and compact less eagerly.
func defaultsFor(preset ConfiguredFor) Config {
	c := Config{
		LogFormat:       LogFormat{Meta: FormatMsgPackName, Data: FormatMsgPackName},
		ConfiguredFor:   preset,
		NTPSync:         true,
		NTPPool:         "pool.ntp.org",
		TimeToleranceMS: 5000,
		LogTemp:         false,
		Compact:         Compact{Mode: true, Timer: "1h", ThresholdFactor: 0.5, ThresholdSize: 64 << 20},
		RecoveryMode:    RecoverySync,
		RecordTypeName:  true,
	}
	switch preset {
	case ForRaw, ForBareBone:
		c.NTPSync = false
		c.Compact.Mode = false
		c.RecoveryMode = RecoveryAsync
	case ForSpeed, ForBestPerformance:
		c.Compact.ThresholdFactor = 0.75
		c.TimeToleranceMS = 15000
	case ForBestSecurity:
		c.TimeToleranceMS = 1000
		c.RecordTypeName = true
	}
	return c
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads a chain's configuration file and merges any environment
// specific override file, applying the ConfiguredFor preset's defaults
// first so an override file only needs to name the fields it changes.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv()

	AppConfig = defaultsFor(ConfiguredFor(viper.GetString("configured_for")))
	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the ATE_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("ATE_ENV", ""))
}
