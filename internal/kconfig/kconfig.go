// Package kconfig holds the boot-time tunables for the kernel core:
// page size, heap range, TCP MSS/retransmit ceiling, the GUI session
// limit, and the dynamic TCP port range. Defaults load from an
// optional YAML file layered under environment overrides, the way
// canonical-snapd layers its daemon configuration.
package kconfig

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the full set of boot tunables. Zero value is not valid;
// always obtain one via Default() or Load().
type Config struct {
	PageSize           int    `yaml:"page_size"`
	HeapStart          uint64 `yaml:"heap_start"`
	HeapMaxBytes       uint64 `yaml:"heap_max_bytes"`
	TempMapSlots       int    `yaml:"temp_map_slots"`
	MaxSegmentSize     int    `yaml:"max_segment_size"`
	RetransmitCeiling  int    `yaml:"retransmit_ceiling"`
	NagleDelayMillis   int    `yaml:"nagle_delay_millis"`
	DelayedAckMillis   int    `yaml:"delayed_ack_millis"`
	DynamicPortLo      int    `yaml:"dynamic_port_lo"`
	DynamicPortHi      int    `yaml:"dynamic_port_hi"`
	MaxGUISessions     int    `yaml:"max_gui_sessions"`
	SymlinkDepthLimit  int    `yaml:"symlink_depth_limit"`
	AcceptQueueDefault int    `yaml:"accept_queue_default"`
}

// Default returns the spec-mandated defaults (§2, §4.6, §4.7, §4.8,
// GLOSSARY).
func Default() Config {
	return Config{
		PageSize:           4096,
		HeapStart:          0xffff_8000_0000_0000,
		HeapMaxBytes:       64 << 20,
		TempMapSlots:       16,
		MaxSegmentSize:     1400, // MSS, GLOSSARY
		RetransmitCeiling:  8,
		NagleDelayMillis:   100,
		DelayedAckMillis:   200,
		DynamicPortLo:      0xC000,
		DynamicPortHi:      0xFFFF,
		MaxGUISessions:     13, // C_MAX_SESSIONS, §3
		SymlinkDepthLimit:  8,
		AcceptQueueDefault: 16,
	}
}

// Load starts from Default() and overlays a YAML file at path (if it
// exists) followed by environment variables prefixed KCORE_.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, err
			}
		} else if !os.IsNotExist(err) {
			return cfg, err
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	intOverride("KCORE_PAGE_SIZE", &cfg.PageSize)
	intOverride("KCORE_MAX_SEGMENT_SIZE", &cfg.MaxSegmentSize)
	intOverride("KCORE_RETRANSMIT_CEILING", &cfg.RetransmitCeiling)
	intOverride("KCORE_MAX_GUI_SESSIONS", &cfg.MaxGUISessions)
}

func intOverride(env string, dst *int) {
	v, ok := os.LookupEnv(env)
	if !ok {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}
