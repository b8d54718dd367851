// Package agentconfig loads the agent's own process configuration: sink
// mode, payload shape, manager address, and balancer-adjacent knobs the
// agent needs merely to report itself correctly at handshake time.
//
// A literal YAML struct unmarshalled with gopkg.in/yaml.v2, merged
// field-by-field onto typed defaults. Parsing the instrumented
// application's own config is out of scope; this is the agent process's
// own bootstrap, consulted once at startup.
package agentconfig

import (
	"os"

	log "github.com/cihub/seelog"
	"gopkg.in/yaml.v2"
)

// Mode selects where the sink worker delivers batches.
type Mode string

const (
	ModeDev    Mode = "dev"
	ModeFile   Mode = "file"
	ModeRemote Mode = "remote"
)

// LogType selects the payload shape produced by the trace interceptor.
type LogType string

const (
	LogTypeNormal   LogType = "normal"
	LogTypeCompress LogType = "compress"
)

// AlgoConfig carries one balancer strategy's tunables.
type AlgoConfig struct {
	WindowSize int     `yaml:"window_size"`
	Threshold  float64 `yaml:"threshold"`
	MinEntropy float64 `yaml:"min_entropy"`
	MinSamples int     `yaml:"min_samples"`
}

// AgentConfig is the agent's resolved, typed configuration.
type AgentConfig struct {
	Mode    Mode
	LogType LogType
	Output  string
	AppName string

	ManagerIP   string
	ManagerPort int

	AlgoActive string
	Algo       map[string]AlgoConfig
}

// Default returns the configuration an agent runs with if no YAML file is
// present or the file fails to parse — never a fatal condition.
func Default() *AgentConfig {
	return &AgentConfig{
		Mode:        ModeDev,
		LogType:     LogTypeCompress,
		Output:      ".",
		AppName:     "app",
		ManagerIP:   "127.0.0.1",
		ManagerPort: 9999,
		AlgoActive:  "zscore",
		Algo: map[string]AlgoConfig{
			"zscore":           {WindowSize: 60, Threshold: 2.0},
			"weighted_entropy": {WindowSize: 60, Threshold: 2.0, MinEntropy: 2.0, MinSamples: 20},
		},
	}
}

// yamlAgentConfig mirrors the on-disk agent.yaml shape; every field is a
// pointer or zero-value-detectable so that an absent key leaves the
// default untouched.
type yamlAgentConfig struct {
	Mode        string                     `yaml:"mode"`
	LogType     string                     `yaml:"logtype"`
	Output      string                     `yaml:"output"`
	AppName     string                     `yaml:"app_name"`
	ManagerIP   string                     `yaml:"manager_ip"`
	ManagerPort int                        `yaml:"manager_port"`
	Algo        map[string]yamlAlgoSection `yaml:"algo"`
}

type yamlAlgoSection struct {
	Active     bool    `yaml:"active"`
	WindowSize int     `yaml:"window_size"`
	Threshold  float64 `yaml:"threshold"`
	MinEntropy float64 `yaml:"min_entropy"`
	MinSamples int     `yaml:"min_samples"`
}

// Load reads path and merges it onto Default(). A missing or malformed
// file is logged and ignored — config errors coerce to defaults rather
// than aborting startup.
func Load(path string) *AgentConfig {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		log.Debugf("agentconfig: no config at %s, using defaults: %v", path, err)
		return cfg
	}

	var y yamlAgentConfig
	if err := yaml.Unmarshal(data, &y); err != nil {
		log.Warnf("agentconfig: malformed config at %s, using defaults: %v", path, err)
		return cfg
	}

	mergeInto(cfg, &y)
	return cfg
}

func mergeInto(cfg *AgentConfig, y *yamlAgentConfig) {
	cfg.Mode = coerceMode(y.Mode)
	cfg.LogType = coerceLogType(y.LogType)

	if y.Output != "" {
		cfg.Output = y.Output
	}
	if y.AppName != "" {
		cfg.AppName = y.AppName
	}
	if y.ManagerIP != "" {
		cfg.ManagerIP = y.ManagerIP
	}
	if y.ManagerPort != 0 {
		cfg.ManagerPort = y.ManagerPort
	}

	for name, section := range y.Algo {
		if section.Active {
			cfg.AlgoActive = name
		}
		algo := cfg.Algo[name]
		if section.WindowSize != 0 {
			algo.WindowSize = section.WindowSize
		}
		if section.Threshold != 0 {
			algo.Threshold = section.Threshold
		}
		if section.MinEntropy != 0 {
			algo.MinEntropy = section.MinEntropy
		}
		if section.MinSamples != 0 {
			algo.MinSamples = section.MinSamples
		}
		cfg.Algo[name] = algo
	}
}

// coerceMode maps an unrecognized or empty mode string to ModeDev.
func coerceMode(s string) Mode {
	switch Mode(s) {
	case ModeDev, ModeFile, ModeRemote:
		return Mode(s)
	default:
		if s != "" {
			log.Warnf("agentconfig: unknown mode %q, defaulting to dev", s)
		}
		return ModeDev
	}
}

// coerceLogType maps an unrecognized or empty logtype string to
// LogTypeCompress.
func coerceLogType(s string) LogType {
	switch LogType(s) {
	case LogTypeNormal, LogTypeCompress:
		return LogType(s)
	default:
		if s != "" {
			log.Warnf("agentconfig: unknown logtype %q, defaulting to compress", s)
		}
		return LogTypeCompress
	}
}
