// Package managerconfig loads the manager process's own configuration:
// listen address, dashboard port, storage root, and the active balancer
// strategy and its parameters.
//
// Same shape and loader pattern as agentconfig: a typed YAML struct
// merged field-by-field onto defaults.
package managerconfig

import (
	"os"

	log "github.com/cihub/seelog"
	"gopkg.in/yaml.v2"

	"github.com/limin5120/LogFun/agentconfig"
)

// ManagerConfig is the manager's resolved, typed configuration.
type ManagerConfig struct {
	ListenHost    string
	ListenPort    int
	DashboardPort int
	StorageRoot   string

	AlgoActive string
	Algo       map[string]agentconfig.AlgoConfig
}

// Default returns the configuration the manager runs with absent a config
// file: listen port 9999, dashboard port 9998.
func Default() *ManagerConfig {
	return &ManagerConfig{
		ListenHost:    "0.0.0.0",
		ListenPort:    9999,
		DashboardPort: 9998,
		StorageRoot:   "./storage",
		AlgoActive:    "zscore",
		Algo: map[string]agentconfig.AlgoConfig{
			"zscore":           {WindowSize: 60, Threshold: 2.0},
			"weighted_entropy": {WindowSize: 60, Threshold: 2.0, MinEntropy: 2.0, MinSamples: 20},
		},
	}
}

type yamlManagerConfig struct {
	ListenHost    string                             `yaml:"listen_host"`
	ListenPort    int                                `yaml:"listen_port"`
	DashboardPort int                                `yaml:"dashboard_port"`
	StorageRoot   string                             `yaml:"storage_root"`
	Algo          map[string]yamlManagerAlgoSection `yaml:"algo"`
}

type yamlManagerAlgoSection struct {
	Active     bool    `yaml:"active"`
	WindowSize int     `yaml:"window_size"`
	Threshold  float64 `yaml:"threshold"`
	MinEntropy float64 `yaml:"min_entropy"`
	MinSamples int     `yaml:"min_samples"`
}

// Load reads path and merges it onto Default(). A missing or malformed
// file is logged and ignored.
func Load(path string) *ManagerConfig {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		log.Debugf("managerconfig: no config at %s, using defaults: %v", path, err)
		return cfg
	}

	var y yamlManagerConfig
	if err := yaml.Unmarshal(data, &y); err != nil {
		log.Warnf("managerconfig: malformed config at %s, using defaults: %v", path, err)
		return cfg
	}

	if y.ListenHost != "" {
		cfg.ListenHost = y.ListenHost
	}
	if y.ListenPort != 0 {
		cfg.ListenPort = y.ListenPort
	}
	if y.DashboardPort != 0 {
		cfg.DashboardPort = y.DashboardPort
	}
	if y.StorageRoot != "" {
		cfg.StorageRoot = y.StorageRoot
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

	return cfg
}
