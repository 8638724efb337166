// Package agentconfig resolves an agent's configuration file path through
// a fixed fallback chain and decodes the budgets and identity settings
// that the rest of the core consumes.
package agentconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Resolver finds the config file in priority order:
//  1. explicit CLI flag
//  2. AGENMESH_CONFIG_PATH environment variable
//  3. ./config/<agent-name>.yaml (CWD-relative)
//  4. <binary-dir>/config/<agent-name>.yaml (portable bundles)
//  5. no file found -> caller uses embedded defaults
type Resolver struct {
	AgentName  string
	ConfigFlag string
}

func (r Resolver) Resolve() (string, error) {
	if r.ConfigFlag != "" {
		return r.ConfigFlag, nil
	}
	if path := os.Getenv("AGENMESH_CONFIG_PATH"); path != "" {
		if fileExists(path) {
			return path, nil
		}
	}
	path := filepath.Join("config", r.AgentName+".yaml")
	if fileExists(path) {
		return path, nil
	}
	binaryDir := filepath.Dir(os.Args[0])
	path = filepath.Join(binaryDir, "config", r.AgentName+".yaml")
	if fileExists(path) {
		return path, nil
	}
	return "", nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Budgets holds the pipeline/reasoning limits an agent process enforces.
type Budgets struct {
	MaxPipelineDepth int `yaml:"max_pipeline_depth"`
	MaxIterations    int `yaml:"max_iterations"`
	MaxToolCalls     int `yaml:"max_tool_calls"`
	ProcessedSetCap  int `yaml:"processed_set_capacity"`
	RegistryTTLSecs  int `yaml:"registry_ttl_seconds"`
}

// DefaultBudgets returns the default pipeline/reasoning limits.
func DefaultBudgets() Budgets {
	return Budgets{
		MaxPipelineDepth: 16,
		MaxIterations:    10,
		MaxToolCalls:     15,
		ProcessedSetCap:  10000,
		RegistryTTLSecs:  90,
	}
}

// Config is an agent's full resolved configuration.
type Config struct {
	AgentID       string  `yaml:"agent_id"`
	BrokerAddress string  `yaml:"broker_address"`
	Debug         bool    `yaml:"debug"`
	Budgets       Budgets `yaml:"budgets"`
}

// Load resolves and parses the config file, falling back to defaults (with
// the given agentID/brokerAddress) when no file is found.
func Load(agentName, configFlag, agentID, brokerAddress string) (Config, error) {
	cfg := Config{
		AgentID:       agentID,
		BrokerAddress: brokerAddress,
		Budgets:       DefaultBudgets(),
	}

	resolver := Resolver{AgentName: agentName, ConfigFlag: configFlag}
	path, err := resolver.Resolve()
	if err != nil {
		return cfg, err
	}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("agentconfig: read %s: %w", path, err)
	}

	fileCfg := cfg
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return cfg, fmt.Errorf("agentconfig: parse %s: %w", path, err)
	}
	return fileCfg, nil
}

// GetAgentID resolves the agent's id: CLI flag, env var, then an
// auto-generated id from type/hostname/pid.
func GetAgentID(flagValue, agentType string) string {
	if flagValue != "" {
		return flagValue
	}
	if id := os.Getenv("AGENMESH_AGENT_ID"); id != "" {
		return id
	}
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%s-%d", agentType, hostname, os.Getpid())
}
