// Package config loads agent configuration from YAML and maps the
// process environment to concrete storage backends.
package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/asaplabs/asap-go/asap"
)

// AgentConfig is the YAML shape of an agent's static configuration. It
// carries the agent's identity plus everything needed to publish a
// manifest and to start a server.
type AgentConfig struct {
	Agent        AgentIdentity `yaml:"agent"`
	Listen       Listen        `yaml:"listen"`
	Endpoints    Endpoints     `yaml:"endpoints"`
	Capabilities Capabilities  `yaml:"capabilities"`
	AuthSchemes  []string      `yaml:"auth_schemes"`
}

// AgentIdentity names the agent in its manifest.
type AgentIdentity struct {
	URN         string `yaml:"urn"`
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
}

// Listen configures the local server socket.
type Listen struct {
	Port int `yaml:"port"`
}

// Endpoints are the agent's public URLs as advertised in the manifest.
type Endpoints struct {
	ASAP   string `yaml:"asap"`
	Events string `yaml:"events"`
}

// Capabilities mirrors the manifest capabilities block.
type Capabilities struct {
	ProtocolVersion  string   `yaml:"protocol_version"`
	Skills           []Skill  `yaml:"skills"`
	Streaming        bool     `yaml:"streaming"`
	StatePersistence bool     `yaml:"state_persistence"`
	MCPTools         []string `yaml:"mcp_tools"`
}

// Skill declares one skill the agent offers.
type Skill struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Tags        []string `yaml:"tags"`
}

// envRef matches ${VAR} references in the raw YAML.
var envRef = regexp.MustCompile(`\$\{(\w+)\}`)

// expandEnv replaces ${VAR} references with the corresponding environment
// variable. Unset variables expand to the empty string.
func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		name := string(ref[2 : len(ref)-1])
		return []byte(os.Getenv(name))
	})
}

// LoadFile reads and parses an agent configuration file. ${VAR} references
// anywhere in the file are expanded from the environment before parsing.
// The resulting config is validated by building its manifest.
func LoadFile(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg AgentConfig
	if err := yaml.Unmarshal(expandEnv(data), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if _, err := cfg.Manifest(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

// Manifest builds and validates the agent's manifest from the config.
func (c *AgentConfig) Manifest() (*asap.Manifest, error) {
	m := &asap.Manifest{
		URN:         c.Agent.URN,
		Name:        c.Agent.Name,
		Version:     c.Agent.Version,
		Description: c.Agent.Description,
		Capabilities: asap.Capabilities{
			ProtocolVersion:  c.Capabilities.ProtocolVersion,
			Streaming:        c.Capabilities.Streaming,
			StatePersistence: c.Capabilities.StatePersistence,
			MCPTools:         c.Capabilities.MCPTools,
		},
		Endpoints: asap.Endpoints{
			ASAP:   c.Endpoints.ASAP,
			Events: c.Endpoints.Events,
		},
		AuthSchemes: c.AuthSchemes,
	}
	for _, s := range c.Capabilities.Skills {
		m.Capabilities.Skills = append(m.Capabilities.Skills, asap.Skill{
			ID:          s.ID,
			Name:        s.Name,
			Description: s.Description,
			Tags:        s.Tags,
		})
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
