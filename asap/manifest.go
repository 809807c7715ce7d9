package asap

import (
	"fmt"
	"net/url"

	"github.com/Masterminds/semver/v3"
)

// ManifestPath is the well-known HTTP path where agents publish their
// manifest.
const ManifestPath = "/.well-known/asap/manifest.json"

// Auth scheme names a manifest may advertise.
const (
	AuthSchemeBearer = "bearer"
	AuthSchemeOAuth2 = "oauth2"
)

// Manifest is an agent's self-description, published at ManifestPath.
type Manifest struct {
	// URN is the agent's stable identifier.
	URN string `json:"urn"`

	// Name is the human-readable agent name.
	Name string `json:"name"`

	// Version is the agent's own semver version.
	Version string `json:"version"`

	Description string `json:"description,omitempty"`

	Capabilities Capabilities `json:"capabilities"`

	Endpoints Endpoints `json:"endpoints"`

	// AuthSchemes lists the authentication schemes the agent accepts.
	AuthSchemes []string `json:"auth_schemes,omitempty"`

	// Signature is an optional detached signature over the manifest body.
	Signature string `json:"signature,omitempty"`
}

// Capabilities describes what an agent can do.
type Capabilities struct {
	// ProtocolVersion is the highest asap protocol version the agent speaks.
	ProtocolVersion string `json:"protocol_version"`

	Skills []Skill `json:"skills,omitempty"`

	// StatePersistence indicates the agent checkpoints task state.
	StatePersistence bool `json:"state_persistence,omitempty"`

	// Streaming indicates the agent exposes a WebSocket events endpoint.
	Streaming bool `json:"streaming,omitempty"`

	// MCPTools names the MCP tools callable via mcp.tool_call envelopes.
	MCPTools []string `json:"mcp_tools,omitempty"`
}

// Skill is one advertised capability.
type Skill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Endpoints holds the agent's transport URLs.
type Endpoints struct {
	// ASAP is the JSON-RPC endpoint URL.
	ASAP string `json:"asap"`

	// Events is the optional WebSocket endpoint URL.
	Events string `json:"events,omitempty"`
}

// Validate checks the manifest invariants: a well-formed URN, a name,
// parseable semver versions, and well-formed endpoint URLs.
func (m *Manifest) Validate() error {
	if err := ValidateAgentURN(m.URN); err != nil {
		return err
	}

	if m.Name == "" {
		return NewError(AreaEnvelope, KindInvalidSchema, "validate manifest",
			fmt.Errorf("missing name"))
	}

	if _, err := semver.NewVersion(m.Version); err != nil {
		return NewError(AreaEnvelope, KindInvalidSchema, "validate manifest",
			fmt.Errorf("version %q: %w", m.Version, err))
	}

	if _, err := semver.NewVersion(m.Capabilities.ProtocolVersion); err != nil {
		return NewError(AreaEnvelope, KindInvalidSchema, "validate manifest",
			fmt.Errorf("protocol_version %q: %w", m.Capabilities.ProtocolVersion, err))
	}

	if m.Endpoints.ASAP == "" {
		return NewError(AreaEnvelope, KindInvalidSchema, "validate manifest",
			fmt.Errorf("missing endpoints.asap"))
	}
	if _, err := url.Parse(m.Endpoints.ASAP); err != nil {
		return NewError(AreaEnvelope, KindInvalidSchema, "validate manifest",
			fmt.Errorf("endpoints.asap: %w", err))
	}
	if m.Endpoints.Events != "" {
		if _, err := url.Parse(m.Endpoints.Events); err != nil {
			return NewError(AreaEnvelope, KindInvalidSchema, "validate manifest",
				fmt.Errorf("endpoints.events: %w", err))
		}
	}

	return nil
}

// FindSkill returns the advertised skill with the given id, or nil.
func (m *Manifest) FindSkill(id string) *Skill {
	for i := range m.Capabilities.Skills {
		if m.Capabilities.Skills[i].ID == id {
			return &m.Capabilities.Skills[i]
		}
	}
	return nil
}

// SupportsProtocol reports whether the agent speaks a protocol version
// compatible with v (same major version, agent's version >= v).
func (m *Manifest) SupportsProtocol(v string) bool {
	want, err := semver.NewVersion(v)
	if err != nil {
		return false
	}
	have, err := semver.NewVersion(m.Capabilities.ProtocolVersion)
	if err != nil {
		return false
	}
	return have.Major() == want.Major() && !have.LessThan(want)
}
