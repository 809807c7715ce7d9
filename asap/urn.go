package asap

import (
	"fmt"
	"regexp"
)

// MaxURNLength is the maximum byte length of an agent URN.
const MaxURNLength = 255

// agentURNPattern matches urn:asap:agent:<name> with an optional :<sub>
// segment. Names and sub-names are lowercase alphanumerics and hyphens.
var agentURNPattern = regexp.MustCompile(`^urn:asap:agent:[a-z0-9-]+(:[a-z0-9-]+)?$`)

// AgentURN builds an agent URN from a name and an optional sub-name.
// It does not validate the result; call ValidateAgentURN when the inputs
// are untrusted.
func AgentURN(name, sub string) string {
	if sub == "" {
		return "urn:asap:agent:" + name
	}
	return fmt.Sprintf("urn:asap:agent:%s:%s", name, sub)
}

// ValidateAgentURN checks that urn is a well-formed agent URN within the
// length bound.
func ValidateAgentURN(urn string) error {
	if len(urn) > MaxURNLength {
		return NewError(AreaEnvelope, KindInvalidSchema, "validate urn",
			fmt.Errorf("urn exceeds %d bytes", MaxURNLength))
	}
	if !agentURNPattern.MatchString(urn) {
		return NewError(AreaEnvelope, KindInvalidSchema, "validate urn",
			fmt.Errorf("malformed agent urn %q", urn))
	}
	return nil
}
