package protocol

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Capabilities understood by this build. Component types are advertised as
// CapabilityComponentPrefix + type name.
const (
	CapabilityUIRequest       = "ui-request"
	CapabilityEventTrigger    = "event-trigger"
	CapabilityComponentUpdate = "component-update"
	CapabilityPartialUpdates  = "partial-updates"
	CapabilityHeartbeat       = "heartbeat"

	CapabilityComponentPrefix = "component:"
)

// DefaultCapabilities is the feature set both binaries advertise.
var DefaultCapabilities = []string{
	CapabilityUIRequest,
	CapabilityEventTrigger,
	CapabilityComponentUpdate,
	CapabilityPartialUpdates,
	CapabilityHeartbeat,
}

// Compatible reports whether a peer speaking version can talk to this build:
// same major version, any minor or patch.
func Compatible(version string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrUnsupportedVersion, version, err)
	}
	ours := semver.MustParse(Version)
	c, err := semver.NewConstraint(fmt.Sprintf("^%d", ours.Major()))
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return fmt.Errorf("%w: %s is not compatible with %s", ErrUnsupportedVersion, v, Version)
	}
	return nil
}

// Negotiate returns the capabilities present in both lists, in server order.
func Negotiate(server, requested []string) []string {
	want := make(map[string]struct{}, len(requested))
	for _, c := range requested {
		want[c] = struct{}{}
	}
	out := make([]string, 0, len(server))
	for _, c := range server {
		if _, ok := want[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// ComponentTypes extracts the component type names from a capability list.
func ComponentTypes(caps []string) []string {
	var out []string
	for _, c := range caps {
		if name, ok := strings.CutPrefix(c, CapabilityComponentPrefix); ok && name != "" {
			out = append(out, name)
		}
	}
	return out
}

// ComponentCapabilities turns type names into capabilities.
func ComponentCapabilities(types []string) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = CapabilityComponentPrefix + t
	}
	return out
}
