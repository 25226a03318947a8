package verification

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedCapabilities is returned when a capabilities response has
// neither of the two accepted shapes.
var ErrMalformedCapabilities = errors.New("capabilities response has unrecognized shape")

// capabilityEntry is one advertised capability. Only the name matters here;
// descriptors are free-form.
type capabilityEntry struct {
	Name string `json:"name"`
}

// wrappedCapabilities is the {"capabilities": [...]} response shape.
type wrappedCapabilities struct {
	Capabilities []capabilityEntry `json:"capabilities"`
}

// ParseCapabilities extracts the flat set of capability names from a
// /capabilities response body. Two shapes are accepted: a top-level JSON list
// of {name, ...} objects, or an object wrapping the same list under a
// "capabilities" key. Anything else is a structured parse error, not a guess.
func ParseCapabilities(body []byte) (map[string]bool, error) {
	var raw json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	var entries []capabilityEntry

	var list []capabilityEntry
	if err := json.Unmarshal(raw, &list); err == nil {
		entries = list
	} else {
		var wrapped wrappedCapabilities
		if err := json.Unmarshal(raw, &wrapped); err != nil || wrapped.Capabilities == nil {
			return nil, ErrMalformedCapabilities
		}
		entries = wrapped.Capabilities
	}

	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.Name != "" {
			names[e.Name] = true
		}
	}
	return names, nil
}

// MissingCapabilities returns registered names absent from reported, in
// registration order for stable diagnostics.
func MissingCapabilities(registered []string, reported map[string]bool) []string {
	var missing []string
	for _, name := range registered {
		if !reported[name] {
			missing = append(missing, name)
		}
	}
	return missing
}
