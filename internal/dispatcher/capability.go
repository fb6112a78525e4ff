package dispatcher

import (
	"context"
	"strings"

	"github.com/mam15mon/network/internal/inventory"
	"github.com/mam15mon/network/internal/transport"
)

// capabilityFn is one allow-listed read-only device operation. Capabilities
// run on an already-open session and return steps like any other task body.
type capabilityFn func(ctx context.Context, e *Executor, host *inventory.Host, session transport.Session, spec TaskSpec) []Step

// capabilityTable is the closed allow-list for KindCapability. Arbitrary
// operation names from API callers are rejected at Validate time; only these
// entries can execute.
var capabilityTable = map[string]capabilityFn{
	"get_facts":      getFacts,
	"get_interfaces": getInterfaces,
}

// getFacts collects basic identity facts: platform and raw version output.
func getFacts(ctx context.Context, e *Executor, host *inventory.Host, session transport.Session, spec TaskSpec) []Step {
	command := versionCommand(host.Platform)
	reply, err := e.runOne(ctx, host, session, command, spec.TimeoutSeconds, nil)
	if err != nil {
		return []Step{{Name: "get_facts", Failed: true, Exception: err.Error()}}
	}
	return []Step{{Name: "get_facts", Result: map[string]any{
		"platform":        host.Platform,
		"hostname":        host.Name,
		"version_command": command,
		"version_output":  strings.TrimSpace(reply.Output),
	}}}
}

// getInterfaces collects the raw interface summary output.
func getInterfaces(ctx context.Context, e *Executor, host *inventory.Host, session transport.Session, spec TaskSpec) []Step {
	command := interfacesCommand(host.Platform)
	reply, err := e.runOne(ctx, host, session, command, spec.TimeoutSeconds, nil)
	if err != nil {
		return []Step{{Name: "get_interfaces", Failed: true, Exception: err.Error()}}
	}
	return []Step{{Name: "get_interfaces", Result: map[string]any{
		"platform": host.Platform,
		"command":  command,
		"output":   strings.TrimSpace(reply.Output),
	}}}
}
