package dispatcher

import (
	"fmt"
	"sort"
	"strings"
)

// TaskKind is the closed set of operations the dispatcher can run against a
// fleet. The set is compile-time checked: adding a kind means adding a case
// to Executor.runHost and an entry to kindTable, and the Validate switch
// refuses anything else.
type TaskKind string

const (
	// KindCommand runs one command, or a strict in-order sequence when the
	// command text contains multiple lines.
	KindCommand TaskKind = "command"
	// KindConfig pushes configuration lines, optionally as a dry run.
	KindConfig TaskKind = "config"
	// KindConnectivity verifies that a session can be opened and is alive.
	KindConnectivity TaskKind = "connectivity"
	// KindCapability invokes a named read-only device capability from the
	// allow-list (get_facts, get_interfaces).
	KindCapability TaskKind = "capability"
	// KindRunningConfig captures the device's running configuration using a
	// per-platform default command unless overridden.
	KindRunningConfig TaskKind = "running_config"
)

// KindInfo describes one task kind for the capability catalog exposed to the
// API layer. Mutating kinds require an explicit confirmation flag at the API
// boundary before they are accepted.
type KindInfo struct {
	Kind        TaskKind `json:"kind"`
	Mutating    bool     `json:"mutating"`
	Description string   `json:"description"`
}

var kindTable = map[TaskKind]KindInfo{
	KindCommand:       {Kind: KindCommand, Mutating: false, Description: "run a command or command sequence"},
	KindConfig:        {Kind: KindConfig, Mutating: true, Description: "push configuration lines"},
	KindConnectivity:  {Kind: KindConnectivity, Mutating: false, Description: "check device reachability"},
	KindCapability:    {Kind: KindCapability, Mutating: false, Description: "invoke a named read-only capability"},
	KindRunningConfig: {Kind: KindRunningConfig, Mutating: false, Description: "capture the running configuration"},
}

// Kinds returns the capability catalog sorted by kind name.
func Kinds() []KindInfo {
	infos := make([]KindInfo, 0, len(kindTable))
	for _, info := range kindTable {
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Kind < infos[j].Kind })
	return infos
}

// KindByName resolves a kind string (e.g. from a job row) to its catalog
// entry.
func KindByName(name string) (KindInfo, bool) {
	info, ok := kindTable[TaskKind(name)]
	return info, ok
}

// Capabilities lists the named capabilities accepted by KindCapability.
func Capabilities() []string {
	names := make([]string, 0, len(capabilityTable))
	for name := range capabilityTable {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TaskSpec is the tagged union describing one fleet operation. Exactly the
// fields relevant to Kind are consulted; Validate enforces the required ones.
type TaskSpec struct {
	Kind TaskKind `json:"kind"`

	// Command is the command text for KindCommand. Multiple non-empty lines
	// form an in-order sequence executed on one session.
	Command string `json:"command,omitempty"`

	// ConfigLines is the payload for KindConfig.
	ConfigLines []string `json:"config_lines,omitempty"`
	// DryRun asks the transport to validate without mutating device state.
	// The dispatcher only forwards the flag.
	DryRun bool `json:"dry_run,omitempty"`

	// Capability names the allow-listed operation for KindCapability.
	Capability string `json:"capability,omitempty"`

	// CommandOverride replaces the per-platform default capture command for
	// KindRunningConfig.
	CommandOverride string `json:"command_override,omitempty"`

	// TimeoutSeconds overrides per-command timeout resolution entirely.
	// When nil the timeout policy decides, with kind-specific fallbacks.
	TimeoutSeconds *float64 `json:"timeout_seconds,omitempty"`
}

// Validate checks the task before any device I/O happens. Input errors fail
// the whole call synchronously and never become per-host envelopes.
func (s TaskSpec) Validate() error {
	switch s.Kind {
	case KindCommand:
		if len(SplitCommands(s.Command)) == 0 {
			return fmt.Errorf("dispatcher: command must not be empty")
		}
	case KindConfig:
		if len(trimLines(s.ConfigLines)) == 0 {
			return fmt.Errorf("dispatcher: config lines must not be empty")
		}
	case KindConnectivity, KindRunningConfig:
		// No payload required.
	case KindCapability:
		if _, ok := capabilityTable[s.Capability]; !ok {
			return fmt.Errorf("dispatcher: unknown capability %q", s.Capability)
		}
	default:
		return fmt.Errorf("dispatcher: unsupported task kind %q", s.Kind)
	}
	return nil
}

// Mutating reports whether the task mutates device state. Config pushes are
// always mutating; a dry run still talks to the device's config subsystem
// and stays gated.
func (s TaskSpec) Mutating() bool {
	info, ok := kindTable[s.Kind]
	return ok && info.Mutating
}

// SplitCommands splits command text into its non-empty trimmed lines.
func SplitCommands(command string) []string {
	var commands []string
	for _, line := range strings.Split(command, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			commands = append(commands, trimmed)
		}
	}
	return commands
}

func trimLines(lines []string) []string {
	var out []string
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// GuessRunningConfigCommand returns the platform's conventional command for
// dumping the running configuration.
func GuessRunningConfigCommand(platform string) string {
	p := strings.ToLower(platform)
	switch {
	case strings.Contains(p, "huawei"), strings.Contains(p, "h3c"), strings.Contains(p, "comware"):
		return "display current-configuration"
	case strings.Contains(p, "juniper"), strings.Contains(p, "junos"):
		return "show configuration | display set"
	case strings.Contains(p, "fortinet"), strings.Contains(p, "fortigate"):
		return "show full-configuration"
	default:
		return "show running-config"
	}
}

// versionCommand returns the platform's conventional version command.
func versionCommand(platform string) string {
	if strings.Contains(strings.ToLower(platform), "huawei") {
		return "display version"
	}
	return "show version"
}

// interfacesCommand returns the platform's conventional interface summary
// command.
func interfacesCommand(platform string) string {
	p := strings.ToLower(platform)
	switch {
	case strings.Contains(p, "huawei"), strings.Contains(p, "h3c"), strings.Contains(p, "comware"):
		return "display interface brief"
	case strings.Contains(p, "juniper"):
		return "show interfaces terse"
	default:
		return "show interfaces status"
	}
}
