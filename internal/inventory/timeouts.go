package inventory

import (
	"strings"
)

// commandTimeoutsKey is the extension-data key holding the per-command
// timeout rule set. The value is a map of "command pattern" -> seconds;
// patterns ending in "*" are prefix matches. Rule sets from the Defaults,
// Group and Device layers are merged key-wise at inventory build time, so by
// the time resolution runs the host carries one combined map.
const commandTimeoutsKey = "command_timeouts"

// ResolveCommandTimeout returns the configured timeout in seconds for one
// literal command, or nil when no rule matches. Matching order:
//
//  1. exact match on the full command string
//  2. the longest prefix pattern ending in "*" whose prefix the command
//     starts with
//
// Callers apply their own fallback when nil is returned (command execution
// relies on the transport default, snapshot capture uses 180s).
func ResolveCommandTimeout(host *Host, command string) *float64 {
	if host == nil || len(host.Data) == 0 {
		return nil
	}
	rules, ok := host.Data[commandTimeoutsKey].(map[string]any)
	if !ok || len(rules) == 0 {
		return nil
	}

	if value, ok := rules[command]; ok {
		if seconds, ok := toSeconds(value); ok {
			return &seconds
		}
	}

	var (
		bestLen = -1
		bestVal float64
		found   bool
	)
	for pattern, value := range rules {
		if !strings.HasSuffix(pattern, "*") {
			continue
		}
		prefix := strings.TrimSuffix(pattern, "*")
		if !strings.HasPrefix(command, prefix) {
			continue
		}
		if len(prefix) > bestLen {
			if seconds, ok := toSeconds(value); ok {
				bestLen = len(prefix)
				bestVal = seconds
				found = true
			}
		}
	}
	if found {
		return &bestVal
	}
	return nil
}

// MaxCommandTimeout resolves each command in the list and returns the largest
// matched timeout, or nil when no command matches any rule. Used when one
// session-level timeout must cover a whole command batch.
func MaxCommandTimeout(host *Host, commands []string) *float64 {
	var max *float64
	for _, command := range commands {
		t := ResolveCommandTimeout(host, command)
		if t != nil && (max == nil || *t > *max) {
			max = t
		}
	}
	return max
}

// toSeconds normalizes the numeric types a JSON decode can produce.
func toSeconds(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
