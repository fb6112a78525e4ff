package dispatcher

import (
	"strings"

	"go.uber.org/zap"
)

// Envelope is the per-host result shape every task produces, regardless of
// kind or outcome. Job results are maps of host name to Envelope.
type Envelope struct {
	Status    string `json:"status"`
	Result    any    `json:"result"`
	Failed    bool   `json:"failed"`
	Exception string `json:"exception,omitempty"`
	Diff      string `json:"diff,omitempty"`
	Changed   bool   `json:"changed"`
}

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Map renders the envelope as a generic map for JSON storage.
func (e Envelope) Map() map[string]any {
	m := map[string]any{
		"status":  e.Status,
		"result":  e.Result,
		"failed":  e.Failed,
		"diff":    e.Diff,
		"changed": e.Changed,
	}
	if e.Exception != "" {
		m["exception"] = e.Exception
	}
	return m
}

// FailedEnvelope builds the envelope reported when a host never produced a
// usable result.
func FailedEnvelope(exception string) Envelope {
	return Envelope{Status: StatusFailed, Result: nil, Failed: true, Exception: exception}
}

// Step is one unit of work executed on a host's session. A task is one or
// more steps; the collator reduces them to a single envelope.
type Step struct {
	Name      string
	Result    any
	Failed    bool
	Exception string
	Diff      string
	Changed   bool
}

// Collate reduces a host's steps to its envelope. The primary step is, in
// order of preference: the last step that failed, then the last step whose
// textual output carries a trace marker, then the first step. Changed and
// Diff aggregate across all steps.
func Collate(steps []Step) Envelope {
	if len(steps) == 0 {
		return FailedEnvelope("no result returned")
	}

	primary := steps[0]
	found := false
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].Failed {
			primary = steps[i]
			found = true
			break
		}
	}
	if !found {
		for i := len(steps) - 1; i >= 0; i-- {
			if hasTraceMarker(steps[i]) {
				primary = steps[i]
				primary.Failed = true
				break
			}
		}
	}

	env := Envelope{
		Status: StatusSuccess,
		Result: primary.Result,
		Failed: primary.Failed,
	}
	if primary.Failed {
		env.Status = StatusFailed
		env.Exception = primary.Exception
		if env.Exception == "" {
			env.Exception = exceptionFromOutput(primary.Result)
		}
		if env.Exception == "" {
			env.Exception = "task failed"
		}
	}

	var diffs []string
	for _, step := range steps {
		if step.Changed {
			env.Changed = true
		}
		if step.Diff != "" {
			diffs = append(diffs, step.Diff)
		}
	}
	env.Diff = strings.Join(diffs, "\n")
	return env
}

// EnsureHostResults guarantees one envelope per requested host. Hosts the
// fan-out somehow skipped get a synthetic failure so callers never see a
// silent gap.
func EnsureHostResults(results map[string]Envelope, requested []string, logger *zap.Logger) map[string]Envelope {
	if results == nil {
		results = make(map[string]Envelope, len(requested))
	}
	for _, name := range requested {
		if _, ok := results[name]; !ok {
			logger.Warn("host produced no result", zap.String("host", name))
			results[name] = FailedEnvelope("no result returned")
		}
	}
	return results
}

func hasTraceMarker(step Step) bool {
	text, ok := step.Result.(string)
	if !ok {
		return false
	}
	return strings.Contains(text, "Traceback") || strings.Contains(text, "panic:")
}

// exceptionFromOutput extracts the last non-empty line of a textual result,
// which for library trace dumps is the error summary.
func exceptionFromOutput(result any) string {
	text, ok := result.(string)
	if !ok || text == "" {
		return ""
	}
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
