package router

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/agentpipe/core"
)

// ErrNoDecision is returned when a decider produced no usable worker.
var ErrNoDecision = errors.New("no worker chosen")

// Match resolves a free-form answer to a worker ref. An exact match wins,
// then a case-insensitive one, then the single ref contained in the answer.
// Ambiguous or empty answers are rejected.
func Match(answer string, refs []string) (string, error) {
	answer = strings.Trim(strings.TrimSpace(answer), "\"'`.")
	if answer == "" {
		return "", ErrNoDecision
	}

	for _, ref := range refs {
		if ref == answer {
			return ref, nil
		}
	}

	for _, ref := range refs {
		if strings.EqualFold(ref, answer) {
			return ref, nil
		}
	}

	lower := strings.ToLower(answer)

	var found []string

	for _, ref := range refs {
		if strings.Contains(lower, strings.ToLower(ref)) {
			found = append(found, ref)
		}
	}

	switch len(found) {
	case 1:
		return found[0], nil
	case 0:
		// Unknown names pass through so the supervisor reports the unknown worker.
		return answer, nil
	default:
		return "", fmt.Errorf("%w: answer %q names several workers %v", ErrNoDecision, answer, found)
	}
}

// workerFrom extracts a worker name from an agent or model output.
func workerFrom(output any) (string, error) {
	switch v := output.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case map[string]any:
		if w, ok := v["worker"].(string); ok {
			return w, nil
		}
	case map[string]string:
		if w, ok := v["worker"]; ok {
			return w, nil
		}
	}

	return "", fmt.Errorf("%w: unexpected output %s", ErrNoDecision, core.PayloadText(output))
}
