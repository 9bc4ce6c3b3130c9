// Package recursion implements the cycle and depth guard of spec §4.6.
// Nested runbook invocations arrive as fresh requests from scripts, so
// the guard carries all of its state on the wire (a JSON-encoded stack
// of filenames) rather than in process memory.
package recursion

import (
	"encoding/json"
	"fmt"

	"github.com/runbookhq/runbookd/pkg/kernel/types"
)

// ParseStack decodes the inbound recursion stack. An empty or absent
// value is treated identically to an empty stack.
func ParseStack(raw string) ([]string, error) {
	if raw == "" {
		return []string{}, nil
	}
	var stack []string
	if err := json.Unmarshal([]byte(raw), &stack); err != nil {
		return nil, fmt.Errorf("parse recursion stack: %w", err)
	}
	if stack == nil {
		stack = []string{}
	}
	return stack, nil
}

// Encode serializes the stack for propagation via RUNBOOK_RECURSION_STACK.
func Encode(stack []string) string {
	b, err := json.Marshal(stack)
	if err != nil {
		// stack is always []string; Marshal cannot fail for it.
		return "[]"
	}
	return string(b)
}

// Check enforces the cycle and depth rules before filename is allowed to
// run. It does not mutate stack; use Extend to produce the outbound
// stack once Check has passed.
func Check(stack []string, filename string, maxDepth int) error {
	for _, f := range stack {
		if f == filename {
			return types.NewError(types.KindRecursionDetected,
				fmt.Sprintf("Recursion detected: Runbook %s already in execution chain: %s", filename, Encode(stack)))
		}
	}
	if len(stack) >= maxDepth {
		return types.NewError(types.KindRecursionDepthExceeded,
			fmt.Sprintf("recursion depth %d meets or exceeds limit %d", len(stack), maxDepth))
	}
	return nil
}

// Extend appends filename to the stack, producing the stack the child
// execution (and its own nested calls) will see.
func Extend(stack []string, filename string) []string {
	out := make([]string, len(stack), len(stack)+1)
	copy(out, stack)
	return append(out, filename)
}
