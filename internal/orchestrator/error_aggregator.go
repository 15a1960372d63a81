package orchestrator

import (
	"fmt"
	"strings"
	"sync"
)

// ErrorAggregator collects the failures of optional job steps (CT lookups,
// WHOIS, httpx) that do not fail the job but belong in its logs.
// Safe for concurrent use.
type ErrorAggregator struct {
	mu     sync.Mutex
	steps  []string
	errors []error
}

func NewErrorAggregator() *ErrorAggregator {
	return &ErrorAggregator{}
}

// Add records err against step. A nil err is ignored.
func (ea *ErrorAggregator) Add(step string, err error) {
	if err == nil {
		return
	}
	ea.mu.Lock()
	defer ea.mu.Unlock()
	ea.steps = append(ea.steps, step)
	ea.errors = append(ea.errors, err)
}

func (ea *ErrorAggregator) Count() int {
	ea.mu.Lock()
	defer ea.mu.Unlock()
	return len(ea.errors)
}

// Lines renders one job log line per recorded failure.
func (ea *ErrorAggregator) Lines() []string {
	ea.mu.Lock()
	defer ea.mu.Unlock()
	lines := make([]string, len(ea.errors))
	for i, err := range ea.errors {
		lines[i] = fmt.Sprintf("Warning: %s failed: %v", ea.steps[i], err)
	}
	return lines
}

func (ea *ErrorAggregator) Error() string {
	lines := ea.Lines()
	switch len(lines) {
	case 0:
		return ""
	case 1:
		return lines[0]
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d errors occurred:\n", len(lines))
	for i, line := range lines {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, line)
	}
	return sb.String()
}
