package tools

import (
	"fmt"
	"strings"
)

// ErrToolUnavailable means the model asked for a tool that is not in
// the registry, either never registered or disabled in config.
type ErrToolUnavailable struct {
	ToolName string
}

func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}

// ErrInvalidArguments means the model's arguments could not be used:
// they were not a JSON object, or required fields were absent. Either
// way the handler never ran.
type ErrInvalidArguments struct {
	ToolName string
	Raw      string   // unparseable argument text, if any
	Missing  []string // required fields that were absent
}

func (e *ErrInvalidArguments) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("missing required arguments for %s: %s", e.ToolName, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("invalid arguments for %s: %q", e.ToolName, e.Raw)
}

