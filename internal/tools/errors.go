package tools

import "fmt"

// ErrUnknownTool is returned when a plan action names a tool that is
// not in the registry. This is a plan validation failure, not a
// transient execution failure; the executor records it and moves on to
// the next action rather than retrying.
type ErrUnknownTool struct {
	Name string
}

func (e *ErrUnknownTool) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.Name)
}
