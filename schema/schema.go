// Package schema defines the request and result shapes shared between the
// observe/act handlers, the model client, and the cache subsystem.
package schema

// ObserveOptions carries the parameters of an observe operation.
type ObserveOptions struct {
	// Instruction detailing what the model should observe. When empty, a
	// generic "find actionable elements" instruction is substituted.
	Instruction string `json:"instruction"`
	// ModelName optionally overrides the configured model.
	ModelName string `json:"model_name,omitempty"`
	// DrawOverlay requests a visual overlay on observed elements.
	DrawOverlay bool `json:"draw_overlay,omitempty"`
	// DOMSettleTimeoutMS is additional settle time before observation.
	DOMSettleTimeoutMS int `json:"dom_settle_timeout_ms,omitempty"`
	// FromCache enables the selector cache for this observation.
	FromCache bool `json:"from_cache,omitempty"`
}

// ObserveResult is a single element produced by an observe operation.
// This is exactly the record the selector cache persists.
type ObserveResult struct {
	// Selector locating the element, usually "xpath=..." form.
	Selector string `json:"selector"`
	// Description of the element in natural language.
	Description string `json:"description"`
	// Method is the suggested actuation method (click, fill, ...).
	Method string `json:"method,omitempty"`
	// Arguments for the method, in order.
	Arguments []string `json:"arguments,omitempty"`
	// BackendNodeID is the CDP backend node identifier when known.
	BackendNodeID int `json:"backend_node_id,omitempty"`
}

// ActOptions carries the parameters of an act operation.
type ActOptions struct {
	// Action is the natural-language action command.
	Action string `json:"action"`
	// Variables are substituted into the action before execution.
	Variables map[string]string `json:"variables,omitempty"`
	// ModelName optionally overrides the configured model.
	ModelName string `json:"model_name,omitempty"`
	// TimeoutMS bounds the whole act operation.
	TimeoutMS int `json:"timeout_ms,omitempty"`
}

// ActResult is the outcome of an act operation.
type ActResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Action  string `json:"action"`
}

// PageContext identifies the page state a cache entry was captured against.
type PageContext struct {
	URL            string `json:"url"`
	Title          string `json:"title,omitempty"`
	ViewportWidth  int    `json:"viewport_width,omitempty"`
	ViewportHeight int    `json:"viewport_height,omitempty"`
}
