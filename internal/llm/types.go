// Package llm provides the provider-agnostic generation layer: one
// abstract conversation shape, two wire families (Gemini-style content
// parts and OpenAI-compatible message arrays), endpoint resolution, and
// structured-output extraction.
package llm

import "fmt"

// Speaker roles for conversation turns. The terminal turn of a request
// always carries the newest user input; providers that use different
// role names remap at their wire boundary.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Turn is one element of an abstract conversation.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Options tunes a single generation call. Zero values defer to the
// engine config (model, temperature) or disable the feature (JSON).
type Options struct {
	// Model overrides the configured model for this call.
	Model string

	// Temperature overrides the configured sampling temperature.
	// Nil means "use the engine config value".
	Temperature *float64

	// JSON requests machine-parseable output. Providers are told via
	// their response-format mechanism and, for Family B, via the system
	// message text as well.
	JSON bool
}

// Request is a fully assembled generation request, independent of the
// target wire family.
type Request struct {
	System string
	Turns  []Turn
	Opts   Options
}

// Temp returns a pointer to t, for building Options literals.
func Temp(t float64) *float64 { return &t }

// ProviderError is returned when a provider call does not succeed at
// the transport level (non-2xx status). Message carries the provider's
// own error text when it could be extracted from the body.
type ProviderError struct {
	Provider string
	Status   int
	Message  string
}

func (e *ProviderError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s API error %d", e.Provider, e.Status)
	}
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.Status, e.Message)
}

// MalformedError indicates that a response expected to contain JSON did
// not parse, even after stripping Markdown fences.
type MalformedError struct {
	Cause error
	Raw   string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed structured response: %v", e.Cause)
}

func (e *MalformedError) Unwrap() error { return e.Cause }
