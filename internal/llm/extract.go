package llm

import (
	"encoding/json"
	"strings"
)

// StripFences removes Markdown code-fence markers from model output.
// Models frequently wrap JSON in ```json ... ``` despite instructions;
// the fence may carry any language tag and may open mid-text.
func StripFences(raw string) string {
	s := strings.TrimSpace(raw)

	if start := strings.Index(s, "```"); start != -1 {
		s = s[start+3:]
		// Drop the language tag up to the first newline, if any.
		if nl := strings.IndexByte(s, '\n'); nl != -1 && nl < 20 {
			s = s[nl+1:]
		}
		if end := strings.LastIndex(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	return strings.TrimSpace(s)
}

// ParseObject parses raw model output into v, which must point at a
// struct or map. A solitary object wrapped in a one-element array is
// unwrapped and accepted — a common model quirk. Returns a
// *MalformedError when nothing parseable remains after fence stripping.
func ParseObject(raw string, v any) error {
	s := StripFences(raw)

	if err := json.Unmarshal([]byte(s), v); err == nil {
		return nil
	}

	var list []json.RawMessage
	if err := json.Unmarshal([]byte(s), &list); err == nil && len(list) == 1 {
		if err := json.Unmarshal(list[0], v); err == nil {
			return nil
		}
	}

	return &MalformedError{
		Cause: jsonError(s, v),
		Raw:   excerpt(s),
	}
}

// ParseArray parses raw model output into v, which must point at a
// slice. A bare object is accepted and treated as a one-element array.
func ParseArray(raw string, v any) error {
	s := StripFences(raw)

	if err := json.Unmarshal([]byte(s), v); err == nil {
		return nil
	}

	// Solitary object without brackets: retry as [object].
	if strings.HasPrefix(s, "{") {
		if err := json.Unmarshal([]byte("["+s+"]"), v); err == nil {
			return nil
		}
	}

	return &MalformedError{
		Cause: jsonError(s, v),
		Raw:   excerpt(s),
	}
}

// jsonError re-runs the failing unmarshal to capture the underlying
// json error for the MalformedError cause.
func jsonError(s string, v any) error {
	return json.Unmarshal([]byte(s), v)
}

// excerpt bounds the raw text carried on a MalformedError so logs stay
// readable.
func excerpt(s string) string {
	const max = 200
	if len(s) > max {
		return s[:max] + "…"
	}
	return s
}
