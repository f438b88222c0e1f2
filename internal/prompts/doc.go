// Package prompts centralizes every prompt template sent to a model
// provider. Templates are plain const strings with fmt verbs; each has
// an exported function that performs the interpolation. Keeping them in
// one package makes prompt review a single-file diff rather than a
// scavenger hunt across the orchestration code.
package prompts
