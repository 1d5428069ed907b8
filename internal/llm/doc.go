// Package llm contains the analysis side of an agent cycle: a provider-neutral
// completion interface and an Analyzer that turns model output into validated
// trading signals.
package llm
