// Package llm contains adapters and orchestration logic for invoking large
// language models. It abstracts away provider-specific APIs and normalizes
// request/response lifecycles for use within the daemon's agent runtime.
package llm
