// Package llm contains adapters for invoking the reasoning service. Every
// provider takes the full transcript as one prompt and returns the raw text;
// parsing and retry live in the agent package.
package llm
