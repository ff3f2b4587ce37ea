// Package api exposes the agent over HTTP: a server-sent events endpoint that
// streams one request's progress, a direct transfer endpoint, a health probe
// and the Prometheus scrape endpoint.
package api
