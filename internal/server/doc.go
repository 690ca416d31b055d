// Package server hosts the MentorLive HTTP API behind a single multiplexer.
//
// The server builds a consistent middleware chain of request IDs, logging,
// audit, metrics, rate limiting, CORS, and security headers so handlers all
// share common protections and instrumentation. Go-live attempts get their
// own per-caller limit, optionally backed by Redis so it holds across
// replicas.
package server
