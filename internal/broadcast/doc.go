// Package broadcast wraps the remote streaming backend behind a small
// capability interface: create channels, issue or fetch stream keys, probe
// live status, stop streams, and delete channels. The rest of the system
// treats the backend as fallible and slow; probe answers are parsed into a
// strict result type at this boundary so callers never branch on raw JSON.
package broadcast
