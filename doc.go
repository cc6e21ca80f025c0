// Package headersync implements a parallel block-header synchronization
// engine for a Dash-style SPV client. It fans a historical height range out
// over bounded parallel streaming RPC sub-streams, feeds decoded headers to
// an SPV chain validator, and then hands off to a single long-lived
// continuous stream that delivers new headers as they are mined.
package headersync
