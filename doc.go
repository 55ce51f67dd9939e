// Package mcpv2 implements a client for the MCP v2 protocol, a JSON-RPC 2.0
// shaped request/response protocol with protocol-level context propagation.
//
// The package is built around two layers. The Client orchestrates requests:
// it correlates responses by id, enforces per-request timeouts, attaches the
// client's current context to outgoing requests, and reports its lifecycle
// through events and counters. The Transport interface carries the bytes;
// HTTP, WebSocket, and SSE implementations are provided and custom transports
// can be plugged in.
//
// Clients are created from a ClientConfig with New, or from an explicit
// Transport with NewClient, and must be connected with Connect before use.
// Close releases all resources and cancels requests still in flight.
package mcpv2
