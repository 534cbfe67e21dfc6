// Package api implements the HTTP REST API and WebSocket server for the AVR
// bridge.
//
// This package provides:
//   - REST endpoints to list receivers, refresh their state, send commands
//     and read the command audit trail
//   - A WebSocket hub pushing receiver.state_changed events
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Architecture
//
// The API calls the receiver bridge directly; it does not go through MQTT.
// Commands issued here are acknowledged on MQTT like any other, with
// source "api", and the ack is also returned in the HTTP response.
//
// # Security
//
// There is no authentication. Bind the listener to a trusted interface
// (api.host) and restrict browser origins with api.cors.allowed_origins,
// which also governs WebSocket upgrades.
package api
