// Package logging provides structured logging for the receiver bridge.
//
// It wraps log/slog. Every entry carries service and version fields;
// output is JSON by default or text for development. Attributes whose
// key contains "password", "token" or "secret" are replaced with
// [REDACTED] before they are written.
//
// Configuration (config.yaml):
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Usage:
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Component("denon").Info("receiver connected", "receiver_id", id)
package logging
