// Package denon implements the Denon/Marantz receiver bridge for Gray Logic.
//
// It controls network AV receivers over two TCP protocols and exposes them
// to the rest of the system via MQTT and the REST API.
//
// # Architecture
//
//	┌─────────────────┐          ┌─────────────────┐   telnet :23   ┌──────────┐
//	│   Gray Logic    │   MQTT   │  Denon Bridge   │◄──────────────►│          │
//	│      Core       │◄────────►│   (this pkg)    │   HEOS :1255   │ Receiver │
//	└─────────────────┘          └─────────────────┘◄──────────────►│          │
//	                                                                └──────────┘
//
// # Control Protocols
//
//   - AVR Control (port 23): line-oriented text commands such as "PWON" or
//     "MV45", terminated by CRLF; replies and events terminated by CR.
//   - HEOS CLI (port 1255): "heos://group/command?args" requests with JSON
//     replies and change events, CRLF in both directions.
//   - Hybrid: AVR Control for power, HEOS CLI for everything else.
//
// Receivers configured with control mode AUTO are probed on both ports and
// the richest available mode is selected.
//
// # Request Correlation
//
// Each socket carries at most one outstanding request. A frame that matches
// the pending request resolves it; any other frame is treated as an
// unsolicited event and pushed through Callbacks. Get-operations take an
// optional *RaceStatus so a caller with a short budget can give up while the
// late result still reaches the callbacks exactly once.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
package denon
