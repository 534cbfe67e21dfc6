// Package config loads and validates the receiver bridge configuration.
//
// Values are resolved in three layers: built-in defaults, then the YAML
// file, then GRAYLOGIC_AVR_* environment variables. Validate reports every
// problem at once so a broken file can be fixed in one pass.
//
// Secrets (MQTT password, InfluxDB token) should come from the environment
// rather than the file.
//
// Usage:
//
//	cfg, err := config.Load(config.Path())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, r := range cfg.Protocols.Denon.Receivers {
//	    fmt.Println(r.ID, r.Host)
//	}
package config
